package proxy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/usage-meter/internal/pricing"
	"github.com/vnmchuo/usage-meter/internal/provider"
)

var ErrNoProvider = errors.New("all providers unavailable")

// RateSource is implemented by *pricing.Resolver.
type RateSource interface {
	Resolve(ctx context.Context, provider, model string, asOf time.Time) pricing.ResolvedRate
}

type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	rates     RateSource
}

// NewRouter builds one circuit breaker per provider. rates may be nil, in
// which case the first healthy candidate wins.
func NewRouter(providers []provider.Provider, rates RateSource) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
		rates:     rates,
	}
}

// Route picks the cheapest healthy provider that serves req.Model. Price is
// the resolved rate for one million prompt plus one million completion
// units; a provider with no known rate sorts last.
func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	var candidates []provider.Provider
	for _, p := range r.providers {
		cb := r.breakers[p.Name()]
		if cb.State() == gobreaker.StateOpen {
			continue
		}
		if req.Model == "" || slices.Contains(p.SupportedModels(), req.Model) {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}
	if r.rates == nil {
		return candidates[0], nil
	}

	now := time.Now()
	best, bestPrice := candidates[0], r.quote(ctx, candidates[0], req.Model, now)
	for _, p := range candidates[1:] {
		if price := r.quote(ctx, p, req.Model, now); price < bestPrice {
			best, bestPrice = p, price
		}
	}
	return best, nil
}

func (r *Router) quote(ctx context.Context, p provider.Provider, model string, asOf time.Time) int64 {
	if model == "" {
		models := p.SupportedModels()
		if len(models) == 0 {
			return math.MaxInt64
		}
		model = models[0]
	}
	rate := r.rates.Resolve(ctx, p.Name(), model, asOf)
	if rate.Source == pricing.SourceMissing {
		return math.MaxInt64
	}
	return rate.InputPerMillion + rate.OutputPerMillion
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

func (r *Router) ExecuteStream(ctx context.Context, req *provider.Request, p provider.Provider) (<-chan *provider.Chunk, error) {
	cb := r.breakers[p.Name()]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", p.Name())
	}

	origCh, err := p.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}
