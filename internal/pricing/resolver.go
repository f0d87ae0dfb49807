package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/usage-meter/internal/billing"
)

const DefaultCurrency = "USD"

// Source tags where a resolved price came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceDefault  Source = "default"
	SourceMissing  Source = "missing"
)

type ResolvedRate struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	InputPerMillion  int64     `json:"input_per_million"`
	OutputPerMillion int64     `json:"output_per_million"`
	Currency         string    `json:"currency"`
	Source           Source    `json:"source"`
	EffectiveFrom    time.Time `json:"effective_from,omitempty"`
}

// RateStore is the slice of billing.Store the resolver needs.
type RateStore interface {
	LatestRate(ctx context.Context, provider, model string, asOf time.Time) (*billing.RateRecord, error)
	InsertRate(ctx context.Context, rec *billing.RateRecord) (bool, error)
}

// DefaultsEffectiveFrom dates persisted pricebook defaults so that any
// later override supersedes them.
var DefaultsEffectiveFrom = time.Unix(0, 0).UTC()

type Resolver struct {
	store           RateStore
	pricebook       *Pricebook
	persistDefaults bool
	now             func() time.Time
}

type ResolverOption func(*Resolver)

// WithPersistDefaults makes Resolve write pricebook hits back as rate records.
func WithPersistDefaults(enabled bool) ResolverOption {
	return func(r *Resolver) { r.persistDefaults = enabled }
}

func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver. store may be nil, in which case only the
// pricebook is consulted.
func NewResolver(store RateStore, pricebook *Pricebook, opts ...ResolverOption) *Resolver {
	if pricebook == nil {
		pricebook = DefaultPricebook()
	}
	r := &Resolver{store: store, pricebook: pricebook, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Pricebook() *Pricebook { return r.pricebook }

// Resolve returns the price in effect at asOf (zero means now). It never
// fails: an unknown pair resolves to zero prices tagged SourceMissing.
func (r *Resolver) Resolve(ctx context.Context, provider, model string, asOf time.Time) ResolvedRate {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))
	if asOf.IsZero() {
		asOf = r.now()
	}

	if r.store != nil {
		rec, err := r.store.LatestRate(ctx, provider, model, asOf)
		switch {
		case err == nil:
			src := SourceOverride
			if rec.EffectiveFrom.Equal(DefaultsEffectiveFrom) {
				src = SourceDefault
			}
			return ResolvedRate{
				Provider:         provider,
				Model:            model,
				InputPerMillion:  rec.InputPerMillion,
				OutputPerMillion: rec.OutputPerMillion,
				Currency:         rec.Currency,
				Source:           src,
				EffectiveFrom:    rec.EffectiveFrom,
			}
		case !errors.Is(err, billing.ErrNotFound):
			log.Warn().Err(err).Str("provider", provider).Str("model", model).
				Msg("rate override lookup failed, using pricebook")
		}
	}

	entry, ok := r.pricebook.Lookup(provider, model)
	if !ok {
		return ResolvedRate{Provider: provider, Model: model, Currency: DefaultCurrency, Source: SourceMissing}
	}

	if r.persistDefaults && r.store != nil {
		r.persistDefault(ctx, provider, model, entry)
	}

	return ResolvedRate{
		Provider:         provider,
		Model:            model,
		InputPerMillion:  entry.InputPerMillion,
		OutputPerMillion: entry.OutputPerMillion,
		Currency:         entry.Currency,
		Source:           SourceDefault,
	}
}

func (r *Resolver) persistDefault(ctx context.Context, provider, model string, e PricebookEntry) {
	_, err := r.store.InsertRate(ctx, &billing.RateRecord{
		Provider:         provider,
		Model:            model,
		InputPerMillion:  e.InputPerMillion,
		OutputPerMillion: e.OutputPerMillion,
		Currency:         e.Currency,
		EffectiveFrom:    DefaultsEffectiveFrom,
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Str("model", model).
			Msg("failed to persist default rate")
	}
}

// AddRate appends an override. Existing records are never edited; a record
// with the same effective time is rejected.
func (r *Resolver) AddRate(ctx context.Context, rec *billing.RateRecord) error {
	if r.store == nil {
		return fmt.Errorf("%w: no rate store configured", billing.ErrInvalidInput)
	}
	rec.Provider = strings.ToLower(strings.TrimSpace(rec.Provider))
	rec.Model = strings.ToLower(strings.TrimSpace(rec.Model))
	if rec.Provider == "" || rec.Model == "" {
		return fmt.Errorf("%w: provider and model are required", billing.ErrInvalidInput)
	}
	if rec.InputPerMillion < 0 || rec.OutputPerMillion < 0 {
		return fmt.Errorf("%w: prices must be non-negative", billing.ErrInvalidInput)
	}
	if rec.Currency == "" {
		rec.Currency = DefaultCurrency
	}
	if rec.EffectiveFrom.IsZero() {
		rec.EffectiveFrom = r.now().UTC()
	}

	inserted, err := r.store.InsertRate(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to add rate: %w", err)
	}
	if !inserted {
		return fmt.Errorf("%w: rate for %s:%s at %s already exists",
			billing.ErrInvalidInput, rec.Provider, rec.Model, rec.EffectiveFrom.Format(time.RFC3339))
	}
	return nil
}

// Price resolves the rate and computes the cost in one step.
func (r *Resolver) Price(ctx context.Context, provider, model string, asOf time.Time, promptUnits, completionUnits int64) (int64, ResolvedRate) {
	rate := r.Resolve(ctx, provider, model, asOf)
	return CalculateCost(rate, promptUnits, completionUnits), rate
}
