// Package tracker wraps provider calls and records what they cost.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/pricing"
	"github.com/vnmchuo/usage-meter/internal/session"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
)

// RollupMode selects how redelivered calls count toward rollups.
type RollupMode string

const (
	// RollupUnique counts each idempotency key at most once.
	RollupUnique RollupMode = "unique"
	// RollupAttempts counts every successful attempt, including redeliveries.
	RollupAttempts RollupMode = "attempts"
)

func (m RollupMode) Valid() bool { return m == RollupUnique || m == RollupAttempts }

// CallContext describes the call being tracked.
type CallContext struct {
	IdempotencyKey string
	OwnerID        string
	AgentID        string
	Feature        string
	Provider       string
	Model          string
	// Messages is the number of user messages the call answers. Zero means 1.
	Messages int64
	Params   map[string]any
}

// Usage is what the provider reported. A nil *Usage means the counts are
// unknown.
type Usage struct {
	PromptUnits     int64
	CompletionUnits int64
	TotalUnits      int64
}

// Call performs the provider request.
type Call func(ctx context.Context) (*Usage, error)

type Store interface {
	UpsertInteraction(ctx context.Context, in *billing.Interaction) (bool, error)
	ClaimRollup(ctx context.Context, idempotencyKey string) (bool, error)
	IncrementDailyUsage(ctx context.Context, ownerID, day string, delta billing.Totals) error
	IncrementMonthlyUsage(ctx context.Context, ownerID, month string, delta billing.Totals) error
}

type Pricer interface {
	Price(ctx context.Context, provider, model string, asOf time.Time, promptUnits, completionUnits int64) (int64, pricing.ResolvedRate)
}

type Tracker struct {
	store   Store
	pricer  Pricer
	enabled bool
	mode    RollupMode
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Tracker)

// WithMetering turns bookkeeping on or off. When off, Track only runs the call.
func WithMetering(enabled bool) Option {
	return func(t *Tracker) { t.enabled = enabled }
}

func WithRollupMode(mode RollupMode) Option {
	return func(t *Tracker) {
		if mode.Valid() {
			t.mode = mode
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(t *Tracker) { t.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(store Store, pricer Pricer, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		pricer:  pricer,
		enabled: true,
		mode:    RollupUnique,
		tracer:  otel.Tracer("usage-meter/tracker"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Mode() RollupMode { return t.mode }

// LedgerKey scopes a caller's idempotency key to its owner, so two owners
// sending the same key never share a ledger row.
func LedgerKey(ownerID, idempotencyKey string) string {
	return ownerID + "/" + idempotencyKey
}

// Track runs call and records the interaction whether it succeeds, fails or
// panics. Bookkeeping failures are logged and never returned; the call's own
// error is returned unchanged. The ledger row is stored under
// LedgerKey(cc.OwnerID, cc.IdempotencyKey).
func (t *Tracker) Track(ctx context.Context, cc CallContext, call Call) error {
	if !t.enabled {
		_, err := call(ctx)
		return err
	}

	if cc.IdempotencyKey == "" {
		cc.IdempotencyKey = uuid.New().String()
		log.Warn().Str("owner_id", cc.OwnerID).Str("feature", cc.Feature).
			Str("idempotency_key", cc.IdempotencyKey).
			Msg("no idempotency key supplied, generated one; retries will not deduplicate")
	}

	ctx, span := t.tracer.Start(ctx, "tracker.track")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", cc.OwnerID),
		attribute.String("idempotency_key", cc.IdempotencyKey),
		attribute.String("provider", cc.Provider),
		attribute.String("model", cc.Model),
	)

	var (
		usage    *Usage
		callErr  error
		returned bool
	)
	start := t.now()
	defer func() {
		errText := ""
		if callErr != nil {
			errText = callErr.Error()
			span.SetStatus(codes.Error, errText)
		}
		if !returned {
			errText = "call panicked"
		}
		t.record(context.WithoutCancel(ctx), cc, start, t.now(), usage, errText)
	}()

	usage, callErr = call(ctx)
	returned = true
	return callErr
}

func (t *Tracker) record(ctx context.Context, cc CallContext, start, end time.Time, usage *Usage, errText string) {
	ledgerKey := LedgerKey(cc.OwnerID, cc.IdempotencyKey)
	logger := log.With().
		Str("owner_id", cc.OwnerID).
		Str("idempotency_key", cc.IdempotencyKey).
		Str("provider", cc.Provider).
		Str("model", cc.Model).
		Logger()

	in := &billing.Interaction{
		IdempotencyKey: ledgerKey,
		OwnerID:        cc.OwnerID,
		AgentID:        cc.AgentID,
		Feature:        cc.Feature,
		Provider:       cc.Provider,
		Model:          cc.Model,
		StartedAt:      start.UTC(),
		EndedAt:        end.UTC(),
		DurationMs:     end.Sub(start).Milliseconds(),
		Metadata:       maps.Clone(cc.Params),
		Error:          errText,
	}
	if in.Metadata == nil {
		in.Metadata = make(map[string]any)
	}
	in.Metadata["idempotency_key"] = cc.IdempotencyKey
	if sid := session.FromContext(ctx); sid != "" {
		in.Metadata["session_id"] = sid
	}

	if usage != nil {
		in.PromptUnits = max(usage.PromptUnits, 0)
		in.CompletionUnits = max(usage.CompletionUnits, 0)
		in.TotalUnits = usage.TotalUnits
		if in.TotalUnits <= 0 {
			in.TotalUnits = in.PromptUnits + in.CompletionUnits
		}

		cost, rate := t.price(ctx, cc, start, in.PromptUnits, in.CompletionUnits)
		in.CostMicros = cost
		in.Metadata["rate_source"] = string(rate.Source)
		in.Metadata["currency"] = rate.Currency
		if rate.Source == pricing.SourceMissing {
			telemetry.MissingRatesTotal.WithLabelValues(cc.Provider, cc.Model).Inc()
			logger.Warn().Msg("no rate for model, cost recorded as zero")
		}
	}

	status := "ok"
	if errText != "" {
		status = "error"
	}
	telemetry.InteractionsTotal.WithLabelValues(cc.Provider, cc.Model, status).Inc()

	inserted, err := t.store.UpsertInteraction(ctx, in)
	if errors.Is(err, billing.ErrKeyConflict) {
		telemetry.BookkeepingErrorsTotal.WithLabelValues("conflict").Inc()
		logger.Error().Err(err).Msg("ledger key held by another owner, skipping rollups")
		return
	}
	if err != nil {
		telemetry.BookkeepingErrorsTotal.WithLabelValues("ledger").Inc()
		logger.Error().Err(err).Msg("failed to write interaction")
		if t.mode == RollupUnique {
			return
		}
	} else if !inserted {
		logger.Debug().Msg("interaction overwritten by redelivered call")
	}

	// only successful calls that report tokens count toward rollups
	if errText != "" || usage == nil || in.TotalUnits == 0 {
		return
	}

	if t.mode == RollupUnique {
		claimed, err := t.store.ClaimRollup(ctx, ledgerKey)
		if err != nil {
			telemetry.BookkeepingErrorsTotal.WithLabelValues("claim").Inc()
			logger.Error().Err(err).Msg("failed to claim rollup")
			return
		}
		if !claimed {
			logger.Debug().Msg("rollup already counted for key")
			return
		}
	}

	messages := cc.Messages
	if messages <= 0 {
		messages = 1
	}
	delta := billing.Totals{
		CallCount:       1,
		MessageCount:    messages,
		PromptUnits:     in.PromptUnits,
		CompletionUnits: in.CompletionUnits,
		TotalUnits:      in.TotalUnits,
		TotalCostMicros: in.CostMicros,
	}

	if err := t.store.IncrementDailyUsage(ctx, cc.OwnerID, billing.DayKey(start), delta); err != nil {
		telemetry.BookkeepingErrorsTotal.WithLabelValues("daily").Inc()
		logger.Error().Err(err).Msg("failed to increment daily usage")
	}
	if err := t.store.IncrementMonthlyUsage(ctx, cc.OwnerID, billing.MonthKey(start), delta); err != nil {
		telemetry.BookkeepingErrorsTotal.WithLabelValues("monthly").Inc()
		logger.Error().Err(err).Msg("failed to increment monthly usage")
	}

	telemetry.UnitsTotal.WithLabelValues(cc.Provider, cc.Model, "prompt").Add(float64(in.PromptUnits))
	telemetry.UnitsTotal.WithLabelValues(cc.Provider, cc.Model, "completion").Add(float64(in.CompletionUnits))
	telemetry.CostMicrosTotal.WithLabelValues(cc.Provider, cc.Model).Add(float64(in.CostMicros))
}

// price degrades to zero cost if pricing panics.
func (t *Tracker) price(ctx context.Context, cc CallContext, asOf time.Time, p, c int64) (cost int64, rate pricing.ResolvedRate) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.BookkeepingErrorsTotal.WithLabelValues("pricing").Inc()
			log.Error().Str("provider", cc.Provider).Str("model", cc.Model).
				Str("panic", fmt.Sprint(r)).Msg("cost calculation failed, recording zero cost")
			cost = 0
			rate = pricing.ResolvedRate{Provider: cc.Provider, Model: cc.Model, Currency: pricing.DefaultCurrency, Source: pricing.SourceMissing}
		}
	}()
	return t.pricer.Price(ctx, cc.Provider, cc.Model, asOf, p, c)
}
