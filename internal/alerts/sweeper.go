// Package alerts raises threshold alerts from today's usage rollups.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/limits"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
	"github.com/vnmchuo/usage-meter/internal/worker"
)

const DefaultInterval = 15 * time.Minute

// Threshold is a fraction of a cap and the severity it raises.
type Threshold struct {
	Fraction float64
	Severity billing.Severity
}

// Thresholds are checked in ascending order.
var Thresholds = []Threshold{
	{0.8, billing.SeverityInfo},
	{0.9, billing.SeverityWarning},
	{1.0, billing.SeverityCritical},
}

type Store interface {
	ListActiveDailyUsage(ctx context.Context, day string) ([]billing.DailyUsage, error)
	InsertAlert(ctx context.Context, alert *billing.Alert) (bool, error)
}

// TierResolver is implemented by *limits.Evaluator.
type TierResolver interface {
	Subscription(ctx context.Context, ownerID string) *billing.UserSubscription
	ResolveCaps(ctx context.Context, tierName string) billing.Tier
	DefaultTierName() string
}

type Sweeper struct {
	store    Store
	tiers    TierResolver
	interval time.Duration
	tracer   trace.Tracer
	now      func() time.Time
	job      *worker.Periodic
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Sweeper) { s.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(store Store, tiers TierResolver, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		tiers:    tiers,
		interval: DefaultInterval,
		tracer:   otel.Tracer("usage-meter/alerts"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.job = worker.NewPeriodic("alert-sweep", s.interval, func(ctx context.Context) error {
		_, err := s.SweepOnce(ctx, s.now())
		return err
	})
	return s
}

// Start sweeps on the configured interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.job.Run(ctx)
}

// Status reports the most recent scheduled sweep.
func (s *Sweeper) Status() worker.RunInfo {
	return s.job.Last()
}

// SweepOnce checks every owner active on now's UTC day and returns how many
// new alerts were inserted.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "alerts.sweep")
	defer span.End()
	start := time.Now()
	defer func() { telemetry.SweepDuration.Observe(float64(time.Since(start).Milliseconds())) }()

	day := billing.DayKey(now)
	rows, err := s.store.ListActiveDailyUsage(ctx, day)
	if err != nil {
		return 0, fmt.Errorf("failed to list daily usage: %w", err)
	}

	tierCache := make(map[string]billing.Tier)
	inserted := 0
	for _, row := range rows {
		sub := s.tiers.Subscription(ctx, row.OwnerID)
		name := s.tiers.DefaultTierName()
		if sub != nil && sub.TierName != "" {
			name = sub.TierName
		}
		tier, ok := tierCache[name]
		if !ok {
			tier = s.tiers.ResolveCaps(ctx, name)
			tierCache[name] = tier
		}
		tier = limits.ApplyOverrides(tier, sub)

		for _, a := range Evaluate(row, tier) {
			ok, err := s.store.InsertAlert(ctx, &a)
			if err != nil {
				log.Error().Err(err).Str("owner_id", a.OwnerID).Str("metric", string(a.Metric)).
					Float64("threshold", a.Threshold).Msg("failed to insert alert")
				continue
			}
			if ok {
				inserted++
				telemetry.AlertsInsertedTotal.WithLabelValues(string(a.Metric), string(a.Severity)).Inc()
				log.Info().Str("owner_id", a.OwnerID).Str("metric", string(a.Metric)).
					Str("severity", string(a.Severity)).Msg(a.Message)
			}
		}
	}

	span.SetAttributes(
		attribute.String("day", day),
		attribute.Int("owners", len(rows)),
		attribute.Int("inserted", inserted),
	)
	return inserted, nil
}

// Evaluate returns one alert per (metric, threshold) the row has reached
// under tier. Metrics without a cap are skipped.
func Evaluate(row billing.DailyUsage, tier billing.Tier) []billing.Alert {
	metrics := []struct {
		metric  billing.Metric
		current int64
		limit   *int64
	}{
		{billing.MetricCost, row.TotalCostMicros, tier.DailyCostCapMicros},
		{billing.MetricTokens, row.TotalUnits, tier.DailyTokenLimit},
		{billing.MetricMessages, row.MessageCount, tier.DailyMessageLimit},
	}

	noun := "daily limit"
	if tier.Behavior == billing.CapBudget {
		noun = "daily budget"
	}

	var out []billing.Alert
	for _, m := range metrics {
		if m.limit == nil || *m.limit <= 0 {
			continue
		}
		ratio := float64(m.current) / float64(*m.limit)
		for _, th := range Thresholds {
			if ratio < th.Fraction {
				break
			}
			out = append(out, billing.Alert{
				OwnerID:      row.OwnerID,
				Day:          row.Day,
				Metric:       m.metric,
				Threshold:    th.Fraction,
				Severity:     th.Severity,
				CurrentValue: m.current,
				LimitValue:   *m.limit,
				Message: fmt.Sprintf("%s usage at %.0f%% of %s (%d/%d)",
					m.metric, ratio*100, noun, m.current, *m.limit),
			})
		}
	}
	return out
}
