// Package reporting answers read-only usage questions: today's totals
// against caps, daily history, cost breakdowns, a month-end forecast and
// recent alerts.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-meter/internal/billing"
)

var (
	ErrInvalidGroupBy = errors.New("group_by must be one of agent, provider, model, feature")
	ErrInvalidRange   = errors.New("from must not be after to")
)

const (
	MaxHistoryDays    = 90
	DefaultAlertLimit = 50
	MaxAlertLimit     = 200
)

var validGroupBy = map[string]bool{"agent": true, "provider": true, "model": true, "feature": true}

type Store interface {
	GetDailyUsage(ctx context.Context, ownerID, day string) (*billing.DailyUsage, error)
	GetMonthlyUsage(ctx context.Context, ownerID, month string) (*billing.MonthlyUsage, error)
	ListDailyUsage(ctx context.Context, ownerID, fromDay, toDay string) ([]billing.DailyUsage, error)
	Breakdown(ctx context.Context, ownerID, groupBy string, from, to time.Time) ([]billing.BreakdownRow, error)
	ListAlerts(ctx context.Context, ownerID string, limit int) ([]billing.Alert, error)
	AcknowledgeAlert(ctx context.Context, ownerID, alertID string) error
}

// CapsResolver is implemented by *limits.Evaluator.
type CapsResolver interface {
	EffectiveCaps(ctx context.Context, ownerID string) billing.Tier
}

type Service struct {
	store Store
	caps  CapsResolver
}

func NewService(store Store, caps CapsResolver) *Service {
	return &Service{store: store, caps: caps}
}

// MetricUsage is today's value of one metric against its cap. Limit and
// Percent are nil when the metric is uncapped.
type MetricUsage struct {
	Metric  billing.Metric `json:"metric"`
	Current int64          `json:"current"`
	Limit   *int64         `json:"limit,omitempty"`
	Percent *float64       `json:"percent,omitempty"`
}

type Summary struct {
	OwnerID     string              `json:"owner_id"`
	Tier        string              `json:"tier"`
	Behavior    billing.CapBehavior `json:"behavior"`
	Day         string              `json:"day"`
	Month       string              `json:"month"`
	Today       billing.Totals      `json:"today"`
	MonthToDate billing.Totals      `json:"month_to_date"`
	Caps        []MetricUsage       `json:"caps"`
}

func (s *Service) Summary(ctx context.Context, ownerID string, now time.Time) (*Summary, error) {
	day, month := billing.DayKey(now), billing.MonthKey(now)

	d, err := s.store.GetDailyUsage(ctx, ownerID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	m, err := s.store.GetMonthlyUsage(ctx, ownerID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}

	tier := s.caps.EffectiveCaps(ctx, ownerID)
	return &Summary{
		OwnerID:     ownerID,
		Tier:        tier.Name,
		Behavior:    tier.Behavior,
		Day:         day,
		Month:       month,
		Today:       d.Totals,
		MonthToDate: m.Totals,
		Caps: []MetricUsage{
			metricUsage(billing.MetricCost, d.TotalCostMicros, tier.DailyCostCapMicros),
			metricUsage(billing.MetricTokens, d.TotalUnits, tier.DailyTokenLimit),
			metricUsage(billing.MetricMessages, d.MessageCount, tier.DailyMessageLimit),
		},
	}, nil
}

func metricUsage(metric billing.Metric, current int64, limit *int64) MetricUsage {
	mu := MetricUsage{Metric: metric, Current: current, Limit: limit}
	if limit != nil && *limit > 0 {
		pct, _ := decimal.NewFromInt(current).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(*limit)).
			Round(2).
			Float64()
		mu.Percent = &pct
	}
	return mu
}

// History returns one row per UTC day, oldest first, ending on now's day.
// Days without activity are zero rows. days is clamped to [1, 90].
func (s *Service) History(ctx context.Context, ownerID string, days int, now time.Time) ([]billing.DailyUsage, error) {
	days = min(max(days, 1), MaxHistoryDays)
	end := billing.StartOfDayUTC(now)
	start := end.AddDate(0, 0, -(days - 1))

	rows, err := s.store.ListDailyUsage(ctx, ownerID, billing.DayKey(start), billing.DayKey(end))
	if err != nil {
		return nil, fmt.Errorf("failed to list daily usage: %w", err)
	}
	byDay := make(map[string]billing.DailyUsage, len(rows))
	for _, r := range rows {
		byDay[r.Day] = r
	}

	out := make([]billing.DailyUsage, 0, days)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := billing.DayKey(d)
		if r, ok := byDay[key]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, billing.DailyUsage{OwnerID: ownerID, Day: key})
	}
	return out, nil
}

// Breakdown groups interactions started in [from, to).
func (s *Service) Breakdown(ctx context.Context, ownerID, groupBy string, from, to time.Time) ([]billing.BreakdownRow, error) {
	if !validGroupBy[groupBy] {
		return nil, ErrInvalidGroupBy
	}
	if from.After(to) {
		return nil, ErrInvalidRange
	}
	rows, err := s.store.Breakdown(ctx, ownerID, groupBy, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get breakdown: %w", err)
	}
	return rows, nil
}

type Forecast struct {
	Month                 string `json:"month"`
	MonthToDateCostMicros int64  `json:"month_to_date_cost_micros"`
	DaysElapsed           int    `json:"days_elapsed"`
	DaysInMonth           int    `json:"days_in_month"`
	ProjectedCostMicros   int64  `json:"projected_cost_micros"`
}

// Forecast projects month-end cost linearly from the month to date.
func (s *Service) Forecast(ctx context.Context, ownerID string, now time.Time) (*Forecast, error) {
	month := billing.MonthKey(now)
	m, err := s.store.GetMonthlyUsage(ctx, ownerID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}

	elapsed := now.UTC().Day()
	total := billing.DaysInMonth(now)
	projected := decimal.NewFromInt(m.TotalCostMicros).
		Mul(decimal.NewFromInt(int64(total))).
		Div(decimal.NewFromInt(int64(elapsed))).
		Round(0).
		IntPart()

	return &Forecast{
		Month:                 month,
		MonthToDateCostMicros: m.TotalCostMicros,
		DaysElapsed:           elapsed,
		DaysInMonth:           total,
		ProjectedCostMicros:   projected,
	}, nil
}

// RecentAlerts returns the newest alerts first. limit <= 0 means the
// default; it is capped at MaxAlertLimit.
func (s *Service) RecentAlerts(ctx context.Context, ownerID string, limit int) ([]billing.Alert, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	limit = min(limit, MaxAlertLimit)
	alerts, err := s.store.ListAlerts(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

func (s *Service) AcknowledgeAlert(ctx context.Context, ownerID, alertID string) error {
	return s.store.AcknowledgeAlert(ctx, ownerID, alertID)
}
