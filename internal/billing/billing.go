// Package billing holds the metering ledger: effective-dated rates, the
// idempotent interaction ledger, daily/monthly rollups, tiers, per-user
// subscriptions and threshold alerts, plus the stores that persist them.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrKeyConflict means an idempotency key is already held by another owner.
	ErrKeyConflict = errors.New("idempotency key belongs to another owner")
)

// RedeliveryErrorKey is the metadata key under which a failed redelivery of
// an already rolled-up interaction is noted.
const RedeliveryErrorKey = "redelivery_error"

// RateRecord is an effective-dated price for a (provider, model) pair.
// Prices are micros per million units. Records are append-only: a new price
// is a new record with a later EffectiveFrom.
type RateRecord struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	InputPerMillion  int64     `json:"input_per_million"`
	OutputPerMillion int64     `json:"output_per_million"`
	Currency         string    `json:"currency"`
	EffectiveFrom    time.Time `json:"effective_from"`
	CreatedAt        time.Time `json:"created_at"`
}

// Interaction is one logical call attempt, keyed by IdempotencyKey.
type Interaction struct {
	IdempotencyKey  string         `json:"idempotency_key"`
	OwnerID         string         `json:"owner_id"`
	AgentID         string         `json:"agent_id,omitempty"`
	Feature         string         `json:"feature"`
	Provider        string         `json:"provider"`
	Model           string         `json:"model"`
	PromptUnits     int64          `json:"prompt_units"`
	CompletionUnits int64          `json:"completion_units"`
	TotalUnits      int64          `json:"total_units"`
	CostMicros      int64          `json:"cost_micros"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
	DurationMs      int64          `json:"duration_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           string         `json:"error,omitempty"`

	// RolledUp is set once the interaction has contributed to the rollups.
	// It is owned by the store and never overwritten by an upsert.
	RolledUp bool `json:"rolled_up"`
}

func (i *Interaction) Succeeded() bool { return i.Error == "" }

// Totals is the additive part shared by daily and monthly rollups.
type Totals struct {
	CallCount       int64 `json:"call_count"`
	MessageCount    int64 `json:"message_count"`
	PromptUnits     int64 `json:"prompt_units"`
	CompletionUnits int64 `json:"completion_units"`
	TotalUnits      int64 `json:"total_units"`
	TotalCostMicros int64 `json:"total_cost_micros"`
}

func (t Totals) Add(o Totals) Totals {
	return Totals{
		CallCount:       t.CallCount + o.CallCount,
		MessageCount:    t.MessageCount + o.MessageCount,
		PromptUnits:     t.PromptUnits + o.PromptUnits,
		CompletionUnits: t.CompletionUnits + o.CompletionUnits,
		TotalUnits:      t.TotalUnits + o.TotalUnits,
		TotalCostMicros: t.TotalCostMicros + o.TotalCostMicros,
	}
}

func (t Totals) IsZero() bool { return t == Totals{} }

type DailyUsage struct {
	OwnerID string `json:"owner_id"`
	Day     string `json:"day"` // YYYY-MM-DD, UTC
	Totals
	UpdatedAt time.Time `json:"updated_at"`
}

type MonthlyUsage struct {
	OwnerID string `json:"owner_id"`
	Month   string `json:"month"` // YYYY-MM, UTC
	Totals
	UpdatedAt time.Time `json:"updated_at"`
}

// CapBehavior decides what happens when a tier cap is reached.
type CapBehavior string

const (
	CapHard   CapBehavior = "hard"
	CapSoft   CapBehavior = "soft"
	CapBudget CapBehavior = "budget"
)

func (b CapBehavior) Valid() bool {
	switch b {
	case CapHard, CapSoft, CapBudget:
		return true
	}
	return false
}

// Caps are the optional daily limits of a tier. A nil field means no cap.
type Caps struct {
	DailyMessageLimit  *int64 `json:"daily_message_limit,omitempty"`
	DailyTokenLimit    *int64 `json:"daily_token_limit,omitempty"`
	DailyCostCapMicros *int64 `json:"daily_cost_cap_micros,omitempty"`
}

type Tier struct {
	Name     string      `json:"name"`
	Behavior CapBehavior `json:"behavior"`
	Caps
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Tier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: tier name is required", ErrInvalidInput)
	}
	if !t.Behavior.Valid() {
		return fmt.Errorf("%w: invalid cap behavior %q", ErrInvalidInput, t.Behavior)
	}
	return nil
}

// UserSubscription overrides the tier name and/or individual caps for one owner.
type UserSubscription struct {
	OwnerID  string `json:"owner_id"`
	TierName string `json:"tier_name,omitempty"`
	Caps
	UpdatedAt time.Time `json:"updated_at"`
}

type Metric string

const (
	MetricCost     Metric = "cost"
	MetricTokens   Metric = "tokens"
	MetricMessages Metric = "messages"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is unique per (OwnerID, Day, Metric, Threshold).
type Alert struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Day          string    `json:"day"`
	Metric       Metric    `json:"metric"`
	Threshold    float64   `json:"threshold"`
	Severity     Severity  `json:"severity"`
	CurrentValue int64     `json:"current_value"`
	LimitValue   int64     `json:"limit_value"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// BreakdownRow is one group of a cost breakdown over interactions.
type BreakdownRow struct {
	Group           string `json:"group"`
	Calls           int64  `json:"calls"`
	PromptUnits     int64  `json:"prompt_units"`
	CompletionUnits int64  `json:"completion_units"`
	TotalUnits      int64  `json:"total_units"`
	CostMicros      int64  `json:"cost_micros"`
}

// Store persists the ledger. Implementations must provide atomic
// insert-if-absent and atomic increments; callers never read-modify-write.
type Store interface {
	// LatestRate returns the record with the greatest EffectiveFrom <= asOf,
	// or ErrNotFound.
	LatestRate(ctx context.Context, provider, model string, asOf time.Time) (*RateRecord, error)
	// InsertRate adds a record unless one exists for the same
	// (provider, model, effective_from). It reports whether it was inserted.
	InsertRate(ctx context.Context, rec *RateRecord) (bool, error)

	// UpsertInteraction inserts or overwrites by idempotency key and reports
	// whether the row was new. A row owned by another owner is never touched
	// (ErrKeyConflict). Once a row is rolled up its usage, cost, error and
	// timing are frozen; a failed redelivery is noted under
	// RedeliveryErrorKey in metadata instead.
	UpsertInteraction(ctx context.Context, in *Interaction) (bool, error)
	// ClaimRollup atomically flips RolledUp from false to true and reports
	// whether this caller won the flip.
	ClaimRollup(ctx context.Context, idempotencyKey string) (bool, error)
	GetInteraction(ctx context.Context, idempotencyKey string) (*Interaction, error)
	Breakdown(ctx context.Context, ownerID, groupBy string, from, to time.Time) ([]BreakdownRow, error)

	IncrementDailyUsage(ctx context.Context, ownerID, day string, delta Totals) error
	IncrementMonthlyUsage(ctx context.Context, ownerID, month string, delta Totals) error
	// GetDailyUsage returns a zero-valued row when nothing was recorded.
	GetDailyUsage(ctx context.Context, ownerID, day string) (*DailyUsage, error)
	ListDailyUsage(ctx context.Context, ownerID, fromDay, toDay string) ([]DailyUsage, error)
	// ListActiveDailyUsage returns every row for day with any activity.
	ListActiveDailyUsage(ctx context.Context, day string) ([]DailyUsage, error)
	GetMonthlyUsage(ctx context.Context, ownerID, month string) (*MonthlyUsage, error)

	GetTier(ctx context.Context, name string) (*Tier, error)
	UpsertTier(ctx context.Context, tier *Tier) error
	// CreateTier inserts only if absent and reports whether it did.
	CreateTier(ctx context.Context, tier *Tier) (bool, error)
	GetSubscription(ctx context.Context, ownerID string) (*UserSubscription, error)
	UpsertSubscription(ctx context.Context, sub *UserSubscription) error

	// InsertAlert is insert-if-absent on (owner, day, metric, threshold).
	InsertAlert(ctx context.Context, alert *Alert) (bool, error)
	ListAlerts(ctx context.Context, ownerID string, limit int) ([]Alert, error)
	AcknowledgeAlert(ctx context.Context, ownerID, alertID string) error

	Ping(ctx context.Context) error
}
