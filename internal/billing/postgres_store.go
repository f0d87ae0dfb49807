package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db     DB
	prefix string
}

var _ Store = (*PostgresStore)(nil)

// Option configures PostgresStore.
type Option func(*PostgresStore)

// WithTablePrefix sets the table name prefix (default "usage_").
func WithTablePrefix(prefix string) Option {
	return func(s *PostgresStore) { s.prefix = prefix }
}

func NewPostgresStore(db DB, opts ...Option) *PostgresStore {
	s := &PostgresStore{db: db, prefix: "usage_"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) table(name string) string { return s.prefix + name }

// groupColumns whitelists the breakdown dimensions.
var groupColumns = map[string]string{
	"agent":    "agent_id",
	"provider": "provider",
	"model":    "model",
	"feature":  "feature",
}

// EnsureSchema creates the required tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_per_million BIGINT NOT NULL,
			output_per_million BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			effective_from TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (provider, model, effective_from)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			idempotency_key TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			feature TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_units BIGINT NOT NULL DEFAULT 0,
			completion_units BIGINT NOT NULL DEFAULT 0,
			total_units BIGINT NOT NULL DEFAULT 0,
			cost_micros BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			metadata JSONB,
			error TEXT NOT NULL DEFAULT '',
			rolled_up BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[2]s_owner_started_idx ON %[2]s (owner_id, started_at);
		CREATE TABLE IF NOT EXISTS %[3]s (
			owner_id TEXT NOT NULL,
			day TEXT NOT NULL,
			call_count BIGINT NOT NULL DEFAULT 0,
			message_count BIGINT NOT NULL DEFAULT 0,
			prompt_units BIGINT NOT NULL DEFAULT 0,
			completion_units BIGINT NOT NULL DEFAULT 0,
			total_units BIGINT NOT NULL DEFAULT 0,
			total_cost_micros BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, day)
		);
		CREATE INDEX IF NOT EXISTS %[3]s_day_idx ON %[3]s (day);
		CREATE TABLE IF NOT EXISTS %[4]s (
			owner_id TEXT NOT NULL,
			month TEXT NOT NULL,
			call_count BIGINT NOT NULL DEFAULT 0,
			message_count BIGINT NOT NULL DEFAULT 0,
			prompt_units BIGINT NOT NULL DEFAULT 0,
			completion_units BIGINT NOT NULL DEFAULT 0,
			total_units BIGINT NOT NULL DEFAULT 0,
			total_cost_micros BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, month)
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			name TEXT PRIMARY KEY,
			behavior TEXT NOT NULL,
			daily_message_limit BIGINT,
			daily_token_limit BIGINT,
			daily_cost_cap_micros BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[6]s (
			owner_id TEXT PRIMARY KEY,
			tier_name TEXT NOT NULL DEFAULT '',
			daily_message_limit BIGINT,
			daily_token_limit BIGINT,
			daily_cost_cap_micros BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[7]s (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			day TEXT NOT NULL,
			metric TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			severity TEXT NOT NULL,
			current_value BIGINT NOT NULL,
			limit_value BIGINT NOT NULL,
			message TEXT NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (owner_id, day, metric, threshold)
		);
	`, s.table("rate_records"), s.table("interactions"), s.table("daily"), s.table("monthly"),
		s.table("tiers"), s.table("subscriptions"), s.table("alerts"))

	if _, err := s.db.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestRate(ctx context.Context, provider, model string, asOf time.Time) (*RateRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, provider, model, input_per_million, output_per_million, currency, effective_from, created_at
		FROM %s
		WHERE provider = $1 AND model = $2 AND effective_from <= $3
		ORDER BY effective_from DESC
		LIMIT 1
	`, s.table("rate_records"))

	var r RateRecord
	err := s.db.QueryRow(ctx, query, provider, model, asOf.UTC()).Scan(
		&r.ID, &r.Provider, &r.Model, &r.InputPerMillion, &r.OutputPerMillion,
		&r.Currency, &r.EffectiveFrom, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rate: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) InsertRate(ctx context.Context, rec *RateRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, provider, model, input_per_million, output_per_million, currency, effective_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, model, effective_from) DO NOTHING
		RETURNING created_at
	`, s.table("rate_records"))

	err := s.db.QueryRow(ctx, query,
		rec.ID, rec.Provider, rec.Model, rec.InputPerMillion, rec.OutputPerMillion,
		rec.Currency, rec.EffectiveFrom.UTC(),
	).Scan(&rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert rate: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) UpsertInteraction(ctx context.Context, in *Interaction) (bool, error) {
	// Rolled-up rows keep their accounting columns.
	query := fmt.Sprintf(`
		INSERT INTO %[1]s AS t (
			idempotency_key, owner_id, agent_id, feature, provider, model,
			prompt_units, completion_units, total_units, cost_micros,
			started_at, ended_at, duration_ms, metadata, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			feature = EXCLUDED.feature,
			provider = CASE WHEN t.rolled_up THEN t.provider ELSE EXCLUDED.provider END,
			model = CASE WHEN t.rolled_up THEN t.model ELSE EXCLUDED.model END,
			prompt_units = CASE WHEN t.rolled_up THEN t.prompt_units ELSE EXCLUDED.prompt_units END,
			completion_units = CASE WHEN t.rolled_up THEN t.completion_units ELSE EXCLUDED.completion_units END,
			total_units = CASE WHEN t.rolled_up THEN t.total_units ELSE EXCLUDED.total_units END,
			cost_micros = CASE WHEN t.rolled_up THEN t.cost_micros ELSE EXCLUDED.cost_micros END,
			started_at = CASE WHEN t.rolled_up THEN t.started_at ELSE EXCLUDED.started_at END,
			ended_at = CASE WHEN t.rolled_up THEN t.ended_at ELSE EXCLUDED.ended_at END,
			duration_ms = CASE WHEN t.rolled_up THEN t.duration_ms ELSE EXCLUDED.duration_ms END,
			metadata = CASE
				WHEN NOT t.rolled_up THEN EXCLUDED.metadata
				WHEN EXCLUDED.error = '' THEN t.metadata
				ELSE COALESCE(t.metadata, '{}'::jsonb) || jsonb_build_object('%[2]s', EXCLUDED.error)
			END,
			error = CASE WHEN t.rolled_up THEN t.error ELSE EXCLUDED.error END,
			updated_at = now()
		WHERE t.owner_id = EXCLUDED.owner_id
		RETURNING (xmax = 0) AS inserted, rolled_up
	`, s.table("interactions"), RedeliveryErrorKey)

	var inserted bool
	err := s.db.QueryRow(ctx, query,
		in.IdempotencyKey, in.OwnerID, in.AgentID, in.Feature, in.Provider, in.Model,
		in.PromptUnits, in.CompletionUnits, in.TotalUnits, in.CostMicros,
		in.StartedAt.UTC(), in.EndedAt.UTC(), in.DurationMs, in.Metadata, in.Error,
	).Scan(&inserted, &in.RolledUp)
	if errors.Is(err, pgx.ErrNoRows) {
		// the conflict guard rejected the update
		return false, ErrKeyConflict
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert interaction: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) ClaimRollup(ctx context.Context, idempotencyKey string) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET rolled_up = true WHERE idempotency_key = $1 AND rolled_up = false`,
		s.table("interactions"))
	tag, err := s.db.Exec(ctx, query, idempotencyKey)
	if err != nil {
		return false, fmt.Errorf("failed to claim rollup: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetInteraction(ctx context.Context, idempotencyKey string) (*Interaction, error) {
	query := fmt.Sprintf(`
		SELECT idempotency_key, owner_id, agent_id, feature, provider, model,
			prompt_units, completion_units, total_units, cost_micros,
			started_at, ended_at, duration_ms, metadata, error, rolled_up
		FROM %s
		WHERE idempotency_key = $1
	`, s.table("interactions"))

	var in Interaction
	err := s.db.QueryRow(ctx, query, idempotencyKey).Scan(
		&in.IdempotencyKey, &in.OwnerID, &in.AgentID, &in.Feature, &in.Provider, &in.Model,
		&in.PromptUnits, &in.CompletionUnits, &in.TotalUnits, &in.CostMicros,
		&in.StartedAt, &in.EndedAt, &in.DurationMs, &in.Metadata, &in.Error, &in.RolledUp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return &in, nil
}

func (s *PostgresStore) Breakdown(ctx context.Context, ownerID, groupBy string, from, to time.Time) ([]BreakdownRow, error) {
	col, ok := groupColumns[groupBy]
	if !ok {
		return nil, fmt.Errorf("%w: group_by %q", ErrInvalidInput, groupBy)
	}
	query := fmt.Sprintf(`
		SELECT %s AS grp, COUNT(*), COALESCE(SUM(prompt_units), 0), COALESCE(SUM(completion_units), 0),
			COALESCE(SUM(total_units), 0), COALESCE(SUM(cost_micros), 0)
		FROM %s
		WHERE owner_id = $1 AND started_at >= $2 AND started_at < $3
		GROUP BY grp
		ORDER BY 6 DESC, grp
	`, col, s.table("interactions"))

	rows, err := s.db.Query(ctx, query, ownerID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query breakdown: %w", err)
	}
	defer rows.Close()

	var out []BreakdownRow
	for rows.Next() {
		var r BreakdownRow
		if err := rows.Scan(&r.Group, &r.Calls, &r.PromptUnits, &r.CompletionUnits, &r.TotalUnits, &r.CostMicros); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating breakdown rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) incrementRollup(ctx context.Context, table, bucketCol, ownerID, bucket string, d Totals) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (owner_id, %[2]s, call_count, message_count, prompt_units, completion_units, total_units, total_cost_micros, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (owner_id, %[2]s) DO UPDATE SET
			call_count = %[1]s.call_count + EXCLUDED.call_count,
			message_count = %[1]s.message_count + EXCLUDED.message_count,
			prompt_units = %[1]s.prompt_units + EXCLUDED.prompt_units,
			completion_units = %[1]s.completion_units + EXCLUDED.completion_units,
			total_units = %[1]s.total_units + EXCLUDED.total_units,
			total_cost_micros = %[1]s.total_cost_micros + EXCLUDED.total_cost_micros,
			updated_at = now()
	`, table, bucketCol)

	_, err := s.db.Exec(ctx, query, ownerID, bucket,
		d.CallCount, d.MessageCount, d.PromptUnits, d.CompletionUnits, d.TotalUnits, d.TotalCostMicros)
	return err
}

func (s *PostgresStore) IncrementDailyUsage(ctx context.Context, ownerID, day string, delta Totals) error {
	if err := s.incrementRollup(ctx, s.table("daily"), "day", ownerID, day, delta); err != nil {
		return fmt.Errorf("failed to increment daily usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementMonthlyUsage(ctx context.Context, ownerID, month string, delta Totals) error {
	if err := s.incrementRollup(ctx, s.table("monthly"), "month", ownerID, month, delta); err != nil {
		return fmt.Errorf("failed to increment monthly usage: %w", err)
	}
	return nil
}

const totalsColumns = `call_count, message_count, prompt_units, completion_units, total_units, total_cost_micros, updated_at`

func scanDaily(row pgx.Row) (*DailyUsage, error) {
	var d DailyUsage
	err := row.Scan(&d.OwnerID, &d.Day,
		&d.CallCount, &d.MessageCount, &d.PromptUnits, &d.CompletionUnits, &d.TotalUnits, &d.TotalCostMicros, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetDailyUsage(ctx context.Context, ownerID, day string) (*DailyUsage, error) {
	query := fmt.Sprintf(`SELECT owner_id, day, %s FROM %s WHERE owner_id = $1 AND day = $2`,
		totalsColumns, s.table("daily"))
	d, err := scanDaily(s.db.QueryRow(ctx, query, ownerID, day))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &DailyUsage{OwnerID: ownerID, Day: day}, nil
		}
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) listDaily(ctx context.Context, query string, args ...any) ([]DailyUsage, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		d, err := scanDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily usage: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListDailyUsage(ctx context.Context, ownerID, fromDay, toDay string) ([]DailyUsage, error) {
	query := fmt.Sprintf(`SELECT owner_id, day, %s FROM %s WHERE owner_id = $1 AND day >= $2 AND day <= $3 ORDER BY day`,
		totalsColumns, s.table("daily"))
	return s.listDaily(ctx, query, ownerID, fromDay, toDay)
}

func (s *PostgresStore) ListActiveDailyUsage(ctx context.Context, day string) ([]DailyUsage, error) {
	query := fmt.Sprintf(`
		SELECT owner_id, day, %s FROM %s
		WHERE day = $1 AND (call_count > 0 OR message_count > 0 OR total_units > 0 OR total_cost_micros > 0)
		ORDER BY owner_id
	`, totalsColumns, s.table("daily"))
	return s.listDaily(ctx, query, day)
}

func (s *PostgresStore) GetMonthlyUsage(ctx context.Context, ownerID, month string) (*MonthlyUsage, error) {
	query := fmt.Sprintf(`SELECT owner_id, month, %s FROM %s WHERE owner_id = $1 AND month = $2`,
		totalsColumns, s.table("monthly"))
	var m MonthlyUsage
	err := s.db.QueryRow(ctx, query, ownerID, month).Scan(&m.OwnerID, &m.Month,
		&m.CallCount, &m.MessageCount, &m.PromptUnits, &m.CompletionUnits, &m.TotalUnits, &m.TotalCostMicros, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &MonthlyUsage{OwnerID: ownerID, Month: month}, nil
		}
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetTier(ctx context.Context, name string) (*Tier, error) {
	query := fmt.Sprintf(`
		SELECT name, behavior, daily_message_limit, daily_token_limit, daily_cost_cap_micros, updated_at
		FROM %s WHERE name = $1
	`, s.table("tiers"))

	var t Tier
	err := s.db.QueryRow(ctx, query, name).Scan(
		&t.Name, &t.Behavior, &t.DailyMessageLimit, &t.DailyTokenLimit, &t.DailyCostCapMicros, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UpsertTier(ctx context.Context, tier *Tier) error {
	if err := tier.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (name, behavior, daily_message_limit, daily_token_limit, daily_cost_cap_micros, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (name) DO UPDATE SET
			behavior = EXCLUDED.behavior,
			daily_message_limit = EXCLUDED.daily_message_limit,
			daily_token_limit = EXCLUDED.daily_token_limit,
			daily_cost_cap_micros = EXCLUDED.daily_cost_cap_micros,
			updated_at = now()
	`, s.table("tiers"))

	_, err := s.db.Exec(ctx, query,
		tier.Name, string(tier.Behavior), tier.DailyMessageLimit, tier.DailyTokenLimit, tier.DailyCostCapMicros)
	if err != nil {
		return fmt.Errorf("failed to upsert tier: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTier(ctx context.Context, tier *Tier) (bool, error) {
	if err := tier.Validate(); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (name, behavior, daily_message_limit, daily_token_limit, daily_cost_cap_micros)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING
	`, s.table("tiers"))

	tag, err := s.db.Exec(ctx, query,
		tier.Name, string(tier.Behavior), tier.DailyMessageLimit, tier.DailyTokenLimit, tier.DailyCostCapMicros)
	if err != nil {
		return false, fmt.Errorf("failed to create tier: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, ownerID string) (*UserSubscription, error) {
	query := fmt.Sprintf(`
		SELECT owner_id, tier_name, daily_message_limit, daily_token_limit, daily_cost_cap_micros, updated_at
		FROM %s WHERE owner_id = $1
	`, s.table("subscriptions"))

	var sub UserSubscription
	err := s.db.QueryRow(ctx, query, ownerID).Scan(
		&sub.OwnerID, &sub.TierName, &sub.DailyMessageLimit, &sub.DailyTokenLimit, &sub.DailyCostCapMicros, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *UserSubscription) error {
	if sub.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidInput)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, tier_name, daily_message_limit, daily_token_limit, daily_cost_cap_micros, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (owner_id) DO UPDATE SET
			tier_name = EXCLUDED.tier_name,
			daily_message_limit = EXCLUDED.daily_message_limit,
			daily_token_limit = EXCLUDED.daily_token_limit,
			daily_cost_cap_micros = EXCLUDED.daily_cost_cap_micros,
			updated_at = now()
	`, s.table("subscriptions"))

	_, err := s.db.Exec(ctx, query,
		sub.OwnerID, sub.TierName, sub.DailyMessageLimit, sub.DailyTokenLimit, sub.DailyCostCapMicros)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAlert(ctx context.Context, alert *Alert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, day, metric, threshold, severity, current_value, limit_value, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, day, metric, threshold) DO NOTHING
		RETURNING created_at
	`, s.table("alerts"))

	err := s.db.QueryRow(ctx, query,
		alert.ID, alert.OwnerID, alert.Day, string(alert.Metric), alert.Threshold, string(alert.Severity),
		alert.CurrentValue, alert.LimitValue, alert.Message,
	).Scan(&alert.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, ownerID string, limit int) ([]Alert, error) {
	query := fmt.Sprintf(`
		SELECT id, owner_id, day, metric, threshold, severity, current_value, limit_value, message, acknowledged, created_at
		FROM %s
		WHERE owner_id = $1
		ORDER BY created_at DESC, threshold DESC
		LIMIT NULLIF($2::int, 0)
	`, s.table("alerts"))

	rows, err := s.db.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		err := rows.Scan(&a.ID, &a.OwnerID, &a.Day, &a.Metric, &a.Threshold, &a.Severity,
			&a.CurrentValue, &a.LimitValue, &a.Message, &a.Acknowledged, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, ownerID, alertID string) error {
	query := fmt.Sprintf(`UPDATE %s SET acknowledged = true WHERE id = $1 AND owner_id = $2`, s.table("alerts"))
	tag, err := s.db.Exec(ctx, query, alertID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}
