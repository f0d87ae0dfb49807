//go:build integration

package billing_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/usage-meter/internal/billing"
)

func newTestStore(t *testing.T) *billing.PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/usage_meter_test?sslmode=disable"
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx), "postgres not available")
	t.Cleanup(pool.Close)

	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := billing.NewPostgresStore(pool, billing.WithTablePrefix(prefix))
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() {
		for _, tbl := range []string{"rate_records", "interactions", "daily", "monthly", "tiers", "subscriptions", "alerts"} {
			pool.Exec(ctx, "DROP TABLE IF EXISTS "+prefix+tbl)
		}
	})
	return s
}

func TestPostgres_UpsertInteractionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	in := &billing.Interaction{
		IdempotencyKey: "msg-1:chat_reply", OwnerID: "u1", Provider: "openai", Model: "gpt-4",
		PromptUnits: 10, CompletionUnits: 5, TotalUnits: 15, StartedAt: now, EndedAt: now,
		Metadata: map[string]any{"temperature": 0.2},
	}
	inserted, err := s.UpsertInteraction(ctx, in)
	require.NoError(t, err)
	assert.True(t, inserted)

	claimed, err := s.ClaimRollup(ctx, in.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, claimed)

	retry := *in
	retry.TotalUnits = 0
	retry.Error = "timeout"
	inserted, err = s.UpsertInteraction(ctx, &retry)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.True(t, retry.RolledUp)

	got, err := s.GetInteraction(ctx, in.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got.TotalUnits, "rolled-up usage is frozen")
	assert.Empty(t, got.Error)
	assert.Equal(t, "timeout", got.Metadata[billing.RedeliveryErrorKey])
}

func TestPostgres_UpsertInteractionRejectsOtherOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	in := &billing.Interaction{
		IdempotencyKey: "shared", OwnerID: "A", Provider: "openai", Model: "gpt-4",
		CostMicros: 60_000, StartedAt: now, EndedAt: now,
	}
	_, err := s.UpsertInteraction(ctx, in)
	require.NoError(t, err)

	other := *in
	other.OwnerID = "B"
	other.CostMicros = 0
	_, err = s.UpsertInteraction(ctx, &other)
	assert.ErrorIs(t, err, billing.ErrKeyConflict)

	got, err := s.GetInteraction(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "A", got.OwnerID)
	assert.Equal(t, int64(60_000), got.CostMicros)
}

func TestPostgres_ConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementDailyUsage(ctx, "u1", "2026-10-19", billing.Totals{CallCount: 1, TotalCostMicros: 5}); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failures.Load())

	d, err := s.GetDailyUsage(ctx, "u1", "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(20), d.CallCount)
	assert.Equal(t, int64(100), d.TotalCostMicros)
}

func TestPostgres_AlertInsertIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.InsertAlert(ctx, &billing.Alert{OwnerID: "u1", Day: "2026-10-19", Metric: billing.MetricCost, Threshold: 0.9, Severity: billing.SeverityWarning, Message: "m"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertAlert(ctx, &billing.Alert{OwnerID: "u1", Day: "2026-10-19", Metric: billing.MetricCost, Threshold: 0.9, Severity: billing.SeverityWarning, Message: "m"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_LatestRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, price := range []int64{1, 2} {
		_, err := s.InsertRate(ctx, &billing.RateRecord{Provider: "openai", Model: "gpt-4", InputPerMillion: price, OutputPerMillion: price, Currency: "USD", EffectiveFrom: t0.AddDate(0, i, 0)})
		require.NoError(t, err)
	}
	r, err := s.LatestRate(ctx, "openai", "gpt-4", t0.AddDate(0, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.InputPerMillion)
}
