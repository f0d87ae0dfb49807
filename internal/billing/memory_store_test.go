package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LatestRatePicksLatestEffective(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, price := range []int64{10, 20, 30} {
		ok, err := s.InsertRate(ctx, &RateRecord{
			Provider: "openai", Model: "gpt-4",
			InputPerMillion: price, OutputPerMillion: price * 2,
			Currency: "USD", EffectiveFrom: t0.AddDate(0, i, 0),
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	r, err := s.LatestRate(ctx, "openai", "gpt-4", t0.AddDate(0, 1, 15))
	require.NoError(t, err)
	assert.Equal(t, int64(20), r.InputPerMillion)

	_, err = s.LatestRate(ctx, "openai", "gpt-4", t0.Add(-time.Second))
	assert.ErrorIs(t, err, ErrNotFound)

	dup, err := s.InsertRate(ctx, &RateRecord{Provider: "openai", Model: "gpt-4", EffectiveFrom: t0})
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestMemoryStore_UpsertInteractionKeepsOneRow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &Interaction{IdempotencyKey: "k1", OwnerID: "u1", Provider: "openai", Model: "gpt-4", TotalUnits: 10}
	inserted, err := s.UpsertInteraction(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	claimed, err := s.ClaimRollup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, claimed)

	second := &Interaction{IdempotencyKey: "k1", OwnerID: "u1", Provider: "openai", Model: "gpt-4", TotalUnits: 99}
	inserted, err = s.UpsertInteraction(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.True(t, second.RolledUp, "rolled_up survives overwrite")

	got, err := s.GetInteraction(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.TotalUnits, "rolled-up usage is frozen")
	assert.Equal(t, 1, s.InteractionCount())

	claimed, err = s.ClaimRollup(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMemoryStore_UpsertInteractionOverwritesUntilRolledUp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.UpsertInteraction(ctx, &Interaction{IdempotencyKey: "k", OwnerID: "u1", Error: "timeout"})
	require.NoError(t, err)
	_, err = s.UpsertInteraction(ctx, &Interaction{IdempotencyKey: "k", OwnerID: "u1", TotalUnits: 15, CostMicros: 600})
	require.NoError(t, err)

	got, err := s.GetInteraction(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got.Error)
	assert.Equal(t, int64(600), got.CostMicros)
}

func TestMemoryStore_FailedRedeliveryKeepsRolledUpRow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.UpsertInteraction(ctx, &Interaction{
		IdempotencyKey: "k", OwnerID: "u1", TotalUnits: 1500, CostMicros: 60_000,
		Metadata: map[string]any{"rate_source": "default"},
	})
	require.NoError(t, err)
	claimed, err := s.ClaimRollup(ctx, "k")
	require.NoError(t, err)
	require.True(t, claimed)

	retry := &Interaction{IdempotencyKey: "k", OwnerID: "u1", Error: "timeout"}
	_, err = s.UpsertInteraction(ctx, retry)
	require.NoError(t, err)
	assert.True(t, retry.RolledUp)

	got, err := s.GetInteraction(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got.Error)
	assert.Equal(t, int64(60_000), got.CostMicros)
	assert.Equal(t, int64(1500), got.TotalUnits)
	assert.Equal(t, "timeout", got.Metadata[RedeliveryErrorKey])
	assert.Equal(t, "default", got.Metadata["rate_source"])
}

func TestMemoryStore_UpsertInteractionRejectsOtherOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.UpsertInteraction(ctx, &Interaction{IdempotencyKey: "k", OwnerID: "A", CostMicros: 60_000})
	require.NoError(t, err)

	_, err = s.UpsertInteraction(ctx, &Interaction{IdempotencyKey: "k", OwnerID: "B"})
	assert.ErrorIs(t, err, ErrKeyConflict)

	got, err := s.GetInteraction(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "A", got.OwnerID)
	assert.Equal(t, int64(60_000), got.CostMicros)
}

func TestMemoryStore_ConcurrentClaimHasSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.UpsertInteraction(ctx, &Interaction{IdempotencyKey: "k", OwnerID: "u"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := s.ClaimRollup(ctx, "k")
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_RollupsAndActiveRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	delta := Totals{CallCount: 1, MessageCount: 1, PromptUnits: 10, CompletionUnits: 5, TotalUnits: 15, TotalCostMicros: 100}
	require.NoError(t, s.IncrementDailyUsage(ctx, "u1", "2026-10-19", delta))
	require.NoError(t, s.IncrementDailyUsage(ctx, "u1", "2026-10-19", delta))
	require.NoError(t, s.IncrementDailyUsage(ctx, "u2", "2026-10-18", delta))
	require.NoError(t, s.IncrementMonthlyUsage(ctx, "u1", "2026-10", delta))

	d, err := s.GetDailyUsage(ctx, "u1", "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.CallCount)
	assert.Equal(t, int64(200), d.TotalCostMicros)

	empty, err := s.GetDailyUsage(ctx, "nobody", "2026-10-19")
	require.NoError(t, err)
	assert.True(t, empty.Totals.IsZero())

	active, err := s.ListActiveDailyUsage(ctx, "2026-10-19")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "u1", active[0].OwnerID)

	m, err := s.GetMonthlyUsage(ctx, "u1", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(15), m.TotalUnits)
}

func TestMemoryStore_AlertUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := Alert{OwnerID: "u1", Day: "2026-10-19", Metric: MetricCost, Threshold: 0.8, Severity: SeverityInfo}
	first := a
	ok, err := s.InsertAlert(ctx, &first)
	require.NoError(t, err)
	assert.True(t, ok)

	again := a
	ok, err = s.InsertAlert(ctx, &again)
	require.NoError(t, err)
	assert.False(t, ok)

	alerts, err := s.ListAlerts(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	require.NoError(t, s.AcknowledgeAlert(ctx, "u1", first.ID))
	assert.ErrorIs(t, s.AcknowledgeAlert(ctx, "u2", first.ID), ErrNotFound)
}

func TestMemoryStore_BreakdownGroups(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	for i, m := range []string{"gpt-4", "gpt-4", "gpt-4o-mini"} {
		_, err := s.UpsertInteraction(ctx, &Interaction{
			IdempotencyKey: string(rune('a' + i)), OwnerID: "u1", Provider: "openai", Model: m,
			TotalUnits: 10, CostMicros: int64(100 * (i + 1)), StartedAt: at,
		})
		require.NoError(t, err)
	}

	rows, err := s.Breakdown(ctx, "u1", "model", at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "gpt-4", rows[0].Group)
	assert.Equal(t, int64(2), rows[0].Calls)
	assert.Equal(t, int64(300), rows[0].CostMicros)

	_, err = s.Breakdown(ctx, "u1", "color", at, at)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPeriodHelpers(t *testing.T) {
	at := time.Date(2024, 2, 10, 23, 59, 0, 0, time.FixedZone("X", -3*3600))
	assert.Equal(t, "2024-02-11", DayKey(at))
	assert.Equal(t, "2024-02", MonthKey(at))
	assert.Equal(t, 29, DaysInMonth(at))
}
