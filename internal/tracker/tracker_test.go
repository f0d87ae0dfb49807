package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/pricing"
	"github.com/vnmchuo/usage-meter/internal/session"
)

var fixedNow = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func newTracker(store Store, opts ...Option) *Tracker {
	base := []Option{
		WithTracer(noop.NewTracerProvider().Tracer("test")),
		WithClock(func() time.Time { return fixedNow }),
	}
	return New(store, pricing.NewResolver(nil, nil), append(base, opts...)...)
}

func gpt4Call(p, c int64) Call {
	return func(context.Context) (*Usage, error) {
		return &Usage{PromptUnits: p, CompletionUnits: c}, nil
	}
}

func scenarioContext(key string) CallContext {
	return CallContext{IdempotencyKey: key, OwnerID: "U1", Feature: "chat_reply", Provider: "openai", Model: "gpt-4"}
}

func TestTrack_RecordsInteractionAndRollups(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	cc := scenarioContext("msg-1:chat_reply")
	cc.Params = map[string]any{"temperature": 0.3}
	require.NoError(t, tr.Track(ctx, cc, gpt4Call(1000, 500)))

	in, err := store.GetInteraction(ctx, LedgerKey("U1", "msg-1:chat_reply"))
	require.NoError(t, err)
	assert.Equal(t, int64(1500), in.TotalUnits)
	assert.Equal(t, int64(60_000), in.CostMicros)
	assert.Equal(t, "default", in.Metadata["rate_source"])
	assert.Equal(t, 0.3, in.Metadata["temperature"])
	assert.Empty(t, in.Error)

	day, err := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, billing.Totals{CallCount: 1, MessageCount: 1, PromptUnits: 1000, CompletionUnits: 500, TotalUnits: 1500, TotalCostMicros: 60_000}, day.Totals)

	month, err := store.GetMonthlyUsage(ctx, "U1", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, day.Totals, month.Totals)
}

func TestTrack_ProviderErrorReturnedUnchanged(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	providerErr := errors.New("upstream 503")
	err := tr.Track(ctx, scenarioContext("k"), func(context.Context) (*Usage, error) {
		return &Usage{PromptUnits: 10}, providerErr
	})
	assert.Same(t, providerErr, err)

	in, err := store.GetInteraction(ctx, LedgerKey("U1", "k"))
	require.NoError(t, err)
	assert.Equal(t, "upstream 503", in.Error)

	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.True(t, day.Totals.IsZero(), "failed calls do not roll up")
}

func TestTrack_UnknownUsageSkipsRollups(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	require.NoError(t, tr.Track(ctx, scenarioContext("k"), func(context.Context) (*Usage, error) { return nil, nil }))
	assert.Equal(t, 1, store.InteractionCount())
	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.True(t, day.Totals.IsZero())
}

func TestTrack_RedeliveryCountsOnceInUniqueMode(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Track(ctx, scenarioContext("msg-7:chat_reply"), gpt4Call(1000, 500)))
	}
	assert.Equal(t, 1, store.InteractionCount())
	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.Equal(t, int64(1), day.CallCount)
	assert.Equal(t, int64(60_000), day.TotalCostMicros)
}

func TestTrack_FailedThenSuccessfulRetryCountsOnce(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	_ = tr.Track(ctx, scenarioContext("k"), func(context.Context) (*Usage, error) { return nil, errors.New("timeout") })
	require.NoError(t, tr.Track(ctx, scenarioContext("k"), gpt4Call(1000, 500)))

	in, _ := store.GetInteraction(ctx, LedgerKey("U1", "k"))
	assert.Empty(t, in.Error, "second write supersedes the first")
	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.Equal(t, int64(1), day.CallCount)
}

func TestTrack_FailedRedeliveryAfterSuccessKeepsLedgerAndRollupsInStep(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	require.NoError(t, tr.Track(ctx, scenarioContext("k"), gpt4Call(1000, 500)))
	_ = tr.Track(ctx, scenarioContext("k"), func(context.Context) (*Usage, error) { return nil, errors.New("timeout") })

	in, err := store.GetInteraction(ctx, LedgerKey("U1", "k"))
	require.NoError(t, err)
	assert.Empty(t, in.Error)
	assert.Equal(t, int64(60_000), in.CostMicros)
	assert.Equal(t, "timeout", in.Metadata[billing.RedeliveryErrorKey])

	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.Equal(t, int64(1), day.CallCount)
	assert.Equal(t, in.CostMicros, day.TotalCostMicros)
}

func TestTrack_SameKeyFromTwoOwnersIsTwoCalls(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	a := scenarioContext("chat_reply:m1")
	a.OwnerID = "A"
	b := scenarioContext("chat_reply:m1")
	b.OwnerID = "B"
	require.NoError(t, tr.Track(ctx, a, gpt4Call(1000, 500)))
	require.NoError(t, tr.Track(ctx, b, gpt4Call(1000, 500)))

	assert.Equal(t, 2, store.InteractionCount())
	for _, owner := range []string{"A", "B"} {
		in, err := store.GetInteraction(ctx, LedgerKey(owner, "chat_reply:m1"))
		require.NoError(t, err, owner)
		assert.Equal(t, owner, in.OwnerID)
		assert.Equal(t, "chat_reply:m1", in.Metadata["idempotency_key"])

		day, _ := store.GetDailyUsage(ctx, owner, "2026-10-19")
		assert.Equal(t, int64(60_000), day.TotalCostMicros, owner)
	}
}

func TestTrack_ZeroTokenCallSkipsRollups(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	require.NoError(t, tr.Track(ctx, scenarioContext("k"), gpt4Call(0, 0)))
	assert.Equal(t, 1, store.InteractionCount())
	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.True(t, day.Totals.IsZero())
}

func TestTrack_RecordsSessionFromContext(t *testing.T) {
	store := billing.NewMemoryStore()
	tr := newTracker(store)

	ctx := session.WithSessionID(context.Background(), "sess-1")
	require.NoError(t, tr.Track(ctx, scenarioContext("k"), gpt4Call(1, 1)))

	in, err := store.GetInteraction(context.Background(), LedgerKey("U1", "k"))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", in.Metadata["session_id"])
}

func TestTrack_AttemptsModeCountsEveryAttempt(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store, WithRollupMode(RollupAttempts))

	for i := 0; i < 2; i++ {
		require.NoError(t, tr.Track(ctx, scenarioContext("k"), gpt4Call(1000, 500)))
	}
	assert.Equal(t, 1, store.InteractionCount())
	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.Equal(t, int64(2), day.CallCount)
	assert.Equal(t, int64(120_000), day.TotalCostMicros)
}

func TestTrack_ConcurrentRedeliveriesCountOnce(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Track(ctx, scenarioContext("same"), gpt4Call(1000, 500))
		}()
	}
	wg.Wait()

	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.Equal(t, int64(1), day.CallCount)
}

func TestTrack_GeneratesKeyWhenMissing(t *testing.T) {
	store := billing.NewMemoryStore()
	tr := newTracker(store)

	cc := scenarioContext("")
	require.NoError(t, tr.Track(context.Background(), cc, gpt4Call(1, 1)))
	require.NoError(t, tr.Track(context.Background(), cc, gpt4Call(1, 1)))
	assert.Equal(t, 2, store.InteractionCount())
}

func TestTrack_MessagesAndMissingRate(t *testing.T) {
	store := billing.NewMemoryStore()
	ctx := context.Background()
	tr := newTracker(store)

	cc := CallContext{IdempotencyKey: "k", OwnerID: "U1", Provider: "acme", Model: "mystery", Messages: 3}
	require.NoError(t, tr.Track(ctx, cc, func(context.Context) (*Usage, error) {
		return &Usage{PromptUnits: 10, CompletionUnits: 5, TotalUnits: 20}, nil
	}))

	in, _ := store.GetInteraction(ctx, LedgerKey("U1", "k"))
	assert.Equal(t, int64(0), in.CostMicros)
	assert.Equal(t, "missing", in.Metadata["rate_source"])
	assert.Equal(t, int64(20), in.TotalUnits, "reported total is kept")

	day, _ := store.GetDailyUsage(ctx, "U1", "2026-10-19")
	assert.Equal(t, int64(3), day.MessageCount)
}

func TestTrack_DisabledOnlyRunsCall(t *testing.T) {
	store := billing.NewMemoryStore()
	tr := newTracker(store, WithMetering(false))

	called := false
	require.NoError(t, tr.Track(context.Background(), scenarioContext("k"), func(context.Context) (*Usage, error) {
		called = true
		return &Usage{PromptUnits: 1}, nil
	}))
	assert.True(t, called)
	assert.Zero(t, store.InteractionCount())
}

// brokenStore fails every write.
type brokenStore struct{}

var errDB = errors.New("db unavailable")

func (brokenStore) UpsertInteraction(context.Context, *billing.Interaction) (bool, error) {
	return false, errDB
}
func (brokenStore) ClaimRollup(context.Context, string) (bool, error) { return false, errDB }
func (brokenStore) IncrementDailyUsage(context.Context, string, string, billing.Totals) error {
	return errDB
}
func (brokenStore) IncrementMonthlyUsage(context.Context, string, string, billing.Totals) error {
	return errDB
}

func TestTrack_BookkeepingFailureNeverSurfaces(t *testing.T) {
	for _, mode := range []RollupMode{RollupUnique, RollupAttempts} {
		tr := newTracker(brokenStore{}, WithRollupMode(mode))
		assert.NoError(t, tr.Track(context.Background(), scenarioContext("k"), gpt4Call(10, 10)), mode)
	}
}

type panicPricer struct{}

func (panicPricer) Price(context.Context, string, string, time.Time, int64, int64) (int64, pricing.ResolvedRate) {
	panic("bad rate table")
}

func TestTrack_PricingPanicDegradesToZeroCost(t *testing.T) {
	store := billing.NewMemoryStore()
	tr := New(store, panicPricer{}, WithTracer(noop.NewTracerProvider().Tracer("test")), WithClock(func() time.Time { return fixedNow }))

	require.NoError(t, tr.Track(context.Background(), scenarioContext("k"), gpt4Call(1000, 500)))
	in, err := store.GetInteraction(context.Background(), LedgerKey("U1", "k"))
	require.NoError(t, err)
	assert.Zero(t, in.CostMicros)

	day, _ := store.GetDailyUsage(context.Background(), "U1", "2026-10-19")
	assert.Equal(t, int64(1500), day.TotalUnits)
}

func TestTrack_PanickingCallIsRecorded(t *testing.T) {
	store := billing.NewMemoryStore()
	tr := newTracker(store)

	assert.Panics(t, func() {
		_ = tr.Track(context.Background(), scenarioContext("k"), func(context.Context) (*Usage, error) {
			panic("boom")
		})
	})
	in, err := store.GetInteraction(context.Background(), LedgerKey("U1", "k"))
	require.NoError(t, err)
	assert.Equal(t, "call panicked", in.Error)
}
