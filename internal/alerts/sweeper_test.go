package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/limits"
	"github.com/vnmchuo/usage-meter/internal/worker"
)

var sweepAt = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*billing.MemoryStore, *limits.Evaluator, *Sweeper) {
	t.Helper()
	store := billing.NewMemoryStore()
	ev := limits.NewEvaluator(store, limits.WithTracer(noop.NewTracerProvider().Tracer("test")))
	sw := NewSweeper(store, ev, WithTracer(noop.NewTracerProvider().Tracer("test")))
	return store, ev, sw
}

func TestEvaluate_Thresholds(t *testing.T) {
	tier := limits.DefaultTier(limits.TierFree)

	cases := []struct {
		name string
		cost int64
		want []billing.Severity
	}{
		{"below", 399_999, nil},
		{"at 80", 400_000, []billing.Severity{billing.SeverityInfo}},
		{"at 90", 450_000, []billing.Severity{billing.SeverityInfo, billing.SeverityWarning}},
		{"at cap", 500_000, []billing.Severity{billing.SeverityInfo, billing.SeverityWarning, billing.SeverityCritical}},
		{"over cap", 900_000, []billing.Severity{billing.SeverityInfo, billing.SeverityWarning, billing.SeverityCritical}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := billing.DailyUsage{OwnerID: "u1", Day: "2026-10-19", Totals: billing.Totals{TotalCostMicros: tc.cost}}
			var got []billing.Severity
			for _, a := range Evaluate(row, tier) {
				assert.Equal(t, billing.MetricCost, a.Metric)
				got = append(got, a.Severity)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluate_MessageAndUncappedMetrics(t *testing.T) {
	row := billing.DailyUsage{OwnerID: "u1", Day: "2026-10-19", Totals: billing.Totals{MessageCount: 45, TotalUnits: 1 << 30, TotalCostMicros: 1 << 30}}

	assert.Empty(t, Evaluate(row, limits.DefaultTier(limits.TierEnterprise)))

	alerts := Evaluate(row, limits.DefaultTier(limits.TierFree))
	var msgs []billing.Alert
	for _, a := range alerts {
		if a.Metric == billing.MetricMessages {
			msgs = append(msgs, a)
		}
	}
	require.Len(t, msgs, 2)
	assert.Equal(t, "messages usage at 90% of daily limit (45/50)", msgs[1].Message)
	assert.Equal(t, int64(50), msgs[1].LimitValue)
}

func TestEvaluate_BudgetWording(t *testing.T) {
	row := billing.DailyUsage{OwnerID: "u1", Day: "2026-10-19", Totals: billing.Totals{TotalCostMicros: 50_000_000}}
	alerts := Evaluate(row, limits.DefaultTier(limits.TierTeam))
	require.Len(t, alerts, 3)
	assert.Contains(t, alerts[2].Message, "daily budget")
}

func TestSweepOnce_DeduplicatesAcrossRuns(t *testing.T) {
	store, _, sw := setup(t)
	ctx := context.Background()
	require.NoError(t, store.IncrementDailyUsage(ctx, "u1", "2026-10-19", billing.Totals{CallCount: 9, MessageCount: 9, TotalUnits: 13_500, TotalCostMicros: 540_000}))
	require.NoError(t, store.IncrementDailyUsage(ctx, "u2", "2026-10-19", billing.Totals{CallCount: 1, TotalCostMicros: 10}))
	require.NoError(t, store.IncrementDailyUsage(ctx, "u3", "2026-10-18", billing.Totals{CallCount: 1, TotalCostMicros: 500_000}))

	n, err := sw.SweepOnce(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = sw.SweepOnce(ctx, sweepAt.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	alerts, err := store.ListAlerts(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 3)

	none, _ := store.ListAlerts(ctx, "u3", 0)
	assert.Empty(t, none, "yesterday's rows are not swept")
}

func TestSweepOnce_NewThresholdLaterInDay(t *testing.T) {
	store, _, sw := setup(t)
	ctx := context.Background()
	require.NoError(t, store.IncrementDailyUsage(ctx, "u1", "2026-10-19", billing.Totals{TotalCostMicros: 400_000}))

	n, _ := sw.SweepOnce(ctx, sweepAt)
	assert.Equal(t, 1, n)

	require.NoError(t, store.IncrementDailyUsage(ctx, "u1", "2026-10-19", billing.Totals{TotalCostMicros: 60_000}))
	n, _ = sw.SweepOnce(ctx, sweepAt)
	assert.Equal(t, 1, n)
}

func TestSweepOnce_UsesSubscriptionOverrides(t *testing.T) {
	store, ev, sw := setup(t)
	ctx := context.Background()
	limit := int64(100)
	require.NoError(t, ev.SetSubscription(ctx, &billing.UserSubscription{OwnerID: "u1", TierName: limits.TierEnterprise, Caps: billing.Caps{DailyCostCapMicros: &limit}}))
	require.NoError(t, store.IncrementDailyUsage(ctx, "u1", "2026-10-19", billing.Totals{TotalCostMicros: 100}))

	n, err := sw.SweepOnce(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

type countingResolver struct {
	TierResolver
	caps map[string]int
}

func (c *countingResolver) ResolveCaps(ctx context.Context, name string) billing.Tier {
	c.caps[name]++
	return c.TierResolver.ResolveCaps(ctx, name)
}

func TestSweepOnce_CachesTiersWithinTick(t *testing.T) {
	store, ev, _ := setup(t)
	ctx := context.Background()
	for _, owner := range []string{"a", "b", "c"} {
		require.NoError(t, store.IncrementDailyUsage(ctx, owner, "2026-10-19", billing.Totals{CallCount: 1}))
	}
	counter := &countingResolver{TierResolver: ev, caps: map[string]int{}}
	sw := NewSweeper(store, counter, WithTracer(noop.NewTracerProvider().Tracer("test")))

	_, err := sw.SweepOnce(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.caps[limits.TierFree])
}

type listFailStore struct{ *billing.MemoryStore }

func (listFailStore) ListActiveDailyUsage(context.Context, string) ([]billing.DailyUsage, error) {
	return nil, errors.New("db down")
}

func TestSweepOnce_ListFailure(t *testing.T) {
	_, ev, _ := setup(t)
	sw := NewSweeper(listFailStore{billing.NewMemoryStore()}, ev)
	_, err := sw.SweepOnce(context.Background(), sweepAt)
	assert.Error(t, err)
}

func TestStart_ReportsRunStatus(t *testing.T) {
	_, ev, sw := setup(t)
	assert.Equal(t, worker.JobStatusPending, sw.Status().Status)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sw.Start(ctx)

	require.Eventually(t, func() bool {
		return sw.Status().Status == worker.JobStatusDone
	}, time.Second, 5*time.Millisecond)

	failing := NewSweeper(listFailStore{billing.NewMemoryStore()}, ev,
		WithTracer(noop.NewTracerProvider().Tracer("test")))
	go failing.Start(ctx)

	require.Eventually(t, func() bool {
		return failing.Status().Status == worker.JobStatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.EqualError(t, failing.Status().Err, "failed to list daily usage: db down")
}
