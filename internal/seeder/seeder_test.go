package seeder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/usage-meter/internal/auth"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/pricing"
)

func TestSeedDefaults_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := billing.NewMemoryStore()
	pb := pricing.DefaultPricebook()

	res, err := SeedDefaults(ctx, store, pb)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Tiers)
	assert.Equal(t, len(pb.Entries()), res.Rates)

	res, err = SeedDefaults(ctx, store, pb)
	require.NoError(t, err)
	assert.Zero(t, res.Tiers)
	assert.Zero(t, res.Rates)

	free, err := store.GetTier(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, billing.CapHard, free.Behavior)
	require.NotNil(t, free.DailyCostCapMicros)
	assert.EqualValues(t, 500_000, *free.DailyCostCapMicros)
}

func TestSeedDefaults_KeepsOperatorEdits(t *testing.T) {
	ctx := context.Background()
	store := billing.NewMemoryStore()
	limit := int64(7)
	require.NoError(t, store.UpsertTier(ctx, &billing.Tier{
		Name: "free", Behavior: billing.CapSoft, Caps: billing.Caps{DailyMessageLimit: &limit},
	}))

	_, err := SeedDefaults(ctx, store, pricing.DefaultPricebook())
	require.NoError(t, err)

	free, err := store.GetTier(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, billing.CapSoft, free.Behavior)
	assert.EqualValues(t, 7, *free.DailyMessageLimit)
}

func TestSeedDefaults_OverridesStillWin(t *testing.T) {
	ctx := context.Background()
	store := billing.NewMemoryStore()
	_, err := SeedDefaults(ctx, store, pricing.DefaultPricebook())
	require.NoError(t, err)

	resolver := pricing.NewResolver(store, pricing.DefaultPricebook())
	require.NoError(t, resolver.AddRate(ctx, &billing.RateRecord{
		Provider: "openai", Model: "gpt-4", InputPerMillion: 1, OutputPerMillion: 2,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	rate := resolver.Resolve(ctx, "openai", "gpt-4", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, pricing.SourceOverride, rate.Source)
	assert.EqualValues(t, 1, rate.InputPerMillion)

	rate = resolver.Resolve(ctx, "openai", "gpt-4", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, pricing.SourceDefault, rate.Source)
	assert.EqualValues(t, 30_000_000, rate.InputPerMillion)
}

func TestSeedTestAPIKey(t *testing.T) {
	ctx := context.Background()
	store := auth.NewMemoryStore()

	SeedTestAPIKey(ctx, store)
	SeedTestAPIKey(ctx, store) // duplicate is logged, not fatal

	k, err := store.GetByKey(ctx, TestAPIKey)
	require.NoError(t, err)
	assert.Equal(t, TestOwnerID, k.OwnerID)
}
