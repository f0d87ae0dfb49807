// Package seeder writes the built-in tiers, pricebook rates and a dev API key
// into a fresh store. Every write is insert-if-absent, so seeding is safe to
// repeat on every start.
package seeder

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/usage-meter/internal/auth"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/limits"
	"github.com/vnmchuo/usage-meter/internal/pricing"
)

const (
	TestAPIKey  = "test-api-key-12345"
	TestOwnerID = "00000000-0000-0000-0000-000000000001"
)

type DefaultsStore interface {
	CreateTier(ctx context.Context, tier *billing.Tier) (bool, error)
	InsertRate(ctx context.Context, rec *billing.RateRecord) (bool, error)
}

// Result counts what a seeding pass inserted.
type Result struct {
	Tiers int
	Rates int
}

// SeedDefaults inserts the built-in tiers and every pricebook entry dated at
// pricing.DefaultsEffectiveFrom. Rows that already exist are left alone, so
// operator edits survive restarts.
func SeedDefaults(ctx context.Context, store DefaultsStore, pb *pricing.Pricebook) (Result, error) {
	var res Result
	for _, t := range limits.DefaultTiers() {
		tier := t
		created, err := store.CreateTier(ctx, &tier)
		if err != nil {
			return res, fmt.Errorf("failed to seed tier %s: %w", tier.Name, err)
		}
		if created {
			res.Tiers++
		}
	}

	for _, e := range pb.Entries() {
		inserted, err := store.InsertRate(ctx, &billing.RateRecord{
			Provider:         e.Provider,
			Model:            e.Model,
			InputPerMillion:  e.InputPerMillion,
			OutputPerMillion: e.OutputPerMillion,
			Currency:         e.Currency,
			EffectiveFrom:    pricing.DefaultsEffectiveFrom,
		})
		if err != nil {
			return res, fmt.Errorf("failed to seed rate %s/%s: %w", e.Provider, e.Model, err)
		}
		if inserted {
			res.Rates++
		}
	}

	log.Info().Int("tiers", res.Tiers).Int("rates", res.Rates).
		Str("pricebook_version", pb.Version()).Msg("seeded defaults")
	return res, nil
}

func SeedTestAPIKey(ctx context.Context, store auth.Store) {
	apiKey := &auth.APIKey{
		OwnerID:   TestOwnerID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}

	err := store.Create(ctx, apiKey)
	if err != nil {
		log.Warn().Err(err).Msg("seeder: API key may already exist, skipping")
		return
	}
	log.Info().Str("key", TestAPIKey).Str("owner_id", TestOwnerID).Msg("seeder: test API key created")
}
