package limits

import (
	"strings"

	"github.com/vnmchuo/usage-meter/internal/billing"
)

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierTeam       = "team"
	TierEnterprise = "enterprise"
)

func cap64(v int64) *int64 { return &v }

var builtinTiers = map[string]billing.Tier{
	TierFree: {
		Name:     TierFree,
		Behavior: billing.CapHard,
		Caps: billing.Caps{
			DailyMessageLimit:  cap64(50),
			DailyTokenLimit:    cap64(100_000),
			DailyCostCapMicros: cap64(500_000),
		},
	},
	TierPro: {
		Name:     TierPro,
		Behavior: billing.CapSoft,
		Caps: billing.Caps{
			DailyMessageLimit:  cap64(1_000),
			DailyTokenLimit:    cap64(2_000_000),
			DailyCostCapMicros: cap64(10_000_000),
		},
	},
	TierTeam: {
		Name:     TierTeam,
		Behavior: billing.CapBudget,
		Caps: billing.Caps{
			DailyMessageLimit:  cap64(5_000),
			DailyTokenLimit:    cap64(10_000_000),
			DailyCostCapMicros: cap64(50_000_000),
		},
	},
	TierEnterprise: {
		Name:     TierEnterprise,
		Behavior: billing.CapSoft,
	},
}

// DefaultTier returns the built-in definition for name. Unknown names get
// the free tier's behavior and caps under their own name.
func DefaultTier(name string) billing.Tier {
	name = strings.ToLower(strings.TrimSpace(name))
	t, ok := builtinTiers[name]
	if !ok {
		t = builtinTiers[TierFree]
		if name != "" {
			t.Name = name
		}
	}
	t.Caps = cloneCaps(t.Caps)
	return t
}

// DefaultTiers lists the built-in tiers in a stable order, for seeding.
func DefaultTiers() []billing.Tier {
	names := []string{TierFree, TierPro, TierTeam, TierEnterprise}
	out := make([]billing.Tier, 0, len(names))
	for _, n := range names {
		out = append(out, DefaultTier(n))
	}
	return out
}

func cloneCaps(c billing.Caps) billing.Caps {
	cp := func(p *int64) *int64 {
		if p == nil {
			return nil
		}
		return cap64(*p)
	}
	return billing.Caps{
		DailyMessageLimit:  cp(c.DailyMessageLimit),
		DailyTokenLimit:    cp(c.DailyTokenLimit),
		DailyCostCapMicros: cp(c.DailyCostCapMicros),
	}
}

// ApplyOverrides layers the per-user cap values of sub over tier.
func ApplyOverrides(tier billing.Tier, sub *billing.UserSubscription) billing.Tier {
	tier.Caps = cloneCaps(tier.Caps)
	if sub == nil {
		return tier
	}
	if sub.DailyMessageLimit != nil {
		tier.DailyMessageLimit = cap64(*sub.DailyMessageLimit)
	}
	if sub.DailyTokenLimit != nil {
		tier.DailyTokenLimit = cap64(*sub.DailyTokenLimit)
	}
	if sub.DailyCostCapMicros != nil {
		tier.DailyCostCapMicros = cap64(*sub.DailyCostCapMicros)
	}
	return tier
}
