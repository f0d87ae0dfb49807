// Package limits resolves subscription tiers and decides whether an owner
// may start another provider call today.
package limits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
)

type Reason string

const (
	ReasonNone            Reason = ""
	ReasonDailyCostCap    Reason = "daily_cost_cap"
	ReasonDailyMessageCap Reason = "daily_message_cap"
	ReasonDailyTokenCap   Reason = "daily_token_cap"
)

// Decision is the outcome of a cap check. A denial is not an error.
type Decision struct {
	Allow   bool   `json:"allow"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Tier    string `json:"tier,omitempty"`
}

var allow = Decision{Allow: true}

// Store is the slice of billing.Store the evaluator reads and writes.
type Store interface {
	GetTier(ctx context.Context, name string) (*billing.Tier, error)
	GetSubscription(ctx context.Context, ownerID string) (*billing.UserSubscription, error)
	UpsertSubscription(ctx context.Context, sub *billing.UserSubscription) error
	GetDailyUsage(ctx context.Context, ownerID, day string) (*billing.DailyUsage, error)
}

const defaultSubscriptionTTL = 5 * time.Minute

type Evaluator struct {
	store       Store
	cache       *redis.Client
	cacheTTL    time.Duration
	enforce     bool
	defaultTier string
	tracer      trace.Tracer
	now         func() time.Time
}

type Option func(*Evaluator)

func WithEnforcement(enabled bool) Option {
	return func(e *Evaluator) { e.enforce = enabled }
}

func WithDefaultTier(name string) Option {
	return func(e *Evaluator) {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			e.defaultTier = name
		}
	}
}

// WithSubscriptionCache caches subscription lookups in Redis. A nil client
// disables the cache.
func WithSubscriptionCache(rdb *redis.Client, ttl time.Duration) Option {
	return func(e *Evaluator) {
		e.cache = rdb
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Evaluator) { e.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(store Store, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:       store,
		cacheTTL:    defaultSubscriptionTTL,
		defaultTier: TierFree,
		tracer:      otel.Tracer("usage-meter/limits"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) EnforcementEnabled() bool { return e.enforce }
func (e *Evaluator) DefaultTierName() string  { return e.defaultTier }

func subscriptionCacheKey(ownerID string) string {
	return fmt.Sprintf("usage:subscription:%s", ownerID)
}

// cachedSubscription wraps the cache payload so "no subscription" can be
// cached as well.
type cachedSubscription struct {
	Sub *billing.UserSubscription `json:"sub"`
}

// Subscription returns the owner's override record, or nil when there is
// none. Lookup failures are logged and treated as no override.
func (e *Evaluator) Subscription(ctx context.Context, ownerID string) *billing.UserSubscription {
	key := subscriptionCacheKey(ownerID)
	if e.cache != nil {
		data, err := e.cache.Get(ctx, key).Bytes()
		if err == nil {
			var c cachedSubscription
			if err := json.Unmarshal(data, &c); err == nil {
				return c.Sub
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("owner_id", ownerID).Msg("limits: redis error")
		}
	}

	sub, err := e.store.GetSubscription(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, billing.ErrNotFound) {
			log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to load subscription")
			return nil
		}
		sub = nil
	}

	if e.cache != nil {
		if data, err := json.Marshal(cachedSubscription{Sub: sub}); err == nil {
			_ = e.cache.Set(ctx, key, data, e.cacheTTL).Err()
		}
	}
	return sub
}

// SetSubscription persists an override and drops the cached copy.
func (e *Evaluator) SetSubscription(ctx context.Context, sub *billing.UserSubscription) error {
	if sub.TierName != "" {
		sub.TierName = strings.ToLower(strings.TrimSpace(sub.TierName))
	}
	if err := e.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if e.cache != nil {
		if err := e.cache.Del(ctx, subscriptionCacheKey(sub.OwnerID)).Err(); err != nil {
			log.Warn().Err(err).Str("owner_id", sub.OwnerID).Msg("failed to invalidate subscription cache")
		}
	}
	return nil
}

func (e *Evaluator) tierNameFor(sub *billing.UserSubscription) string {
	if sub != nil && sub.TierName != "" {
		return sub.TierName
	}
	return e.defaultTier
}

// ResolveTier returns the owner's tier name: the override if set, else the
// configured default.
func (e *Evaluator) ResolveTier(ctx context.Context, ownerID string) string {
	return e.tierNameFor(e.Subscription(ctx, ownerID))
}

// ResolveCaps returns the persisted tier if configured, else the built-in
// definition for that name.
func (e *Evaluator) ResolveCaps(ctx context.Context, tierName string) billing.Tier {
	tierName = strings.ToLower(strings.TrimSpace(tierName))
	t, err := e.store.GetTier(ctx, tierName)
	if err == nil {
		return *t
	}
	if !errors.Is(err, billing.ErrNotFound) {
		log.Error().Err(err).Str("tier", tierName).Msg("failed to load tier, using built-in caps")
	}
	return DefaultTier(tierName)
}

// EffectiveCaps resolves the owner's tier and layers any per-user cap
// overrides on top.
func (e *Evaluator) EffectiveCaps(ctx context.Context, ownerID string) billing.Tier {
	sub := e.Subscription(ctx, ownerID)
	return ApplyOverrides(e.ResolveCaps(ctx, e.tierNameFor(sub)), sub)
}

// CheckCanProceed decides whether ownerID may start a new call. Only hard
// tiers are gated, and only while enforcement is enabled. A usage read
// failure allows the call.
func (e *Evaluator) CheckCanProceed(ctx context.Context, ownerID string) Decision {
	if !e.enforce {
		return allow
	}

	ctx, span := e.tracer.Start(ctx, "limits.check")
	defer span.End()

	tier := e.EffectiveCaps(ctx, ownerID)
	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("tier", tier.Name),
		attribute.String("behavior", string(tier.Behavior)),
	)

	if tier.Behavior != billing.CapHard {
		telemetry.LimitDecisionsTotal.WithLabelValues(tier.Name, "allow").Inc()
		return Decision{Allow: true, Tier: tier.Name}
	}

	usage, err := e.store.GetDailyUsage(ctx, ownerID, billing.DayKey(e.now()))
	if err != nil {
		log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to read daily usage, allowing call")
		return Decision{Allow: true, Tier: tier.Name}
	}

	d := Evaluate(tier, usage.Totals)
	reason := string(d.Reason)
	if d.Allow {
		reason = "allow"
	}
	span.SetAttributes(attribute.Bool("allow", d.Allow), attribute.String("reason", reason))
	telemetry.LimitDecisionsTotal.WithLabelValues(tier.Name, reason).Inc()
	return d
}

// Evaluate applies tier caps to today's totals: cost first, then messages,
// then tokens. Meeting a cap denies the next call.
func Evaluate(tier billing.Tier, today billing.Totals) Decision {
	if c := tier.DailyCostCapMicros; c != nil && today.TotalCostMicros >= *c {
		return Decision{
			Reason:  ReasonDailyCostCap,
			Message: fmt.Sprintf("daily cost cap reached (%d/%d micros)", today.TotalCostMicros, *c),
			Tier:    tier.Name,
		}
	}
	if c := tier.DailyMessageLimit; c != nil && today.MessageCount >= *c {
		return Decision{
			Reason:  ReasonDailyMessageCap,
			Message: fmt.Sprintf("daily message limit reached (%d/%d)", today.MessageCount, *c),
			Tier:    tier.Name,
		}
	}
	if c := tier.DailyTokenLimit; c != nil && today.TotalUnits >= *c {
		return Decision{
			Reason:  ReasonDailyTokenCap,
			Message: fmt.Sprintf("daily token limit reached (%d/%d)", today.TotalUnits, *c),
			Tier:    tier.Name,
		}
	}
	return Decision{Allow: true, Tier: tier.Name}
}
