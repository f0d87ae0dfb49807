package billing

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It honours the same atomicity
// guarantees as PostgresStore within a single process.
type MemoryStore struct {
	mu            sync.RWMutex
	rates         map[string][]RateRecord // provider:model -> records
	interactions  map[string]*Interaction
	daily         map[string]*DailyUsage   // owner|day
	monthly       map[string]*MonthlyUsage // owner|month
	tiers         map[string]*Tier
	subscriptions map[string]*UserSubscription
	alerts        []*Alert
	now           func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rates:         make(map[string][]RateRecord),
		interactions:  make(map[string]*Interaction),
		daily:         make(map[string]*DailyUsage),
		monthly:       make(map[string]*MonthlyUsage),
		tiers:         make(map[string]*Tier),
		subscriptions: make(map[string]*UserSubscription),
		now:           time.Now,
	}
}

func rateKey(provider, model string) string { return provider + ":" + model }
func bucketKey(owner, bucket string) string { return owner + "|" + bucket }

func (s *MemoryStore) LatestRate(_ context.Context, provider, model string, asOf time.Time) (*RateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *RateRecord
	for i, r := range s.rates[rateKey(provider, model)] {
		if r.EffectiveFrom.After(asOf) {
			continue
		}
		if best == nil || r.EffectiveFrom.After(best.EffectiveFrom) {
			best = &s.rates[rateKey(provider, model)][i]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := *best
	return &out, nil
}

func (s *MemoryStore) InsertRate(_ context.Context, rec *RateRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rateKey(rec.Provider, rec.Model)
	for _, r := range s.rates[key] {
		if r.EffectiveFrom.Equal(rec.EffectiveFrom) {
			return false, nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = s.now().UTC()
	s.rates[key] = append(s.rates[key], *rec)
	return true, nil
}

func (s *MemoryStore) UpsertInteraction(_ context.Context, in *Interaction) (bool, error) {
	if in.IdempotencyKey == "" {
		return false, fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.interactions[in.IdempotencyKey]
	if exists && prev.OwnerID != in.OwnerID {
		return false, ErrKeyConflict
	}

	cp := *in
	cp.Metadata = maps.Clone(in.Metadata)
	switch {
	case !exists:
		cp.RolledUp = false
	case prev.RolledUp:
		cp = *prev
		cp.AgentID, cp.Feature = in.AgentID, in.Feature
		cp.Metadata = maps.Clone(prev.Metadata)
		if in.Error != "" {
			if cp.Metadata == nil {
				cp.Metadata = make(map[string]any)
			}
			cp.Metadata[RedeliveryErrorKey] = in.Error
		}
	default:
		cp.RolledUp = false
	}
	s.interactions[in.IdempotencyKey] = &cp
	in.RolledUp = cp.RolledUp
	return !exists, nil
}

func (s *MemoryStore) ClaimRollup(_ context.Context, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.interactions[idempotencyKey]
	if !ok || in.RolledUp {
		return false, nil
	}
	in.RolledUp = true
	return true, nil
}

func (s *MemoryStore) GetInteraction(_ context.Context, idempotencyKey string) (*Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.interactions[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	out := *in
	out.Metadata = maps.Clone(in.Metadata)
	return &out, nil
}

// InteractionCount reports the number of ledger rows.
func (s *MemoryStore) InteractionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.interactions)
}

func (s *MemoryStore) Breakdown(_ context.Context, ownerID, groupBy string, from, to time.Time) ([]BreakdownRow, error) {
	if _, ok := groupColumns[groupBy]; !ok {
		return nil, fmt.Errorf("%w: group_by %q", ErrInvalidInput, groupBy)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make(map[string]*BreakdownRow)
	for _, in := range s.interactions {
		if in.OwnerID != ownerID || in.StartedAt.Before(from) || !in.StartedAt.Before(to) {
			continue
		}
		var g string
		switch groupBy {
		case "agent":
			g = in.AgentID
		case "provider":
			g = in.Provider
		case "model":
			g = in.Model
		case "feature":
			g = in.Feature
		}
		row, ok := groups[g]
		if !ok {
			row = &BreakdownRow{Group: g}
			groups[g] = row
		}
		row.Calls++
		row.PromptUnits += in.PromptUnits
		row.CompletionUnits += in.CompletionUnits
		row.TotalUnits += in.TotalUnits
		row.CostMicros += in.CostMicros
	}

	out := make([]BreakdownRow, 0, len(groups))
	for _, r := range groups {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostMicros != out[j].CostMicros {
			return out[i].CostMicros > out[j].CostMicros
		}
		return out[i].Group < out[j].Group
	})
	return out, nil
}

func (s *MemoryStore) IncrementDailyUsage(_ context.Context, ownerID, day string, delta Totals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey(ownerID, day)
	d, ok := s.daily[key]
	if !ok {
		d = &DailyUsage{OwnerID: ownerID, Day: day}
		s.daily[key] = d
	}
	d.Totals = d.Totals.Add(delta)
	d.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) IncrementMonthlyUsage(_ context.Context, ownerID, month string, delta Totals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey(ownerID, month)
	m, ok := s.monthly[key]
	if !ok {
		m = &MonthlyUsage{OwnerID: ownerID, Month: month}
		s.monthly[key] = m
	}
	m.Totals = m.Totals.Add(delta)
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) GetDailyUsage(_ context.Context, ownerID, day string) (*DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.daily[bucketKey(ownerID, day)]; ok {
		out := *d
		return &out, nil
	}
	return &DailyUsage{OwnerID: ownerID, Day: day}, nil
}

func (s *MemoryStore) ListDailyUsage(_ context.Context, ownerID, fromDay, toDay string) ([]DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DailyUsage
	for _, d := range s.daily {
		if d.OwnerID == ownerID && d.Day >= fromDay && d.Day <= toDay {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func (s *MemoryStore) ListActiveDailyUsage(_ context.Context, day string) ([]DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DailyUsage
	for _, d := range s.daily {
		if d.Day == day && !d.Totals.IsZero() {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (s *MemoryStore) GetMonthlyUsage(_ context.Context, ownerID, month string) (*MonthlyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.monthly[bucketKey(ownerID, month)]; ok {
		out := *m
		return &out, nil
	}
	return &MonthlyUsage{OwnerID: ownerID, Month: month}, nil
}

func (s *MemoryStore) GetTier(_ context.Context, name string) (*Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tiers[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) UpsertTier(_ context.Context, tier *Tier) error {
	if err := tier.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tier
	cp.UpdatedAt = s.now().UTC()
	s.tiers[tier.Name] = &cp
	return nil
}

func (s *MemoryStore) CreateTier(_ context.Context, tier *Tier) (bool, error) {
	if err := tier.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tiers[tier.Name]; ok {
		return false, nil
	}
	cp := *tier
	cp.UpdatedAt = s.now().UTC()
	s.tiers[tier.Name] = &cp
	return true, nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, ownerID string) (*UserSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sub
	return &out, nil
}

func (s *MemoryStore) UpsertSubscription(_ context.Context, sub *UserSubscription) error {
	if sub.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	cp.UpdatedAt = s.now().UTC()
	s.subscriptions[sub.OwnerID] = &cp
	return nil
}

func (s *MemoryStore) InsertAlert(_ context.Context, alert *Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.alerts {
		if a.OwnerID == alert.OwnerID && a.Day == alert.Day && a.Metric == alert.Metric && a.Threshold == alert.Threshold {
			return false, nil
		}
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.CreatedAt = s.now().UTC()
	cp := *alert
	s.alerts = append(s.alerts, &cp)
	return true, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, ownerID string, limit int) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if s.alerts[i].OwnerID != ownerID {
			continue
		}
		out = append(out, *s.alerts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AcknowledgeAlert(_ context.Context, ownerID, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.alerts {
		if a.ID == alertID && a.OwnerID == ownerID {
			a.Acknowledged = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
