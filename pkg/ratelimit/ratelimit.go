package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter. A nil
// *Limiter allows everything, which is what runs when Redis is not
// configured.
//
// The library fixes the limit per store, so one store is built lazily per
// distinct tokens-per-minute value.
type Limiter struct {
	defaultTPM int64
	newStore   func(tpm int64) extratelimit.Limiter

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	if rdb == nil {
		return nil
	}
	return newLimiter(defaultTPM, func(tpm int64) extratelimit.Limiter {
		return extratelimit.NewRedisStore(rdb,
			extratelimit.WithLimit(int(tpm)),
			extratelimit.WithWindow(time.Minute),
		)
	})
}

// NewTestLimiter serves every limit from store.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return NewTestLimiterFunc(0, func(int64) extratelimit.Limiter { return store })
}

// NewTestLimiterFunc lets tests observe which limit a call was checked against.
func NewTestLimiterFunc(defaultTPM int64, newStore func(tpm int64) extratelimit.Limiter) *Limiter {
	return newLimiter(defaultTPM, newStore)
}

func newLimiter(defaultTPM int64, newStore func(tpm int64) extratelimit.Limiter) *Limiter {
	return &Limiter{
		defaultTPM: defaultTPM,
		newStore:   newStore,
		stores:     make(map[int64]extratelimit.Limiter),
	}
}

func key(ownerID string) string {
	return fmt.Sprintf("ratelimit:owner:%s", ownerID)
}

// store returns the store for tpm. tpm <= 0 selects the service default.
func (l *Limiter) store(tpm int64) extratelimit.Limiter {
	if tpm <= 0 {
		tpm = l.defaultTPM
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[tpm]
	if !ok {
		s = l.newStore(tpm)
		l.stores[tpm] = s
	}
	return s
}

// Allow consumes tokens from the owner's window. tpm is the API key's own
// limit; 0 means the service default.
func (l *Limiter) Allow(ctx context.Context, ownerID string, tpm int64, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store(tpm).AllowN(ctx, key(ownerID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, ownerID string, tpm int64) (*extratelimit.Result, error) {
	if l == nil {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store(tpm).Status(ctx, key(ownerID))
}
