// Package auth resolves API keys to owners.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrKeyNotFound = errors.New("api key not found")

type APIKey struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute, 0 = service default
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	ownerIDKey        contextKey = "owner_id"
	apiKeyIDKey       contextKey = "api_key_id"
	requestIDKey      contextKey = "request_id"
	idempotencyKeyKey contextKey = "idempotency_key"
	rateLimitKey      contextKey = "rate_limit"
)

const IdempotencyHeader = "Idempotency-Key"

const cacheTTL = 5 * time.Minute

func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// NewMiddleware authenticates Bearer keys. cache may be nil.
func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
				ctx = context.WithValue(ctx, idempotencyKeyKey, key)
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := fmt.Sprintf("auth:%s", HashKey(key))

			if cache != nil {
				var apiKey APIKey
				err := cache.Get(ctx, redisKey).Scan(&apiKey)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(withKey(ctx, &apiKey)))
					return
				} else if !errors.Is(err, redis.Nil) {
					log.Warn().Err(err).Msg("auth: redis error")
				}
			}

			apiK, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				log.Error().Err(err).Msg("auth: key lookup failed")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if cache != nil {
				_ = cache.Set(ctx, redisKey, apiK, cacheTTL).Err()
			}
			next.ServeHTTP(w, r.WithContext(withKey(ctx, apiK)))
		})
	}
}

func withKey(ctx context.Context, k *APIKey) context.Context {
	ctx = context.WithValue(ctx, ownerIDKey, k.OwnerID)
	ctx = context.WithValue(ctx, rateLimitKey, k.RateLimit)
	return context.WithValue(ctx, apiKeyIDKey, k.ID)
}

// Helpers to extract from context
func GetOwnerID(ctx context.Context) string {
	if id, ok := ctx.Value(ownerIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetIdempotencyKey returns the caller-supplied Idempotency-Key header, if any.
func GetIdempotencyKey(ctx context.Context) string {
	if k, ok := ctx.Value(idempotencyKeyKey).(string); ok {
		return k
	}
	return ""
}

// GetRateLimit returns the authenticated key's tokens-per-minute limit, or 0
// for the service default.
func GetRateLimit(ctx context.Context) int64 {
	if n, ok := ctx.Value(rateLimitKey).(int64); ok {
		return n
	}
	return 0
}

// Helpers for testing
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}

func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

func WithRateLimit(ctx context.Context, tpm int64) context.Context {
	return context.WithValue(ctx, rateLimitKey, tpm)
}
