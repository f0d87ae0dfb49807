package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			rate_limit BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure api_keys schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	query := `
		SELECT id, owner_id, key_hash, rate_limit, active, created_at
		FROM api_keys
		WHERE key_hash = $1 AND active = true
	`

	var k APIKey
	err := s.db.QueryRow(ctx, query, HashKey(key)).Scan(
		&k.ID, &k.OwnerID, &k.KeyHash, &k.RateLimit, &k.Active, &k.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return &k, nil
}

func (s *PostgresStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if apiKey.ID == "" {
		apiKey.ID = uuid.New().String()
	}

	query := `
		INSERT INTO api_keys (id, owner_id, key_hash, rate_limit, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := s.db.QueryRow(ctx, query,
		apiKey.ID, apiKey.OwnerID, apiKey.KeyHash, apiKey.RateLimit, apiKey.Active,
	).Scan(&apiKey.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET active = false WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// MemoryStore keeps keys in process, for the memory backend and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) GetByKey(_ context.Context, key string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[HashKey(key)]
	if !ok || !k.Active {
		return nil, ErrKeyNotFound
	}
	out := *k
	return &out, nil
}

func (s *MemoryStore) Create(_ context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[apiKey.KeyHash]; exists {
		return fmt.Errorf("failed to create api key: duplicate key_hash")
	}
	if apiKey.ID == "" {
		apiKey.ID = uuid.New().String()
	}
	apiKey.CreatedAt = time.Now().UTC()
	cp := *apiKey
	s.keys[apiKey.KeyHash] = &cp
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == keyID {
			k.Active = false
			return nil
		}
	}
	return ErrKeyNotFound
}
