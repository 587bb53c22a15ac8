package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/syncgw/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a replay entry outlives its exchange.
const DefaultTTL = 10 * time.Minute

// ReplayStore implements ports.ReplayStore using Redis.
// Each session owns one key holding the JSON encoded entry.
type ReplayStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*ReplayStore)

// WithTTL sets the expiration of replay entries. Zero disables expiration.
func WithTTL(ttl time.Duration) Option {
	return func(s *ReplayStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for replay entries.
func WithPrefix(prefix string) Option {
	return func(s *ReplayStore) {
		s.prefix = prefix
	}
}

// New creates a new Redis replay store with options.
func New(address, password string, db int, opts ...Option) *ReplayStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis replay store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *ReplayStore {
	store := &ReplayStore{
		client: client,
		prefix: "syncgw:replay:",
		ttl:    DefaultTTL,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *ReplayStore) key(id domain.SessionID) string {
	return s.prefix + string(id)
}

// Put stores the entry, replacing any previous entry of the session.
func (s *ReplayStore) Put(ctx context.Context, entry domain.ReplayEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal replay entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(entry.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Get retrieves the entry of a session.
func (s *ReplayStore) Get(ctx context.Context, id domain.SessionID) (*domain.ReplayEntry, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrReplayMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var entry domain.ReplayEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal replay entry: %w", err)
	}
	return &entry, nil
}

// Invalidate removes the entry of a session.
func (s *ReplayStore) Invalidate(ctx context.Context, id domain.SessionID) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Ping checks connectivity, used at startup.
func (s *ReplayStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *ReplayStore) Close() error {
	return s.client.Close()
}
