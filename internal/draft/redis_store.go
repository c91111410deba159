// Package draft keeps unsaved review-form working copies in Redis so an
// editor can recover them after a dropped connection.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"creditauth/api/internal/workflow"
)

// ErrCreateInProgress is returned when another editor holds the create guard.
var ErrCreateInProgress = errors.New("draft: create already in progress")

const (
	defaultTTL  = 24 * time.Hour
	createLease = 30 * time.Second
)

// WorkingCopy is what gets stored for each draft key
type WorkingCopy struct {
	Data    json.RawMessage `json:"data"`
	SavedAt time.Time       `json:"saved_at"`
}

// RedisStore implements working-copy storage using Redis
type RedisStore struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed draft store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		locker: redislock.New(client),
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(draftKey string) string {
	return s.prefix + draftKey
}

// SaveWorkingCopy stores data under draftKey and refreshes its expiry
func (s *RedisStore) SaveWorkingCopy(ctx context.Context, draftKey string, data workflow.AuthorizationData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal working copy: %w", err)
	}
	payload, err := json.Marshal(WorkingCopy{Data: raw, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal working copy: %w", err)
	}
	if err := s.client.Set(ctx, s.key(draftKey), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save working copy: %w", err)
	}
	return nil
}

// LoadWorkingCopy returns the stored copy; found is false when it expired or
// was never written
func (s *RedisStore) LoadWorkingCopy(ctx context.Context, draftKey string) (workflow.AuthorizationData, bool, error) {
	raw, err := s.client.Get(ctx, s.key(draftKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return workflow.AuthorizationData{}, false, nil
	}
	if err != nil {
		return workflow.AuthorizationData{}, false, fmt.Errorf("load working copy: %w", err)
	}

	var wc WorkingCopy
	if err := json.Unmarshal(raw, &wc); err != nil {
		return workflow.AuthorizationData{}, false, fmt.Errorf("unmarshal working copy: %w", err)
	}
	data, err := workflow.DecodeAuthorizationData(wc.Data)
	if err != nil {
		return workflow.AuthorizationData{}, false, err
	}
	return data, true, nil
}

// Discard deletes a working copy
func (s *RedisStore) Discard(ctx context.Context, draftKey string) error {
	if err := s.client.Del(ctx, s.key(draftKey)).Err(); err != nil {
		return fmt.Errorf("discard working copy: %w", err)
	}
	return nil
}

// ObtainCreateLock guards the first save of a new request across API
// instances. The returned release func must be called once the create is done.
func (s *RedisStore) ObtainCreateLock(ctx context.Context, draftKey string) (func(context.Context) error, error) {
	lock, err := s.locker.Obtain(ctx, "lock:create:"+draftKey, createLease, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrCreateInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain create lock: %w", err)
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release create lock: %w", err)
		}
		return nil
	}, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
