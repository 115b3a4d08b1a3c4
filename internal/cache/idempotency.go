package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInProgress = errors.New("request with this idempotency key is still in progress")
	ErrCacheMiss  = errors.New("cache miss")
)

const pendingMarker = "pending"

// StoredResponse is the replayable outcome of a completed request.
type StoredResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

func NewIdempotencyStore(client redis.UniversalClient, namespace string, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, namespace: namespace, ttl: ttl}
}

// IdempotencyStore remembers responses per (user, key). A key is claimed with
// SETNX before the request runs, so two concurrent requests cannot both execute.
type IdempotencyStore struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// Claim reserves the key. It returns ErrCacheMiss when the caller now owns the
// key and must run the request, the stored response when the key completed
// before, and ErrInProgress when another request holds the claim.
func (s *IdempotencyStore) Claim(ctx context.Context, userID int64, key string) (*StoredResponse, error) {
	k := s.key(userID, key)

	ok, err := s.client.SetNX(ctx, k, pendingMarker, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		return nil, ErrCacheMiss
	}

	data, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Claim(ctx, userID, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if string(data) == pendingMarker {
		return nil, ErrInProgress
	}

	var resp StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal stored response failed: %w", err)
	}
	return &resp, nil
}

// Complete stores the response for replay.
func (s *IdempotencyStore) Complete(ctx context.Context, userID int64, key string, resp StoredResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal stored response failed: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a claim so the request can be retried with the same key.
func (s *IdempotencyStore) Release(ctx context.Context, userID int64, key string) error {
	if err := s.client.Del(ctx, s.key(userID, key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *IdempotencyStore) key(userID int64, key string) string {
	return fmt.Sprintf("%s:idempotency:%d:%s", s.namespace, userID, key)
}
