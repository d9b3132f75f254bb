// Package redis is the read-side cache: dashboards poll the latest status
// snapshot from here instead of hitting the control loop. Memory inside the
// core stays authoritative; everything in Redis can be rebuilt.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKey = "farm:status:snapshot"
	snapshotTTL = time.Minute
)

// ErrNoSnapshot is returned when no status snapshot has been published yet.
var ErrNoSnapshot = errors.New("no status snapshot published")

// SnapshotStore caches the dashboard status snapshot.
type SnapshotStore interface {
	SetSnapshot(ctx context.Context, snapshot any) error
	GetSnapshot(ctx context.Context) ([]byte, error)
}

type snapshotStore struct {
	client *redis.Client
}

// NewSnapshotStore creates a Redis-backed SnapshotStore.
func NewSnapshotStore(client *redis.Client) SnapshotStore {
	return &snapshotStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *snapshotStore) SetSnapshot(ctx context.Context, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal status snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}

func (s *snapshotStore) GetSnapshot(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}
	return data, nil
}
