// Package snapshot holds the fast autosave store for in-progress attempts.
// At most one snapshot exists per (user, exam).
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/examdesk/internal/model"
)

// Store saves, loads and clears autosave snapshots. Load returns nil, nil
// when there is nothing saved.
type Store interface {
	SaveSnapshot(ctx context.Context, snap model.Snapshot) error
	LoadSnapshot(ctx context.Context, userID, examID string) (*model.Snapshot, error)
	ClearSnapshot(ctx context.Context, userID, examID string) error
}

const keyPrefix = "examdesk:snapshot:"

// DefaultTTL bounds how long an abandoned snapshot lingers in Redis.
const DefaultTTL = 30 * 24 * time.Hour

// Redis keeps snapshots as JSON strings.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient parses url, connects and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedis wraps client. A ttl of zero keeps snapshots until cleared.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func key(userID, examID string) string {
	return keyPrefix + userID + ":" + examID
}

func (r *Redis) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, key(snap.UserID, snap.ExamID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (r *Redis) LoadSnapshot(ctx context.Context, userID, examID string) (*model.Snapshot, error) {
	data, err := r.client.Get(ctx, key(userID, examID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (r *Redis) ClearSnapshot(ctx context.Context, userID, examID string) error {
	if err := r.client.Del(ctx, key(userID, examID)).Err(); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
