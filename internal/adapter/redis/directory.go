// Package redis keeps the alert subscriber directory in a Redis hash.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/dispatch"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// DefaultKey is the hash holding subscribers, one JSON document per field
// keyed by subscriber ID.
const DefaultKey = "coastal:subscribers"

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Directory implements dispatch.Directory on top of Redis.
type Directory struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewDirectory connects to Redis and verifies the connection.
func NewDirectory(ctx context.Context, cfg Config, logger *slog.Logger) (*Directory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	return &Directory{client: client, key: key, logger: logger}, nil
}

// SubscribersFor loads every subscriber and keeps those covering the area.
func (d *Directory) SubscribersFor(ctx context.Context, h domain.HazardType, a dispatch.Area) ([]dispatch.Subscriber, error) {
	vals, err := d.client.HVals(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	subs, bad := decodeSubscribers(vals)
	if bad > 0 {
		d.logger.Warn("skipped malformed subscriber entries", "key", d.key, "count", bad)
	}
	return covering(subs, h, a), nil
}

// Put registers or replaces a subscriber.
func (d *Directory) Put(ctx context.Context, s dispatch.Subscriber) error {
	if s.ID == "" {
		return errors.New("subscriber has no id")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode subscriber: %w", err)
	}
	return d.client.HSet(ctx, d.key, s.ID, b).Err()
}

// Remove deletes a subscriber. Removing an unknown ID is not an error.
func (d *Directory) Remove(ctx context.Context, id string) error {
	return d.client.HDel(ctx, d.key, id).Err()
}

// CheckReadiness pings Redis.
func (d *Directory) CheckReadiness(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *Directory) Close() error {
	return d.client.Close()
}

func decodeSubscribers(vals []string) (subs []dispatch.Subscriber, bad int) {
	subs = make([]dispatch.Subscriber, 0, len(vals))
	for _, v := range vals {
		var s dispatch.Subscriber
		if err := json.Unmarshal([]byte(v), &s); err != nil || s.ID == "" {
			bad++
			continue
		}
		subs = append(subs, s)
	}
	return subs, bad
}

func covering(subs []dispatch.Subscriber, h domain.HazardType, a dispatch.Area) []dispatch.Subscriber {
	var out []dispatch.Subscriber
	for _, s := range subs {
		if s.Covers(h, a) {
			out = append(out, s)
		}
	}
	return out
}
