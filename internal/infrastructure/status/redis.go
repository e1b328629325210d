package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

const statusKey = "swarm:status"

// RedisSinkConfig configures the Redis status sink.
type RedisSinkConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisSink publishes status snapshots to Redis so dashboards and sibling
// swarms can read them without touching the coordinator. Keys carry a TTL;
// a stale snapshot disappears instead of lying.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig, log *zap.Logger) (*RedisSink, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisSink{client: client, ttl: cfg.TTL, log: log}, nil
}

// Publish writes the snapshot under swarm:status and one key per domain.
func (s *RedisSink) Publish(ctx context.Context, status *shared.SwarmStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, statusKey, data, s.ttl).Err(); err != nil {
		s.log.Warn("failed to publish status to redis", zap.Error(err))
		return err
	}

	for domain, state := range status.Domains {
		entry, err := json.Marshal(state)
		if err != nil {
			continue
		}
		key := fmt.Sprintf("swarm:domain:%s", domain)
		if err := s.client.Set(ctx, key, entry, s.ttl).Err(); err != nil {
			s.log.Warn("failed to publish domain state",
				zap.String("domain", string(domain)),
				zap.Error(err))
		}
	}

	return nil
}

// Fetch reads the last published snapshot, if any key is still live.
func (s *RedisSink) Fetch(ctx context.Context) (*shared.SwarmStatus, error) {
	val, err := s.client.Get(ctx, statusKey).Result()
	if err != nil {
		return nil, err
	}

	var status shared.SwarmStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
