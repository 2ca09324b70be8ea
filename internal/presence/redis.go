package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Connection membership uses a set
// per device, pairing codes are TTL'd string keys consumed with GETDEL,
// and last-seen is a plain string key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces all keys, e.g. "playerhub".
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "playerhub"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) connsKey(deviceID string) string {
	return r.prefix + ":conns:" + deviceID
}

func (r *RedisStore) codeKey(code string) string {
	return r.prefix + ":pair:" + code
}

func (r *RedisStore) lastSeenKey(deviceID string) string {
	return r.prefix + ":lastseen:" + deviceID
}

func (r *RedisStore) AddConnection(ctx context.Context, deviceID, connID string) error {
	if err := r.client.SAdd(ctx, r.connsKey(deviceID), connID).Err(); err != nil {
		return fmt.Errorf("sadd connection: %w", err)
	}
	return nil
}

func (r *RedisStore) RemoveConnection(ctx context.Context, deviceID, connID string) error {
	if err := r.client.SRem(ctx, r.connsKey(deviceID), connID).Err(); err != nil {
		return fmt.Errorf("srem connection: %w", err)
	}
	return nil
}

func (r *RedisStore) Connections(ctx context.Context, deviceID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.connsKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers connections: %w", err)
	}
	return members, nil
}

func (r *RedisStore) SetPairingCode(ctx context.Context, code, deviceID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.codeKey(code), deviceID, ttl).Err(); err != nil {
		return fmt.Errorf("set pairing code: %w", err)
	}
	return nil
}

func (r *RedisStore) TakePairingCode(ctx context.Context, code string) (string, error) {
	deviceID, err := r.client.GetDel(ctx, r.codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getdel pairing code: %w", err)
	}
	return deviceID, nil
}

func (r *RedisStore) DeletePairingCode(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, r.codeKey(code)).Err(); err != nil {
		return fmt.Errorf("del pairing code: %w", err)
	}
	return nil
}

func (r *RedisStore) TouchLastSeen(ctx context.Context, deviceID string, t time.Time) error {
	if err := r.client.Set(ctx, r.lastSeenKey(deviceID), t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

func (r *RedisStore) LastSeen(ctx context.Context, deviceID string) (time.Time, error) {
	val, err := r.client.Get(ctx, r.lastSeenKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last seen: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last seen: %w", err)
	}
	return t, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
