// Package cache persists session snapshots in Redis. It is the backend for
// multi-instance deployments that already run Redis for shared state.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/store"
)

// Snapshot hash fields.
const (
	fieldKey       = "key"
	fieldData      = "data"
	fieldExpiresTs = "expires_ts"
	fieldUpdatedTs = "updated_ts"
)

// RedisConfig holds the Redis connection configuration.
// ExpiryGrace is added to a snapshot's deadline to form the Redis TTL, so that
// snapshots abandoned by a crashed process are eventually reclaimed.
type RedisConfig struct {
	URL          string
	KeyPrefix    string
	ExpiryGrace  time.Duration
	PoolSize     int
	MinIdleConns int
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		KeyPrefix:    "sessioncache:",
		ExpiryGrace:  time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisConfigFromProfile creates Redis config from the profile DSN and environment variables.
// Environment variables:
//   - SESSIONCACHE_REDIS_PREFIX: Key prefix (default: "sessioncache:")
//   - SESSIONCACHE_REDIS_GRACE: TTL grace past the session deadline (default: 1h)
func RedisConfigFromProfile(profile *profile.Profile) *RedisConfig {
	config := DefaultRedisConfig()

	if profile != nil && profile.DSN != "" {
		config.URL = profile.DSN
	}
	if prefix := os.Getenv("SESSIONCACHE_REDIS_PREFIX"); prefix != "" {
		config.KeyPrefix = prefix
	}
	if grace, err := time.ParseDuration(os.Getenv("SESSIONCACHE_REDIS_GRACE")); err == nil && grace > 0 {
		config.ExpiryGrace = grace
	}

	return config
}

// KeyHash generates a SHA256 hash of the key for obfuscation.
func KeyHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])[:16]
}

// RedisDriver stores each snapshot as a hash and indexes deadlines in a sorted set.
type RedisDriver struct {
	client    *redis.Client
	keyPrefix string
	grace     time.Duration
	now       func() time.Time
}

var _ store.Driver = (*RedisDriver)(nil)

// NewRedisDriver connects to Redis and verifies the connection.
func NewRedisDriver(config *RedisConfig) (*RedisDriver, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	slog.Info("redis session store connected", "addr", opts.Addr, "db", opts.DB)

	return &RedisDriver{
		client:    client,
		keyPrefix: config.KeyPrefix,
		grace:     config.ExpiryGrace,
		now:       time.Now,
	}, nil
}

// NewDB creates the Redis driver from a profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	return NewRedisDriver(RedisConfigFromProfile(profile))
}

func (r *RedisDriver) Close() error {
	return r.client.Close()
}

func (r *RedisDriver) snapshotKey(key string) string {
	return r.keyPrefix + "session:" + KeyHash(key) + ":" + key
}

func (r *RedisDriver) expiryKey() string {
	return r.keyPrefix + "session_expiry"
}

func (r *RedisDriver) ttl(expiresTs int64) time.Duration {
	ttl := time.UnixMilli(expiresTs).Sub(r.now()) + r.grace
	if ttl <= 0 {
		return r.grace
	}
	return ttl
}

func (r *RedisDriver) UpsertSessionSnapshot(ctx context.Context, upsert *store.SessionSnapshot) error {
	hashKey := r.snapshotKey(upsert.Key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Replace the hash so no field of the previous version survives.
		pipe.Del(ctx, hashKey)
		pipe.HSet(ctx, hashKey,
			fieldKey, upsert.Key,
			fieldData, upsert.Data,
			fieldExpiresTs, upsert.ExpiresTs,
			fieldUpdatedTs, upsert.UpdatedTs,
		)
		pipe.Expire(ctx, hashKey, r.ttl(upsert.ExpiresTs))
		pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(upsert.ExpiresTs), Member: upsert.Key})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to upsert session snapshot")
	}
	return nil
}

func (r *RedisDriver) GetSessionSnapshot(ctx context.Context, key string) (*store.SessionSnapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.snapshotKey(key)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session snapshot")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeFields(key, fields), nil
}

func decodeFields(key string, fields map[string]string) *store.SessionSnapshot {
	expires, _ := strconv.ParseInt(fields[fieldExpiresTs], 10, 64)
	updated, _ := strconv.ParseInt(fields[fieldUpdatedTs], 10, 64)
	return &store.SessionSnapshot{
		Key:       key,
		Data:      []byte(fields[fieldData]),
		ExpiresTs: expires,
		UpdatedTs: updated,
	}
}

// sessionKeys returns the indexed session keys, optionally only those expiring before a timestamp.
func (r *RedisDriver) sessionKeys(ctx context.Context, expiresBefore *int64) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if expiresBefore != nil {
		by.Max = "(" + strconv.FormatInt(*expiresBefore, 10)
	}
	keys, err := r.client.ZRangeByScore(ctx, r.expiryKey(), by).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read expiry index")
	}
	return keys, nil
}

func (r *RedisDriver) ListSessionSnapshots(ctx context.Context, find *store.FindSessionSnapshot) ([]*store.SessionSnapshot, error) {
	var keys []string
	if find.Key != nil {
		keys = []string{*find.Key}
	} else {
		var err error
		if keys, err = r.sessionKeys(ctx, find.ExpiresBefore); err != nil {
			return nil, err
		}
	}

	list := make([]*store.SessionSnapshot, 0, len(keys))
	var stale []any
	for _, key := range keys {
		snapshot, err := r.GetSessionSnapshot(ctx, key)
		if err != nil {
			return nil, err
		}
		if snapshot == nil {
			// Reclaimed by the Redis TTL; drop it from the index.
			stale = append(stale, key)
			continue
		}
		if find.ExpiresBefore != nil && snapshot.ExpiresTs >= *find.ExpiresBefore {
			continue
		}
		list = append(list, snapshot)
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.expiryKey(), stale...).Err(); err != nil {
			slog.Warn("failed to prune expiry index", "count", len(stale), "error", err)
		}
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	if find.Limit != nil && len(list) > *find.Limit {
		list = list[:*find.Limit]
	}
	return list, nil
}

func (r *RedisDriver) DeleteSessionSnapshot(ctx context.Context, delete *store.DeleteSessionSnapshot) (int, error) {
	var keys []string
	switch {
	case delete.Key != nil && delete.ExpiresBefore == nil:
		keys = []string{*delete.Key}
	case delete.Key == nil && delete.ExpiresBefore == nil:
		return 0, errors.New("refusing to delete session snapshots without a filter")
	default:
		matches, err := r.ListSessionSnapshots(ctx, &store.FindSessionSnapshot{Key: delete.Key, ExpiresBefore: delete.ExpiresBefore})
		if err != nil {
			return 0, err
		}
		for _, m := range matches {
			keys = append(keys, m.Key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	hashKeys := make([]string, 0, len(keys))
	members := make([]any, 0, len(keys))
	for _, key := range keys {
		hashKeys = append(hashKeys, r.snapshotKey(key))
		members = append(members, key)
	}

	var deleted *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, hashKeys...)
		pipe.ZRem(ctx, r.expiryKey(), members...)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete session snapshots")
	}
	return int(deleted.Val()), nil
}
