package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/shelfbridge/contracts"
	"github.com/glimte/shelfbridge/serialization"
	"github.com/redis/go-redis/v9"
)

// resumeScript sets the marker when the key is absent. A key already
// holding the caller's own marker counts as reserved by the caller.
var resumeScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 0
end
if current == ARGV[1] then
	return 0
end
return 1
`)

// releaseScript deletes the marker only while it is the caller's
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps idempotency records in Redis
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	scanCount  int64
	ownsClient bool
	logger     *slog.Logger
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the namespace prepended to every key
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithScanCount sets the SCAN batch hint used by Sweep
func WithScanCount(count int64) RedisOption {
	return func(s *RedisStore) {
		s.scanCount = count
	}
}

// WithRedisLogger sets the logger
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    DefaultKeyPrefix,
		scanCount: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RedisConfig holds connection settings for DialRedis
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis connects to Redis and verifies the connection with PING
func DialRedis(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := NewRedisStore(client, opts...)
	s.ownsClient = true

	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}

	s.logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return s, nil
}

// Reserve implements Store
func (s *RedisStore) Reserve(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	ok, err := s.client.SetNX(ctx, s.markerKey(key), processingMarker(owner), effectiveTTL(ttl)).Result()
	if err != nil {
		return false, newStoreError("reserve", key, err)
	}
	return !ok, nil
}

// Resume implements Store
func (s *RedisStore) Resume(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	res, err := resumeScript.Run(ctx, s.client,
		[]string{s.markerKey(key)},
		processingMarker(owner),
		effectiveTTL(ttl).Milliseconds(),
	).Int()
	if err != nil {
		return false, newStoreError("resume", key, err)
	}
	return res == 1, nil
}

// Release implements Store
func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	if key == "" {
		return ErrEmptyKey
	}

	err := releaseScript.Run(ctx, s.client, []string{s.markerKey(key)}, processingMarker(owner)).Err()
	if err != nil {
		return newStoreError("release", key, err)
	}
	return nil
}

// GetCachedResponse implements Store
func (s *RedisStore) GetCachedResponse(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	body, err := s.client.Get(ctx, s.responseKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, newStoreError("get response", key, err)
	}
	return body, true, nil
}

// StoreResponse implements Store. Body and marker are written in one
// MULTI/EXEC transaction.
func (s *RedisStore) StoreResponse(ctx context.Context, key string, resp *contracts.ResponseMessage, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	body, err := serialization.EncodeResponse(resp)
	if err != nil {
		return newStoreError("encode response", key, err)
	}

	ttl = effectiveTTL(ttl)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.responseKey(key), body, ttl)
		pipe.Set(ctx, s.markerKey(key), markerCompleted, ttl)
		return nil
	})
	if err != nil {
		return newStoreError("store response", key, err)
	}
	return nil
}

// Sweep implements Store
func (s *RedisStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", s.scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return removed, newStoreError("sweep", key, err)
		}

		// -1 means the key has no expiry, -2 that it vanished meanwhile
		if ttl == -1 || ttl > maxAge {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return removed, newStoreError("sweep", key, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, newStoreError("sweep", "", err)
	}

	if removed > 0 {
		s.logger.Info("swept idempotency keys", "removed", removed, "maxAge", maxAge)
	}
	return removed, nil
}

// Ping implements Store
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return newStoreError("ping", "", err)
	}
	return nil
}

// Close implements Store. A client passed to NewRedisStore is left open.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) markerKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) responseKey(key string) string {
	return s.prefix + key + responseSuffix
}
