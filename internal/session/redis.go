// Package session keeps per-phone conversation state in Redis: a cache of
// the engine thread mapped to each phone number and a lock that serializes
// turns on one thread.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"github.com/kalambet/canasta/internal/errx"
	"github.com/kalambet/canasta/internal/logx"
)

// EnvPrefix is the environment prefix for Config, e.g. CANASTA_REDIS_URL.
const EnvPrefix = "CANASTA_REDIS"

// Config holds the Redis connection settings. Timeouts are in seconds.
type Config struct {
	URL          string        `split_words:"true"`
	ReadTimeout  int           `split_words:"true" default:"3"`
	WriteTimeout int           `split_words:"true" default:"3"`
	DialTimeout  int           `split_words:"true" default:"5"`
	ThreadTTL    time.Duration `split_words:"true" default:"720h"`
	LockTTL      time.Duration `split_words:"true" default:"2m"`
}

// LoadConfig reads Config from CANASTA_REDIS_* variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading redis config: %w", err)
	}
	return cfg, nil
}

// Enabled reports whether a Redis URL was configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// New connects to Redis and verifies the connection with PING.
func (c Config) New(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	opts.ReadTimeout = time.Duration(c.ReadTimeout) * time.Second
	opts.WriteTimeout = time.Duration(c.WriteTimeout) * time.Second
	opts.DialTimeout = time.Duration(c.DialTimeout) * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errx.WrapRedis(err)
	}
	return client, nil
}

// ErrLocked is returned when another turn holds the conversation lock.
var ErrLocked = errors.New("conversation is busy")

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Cache is the Redis-backed session store.
type Cache struct {
	rdb       redis.Cmdable
	threadTTL time.Duration
	lockTTL   time.Duration
}

func NewCache(rdb redis.Cmdable, cfg Config) *Cache {
	return &Cache{rdb: rdb, threadTTL: cfg.ThreadTTL, lockTTL: cfg.LockTTL}
}

func threadKey(phone string) string {
	return fmt.Sprintf("canasta:thread:%s", phone)
}

func lockKey(threadID string) string {
	return fmt.Sprintf("canasta:lock:%s", threadID)
}

// ThreadID returns the cached thread for phone. ok is false on a miss.
func (c *Cache) ThreadID(ctx context.Context, phone string) (threadID string, ok bool, err error) {
	key := threadKey(phone)
	threadID, err = c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to read thread from redis")
		return "", false, errx.WrapRedis(err)
	}
	return threadID, true, nil
}

// SetThreadID caches the mapping and refreshes its TTL.
func (c *Cache) SetThreadID(ctx context.Context, phone, threadID string) error {
	key := threadKey(phone)
	if err := c.rdb.Set(ctx, key, threadID, c.threadTTL).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to cache thread in redis")
		return errx.WrapRedis(err)
	}
	return nil
}

// Forget drops the cached mapping for phone.
func (c *Cache) Forget(ctx context.Context, phone string) error {
	if err := c.rdb.Del(ctx, threadKey(phone)).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

// Lock takes the turn lock for threadID. The returned release function is
// safe to call once the lock has expired or been taken over.
func (c *Cache) Lock(ctx context.Context, threadID string) (release func(context.Context) error, err error) {
	key := lockKey(threadID)
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, key, token, c.lockTTL).Result()
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to take conversation lock")
		return nil, errx.WrapRedis(err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logx.Warn().Err(err).Str("key", key).Msg("failed to release conversation lock")
			return errx.WrapRedis(err)
		}
		return nil
	}, nil
}
