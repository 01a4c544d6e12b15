package preload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyPrefix namespaces preload leases.
const RedisKeyPrefix = "streamcache:preload:"

// Lease grants exclusive preload rights for a resource across processes
// sharing one cache directory.
type Lease interface {
	// Acquire tries to take the lease of key for ttl. ok is false when another
	// holder has it. release gives the lease back and is nil unless ok.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript deletes the lease only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX. State is shared across all
// processes using the same Redis.
type RedisLease struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisLease creates a Redis backed lease.
func NewRedisLease(redisClient *redis.Client, logger zerolog.Logger) *RedisLease {
	return &RedisLease{
		redis:  redisClient,
		logger: logger,
	}
}

// Acquire implements Lease.
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	redisKey := RedisKeyPrefix + key
	ok, err := l.redis.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire preload lease: %w", err)
	}
	if !ok {
		l.logger.Debug().Str("lease", redisKey).Msg("Preload lease held elsewhere")
		return nil, false, nil
	}

	release := func() {
		// The task context is usually cancelled by now.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.redis, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn().Err(err).Str("lease", redisKey).Msg("Failed to release preload lease")
		}
	}
	return release, true, nil
}

// Holder returns the token currently holding key, or "" when free.
func (l *RedisLease) Holder(ctx context.Context, key string) (string, error) {
	token, err := l.redis.Get(ctx, RedisKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get preload lease: %w", err)
	}
	return token, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
