package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "followup:lock:"

// releaseScript deletes the key only while it still holds our token, so a
// holder whose ttl expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedisLocker parses url (redis://host:port/db) and returns a locker.
func NewRedisLocker(url string, log *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RedisLocker{rdb: redis.NewClient(opts), log: log}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	k := keyPrefix + key

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: SETNX %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		// the caller's context may already be done
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{k}, token).Err(); err != nil {
			l.log.Warn("lock: release failed", slog.String("key", k), slog.Any("error", err))
		}
	}, true, nil
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

var _ Locker = (*RedisLocker)(nil)
