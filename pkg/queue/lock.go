package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// defaultLockTTL bounds how long a crashed worker can hold a source.
const defaultLockTTL = 30 * time.Second

var errLockBusy = errors.New("source lock busy")

// Only the holder may extend or release a lock.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// SourceLockKey is the Redis key serializing jobs that read one source artifact.
func SourceLockKey(source string) string {
	return "source_lock:" + source
}

// LockSource blocks until no other worker holds source or ctx is done. The lock
// expires unless refreshed, so it is kept alive until the returned func runs.
func (q *AsynqQueue) LockSource(ctx context.Context, source string) (func(), error) {
	key := SourceLockKey(source)
	token := uuid.New().String()
	ttl := defaultLockTTL

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		ok, err := q.redis.SetNX(ctx, key, token, ttl).Result()
		switch {
		case err != nil && ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case err != nil:
			return backoff.Permanent(fmt.Errorf("failed to take source lock: %w", err))
		case !ok:
			return errLockBusy
		}
		return nil
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	log := q.logger.With(logger.String("lock", key))
	log.Debug("Source lock acquired")
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		tick := time.NewTicker(ttl / 3)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rctx, cancel := context.WithTimeout(context.Background(), ttl/3)
				err := refreshScript.Run(rctx, q.redis, []string{key}, token, ttl.Milliseconds()).Err()
				cancel()
				if err != nil {
					log.Warn("Failed to refresh source lock", logger.Error(err))
				}
			}
		}
	}()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		close(done)
		<-stopped
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, q.redis, []string{key}, token).Err(); err != nil {
			log.Warn("Failed to release source lock", logger.Error(err))
		}
	}, nil
}
