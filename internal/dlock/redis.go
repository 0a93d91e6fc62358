package dlock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller still owns it, so a
// lock reclaimed after its TTL cannot be released out from under the next
// holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

const (
	acquirePollFloor  = 50 * time.Millisecond
	acquirePollJitter = 100 * time.Millisecond
)

// Redis implements Locker on a shared Redis instance: SET NX PX with a
// per-acquisition token, polled until the wait timeout expires.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Acquire(ctx context.Context, name string, holdTTL, waitTimeout time.Duration) (Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(waitTimeout)

	for {
		ok, err := r.client.SetNX(ctx, name, token, holdTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %q: %w", name, err)
		}
		if ok {
			return &redisLock{client: r.client, name: name, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %q: %w", name, ErrNotAcquired)
		}

		poll := acquirePollFloor + time.Duration(rand.Int63n(int64(acquirePollJitter)))
		timer := time.NewTimer(poll)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock %q: %w", name, ctx.Err())
		}
	}
}

type redisLock struct {
	client redis.UniversalClient
	name   string
	token  string
}

func (l *redisLock) Name() string { return l.name }

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.name}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %q: %w", l.name, err)
	}
	return nil
}
