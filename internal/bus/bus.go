// Package bus provides the cluster-wide build mutex and the dispatch
// channel, both backed by one Redis instance.
//
// The channel is deliberately lossy: a busy worker drops the message and the
// reconciler republishes on its next tick. Durability lives in the job
// store, not here.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// BuildChannel carries build ids from submitters and the reconciler to
// workers.
const BuildChannel = "build_work"

// DefaultLockTTL bounds how long a crashed worker can hold a job before
// another one may retry it.
const DefaultLockTTL = 720 * time.Second

const reconnectBackoff = time.Second

// unlockScript deletes a lock key only when it still holds our token, so a
// worker can never release a lock another worker has since acquired.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Bus is a connected lock/dispatch client. Every process carries one random
// token; the token is the lock value, which makes unlocks owner-checked.
type Bus struct {
	rdb   *redis.Client
	token string
}

// Connect dials Redis at addr (host:port) and verifies the connection.
func Connect(ctx context.Context, addr string) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Bus{rdb: rdb, token: uuid.NewString()}, nil
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error { return b.rdb.Close() }

// Lock tries to take the cluster mutex for key with the default TTL.
func (b *Bus) Lock(ctx context.Context, key string) bool {
	return b.LockTTL(ctx, key, DefaultLockTTL)
}

// LockTTL tries to take the cluster mutex for key. The write is a single
// atomic set-if-absent with expiry; it either installs our token or leaves
// the current holder untouched.
func (b *Bus) LockTTL(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := b.rdb.SetNX(ctx, key, b.token, ttl).Result()
	if err != nil {
		slog.Warn("lock failed", slog.String("key", key), logfields.Error(err))
		return false
	}
	return ok
}

// Unlock releases the mutex for key if this process holds it. Returns false
// when the key expired or belongs to another worker.
func (b *Bus) Unlock(ctx context.Context, key string) bool {
	n, err := unlockScript.Run(ctx, b.rdb, []string{key}, b.token).Int()
	if err != nil {
		slog.Warn("unlock failed", slog.String("key", key), logfields.Error(err))
		return false
	}
	if n == 0 {
		slog.Warn("unlock skipped, lock not ours", slog.String("key", key))
		return false
	}
	return true
}

// Publish sends msg on channel, fire and forget.
func (b *Bus) Publish(ctx context.Context, channel, msg string) {
	if err := b.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		slog.Warn("publish failed", logfields.Channel(channel), logfields.Error(err))
		return
	}
	slog.Info("published", logfields.Channel(channel), slog.String("msg", msg))
}

// Subscribe runs handler for every message received on channel until ctx is
// done. Transport errors tear the subscription down and it reconnects after
// a one second backoff, forever.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(msg string)) {
	for ctx.Err() == nil {
		b.consume(ctx, channel, handler)

		select {
		case <-ctx.Done():
		case <-time.After(reconnectBackoff):
		}
	}
}

func (b *Bus) consume(ctx context.Context, channel string, handler func(string)) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Warn("subscribe failed", logfields.Channel(channel), logfields.Error(err))
		return
	}
	slog.Info("listening", logfields.Channel(channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handler(msg.Payload)
		}
	}
}
