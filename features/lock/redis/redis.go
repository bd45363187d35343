// Package redis implements the advisory locker on Redis. Locks are plain
// SET NX keys holding a per-acquisition token with a TTL guard against
// crashed holders; release deletes the key only when the token still matches,
// so an expired lock reacquired by another replica is never released by the
// original holder.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"

	"github.com/weftworks/weft/catalog/store"
)

const (
	defaultNamespace = "weft:lock:"
	defaultTTL       = 60 * time.Second
)

// releaseScript deletes the lock only when the stored token matches.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type (
	// Client is the subset of go-redis the locker uses. Satisfied by
	// redis.Client, redis.ClusterClient and redis.Ring.
	Client interface {
		goredis.Scripter
		SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	}

	// Options configures the Locker. Client is required.
	Options struct {
		Client Client
		// Namespace prefixes every lock key.
		Namespace string
		// TTL bounds how long a crashed holder can wedge a lock.
		TTL time.Duration
	}

	// Locker implements store.AdvisoryLocker on Redis.
	Locker struct {
		client    Client
		namespace string
		ttl       time.Duration
	}
)

var _ store.AdvisoryLocker = (*Locker)(nil)

// New constructs a Locker.
func New(opts Options) (*Locker, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Locker{client: opts.Client, namespace: namespace, ttl: ttl}, nil
}

// TryLock attempts a non-blocking acquisition. The returned release is
// idempotent: once the token is gone, further calls are no-ops.
func (l *Locker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	full := l.namespace + key
	acquired, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{full}, token).Err()
	}
	return release, true, nil
}
