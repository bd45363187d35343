package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements Client over a map with SET NX and the release script
// semantics.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.data[key]; held {
		return goredis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	return goredis.NewBoolResult(true, nil)
}

// release deletes the key only on a token match, mirroring the Lua script.
func (f *fakeRedis) release(keys []string, args ...any) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, token := keys[0], fmt.Sprint(args[0])
	if f.data[key] == token {
		delete(f.data, key)
		return goredis.NewCmdResult(int64(1), nil)
	}
	return goredis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...any) *goredis.Cmd {
	return f.release(keys, args...)
}

func (f *fakeRedis) EvalSha(_ context.Context, _ string, keys []string, args ...any) *goredis.Cmd {
	return f.release(keys, args...)
}

func (f *fakeRedis) EvalRO(_ context.Context, _ string, keys []string, args ...any) *goredis.Cmd {
	return f.release(keys, args...)
}

func (f *fakeRedis) EvalShaRO(_ context.Context, _ string, keys []string, args ...any) *goredis.Cmd {
	return f.release(keys, args...)
}

func (f *fakeRedis) ScriptExists(_ context.Context, _ ...string) *goredis.BoolSliceCmd {
	return goredis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeRedis) ScriptLoad(_ context.Context, _ string) *goredis.StringCmd {
	return goredis.NewStringResult("sha", nil)
}

func (f *fakeRedis) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
}

func TestTryLockExcludesSecondHolder(t *testing.T) {
	client := newFakeRedis()
	locker, err := New(Options{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	release, acquired, err := locker.TryLock(ctx, "schedule:s1")
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locker.TryLock(ctx, "schedule:s1")
	require.NoError(t, err)
	assert.False(t, again)

	// a different key is independent
	_, other, err := locker.TryLock(ctx, "schedule:s2")
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, release(ctx))
	_, reacquired, err := locker.TryLock(ctx, "schedule:s1")
	require.NoError(t, err)
	assert.True(t, reacquired)
}

func TestReleaseIsIdempotent(t *testing.T) {
	client := newFakeRedis()
	locker, err := New(Options{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	release, acquired, err := locker.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))
}

func TestReleaseAfterExpiryDoesNotStealNewHolder(t *testing.T) {
	client := newFakeRedis()
	locker, err := New(Options{Client: client, Namespace: "lock:"})
	require.NoError(t, err)
	ctx := context.Background()

	release, acquired, err := locker.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, acquired)

	// simulate TTL expiry followed by another replica acquiring the lock
	client.set("lock:k", "other-token")

	require.NoError(t, release(ctx))
	got, held := client.get("lock:k")
	require.True(t, held)
	assert.Equal(t, "other-token", got)
}
