package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := Config{
		Addr:      mr.Addr(),
		KeyPrefix: "test",
	}

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestManager_Key(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.Equal(t, "test:buffer:abc", manager.Key("buffer", "abc"))
}

func TestManager_Tx(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	err := manager.Tx(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, "h", "owner", "u1")
		p.Set(ctx, "d", "bytes", time.Minute)
		p.Expire(ctx, "h", time.Minute)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "u1", mr.HGet("h", "owner"))
	assert.Equal(t, time.Minute, mr.TTL("h"))
}

func TestManager_Eval(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	script := redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return false end
redis.call("DEL", KEYS[1])
return v`)

	require.NoError(t, mr.Set("once", "payload"))

	res, err := manager.Eval(ctx, script, []string{"once"})
	require.NoError(t, err)
	assert.Equal(t, "payload", res)

	_, err = manager.Eval(ctx, script, []string{"once"})
	assert.True(t, IsCacheMiss(err), "second take must miss")
}

func TestManager_ClosedRejectsOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, err := manager.Eval(ctx, redis.NewScript(`return 1`), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Tx(ctx, func(redis.Pipeliner) error { return nil }), ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
}

func TestManager_ConnectFailure(t *testing.T) {
	manager, err := NewManager(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestManager_ConcurrentScripts(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	incr := redis.NewScript(`return redis.call("INCR", KEYS[1])`)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := manager.Eval(ctx, incr, []string{manager.Key("counter", fmt.Sprint(id%2))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	a, _ := mr.Get("test:counter:0")
	b, _ := mr.Get("test:counter:1")
	assert.Equal(t, "5", a)
	assert.Equal(t, "5", b)
}
