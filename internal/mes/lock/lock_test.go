package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestUnitKey(t *testing.T) {
	assert.Equal(t, "mes:unit:IR-1:U1", UnitKey("IR-1", "U1"))
}

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	var contention *entity.StorageContentionError
	assert.True(t, errors.As(err, &contention))

	// 其他键不受影响
	other, err := l.Acquire(context.Background(), "other")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	key := UnitKey("test-"+time.Now().Format("150405.000000"), "U1")
	l := NewRedisLocker(rdb, time.Second, 100*time.Millisecond, nil)

	release, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), key)
	var contention *entity.StorageContentionError
	assert.True(t, errors.As(err, &contention))

	release()
	release2, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)
	release2()
}

func TestRedisLocker_ReleaseFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	// 不可达地址，释放脚本必然失败
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	l := NewRedisLocker(rdb, time.Second, 0, zap.New(core))
	assert.NotPanics(t, func() { l.release("mes:unit:IR-1:U1", "token") })

	entries := logs.FilterMessage("Failed to release unit lock").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "mes:unit:IR-1:U1", entries[0].ContextMap()["key"])
	assert.NotEmpty(t, entries[0].ContextMap()["error"])
}

func TestRedisLocker_ReleaseAfterExpiry(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	key := UnitKey("expired-"+time.Now().Format("150405.000000"), "U1")
	l := NewRedisLocker(rdb, 50*time.Millisecond, 0, zap.New(core))

	release, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	// 锁已过期并被他人持有，释放不能删除别人的锁
	require.NoError(t, rdb.Set(context.Background(), key, "other", time.Second).Err())
	release()
	assert.Equal(t, "other", rdb.Get(context.Background(), key).Val())
	assert.Equal(t, 1, logs.FilterMessage("Unit lock expired before release").Len())
	rdb.Del(context.Background(), key)
}
