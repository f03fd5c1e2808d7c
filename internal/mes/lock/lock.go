package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker 生产单元互斥锁，同一单元的扫码串行处理
type Locker interface {
	// Acquire 在 ctx 截止前获取锁，超时返回 *entity.StorageContentionError
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// UnitKey 生产单元锁键
func UnitKey(itemRecordID, unitID string) string {
	return fmt.Sprintf("mes:unit:%s:%s", itemRecordID, unitID)
}

// LocalLocker 进程内锁，单实例部署与测试使用
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, &entity.StorageContentionError{Op: "lock " + key, Cause: ctx.Err()}
	}
}

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分布式锁，多实例部署使用
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedisLocker ttl 为锁的过期时间，wait 为最长等待时间
func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = ttl
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, wait: wait, poll: 50 * time.Millisecond, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, &entity.SystemError{Op: "lock " + key, Cause: err}
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, &entity.StorageContentionError{Op: "lock " + key, Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// release 释放失败只记日志，锁最终由 ttl 过期回收
func (l *RedisLocker) release(key, token string) {
	// 用独立 ctx，调用方的 ctx 可能已取消
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int64()
	if err != nil {
		l.logger.Warn("Failed to release unit lock", zap.String("key", key), zap.Error(err))
		return
	}
	if n == 0 {
		l.logger.Warn("Unit lock expired before release", zap.String("key", key), zap.Duration("ttl", l.ttl))
	}
}
