package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
)

// RetryPolicy 瞬时错误重试策略
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	// OnRetry 每次重试前回调，用于日志和指标
	OnRetry func(attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second}
}

// WithRetry 重试锁超时与乐观锁冲突
// 每次尝试都重新执行 fn，fn 必须自行重新加载实体。
// 锁超时按指数退避；版本冲突立即重试。预算耗尽后返回 *entity.SystemError。
func WithRetry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil || !entity.IsTransient(err) {
			return err
		}
		last = err
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		var conflict *entity.ConflictError
		if errors.As(err, &conflict) {
			continue
		}

		timer := time.NewTimer(p.BaseDelay << (attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &entity.SystemError{Op: "retry", Cause: ctx.Err()}
		case <-timer.C:
		}
	}
	return &entity.SystemError{Op: "retry", Cause: last}
}

// Run 在带重试的事务中执行 fn
func Run(ctx context.Context, store Store, p RetryPolicy, fn func(tx Tx) error) error {
	return WithRetry(ctx, p, func(ctx context.Context) error {
		return store.InTx(ctx, fn)
	})
}
