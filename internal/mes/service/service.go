package service

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/archive"
	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/event"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/metrics"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"go.uber.org/zap"
)

// Dependencies 服务层依赖，除 Store 外均可为空
type Dependencies struct {
	Store     repository.Store
	Locker    lock.Locker
	Publisher event.Publisher
	Archiver  archive.Archiver
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	// LockWait 等待生产单元锁的最长时间
	LockWait time.Duration
}

// Services 服务集合
type Services struct {
	Ledger    *Ledger
	Lifecycle *Lifecycle
	Engine    *Engine
	Gate      *QualityGate
	Resolver  *Resolver
	Scan      *ScanService
}

func NewServices(deps Dependencies, opts Options) *Services {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Publisher == nil {
		deps.Publisher = event.Nop{}
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.Nop{}
	}
	if deps.LockWait <= 0 {
		deps.LockWait = 10 * time.Second
	}

	opts = opts.withDefaults()
	onRetry := opts.Retry.OnRetry
	opts.Retry.OnRetry = func(attempt int, err error) {
		deps.Metrics.RecordRetry(entity.Kind(err))
		deps.Logger.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	ledger := NewLedger()
	lifecycle := NewLifecycle(ledger)
	engine := NewEngine(lifecycle, opts, deps.Logger.Named("engine"))
	gate := NewQualityGate(engine, lifecycle, opts, deps.Logger.Named("quality"))
	resolver := NewResolver(deps.Store, gate, engine, lifecycle, ledger, opts, deps.Logger.Named("resolver"))

	return &Services{
		Ledger:    ledger,
		Lifecycle: lifecycle,
		Engine:    engine,
		Gate:      gate,
		Resolver:  resolver,
		Scan: &ScanService{
			deps:     deps,
			opts:     opts,
			engine:   engine,
			gate:     gate,
			resolver: resolver,
		},
	}
}

// ScanService 扫码入口：生产单元加锁、事务重试、事件发布与质检归档
type ScanService struct {
	deps     Dependencies
	opts     Options
	engine   *Engine
	gate     *QualityGate
	resolver *Resolver
}

// Transition 处理一次扫码
func (s *ScanService) Transition(ctx context.Context, req ScanRequest) (*entity.Result, error) {
	started := s.opts.Now()
	res, err := s.transition(ctx, req)
	s.observe(req, res, err, started)
	return res, err
}

func (s *ScanService) transition(ctx context.Context, req ScanRequest) (*entity.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key, _, err := s.unitKey(ctx, req)
	if err != nil {
		return nil, err
	}

	var res *entity.Result
	err = repository.WithRetry(ctx, s.opts.Retry, func(ctx context.Context) error {
		release, err := s.acquire(ctx, key)
		if err != nil {
			return err
		}
		defer release()
		return s.deps.Store.InTx(ctx, func(tx repository.Tx) error {
			var err error
			if s.opts.isQuality(req.Operation) {
				res, err = s.gate.Transition(tx, req)
			} else {
				res, err = s.engine.Transition(tx, req)
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, req, res)
	return res, nil
}

// ResolveAndRetry 自动补完前置工序并重试质检，整个过程持有生产单元锁
func (s *ScanService) ResolveAndRetry(ctx context.Context, req ScanRequest) (*entity.Result, error) {
	started := s.opts.Now()
	res, err := s.resolve(ctx, req)
	s.observe(req, res, err, started)
	return res, err
}

func (s *ScanService) resolve(ctx context.Context, req ScanRequest) (*entity.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !s.opts.isQuality(req.Operation) {
		return nil, &entity.ValidationError{Field: "operation", Value: req.Operation, Reason: "resolve is only available for the quality operation"}
	}
	key, unitID, err := s.unitKey(ctx, req)
	if err != nil {
		return nil, err
	}

	var release func()
	err = repository.WithRetry(ctx, s.opts.Retry, func(ctx context.Context) error {
		var err error
		release, err = s.acquire(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := s.resolver.ResolveAndRetry(ctx, req)
	if res != nil {
		m := s.deps.Metrics
		m.RecordResolver("completed", len(res.CompletedPreviousOperations))
		m.RecordResolver("failed_on_retry", len(res.FailedOnRetry))
		m.RecordResolver("skipped_already_committed", len(res.SkippedAlreadyCommitted))
		m.RecordResolver("skipped_missing", len(res.SkippedMissing))
		m.RecordResolver("failed", len(res.Failed))
		// 批处理中已提交的前置工序，无论重试质检是否成功都要通知
		s.publishCompleted(ctx, req, unitID, res.CompletedPreviousOperations)
	}
	if err == nil {
		s.afterCommit(ctx, req, res)
	}
	return res, err
}

// unitKey 定位条码所属生产单元，返回锁键与单元号
func (s *ScanService) unitKey(ctx context.Context, req ScanRequest) (string, string, error) {
	var key, unitID string
	err := repository.Run(ctx, s.deps.Store, s.opts.Retry, func(tx repository.Tx) error {
		_, entry, err := s.engine.locate(tx, req)
		if err != nil {
			return err
		}
		key, unitID = lock.UnitKey(entry.ItemRecordID, entry.UnitID), entry.UnitID
		return nil
	})
	return key, unitID, err
}

func (s *ScanService) acquire(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.deps.LockWait)
	defer cancel()
	return s.deps.Locker.Acquire(ctx, key)
}

// afterCommit 事务提交后发布事件并归档质检记录，失败只记日志
func (s *ScanService) afterCommit(ctx context.Context, req ScanRequest, res *entity.Result) {
	ev := event.Event{
		Type:       event.TypeUnitStatus,
		Code:       req.Code,
		UnitID:     res.UnitID,
		Operation:  res.Operation,
		InstanceID: res.InstanceID,
		Status:     string(res.Status),
		At:         s.opts.Now(),
	}
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		s.deps.Logger.Warn("publish unit status failed", zap.String("code", req.Code), zap.Error(err))
	}
	if res.Inspection != nil {
		if err := s.deps.Archiver.Archive(ctx, res.Inspection); err != nil {
			s.deps.Logger.Warn("archive inspection failed", zap.String("inspection_id", res.Inspection.ID), zap.Error(err))
		}
	}
}

func (s *ScanService) publishCompleted(ctx context.Context, req ScanRequest, unitID string, ops []entity.CompletedOperation) {
	for _, op := range ops {
		ev := event.Event{
			Type:       event.TypeUnitStatus,
			Code:       req.Code,
			UnitID:     unitID,
			Operation:  op.Operation,
			InstanceID: op.InstanceRef,
			Status:     string(entity.ResultCompleted),
			At:         s.opts.Now(),
		}
		if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
			s.deps.Logger.Warn("publish unit status failed",
				zap.String("code", req.Code), zap.String("instance_id", op.InstanceRef), zap.Error(err))
		}
	}
}

func (s *ScanService) observe(req ScanRequest, res *entity.Result, err error, started time.Time) {
	elapsed := s.opts.Now().Sub(started).Seconds()
	if err != nil {
		s.deps.Metrics.RecordError(entity.Kind(err))
		s.deps.Logger.Info("scan rejected",
			zap.String("code", req.Code),
			zap.String("operation", req.Operation),
			zap.String("kind", entity.Kind(err)),
			zap.Error(err))
		return
	}
	s.deps.Metrics.RecordTransition(req.Operation, string(res.Status), elapsed)
	s.deps.Logger.Info("scan processed",
		zap.String("code", req.Code),
		zap.String("operation", req.Operation),
		zap.String("status", string(res.Status)),
		zap.String("instance_id", res.InstanceID))
}

// GetInstance 查询工序实例
func (s *ScanService) GetInstance(ctx context.Context, id string) (*entity.OperationInstance, error) {
	var inst *entity.OperationInstance
	err := s.deps.Store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		inst, err = tx.GetInstance(id)
		return err
	})
	return inst, err
}

// GetItemRecord 查询生产记录及其前置链
func (s *ScanService) GetItemRecord(ctx context.Context, id string) (*entity.ItemRecord, error) {
	var rec *entity.ItemRecord
	err := s.deps.Store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		rec, err = tx.GetItemRecord(id)
		return err
	})
	return rec, err
}
