package service

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"go.uber.org/zap"
)

// Resolver 自动补完质检前置工序后重试质检
type Resolver struct {
	store     repository.Store
	gate      *QualityGate
	engine    *Engine
	lifecycle *Lifecycle
	ledger    *Ledger
	opts      Options
	logger    *zap.Logger
}

func NewResolver(store repository.Store, gate *QualityGate, engine *Engine, lifecycle *Lifecycle, ledger *Ledger, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:     store,
		gate:      gate,
		engine:    engine,
		lifecycle: lifecycle,
		ledger:    ledger,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// BatchOutcome 批处理各条目的结果
type BatchOutcome struct {
	Completed               []entity.CompletedOperation
	FailedOnRetry           []entity.BatchEntry
	SkippedAlreadyCommitted []entity.BatchEntry
	SkippedMissing          []entity.BatchEntry
	Failed                  []entity.BatchEntry
}

func (b *BatchOutcome) apply(res *entity.Result) {
	res.CompletedPreviousOperations = b.Completed
	res.FailedOnRetry = b.FailedOnRetry
	res.SkippedAlreadyCommitted = b.SkippedAlreadyCommitted
	res.SkippedMissing = b.SkippedMissing
	res.Failed = b.Failed
}

type resolveTarget struct {
	op  entity.UnfinishedOperation
	seq int
}

// ResolveAndRetry 质检报前置未完成时，按工序顺序补完并提交，随后重试质检。
// 仍有未完成项时同时返回带明细的结果和 *entity.UnfinishedPrerequisitesError。
func (r *Resolver) ResolveAndRetry(ctx context.Context, req ScanRequest) (*entity.Result, error) {
	res, err := r.inspect(ctx, req)
	var unfinished *entity.UnfinishedPrerequisitesError
	if !errors.As(err, &unfinished) {
		return res, err
	}

	outcome, err := r.Complete(ctx, unfinished.Operations, req.Employee)
	if err != nil {
		failed := &entity.Result{Status: entity.ResultError, Message: err.Error()}
		outcome.apply(failed)
		return failed, err
	}

	res, err = r.inspect(ctx, req)
	if errors.As(err, &unfinished) {
		failed := &entity.Result{
			Status:               entity.ResultError,
			Message:              unfinished.Summary(),
			UnfinishedOperations: unfinished.Operations,
		}
		outcome.apply(failed)
		return failed, err
	}
	if err != nil {
		return nil, err
	}
	outcome.apply(res)
	return res, nil
}

func (r *Resolver) inspect(ctx context.Context, req ScanRequest) (*entity.Result, error) {
	var res *entity.Result
	err := repository.Run(ctx, r.store, r.opts.Retry, func(tx repository.Tx) error {
		var err error
		res, err = r.gate.Transition(tx, req)
		return err
	})
	return res, err
}

// Complete 补完并提交给定的未完成工序。
// 单个条目失败互不影响；只有 SystemError 会中止剩余条目。
func (r *Resolver) Complete(ctx context.Context, ops []entity.UnfinishedOperation, employee string) (*BatchOutcome, error) {
	out := &BatchOutcome{}

	var targets []resolveTarget
	for _, op := range ops {
		entry := entity.BatchEntry{Operation: op.Name, InstanceRef: op.InstanceRef}
		if op.InstanceRef == "" {
			r.logger.Warn("skip unfinished operation without instance", zap.String("operation", op.Name))
			out.SkippedMissing = append(out.SkippedMissing, entry)
			continue
		}

		var inst *entity.OperationInstance
		seq, known := 0, false
		err := repository.Run(ctx, r.store, r.opts.Retry, func(tx repository.Tx) error {
			var err error
			if inst, err = tx.GetInstance(op.InstanceRef); err != nil {
				return err
			}
			seq, known, err = tx.SequenceIndex(inst.WorkOrderID, inst.Operation)
			return err
		})

		var nf *entity.NotFoundError
		var sys *entity.SystemError
		switch {
		case errors.As(err, &nf):
			r.logger.Warn("skip missing operation instance", zap.String("instance_id", op.InstanceRef))
			out.SkippedMissing = append(out.SkippedMissing, entry)
			continue
		case errors.As(err, &sys):
			return out, err
		case err != nil:
			entry.Error = err.Error()
			out.Failed = append(out.Failed, entry)
			continue
		case inst.IsCommitted():
			r.logger.Info("skip already committed operation instance", zap.String("instance_id", inst.ID))
			out.SkippedAlreadyCommitted = append(out.SkippedAlreadyCommitted, entry)
			continue
		}
		if !known {
			seq = math.MaxInt
		}
		targets = append(targets, resolveTarget{op: op, seq: seq})
	}

	sort.SliceStable(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	var deferred []resolveTarget
	for _, t := range targets {
		retry, err := r.settle(ctx, out, t, employee, false)
		if err != nil {
			return out, err
		}
		if retry {
			deferred = append(deferred, t)
		}
	}
	for _, t := range deferred {
		if _, err := r.settle(ctx, out, t, employee, true); err != nil {
			return out, err
		}
	}
	return out, nil
}

// settle 处理一个条目并记录结果，顺序冲突且非重试轮时返回 true 表示延后
func (r *Resolver) settle(ctx context.Context, out *BatchOutcome, t resolveTarget, employee string, retrying bool) (bool, error) {
	entry := entity.BatchEntry{Operation: t.op.Name, InstanceRef: t.op.InstanceRef}
	done, err := r.completeOne(ctx, t.op.InstanceRef, employee)

	var (
		seq       *entity.SequenceViolationError
		committed *entity.AlreadyCommittedError
		nf        *entity.NotFoundError
		sys       *entity.SystemError
	)
	switch {
	case err == nil:
		out.Completed = append(out.Completed, *done)
	case errors.As(err, &seq):
		if !retrying {
			r.logger.Warn("defer operation instance after sequence violation",
				zap.String("instance_id", t.op.InstanceRef), zap.Error(err))
			return true, nil
		}
		entry.Error = err.Error()
		out.FailedOnRetry = append(out.FailedOnRetry, entry)
		r.logger.Warn("operation instance failed on retry", zap.String("instance_id", t.op.InstanceRef), zap.Error(err))
	case errors.As(err, &committed) && committed.State == entity.CommitStateCommitted:
		out.SkippedAlreadyCommitted = append(out.SkippedAlreadyCommitted, entry)
	case errors.As(err, &nf):
		out.SkippedMissing = append(out.SkippedMissing, entry)
	case errors.As(err, &sys):
		r.logger.Error("abort resolver batch", zap.String("instance_id", t.op.InstanceRef), zap.Error(err))
		return false, err
	default:
		entry.Error = err.Error()
		out.Failed = append(out.Failed, entry)
		r.logger.Warn("operation instance could not be completed", zap.String("instance_id", t.op.InstanceRef), zap.Error(err))
	}
	return false, nil
}

// completeOne 在独立事务中补完一个实例：完成全部条目、结清工时、按工时重算数量、提交
func (r *Resolver) completeOne(ctx context.Context, instanceID, employee string) (*entity.CompletedOperation, error) {
	var done *entity.CompletedOperation
	err := repository.Run(ctx, r.store, r.opts.Retry, func(tx repository.Tx) error {
		inst, err := tx.GetInstance(instanceID)
		if err != nil {
			return err
		}
		if !inst.IsDraft() {
			return &entity.AlreadyCommittedError{InstanceID: inst.ID, State: inst.CommitState}
		}

		now := r.opts.Now()
		codes := []string{}
		for k := range inst.Codes {
			if inst.Codes[k].Status != entity.CodeStatusCompleted {
				inst.Codes[k].Status = entity.CodeStatusCompleted
				codes = append(codes, inst.Codes[k].Code)
			}
		}
		r.ledger.Finalize(inst, employee, now)
		if r.lifecycle.IsFullyComplete(inst) {
			inst.Status = entity.InstanceStatusCompleted
		}
		if err := r.engine.mirror(tx, inst); err != nil {
			return err
		}
		if err := r.lifecycle.Commit(tx, inst, now); err != nil {
			return err
		}
		done = &entity.CompletedOperation{InstanceRef: inst.ID, Operation: inst.Operation, CompletedCodes: codes}
		return nil
	})
	return done, err
}
