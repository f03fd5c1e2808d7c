package service

import (
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
)

// Lifecycle 工序实例状态、提交状态与数量
type Lifecycle struct {
	ledger *Ledger
}

func NewLifecycle(ledger *Ledger) *Lifecycle {
	return &Lifecycle{ledger: ledger}
}

// StartWork 开工：打开工时，状态置为 Work In Progress
func (l *Lifecycle) StartWork(inst *entity.OperationInstance, employee string, now time.Time) error {
	if !inst.IsDraft() {
		return &entity.AlreadyCommittedError{InstanceID: inst.ID, State: inst.CommitState}
	}
	if _, err := l.ledger.Open(inst, employee, now); err != nil {
		return err
	}
	inst.Status = entity.InstanceStatusWorking
	return nil
}

// Hold 关闭工时但不记数，状态置为 On Hold
func (l *Lifecycle) Hold(inst *entity.OperationInstance, reason string, now time.Time) {
	l.ledger.Close(inst, 0, reason, now)
	inst.Status = entity.InstanceStatusOnHold
}

// CreditJob 关闭工时并记入数量
func (l *Lifecycle) CreditJob(inst *entity.OperationInstance, qty int, employee string, now time.Time) {
	l.ledger.Credit(inst, qty, employee, ReasonUnitCompleted, now)
}

func (l *Lifecycle) IsFullyComplete(inst *entity.OperationInstance) bool {
	return inst.TargetQty > 0 && inst.CompletedQty >= inst.TargetQty
}

// Commit 提交工序实例，必须是一次流转的最后一步。
// 失败时由调用方回滚整个事务。
func (l *Lifecycle) Commit(tx repository.Tx, inst *entity.OperationInstance, now time.Time) error {
	if !inst.IsDraft() {
		return &entity.AlreadyCommittedError{InstanceID: inst.ID, State: inst.CommitState}
	}
	l.ledger.Close(inst, 0, ReasonCommitted, now)
	inst.Status = entity.InstanceStatusCompleted
	end := now
	inst.ActualEnd = &end
	if err := tx.SaveInstance(inst); err != nil {
		return err
	}
	return tx.Submit(inst)
}

// Cancel 作废草稿实例
func (l *Lifecycle) Cancel(tx repository.Tx, inst *entity.OperationInstance, now time.Time) error {
	if !inst.IsDraft() {
		return &entity.AlreadyCommittedError{InstanceID: inst.ID, State: inst.CommitState}
	}
	l.ledger.Close(inst, 0, ReasonCancelled, now)
	inst.Status = entity.InstanceStatusCancelled
	inst.CommitState = entity.CommitStateCancelled
	return tx.SaveInstance(inst)
}
