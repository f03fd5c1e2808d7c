package service

import (
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/google/uuid"
)

// Session close reasons.
const (
	ReasonUnitCompleted  = "unit_completed"
	ReasonUnitIncomplete = "unit_incomplete"
	ReasonInspection     = "inspection_failed"
	ReasonAutoCompleted  = "auto_completed"
	ReasonCommitted      = "committed"
	ReasonCancelled      = "cancelled"
)

// Ledger 工时台账，每个工序实例最多一条未结束的记录
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Open 开始一段工时
func (l *Ledger) Open(inst *entity.OperationInstance, employee string, now time.Time) (*entity.TimeSession, error) {
	if inst.OpenSession() != nil {
		return nil, &entity.OpenSessionError{InstanceID: inst.ID}
	}
	inst.Sessions = append(inst.Sessions, entity.TimeSession{
		ID:                  uuid.New().String(),
		OperationInstanceID: inst.ID,
		Idx:                 len(inst.Sessions) + 1,
		From:                now,
		Employee:            employee,
	})
	if inst.ActualStart == nil {
		start := now
		inst.ActualStart = &start
	}
	return &inst.Sessions[len(inst.Sessions)-1], nil
}

// Close 结束当前工时并记入数量，没有未结束记录时返回 false
func (l *Ledger) Close(inst *entity.OperationInstance, qty int, reason string, now time.Time) bool {
	s := inst.OpenSession()
	if s == nil {
		return false
	}
	to := now
	s.To = &to
	s.CompletedQty = qty
	s.Minutes = minutesBetween(s.From, now)
	s.Reason = reason
	l.recompute(inst)
	return true
}

// Credit 记入完成数量；没有未结束记录时补一条零时长记录
func (l *Ledger) Credit(inst *entity.OperationInstance, qty int, employee, reason string, now time.Time) {
	if l.Close(inst, qty, reason, now) {
		return
	}
	to := now
	inst.Sessions = append(inst.Sessions, entity.TimeSession{
		ID:                  uuid.New().String(),
		OperationInstanceID: inst.ID,
		Idx:                 len(inst.Sessions) + 1,
		From:                now,
		To:                  &to,
		Employee:            employee,
		CompletedQty:        qty,
		Reason:              reason,
	})
	if inst.ActualStart == nil {
		start := now
		inst.ActualStart = &start
	}
	l.recompute(inst)
}

// Finalize 以剩余数量结清工时，返回记入的数量
func (l *Ledger) Finalize(inst *entity.OperationInstance, employee string, now time.Time) int {
	remaining := max(inst.TargetQty-l.CompletedQty(inst), 0)
	l.Credit(inst, remaining, employee, ReasonAutoCompleted, now)
	return remaining
}

// CompletedQty 完成数量只按工时记录汇总
func (l *Ledger) CompletedQty(inst *entity.OperationInstance) int {
	total := 0
	for _, s := range inst.Sessions {
		total += s.CompletedQty
	}
	return total
}

func (l *Ledger) TotalMinutes(inst *entity.OperationInstance) int {
	total := 0
	for _, s := range inst.Sessions {
		total += s.Minutes
	}
	return total
}

func (l *Ledger) recompute(inst *entity.OperationInstance) {
	inst.CompletedQty = l.CompletedQty(inst)
	inst.TotalMinutes = l.TotalMinutes(inst)
}

func minutesBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Minute)
}
