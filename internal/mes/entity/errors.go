package entity

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError 条码或工序实例不存在
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// AlreadyCompletedError 所有相关工序实例均已完成
type AlreadyCompletedError struct {
	Code      string
	Operation string
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("code %s: all the related %s operation instances are already completed", e.Code, e.Operation)
}

// OpenInspectionError 同一质检实例中已有进行中的检验
type OpenInspectionError struct {
	InstanceID string
	Codes      []string
}

func (e *OpenInspectionError) Error() string {
	return fmt.Sprintf("inspection already in progress on %s for codes %s, finish it first",
		e.InstanceID, strings.Join(e.Codes, ", "))
}

// MissingDataError 调用方缺少必要输入
type MissingDataError struct {
	Field string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// Unfinished prerequisite reasons.
const (
	ReasonMissing      = "missing"
	ReasonNotCommitted = "not_committed"
	ReasonNotCompleted = "not_completed"
)

// UnfinishedOperation 未完成的前置工序
type UnfinishedOperation struct {
	Name         string `json:"name"`
	InstanceRef  string `json:"instance_ref"`
	Status       string `json:"status"`
	IsCorrective bool   `json:"is_corrective"`
	Committed    bool   `json:"committed"`
	Reason       string `json:"reason"`
}

func (u UnfinishedOperation) Describe() string {
	switch u.Reason {
	case ReasonMissing:
		return fmt.Sprintf("• %s: operation instance missing", u.Name)
	case ReasonNotCommitted:
		return fmt.Sprintf("• %s: operation instance not committed (Status: %s)", u.Name, u.Status)
	}
	return fmt.Sprintf("• %s: operation not completed (Status: %s)", u.Name, u.Status)
}

// UnfinishedPrerequisitesError 质检前置工序未完成且未提交
type UnfinishedPrerequisitesError struct {
	Operations []UnfinishedOperation
}

func (e *UnfinishedPrerequisitesError) Error() string {
	return e.Summary()
}

func (e *UnfinishedPrerequisitesError) Summary() string {
	lines := make([]string, 0, len(e.Operations)+1)
	lines = append(lines, "Quality control cannot start - the following operations must be completed AND committed first:")
	for _, op := range e.Operations {
		lines = append(lines, op.Describe())
	}
	return strings.Join(lines, "\n")
}

// SequenceViolationError 提交时前序工序尚未完成
type SequenceViolationError struct {
	WorkOrderID string
	Required    string
	Blocked     string
}

func (e *SequenceViolationError) Error() string {
	return fmt.Sprintf("work order %s: complete the operation %s before the operation %s",
		e.WorkOrderID, e.Required, e.Blocked)
}

// StorageContentionError 锁等待超时等瞬时错误
type StorageContentionError struct {
	Op    string
	Cause error
}

func (e *StorageContentionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("storage contention during %s", e.Op)
	}
	return fmt.Sprintf("storage contention during %s: %v", e.Op, e.Cause)
}

func (e *StorageContentionError) Unwrap() error { return e.Cause }

// ConflictError 乐观锁冲突，实体在加载后被修改
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

// SystemError 不可恢复的错误
type SystemError struct {
	Op    string
	Cause error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error during %s: %v", e.Op, e.Cause)
}

func (e *SystemError) Unwrap() error { return e.Cause }

type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// AlreadyCommittedError 重复提交
type AlreadyCommittedError struct {
	InstanceID string
	State      CommitState
}

func (e *AlreadyCommittedError) Error() string {
	return fmt.Sprintf("operation instance %s is already %s", e.InstanceID, e.State)
}

// OpenSessionError 同一实例已有未结束的工时记录
type OpenSessionError struct {
	InstanceID string
}

func (e *OpenSessionError) Error() string {
	return fmt.Sprintf("operation instance %s already has an open time session", e.InstanceID)
}

// CodeCandidate 条码歧义时的候选项
type CodeCandidate struct {
	ItemRecordID string `json:"item_record_id"`
	OrderNo      string `json:"order_no"`
	Position     string `json:"position"`
	UnitID       string `json:"unit_id"`
}

// AmbiguousCodeError 同一条码对应多个生产记录
type AmbiguousCodeError struct {
	Code       string
	Candidates []CodeCandidate
}

func (e *AmbiguousCodeError) Error() string {
	return fmt.Sprintf("code %s matches %d item records, narrow it with order_no/position/unit_id", e.Code, len(e.Candidates))
}

// Kind 返回错误分类，供 HTTP 层与指标使用
func Kind(err error) string {
	var (
		notFound   *NotFoundError
		completed  *AlreadyCompletedError
		inspection *OpenInspectionError
		missing    *MissingDataError
		unfinished *UnfinishedPrerequisitesError
		sequence   *SequenceViolationError
		contention *StorageContentionError
		conflict   *ConflictError
		system     *SystemError
		validation *ValidationError
		committed  *AlreadyCommittedError
		session    *OpenSessionError
		ambiguous  *AmbiguousCodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &system):
		return "system"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &completed):
		return "already_completed"
	case errors.As(err, &inspection):
		return "open_inspection"
	case errors.As(err, &missing):
		return "missing_data"
	case errors.As(err, &unfinished):
		return "unfinished_prerequisites"
	case errors.As(err, &sequence):
		return "sequence_violation"
	case errors.As(err, &contention):
		return "storage_contention"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &committed):
		return "already_committed"
	case errors.As(err, &session):
		return "open_session"
	case errors.As(err, &ambiguous):
		return "ambiguous_code"
	}
	return "internal"
}

// IsTransient 可通过重新加载重试的错误
func IsTransient(err error) bool {
	var contention *StorageContentionError
	var conflict *ConflictError
	return errors.As(err, &contention) || errors.As(err, &conflict)
}
