package entity

import (
	"database/sql/driver"
	"fmt"
)

// CodeStatus 扫码条目状态
type CodeStatus string

const (
	CodeStatusPending    CodeStatus = "Pending"
	CodeStatusInProgress CodeStatus = "In Progress"
	CodeStatusCompleted  CodeStatus = "Completed"
	CodeStatusCorrection CodeStatus = "In Correction"
)

func (s CodeStatus) Valid() bool {
	switch s {
	case CodeStatusPending, CodeStatusInProgress, CodeStatusCompleted, CodeStatusCorrection:
		return true
	}
	return false
}

// ParseCodeStatus 校验并转换扫码状态
func ParseCodeStatus(v string) (CodeStatus, error) {
	s := CodeStatus(v)
	if !s.Valid() {
		return "", &ValidationError{Field: "code_status", Value: v, Reason: "unknown status"}
	}
	return s, nil
}

// Scan 读取数据库值，未知状态返回 ValidationError
func (s *CodeStatus) Scan(src interface{}) error {
	v, err := scanString("code_status", src)
	if err != nil {
		return err
	}
	*s, err = ParseCodeStatus(v)
	return err
}

func (s CodeStatus) Value() (driver.Value, error) {
	if _, err := ParseCodeStatus(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

// InstanceStatus 工序实例状态
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "Pending"
	InstanceStatusWorking   InstanceStatus = "Work In Progress"
	InstanceStatusOnHold    InstanceStatus = "On Hold"
	InstanceStatusCompleted InstanceStatus = "Completed"
	InstanceStatusCancelled InstanceStatus = "Cancelled"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceStatusPending, InstanceStatusWorking, InstanceStatusOnHold,
		InstanceStatusCompleted, InstanceStatusCancelled:
		return true
	}
	return false
}

func ParseInstanceStatus(v string) (InstanceStatus, error) {
	s := InstanceStatus(v)
	if !s.Valid() {
		return "", &ValidationError{Field: "instance_status", Value: v, Reason: "unknown status"}
	}
	return s, nil
}

func (s *InstanceStatus) Scan(src interface{}) error {
	v, err := scanString("instance_status", src)
	if err != nil {
		return err
	}
	*s, err = ParseInstanceStatus(v)
	return err
}

func (s InstanceStatus) Value() (driver.Value, error) {
	if _, err := ParseInstanceStatus(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

// CommitState 提交状态，只能单向流转 draft -> committed | cancelled
type CommitState string

const (
	CommitStateDraft     CommitState = "draft"
	CommitStateCommitted CommitState = "committed"
	CommitStateCancelled CommitState = "cancelled"
)

func (s CommitState) Valid() bool {
	switch s {
	case CommitStateDraft, CommitStateCommitted, CommitStateCancelled:
		return true
	}
	return false
}

func ParseCommitState(v string) (CommitState, error) {
	s := CommitState(v)
	if !s.Valid() {
		return "", &ValidationError{Field: "commit_state", Value: v, Reason: "unknown commit state"}
	}
	return s, nil
}

func (s *CommitState) Scan(src interface{}) error {
	v, err := scanString("commit_state", src)
	if err != nil {
		return err
	}
	*s, err = ParseCommitState(v)
	return err
}

func (s CommitState) Value() (driver.Value, error) {
	if _, err := ParseCommitState(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

func scanString(field string, src interface{}) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", &ValidationError{Field: field, Reason: "missing value"}
	}
	return "", &ValidationError{Field: field, Value: fmt.Sprint(src), Reason: fmt.Sprintf("unsupported type %T", src)}
}

// AggregateStatus 计算一组扫码条目的聚合状态：全部完成才算完成
func AggregateStatus(codes []ScannedCode) CodeStatus {
	if len(codes) == 0 {
		return CodeStatusPending
	}
	allDone := true
	var inProgress, correction bool
	for _, c := range codes {
		switch c.Status {
		case CodeStatusCompleted:
			continue
		case CodeStatusCorrection:
			correction = true
		case CodeStatusInProgress:
			inProgress = true
		}
		allDone = false
	}
	switch {
	case allDone:
		return CodeStatusCompleted
	case correction:
		return CodeStatusCorrection
	case inProgress:
		return CodeStatusInProgress
	}
	return CodeStatusPending
}
