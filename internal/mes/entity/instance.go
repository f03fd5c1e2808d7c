package entity

import (
	"time"

	"gorm.io/datatypes"
)

// WorkOrderOperation 工单工序顺序（外部提供，固定）
type WorkOrderOperation struct {
	ID            string    `json:"id" gorm:"primaryKey;size:64"`
	WorkOrderID   string    `json:"work_order_id" gorm:"size:64;not null;uniqueIndex:idx_wo_operation"`
	Operation     string    `json:"operation" gorm:"size:100;not null;uniqueIndex:idx_wo_operation"`
	SequenceIndex int       `json:"sequence_index" gorm:"not null"`
	CreatedAt     time.Time `json:"created_at"`
}

func (WorkOrderOperation) TableName() string {
	return "mes_work_order_operations"
}

// OperationInstance 工序实例（工卡）
type OperationInstance struct {
	ID                 string         `json:"id" gorm:"primaryKey;size:64"`
	WorkOrderID        string         `json:"work_order_id" gorm:"size:64;not null;index:idx_instance_wo_op"`
	ProductionItem     string         `json:"production_item" gorm:"size:100;index"`
	Operation          string         `json:"operation" gorm:"size:100;not null;index:idx_instance_wo_op"`
	SequenceIndex      int            `json:"sequence_index"`
	Status             InstanceStatus `json:"status" gorm:"size:20;not null;default:Pending"`
	CommitState        CommitState    `json:"commit_state" gorm:"size:20;not null;default:draft"`
	TargetQty          int            `json:"target_qty" gorm:"not null"`
	CompletedQty       int            `json:"completed_qty" gorm:"default:0"`
	TotalMinutes       int            `json:"total_minutes" gorm:"default:0"`
	IsCorrective       bool           `json:"is_corrective" gorm:"default:false"`
	CorrectsInstanceID string         `json:"corrects_instance_id,omitempty" gorm:"size:64"`
	QualityInstanceID  string         `json:"quality_instance_id,omitempty" gorm:"size:64"`
	TargetUnitID       string         `json:"target_unit_id,omitempty" gorm:"size:64"`
	Remarks            string         `json:"remarks,omitempty" gorm:"type:text"`
	ActualStart        *time.Time     `json:"actual_start"`
	ActualEnd          *time.Time     `json:"actual_end"`
	Version            int            `json:"version" gorm:"not null;default:0"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`

	Codes    []ScannedCode `json:"codes,omitempty" gorm:"foreignKey:OperationInstanceID"`
	Sessions []TimeSession `json:"sessions,omitempty" gorm:"foreignKey:OperationInstanceID"`
}

func (OperationInstance) TableName() string {
	return "mes_operation_instances"
}

func (i *OperationInstance) IsDraft() bool {
	return i.CommitState == CommitStateDraft
}

func (i *OperationInstance) IsCommitted() bool {
	return i.CommitState == CommitStateCommitted
}

// Validate 校验实例及其条目的状态取值
func (i *OperationInstance) Validate() error {
	if _, err := ParseInstanceStatus(string(i.Status)); err != nil {
		return err
	}
	if _, err := ParseCommitState(string(i.CommitState)); err != nil {
		return err
	}
	for _, c := range i.Codes {
		if _, err := ParseCodeStatus(string(c.Status)); err != nil {
			return err
		}
	}
	return nil
}

// OpenSession 返回未结束的工时记录
func (i *OperationInstance) OpenSession() *TimeSession {
	for k := range i.Sessions {
		if i.Sessions[k].To == nil {
			return &i.Sessions[k]
		}
	}
	return nil
}

// UnitCodes 返回同一生产单元的全部条目
func (i *OperationInstance) UnitCodes(unitID string) []ScannedCode {
	var out []ScannedCode
	for _, c := range i.Codes {
		if c.UnitID == unitID {
			out = append(out, c)
		}
	}
	return out
}

// UnitComplete 生产单元的全部条目都已完成
func (i *OperationInstance) UnitComplete(unitID string) bool {
	codes := i.UnitCodes(unitID)
	return len(codes) > 0 && AggregateStatus(codes) == CodeStatusCompleted
}

// CodeEntry 按条码和生产单元查找条目
func (i *OperationInstance) CodeEntry(code, unitID string) *ScannedCode {
	for k := range i.Codes {
		if i.Codes[k].Code == code && i.Codes[k].UnitID == unitID {
			return &i.Codes[k]
		}
	}
	return nil
}

// ScannedCode 扫码条目
type ScannedCode struct {
	ID                  string         `json:"id" gorm:"primaryKey;size:64"`
	OperationInstanceID string         `json:"operation_instance_id" gorm:"size:64;not null;index"`
	ItemRecordID        string         `json:"item_record_id" gorm:"size:64;not null;index"`
	Code                string         `json:"code" gorm:"size:100;not null;index"`
	Model               string         `json:"model" gorm:"size:50"` // 型材系列，如 KASA / KANAT
	OrderNo             string         `json:"order_no" gorm:"size:50;index"`
	Position            string         `json:"position" gorm:"size:20"`
	UnitID              string         `json:"unit_id" gorm:"size:64;not null"`
	Status              CodeStatus     `json:"status" gorm:"size:20;not null;default:Pending"`
	QualityData         datatypes.JSON `json:"quality_data,omitempty" gorm:"type:jsonb"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (ScannedCode) TableName() string {
	return "mes_scanned_codes"
}

// TimeSession 工时记录
type TimeSession struct {
	ID                  string     `json:"id" gorm:"primaryKey;size:64"`
	OperationInstanceID string     `json:"operation_instance_id" gorm:"size:64;not null;index"`
	Idx                 int        `json:"idx" gorm:"not null"`
	From                time.Time  `json:"from" gorm:"column:from_time;not null"`
	To                  *time.Time `json:"to" gorm:"column:to_time"`
	Employee            string     `json:"employee" gorm:"size:64"`
	CompletedQty        int        `json:"completed_qty" gorm:"default:0"`
	Minutes             int        `json:"minutes" gorm:"default:0"`
	Reason              string     `json:"reason,omitempty" gorm:"size:50"`
}

func (TimeSession) TableName() string {
	return "mes_time_sessions"
}
