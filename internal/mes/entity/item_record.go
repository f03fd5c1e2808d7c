package entity

import (
	"time"

	"gorm.io/datatypes"
)

// ItemRecord 订单位置的生产记录，持有工序前置链
type ItemRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	OrderNo   string    `json:"order_no" gorm:"size:50;not null;index:idx_item_record_order"`
	Position  string    `json:"position" gorm:"size:20;not null;index:idx_item_record_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OperationStates []OperationState `json:"operation_states" gorm:"foreignKey:ItemRecordID"`
}

func (ItemRecord) TableName() string {
	return "mes_item_records"
}

func (r *ItemRecord) Validate() error {
	for _, st := range r.OperationStates {
		if _, err := ParseCodeStatus(string(st.Status)); err != nil {
			return err
		}
	}
	return nil
}

// OperationState 前置链中的一项
// UnitID 为空表示覆盖整个订单位置；返工实例只针对单个生产单元
type OperationState struct {
	ID           string     `json:"id" gorm:"primaryKey;size:64"`
	ItemRecordID string     `json:"item_record_id" gorm:"size:64;not null;index"`
	Idx          int        `json:"idx" gorm:"not null"`
	Operation    string     `json:"operation" gorm:"size:100;not null"`
	InstanceID   string     `json:"instance_id" gorm:"size:64"`
	Status       CodeStatus `json:"status" gorm:"size:20;not null;default:Pending"`
	IsCorrective bool       `json:"is_corrective" gorm:"default:false"`
	UnitID       string     `json:"unit_id,omitempty" gorm:"size:64"`
}

func (OperationState) TableName() string {
	return "mes_operation_states"
}

// AppliesTo 该项是否属于指定生产单元
func (s OperationState) AppliesTo(unitID string) bool {
	return s.UnitID == "" || s.UnitID == unitID
}

// InspectionRecord 质检结果记录
type InspectionRecord struct {
	ID                string         `json:"id" gorm:"primaryKey;size:64"`
	QualityInstanceID string         `json:"quality_instance_id" gorm:"size:64;not null;index"`
	ItemRecordID      string         `json:"item_record_id" gorm:"size:64;index"`
	Code              string         `json:"code" gorm:"size:100"`
	UnitID            string         `json:"unit_id" gorm:"size:64"`
	Inspector         string         `json:"inspector" gorm:"size:64"`
	Passed            bool           `json:"passed"`
	Notes             string         `json:"notes" gorm:"type:text"`
	Criteria          datatypes.JSON `json:"criteria" gorm:"type:jsonb"`
	Summary           string         `json:"summary" gorm:"type:text"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (InspectionRecord) TableName() string {
	return "mes_inspection_records"
}
