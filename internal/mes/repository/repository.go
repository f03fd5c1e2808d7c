package repository

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
)

// Store 事务性实体存储
// InTx 内的所有读写属于同一事务，fn 返回错误时整体回滚
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx 事务内的读写操作
type Tx interface {
	// FindCodeEntries 返回某工序下该条码的全部条目，按实例创建顺序排列
	FindCodeEntries(code, operation string) ([]entity.ScannedCode, error)

	// GetInstance 加载工序实例（含条目与工时），不存在时返回 *entity.NotFoundError
	GetInstance(id string) (*entity.OperationInstance, error)
	ListInstances(workOrderID, operation string) ([]entity.OperationInstance, error)
	CreateInstance(inst *entity.OperationInstance) error
	// SaveInstance 按版本号保存，版本不一致返回 *entity.ConflictError
	SaveInstance(inst *entity.OperationInstance) error

	GetItemRecord(id string) (*entity.ItemRecord, error)
	SaveItemRecord(rec *entity.ItemRecord) error

	// SequenceIndex 工单内工序顺序，未知时 ok 为 false
	SequenceIndex(workOrderID, operation string) (idx int, ok bool, err error)

	// Submit 提交工序实例；前序工序未提交时返回 *entity.SequenceViolationError
	Submit(inst *entity.OperationInstance) error

	RecordInspection(rec *entity.InspectionRecord) error
}
