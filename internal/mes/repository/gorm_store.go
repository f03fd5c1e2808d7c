package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore PostgreSQL 实现，实例与生产记录在事务内以 FOR UPDATE 加载
type GormStore struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

func NewGormStore(db *gorm.DB, lockTimeout time.Duration) *GormStore {
	return &GormStore{db: db, lockTimeout: lockTimeout}
}

func (s *GormStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if s.lockTimeout > 0 {
			// 锁等待超时返回 55P03，由重试逻辑处理
			if err := db.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())).Error; err != nil {
				return classify("set lock timeout", err)
			}
		}
		return fn(&gormTx{db: db})
	})
	return classify("transaction", err)
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) FindCodeEntries(code, operation string) ([]entity.ScannedCode, error) {
	var codes []entity.ScannedCode
	err := t.db.Table("mes_scanned_codes AS sc").
		Select("sc.*").
		Joins("JOIN mes_operation_instances oi ON oi.id = sc.operation_instance_id").
		Where("sc.code = ? AND oi.operation = ?", code, operation).
		Order("oi.created_at, sc.created_at, sc.id").
		Find(&codes).Error
	return codes, classify("find code entries", err)
}

func (t *gormTx) preloadChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Codes", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		Preload("Sessions", func(db *gorm.DB) *gorm.DB { return db.Order("idx") })
}

func (t *gormTx) GetInstance(id string) (*entity.OperationInstance, error) {
	var inst entity.OperationInstance
	err := t.preloadChildren(t.db.Clauses(clause.Locking{Strength: "UPDATE"})).
		Where("id = ?", id).
		First(&inst).Error
	if err != nil {
		return nil, notFound("operation instance", id, err)
	}
	return &inst, nil
}

func (t *gormTx) ListInstances(workOrderID, operation string) ([]entity.OperationInstance, error) {
	var list []entity.OperationInstance
	err := t.preloadChildren(t.db).
		Where("work_order_id = ? AND operation = ?", workOrderID, operation).
		Order("created_at, id").
		Find(&list).Error
	return list, classify("list operation instances", err)
}

func (t *gormTx) CreateInstance(inst *entity.OperationInstance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	return classify("create operation instance", t.db.Create(inst).Error)
}

func (t *gormTx) SaveInstance(inst *entity.OperationInstance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	now := time.Now()
	res := t.db.Model(&entity.OperationInstance{}).
		Where("id = ? AND version = ?", inst.ID, inst.Version).
		Updates(map[string]interface{}{
			"status":        string(inst.Status),
			"commit_state":  string(inst.CommitState),
			"target_qty":    inst.TargetQty,
			"completed_qty": inst.CompletedQty,
			"total_minutes": inst.TotalMinutes,
			"remarks":       inst.Remarks,
			"actual_start":  inst.ActualStart,
			"actual_end":    inst.ActualEnd,
			"version":       inst.Version + 1,
			"updated_at":    now,
		})
	if res.Error != nil {
		return classify("save operation instance", res.Error)
	}
	if res.RowsAffected == 0 {
		return &entity.ConflictError{Entity: "operation instance", ID: inst.ID}
	}
	inst.Version++
	inst.UpdatedAt = now

	if len(inst.Codes) > 0 {
		if err := t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&inst.Codes).Error; err != nil {
			return classify("save scanned codes", err)
		}
	}
	if len(inst.Sessions) > 0 {
		if err := t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&inst.Sessions).Error; err != nil {
			return classify("save time sessions", err)
		}
	}
	return nil
}

func (t *gormTx) GetItemRecord(id string) (*entity.ItemRecord, error) {
	var rec entity.ItemRecord
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("OperationStates", func(db *gorm.DB) *gorm.DB { return db.Order("idx") }).
		Where("id = ?", id).
		First(&rec).Error
	if err != nil {
		return nil, notFound("item record", id, err)
	}
	return &rec, nil
}

func (t *gormTx) SaveItemRecord(rec *entity.ItemRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now()
	if err := t.db.Model(&entity.ItemRecord{}).Where("id = ?", rec.ID).
		Update("updated_at", rec.UpdatedAt).Error; err != nil {
		return classify("save item record", err)
	}
	if len(rec.OperationStates) == 0 {
		return nil
	}
	err := t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec.OperationStates).Error
	return classify("save operation states", err)
}

func (t *gormTx) SequenceIndex(workOrderID, operation string) (int, bool, error) {
	var op entity.WorkOrderOperation
	res := t.db.Where("work_order_id = ? AND operation = ?", workOrderID, operation).Limit(1).Find(&op)
	if res.Error != nil {
		return 0, false, classify("load sequence", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, false, nil
	}
	return op.SequenceIndex, true, nil
}

func (t *gormTx) Submit(inst *entity.OperationInstance) error {
	var siblings []entity.OperationInstance
	err := t.db.Where("work_order_id = ? AND id <> ? AND sequence_index < ? AND is_corrective = ? AND commit_state = ?",
		inst.WorkOrderID, inst.ID, inst.SequenceIndex, false, string(entity.CommitStateDraft)).
		Order("sequence_index").
		Find(&siblings).Error
	if err != nil {
		return classify("check sequence", err)
	}
	if err := checkSequence(inst, siblings); err != nil {
		return err
	}
	inst.CommitState = entity.CommitStateCommitted
	return t.SaveInstance(inst)
}

func (t *gormTx) RecordInspection(rec *entity.InspectionRecord) error {
	return classify("record inspection", t.db.Create(rec).Error)
}
