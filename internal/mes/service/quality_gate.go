package service

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QualityGate 质检工序：校验前置链，不合格时生成返工实例
type QualityGate struct {
	engine    *Engine
	lifecycle *Lifecycle
	opts      Options
	logger    *zap.Logger
}

func NewQualityGate(engine *Engine, lifecycle *Lifecycle, opts Options, logger *zap.Logger) *QualityGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QualityGate{engine: engine, lifecycle: lifecycle, opts: opts.withDefaults(), logger: logger}
}

func (g *QualityGate) Transition(tx repository.Tx, req ScanRequest) (*entity.Result, error) {
	inst, entry, err := g.engine.locate(tx, req)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case entity.CodeStatusCompleted:
		return nil, &entity.AlreadyCompletedError{Code: req.Code, Operation: inst.Operation}
	case entity.CodeStatusInProgress:
		return g.inspect(tx, inst, entry, req)
	}
	return g.begin(tx, inst, entry, req)
}

// begin 开始检验，同一质检实例同时只允许一个检验
func (g *QualityGate) begin(tx repository.Tx, inst *entity.OperationInstance, entry *entity.ScannedCode, req ScanRequest) (*entity.Result, error) {
	key := g.engine.groupKey(inst.Operation, entry)
	var open []string
	for _, grp := range g.engine.groups(inst) {
		if grp.key != key && grp.status(inst) == entity.CodeStatusInProgress {
			open = append(open, grp.codes(inst)...)
		}
	}
	if len(open) > 0 {
		return nil, &entity.OpenInspectionError{InstanceID: inst.ID, Codes: open}
	}

	var stored *entity.QualityData
	if entry.Status == entity.CodeStatusCorrection {
		var err error
		if stored, err = entity.DecodeQualityData(entry.QualityData); err != nil {
			return nil, err
		}
	}

	res, err := g.engine.start(tx, inst, entry, req.Employee)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		res.QualityData = stored
		res.Message = fmt.Sprintf("re-inspection started for unit %s after correction", entry.UnitID)
	}
	return res, nil
}

// inspect 提交检验结果
func (g *QualityGate) inspect(tx repository.Tx, inst *entity.OperationInstance, entry *entity.ScannedCode, req ScanRequest) (*entity.Result, error) {
	qd := req.QualityData
	if qd == nil {
		return nil, &entity.MissingDataError{Field: "quality_data"}
	}

	unfinished, err := g.Unfinished(tx, inst, entry.UnitID)
	if err != nil {
		return nil, err
	}
	if len(unfinished) > 0 {
		return nil, &entity.UnfinishedPrerequisitesError{Operations: unfinished}
	}

	if len(qd.FailedCriteria()) == 0 {
		rec, err := g.record(tx, inst, entry, req, true)
		if err != nil {
			return nil, err
		}
		res, err := g.engine.finish(tx, inst, entry, req.Employee)
		if err != nil {
			return nil, err
		}
		res.Inspection = rec
		return res, nil
	}

	ops := qd.RequiredOperations()
	if len(ops) == 0 {
		return nil, &entity.MissingDataError{Field: "quality_data.corrections.required_operations"}
	}
	created, err := g.spawnCorrections(tx, inst, entry.UnitID, ops, qd)
	if err != nil {
		return nil, err
	}

	raw, err := qd.JSON()
	if err != nil {
		return nil, err
	}
	grp := g.engine.group(inst, g.engine.groupKey(inst.Operation, entry))
	setGroupStatus(inst, grp, entity.CodeStatusCorrection)
	for _, i := range grp.idx {
		inst.Codes[i].QualityData = raw
	}
	g.lifecycle.Hold(inst, ReasonInspection, g.opts.Now())

	rec, err := g.record(tx, inst, entry, req, false)
	if err != nil {
		return nil, err
	}
	if err := g.engine.mirror(tx, inst); err != nil {
		return nil, err
	}
	if err := tx.SaveInstance(inst); err != nil {
		return nil, err
	}

	g.logger.Info("inspection failed, corrective operations created",
		zap.String("code", entry.Code),
		zap.String("unit_id", entry.UnitID),
		zap.Strings("corrective_instances", created))

	return &entity.Result{
		Status:              entity.ResultOnHold,
		Message:             fmt.Sprintf("inspection failed for unit %s, corrections required: %s", entry.UnitID, strings.Join(ops, ", ")),
		Operation:           inst.Operation,
		InstanceID:          inst.ID,
		UnitID:              entry.UnitID,
		CorrectionInstances: created,
		QualityData:         qd,
		Inspection:          rec,
	}, nil
}

// Unfinished 返回生产单元前置链中未完成或未提交的工序（不含质检与发货）
func (g *QualityGate) Unfinished(tx repository.Tx, inst *entity.OperationInstance, unitID string) ([]entity.UnfinishedOperation, error) {
	var recordIDs []string
	seenRecord := make(map[string]bool)
	for _, c := range inst.UnitCodes(unitID) {
		if !seenRecord[c.ItemRecordID] {
			seenRecord[c.ItemRecordID] = true
			recordIDs = append(recordIDs, c.ItemRecordID)
		}
	}

	var out []entity.UnfinishedOperation
	seen := make(map[string]bool)
	for _, rid := range recordIDs {
		rec, err := tx.GetItemRecord(rid)
		if err != nil {
			return nil, err
		}
		for _, st := range rec.OperationStates {
			if g.opts.excludedFromPrerequisites(st.Operation) || !st.AppliesTo(unitID) {
				continue
			}
			key := st.InstanceID
			if key == "" {
				key = "op:" + st.Operation
			}
			if seen[key] {
				continue
			}
			seen[key] = true

			missing := entity.UnfinishedOperation{
				Name:         st.Operation,
				InstanceRef:  st.InstanceID,
				IsCorrective: st.IsCorrective,
				Reason:       entity.ReasonMissing,
			}
			if st.InstanceID == "" {
				out = append(out, missing)
				continue
			}
			other, err := tx.GetInstance(st.InstanceID)
			var nf *entity.NotFoundError
			if errors.As(err, &nf) {
				out = append(out, missing)
				continue
			}
			if err != nil {
				return nil, err
			}

			done := other.Status == entity.InstanceStatusCompleted
			committed := other.IsCommitted()
			if done && committed {
				continue
			}
			reason := entity.ReasonNotCompleted
			if done {
				reason = entity.ReasonNotCommitted
			}
			out = append(out, entity.UnfinishedOperation{
				Name:         st.Operation,
				InstanceRef:  other.ID,
				Status:       string(other.Status),
				IsCorrective: other.IsCorrective,
				Committed:    committed,
				Reason:       reason,
			})
		}
	}
	return out, nil
}

// spawnCorrections 按工序顺序为每个要求返工的工序创建返工实例
func (g *QualityGate) spawnCorrections(tx repository.Tx, inst *entity.OperationInstance, unitID string, ops []string, qd *entity.QualityData) ([]string, error) {
	type request struct {
		operation string
		seq       int
	}
	var reqs []request
	dup := make(map[string]bool)
	for _, op := range ops {
		if op == "" || dup[op] {
			continue
		}
		dup[op] = true
		idx, ok, err := tx.SequenceIndex(inst.WorkOrderID, op)
		if err != nil {
			return nil, err
		}
		if !ok {
			idx = math.MaxInt
		}
		reqs = append(reqs, request{operation: op, seq: idx})
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].seq < reqs[j].seq })

	var created []string
	for _, r := range reqs {
		base, err := g.latestInstance(tx, inst.WorkOrderID, r.operation)
		if err != nil {
			return nil, err
		}
		ci := g.correctiveFrom(base, inst, unitID, qd.Remarks())
		if err := tx.CreateInstance(ci); err != nil {
			return nil, fmt.Errorf("create corrective %s: %w", r.operation, err)
		}
		if err := g.appendToChain(tx, ci, unitID); err != nil {
			return nil, err
		}
		created = append(created, ci.ID)
	}
	return created, nil
}

// latestInstance 同一工单该工序最近的未作废实例
func (g *QualityGate) latestInstance(tx repository.Tx, workOrderID, operation string) (*entity.OperationInstance, error) {
	list, err := tx.ListInstances(workOrderID, operation)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].CommitState != entity.CommitStateCancelled {
			return &list[i], nil
		}
	}
	return nil, &entity.NotFoundError{Entity: "operation instance", Key: workOrderID + "/" + operation}
}

func (g *QualityGate) correctiveFrom(base, quality *entity.OperationInstance, unitID, remarks string) *entity.OperationInstance {
	ci := &entity.OperationInstance{
		ID:                 uuid.New().String(),
		WorkOrderID:        base.WorkOrderID,
		ProductionItem:     base.ProductionItem,
		Operation:          base.Operation,
		SequenceIndex:      base.SequenceIndex,
		Status:             entity.InstanceStatusPending,
		CommitState:        entity.CommitStateDraft,
		TargetQty:          1,
		IsCorrective:       true,
		CorrectsInstanceID: base.ID,
		QualityInstanceID:  quality.ID,
		TargetUnitID:       unitID,
		Remarks:            remarks,
	}
	source := base.UnitCodes(unitID)
	if len(source) == 0 {
		source = quality.UnitCodes(unitID)
	}
	for _, c := range source {
		ci.Codes = append(ci.Codes, entity.ScannedCode{
			ID:                  uuid.New().String(),
			OperationInstanceID: ci.ID,
			ItemRecordID:        c.ItemRecordID,
			Code:                c.Code,
			Model:               c.Model,
			OrderNo:             c.OrderNo,
			Position:            c.Position,
			UnitID:              c.UnitID,
			Status:              entity.CodeStatusPending,
		})
	}
	return ci
}

// appendToChain 返工实例追加到生产记录前置链末尾
func (g *QualityGate) appendToChain(tx repository.Tx, ci *entity.OperationInstance, unitID string) error {
	seen := make(map[string]bool)
	for _, c := range ci.Codes {
		if seen[c.ItemRecordID] {
			continue
		}
		seen[c.ItemRecordID] = true
		rec, err := tx.GetItemRecord(c.ItemRecordID)
		if err != nil {
			return err
		}
		next := 1
		for _, st := range rec.OperationStates {
			if st.Idx >= next {
				next = st.Idx + 1
			}
		}
		rec.OperationStates = append(rec.OperationStates, entity.OperationState{
			ID:           uuid.New().String(),
			ItemRecordID: rec.ID,
			Idx:          next,
			Operation:    ci.Operation,
			InstanceID:   ci.ID,
			Status:       entity.CodeStatusPending,
			IsCorrective: true,
			UnitID:       unitID,
		})
		if err := tx.SaveItemRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// record 记录质检结果
func (g *QualityGate) record(tx repository.Tx, inst *entity.OperationInstance, entry *entity.ScannedCode, req ScanRequest, passed bool) (*entity.InspectionRecord, error) {
	raw, err := req.QualityData.JSON()
	if err != nil {
		return nil, err
	}
	rec := &entity.InspectionRecord{
		ID:                uuid.New().String(),
		QualityInstanceID: inst.ID,
		ItemRecordID:      entry.ItemRecordID,
		Code:              entry.Code,
		UnitID:            entry.UnitID,
		Inspector:         req.Employee,
		Passed:            passed,
		Notes:             req.QualityData.OverallNotes,
		Criteria:          raw,
		Summary:           req.QualityData.Summary(),
		CreatedAt:         g.opts.Now(),
	}
	if err := tx.RecordInspection(rec); err != nil {
		return nil, fmt.Errorf("record inspection: %w", err)
	}
	return rec, nil
}
