package service

import (
	"errors"
	"fmt"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"go.uber.org/zap"
)

// 已完成条码最多转发一次
const maxRedispatch = 1

type stepKind int

const (
	stepStart stepKind = iota
	stepFinish
	stepRedispatch
)

// step 状态机的一步。已完成的条码转为 stepRedispatch，指向同工序的未完成实例。
type step struct {
	kind  stepKind
	inst  *entity.OperationInstance
	entry *entity.ScannedCode
	hops  int
}

func stepFor(status entity.CodeStatus) stepKind {
	switch status {
	case entity.CodeStatusInProgress:
		return stepFinish
	case entity.CodeStatusCompleted:
		return stepRedispatch
	}
	// Pending 与 In Correction 都从开工开始
	return stepStart
}

// unitGroup 同一实例内一起流转的条目
type unitGroup struct {
	key    string
	unitID string
	idx    []int
}

func (g unitGroup) status(inst *entity.OperationInstance) entity.CodeStatus {
	codes := make([]entity.ScannedCode, 0, len(g.idx))
	for _, i := range g.idx {
		codes = append(codes, inst.Codes[i])
	}
	return entity.AggregateStatus(codes)
}

func (g unitGroup) codes(inst *entity.OperationInstance) []string {
	out := make([]string, 0, len(g.idx))
	for _, i := range g.idx {
		out = append(out, inst.Codes[i].Code)
	}
	return out
}

// Engine 生产单元状态机
type Engine struct {
	lifecycle *Lifecycle
	opts      Options
	logger    *zap.Logger
}

func NewEngine(lifecycle *Lifecycle, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{lifecycle: lifecycle, opts: opts.withDefaults(), logger: logger}
}

// Transition 按条码当前状态推进一次
func (e *Engine) Transition(tx repository.Tx, req ScanRequest) (*entity.Result, error) {
	inst, entry, err := e.locate(tx, req)
	if err != nil {
		return nil, err
	}

	st := step{kind: stepFor(entry.Status), inst: inst, entry: entry}
	for {
		switch st.kind {
		case stepStart:
			return e.start(tx, st.inst, st.entry, req.Employee)
		case stepFinish:
			return e.finish(tx, st.inst, st.entry, req.Employee)
		case stepRedispatch:
			if st.hops >= maxRedispatch {
				return nil, &entity.AlreadyCompletedError{Code: req.Code, Operation: req.Operation}
			}
			next, target, err := e.redispatch(tx, st.inst, st.entry)
			if err != nil {
				return nil, err
			}
			e.logger.Debug("redispatch completed code",
				zap.String("code", req.Code),
				zap.String("from", st.inst.ID),
				zap.String("to", next.ID))
			st = step{kind: stepFor(target.Status), inst: next, entry: target, hops: st.hops + 1}
		}
	}
}

// locate 查找条码条目，优先取非返工实例上的条目
func (e *Engine) locate(tx repository.Tx, req ScanRequest) (*entity.OperationInstance, *entity.ScannedCode, error) {
	entries, err := tx.FindCodeEntries(req.Code, req.Operation)
	if err != nil {
		return nil, nil, fmt.Errorf("find code %s: %w", req.Code, err)
	}

	var matched []entity.ScannedCode
	for _, c := range entries {
		if req.ItemRecordRef != "" && c.ItemRecordID != req.ItemRecordRef {
			continue
		}
		if req.OrderNo != "" && c.OrderNo != req.OrderNo {
			continue
		}
		if req.Position != "" && c.Position != req.Position {
			continue
		}
		if req.UnitID != "" && c.UnitID != req.UnitID {
			continue
		}
		matched = append(matched, c)
	}
	if len(matched) == 0 {
		return nil, nil, &entity.NotFoundError{Entity: "scanned code", Key: req.Code}
	}

	seen := make(map[string]bool)
	var candidates []entity.CodeCandidate
	for _, c := range matched {
		if seen[c.ItemRecordID+"\x00"+c.UnitID] {
			continue
		}
		seen[c.ItemRecordID+"\x00"+c.UnitID] = true
		candidates = append(candidates, entity.CodeCandidate{
			ItemRecordID: c.ItemRecordID, OrderNo: c.OrderNo, Position: c.Position, UnitID: c.UnitID,
		})
	}
	if len(candidates) > 1 {
		return nil, nil, &entity.AmbiguousCodeError{Code: req.Code, Candidates: candidates}
	}

	var fallback *entity.OperationInstance
	var fallbackEntry *entity.ScannedCode
	for _, c := range matched {
		inst, err := tx.GetInstance(c.OperationInstanceID)
		if err != nil {
			return nil, nil, err
		}
		entry := inst.CodeEntry(c.Code, c.UnitID)
		if entry == nil {
			continue
		}
		if !inst.IsCorrective {
			return inst, entry, nil
		}
		if fallback == nil {
			fallback, fallbackEntry = inst, entry
		}
	}
	if fallback == nil {
		return nil, nil, &entity.NotFoundError{Entity: "scanned code", Key: req.Code}
	}
	return fallback, fallbackEntry, nil
}

func (e *Engine) groupKey(operation string, c *entity.ScannedCode) string {
	if e.opts.modelGrouped(operation) {
		return c.UnitID + "\x00" + c.Model
	}
	return c.UnitID
}

// groups 按首次出现顺序返回实例内的分组
func (e *Engine) groups(inst *entity.OperationInstance) []unitGroup {
	var out []unitGroup
	pos := make(map[string]int)
	for i := range inst.Codes {
		key := e.groupKey(inst.Operation, &inst.Codes[i])
		k, ok := pos[key]
		if !ok {
			k = len(out)
			pos[key] = k
			out = append(out, unitGroup{key: key, unitID: inst.Codes[i].UnitID})
		}
		out[k].idx = append(out[k].idx, i)
	}
	return out
}

func (e *Engine) group(inst *entity.OperationInstance, key string) unitGroup {
	for _, g := range e.groups(inst) {
		if g.key == key {
			return g
		}
	}
	return unitGroup{key: key}
}

func setGroupStatus(inst *entity.OperationInstance, g unitGroup, status entity.CodeStatus) []string {
	for _, i := range g.idx {
		inst.Codes[i].Status = status
	}
	return g.codes(inst)
}

// start 开工分支
func (e *Engine) start(tx repository.Tx, inst *entity.OperationInstance, entry *entity.ScannedCode, employee string) (*entity.Result, error) {
	now := e.opts.Now()
	key := e.groupKey(inst.Operation, entry)
	unitID, recordID := entry.UnitID, entry.ItemRecordID

	// 先关闭本实例内其他进行中的分组，再处理其他实例
	var closed []string
	commitDue := false
	for _, g := range e.groups(inst) {
		if g.key == key || g.status(inst) != entity.CodeStatusInProgress {
			continue
		}
		if e.closeGroup(inst, g, employee) {
			commitDue = true
		}
		closed = append(closed, g.codes(inst)...)
	}
	if commitDue {
		// 目标数量小于单元数时，关闭上一单元即达目标：提交实例，本单元不再开工
		if err := e.mirror(tx, inst); err != nil {
			return nil, err
		}
		if err := e.lifecycle.Commit(tx, inst, now); err != nil {
			return nil, err
		}
		return &entity.Result{
			Status:         entity.ResultCompleted,
			Message:        fmt.Sprintf("%s %s reached target (%d/%d) and was committed, unit %s not started", inst.Operation, inst.ID, inst.CompletedQty, inst.TargetQty, unitID),
			Operation:      inst.Operation,
			InstanceID:     inst.ID,
			UnitID:         unitID,
			Committed:      true,
			CompletedCodes: closed,
		}, nil
	}
	if err := e.closeUnitElsewhere(tx, inst.ID, unitID, recordID, employee); err != nil {
		return nil, err
	}

	codes := setGroupStatus(inst, e.group(inst, key), entity.CodeStatusInProgress)
	if err := e.lifecycle.StartWork(inst, employee, now); err != nil {
		return nil, err
	}
	if err := e.mirror(tx, inst); err != nil {
		return nil, err
	}
	if err := tx.SaveInstance(inst); err != nil {
		return nil, err
	}

	return &entity.Result{
		Status:          entity.ResultInProgress,
		Message:         fmt.Sprintf("%s started for unit %s", inst.Operation, unitID),
		Operation:       inst.Operation,
		InstanceID:      inst.ID,
		UnitID:          unitID,
		InProgressCodes: codes,
	}, nil
}

// finish 完工分支
func (e *Engine) finish(tx repository.Tx, inst *entity.OperationInstance, entry *entity.ScannedCode, employee string) (*entity.Result, error) {
	now := e.opts.Now()
	unitID := entry.UnitID
	g := e.group(inst, e.groupKey(inst.Operation, entry))

	commitDue := e.closeGroup(inst, g, employee)
	unitDone := inst.UnitComplete(unitID)
	if err := e.mirror(tx, inst); err != nil {
		return nil, err
	}
	if commitDue {
		if err := e.lifecycle.Commit(tx, inst, now); err != nil {
			return nil, err
		}
	} else if err := tx.SaveInstance(inst); err != nil {
		return nil, err
	}

	res := &entity.Result{
		Status:         entity.ResultCompleted,
		Operation:      inst.Operation,
		InstanceID:     inst.ID,
		UnitID:         unitID,
		Committed:      commitDue,
		CompletedCodes: g.codes(inst),
	}
	switch {
	case commitDue:
		res.Message = fmt.Sprintf("unit %s completed, %s %s committed (%d/%d)", unitID, inst.Operation, inst.ID, inst.CompletedQty, inst.TargetQty)
	case unitDone:
		res.Message = fmt.Sprintf("unit %s completed for %s (%d/%d)", unitID, inst.Operation, inst.CompletedQty, inst.TargetQty)
	default:
		res.Status = entity.ResultOnHold
		res.Message = fmt.Sprintf("codes completed, unit %s still has open codes in %s", unitID, inst.Operation)
	}
	return res, nil
}

// closeGroup 将分组置为完成。生产单元全部完成时记一件，否则只关闭工时。
// 返回实例是否已达到目标数量、应当提交；未提交时实例置为 On Hold。
func (e *Engine) closeGroup(inst *entity.OperationInstance, g unitGroup, employee string) bool {
	now := e.opts.Now()
	setGroupStatus(inst, g, entity.CodeStatusCompleted)
	if !inst.UnitComplete(g.unitID) {
		e.lifecycle.Hold(inst, ReasonUnitIncomplete, now)
		return false
	}
	e.lifecycle.CreditJob(inst, 1, employee, now)
	if e.lifecycle.IsFullyComplete(inst) {
		return true
	}
	inst.Status = entity.InstanceStatusOnHold
	return false
}

// closeUnitElsewhere 关闭同一生产单元在其他实例中进行中的分组（不含质检）
func (e *Engine) closeUnitElsewhere(tx repository.Tx, currentID, unitID, recordID, employee string) error {
	rec, err := tx.GetItemRecord(recordID)
	if err != nil {
		return err
	}
	seen := map[string]bool{currentID: true}
	for _, st := range rec.OperationStates {
		if st.InstanceID == "" || seen[st.InstanceID] || e.opts.isQuality(st.Operation) || !st.AppliesTo(unitID) {
			continue
		}
		seen[st.InstanceID] = true

		other, err := tx.GetInstance(st.InstanceID)
		var nf *entity.NotFoundError
		if errors.As(err, &nf) {
			continue
		}
		if err != nil {
			return err
		}
		if !other.IsDraft() {
			continue
		}

		changed, commitDue := false, false
		for _, g := range e.groups(other) {
			if g.unitID != unitID || g.status(other) != entity.CodeStatusInProgress {
				continue
			}
			changed = true
			if e.closeGroup(other, g, employee) {
				commitDue = true
			}
		}
		if !changed {
			continue
		}
		e.logger.Info("closed in-progress unit in other operation instance",
			zap.String("unit_id", unitID),
			zap.String("instance_id", other.ID),
			zap.String("operation", other.Operation))
		if err := e.mirror(tx, other); err != nil {
			return err
		}
		if commitDue {
			err = e.lifecycle.Commit(tx, other, e.opts.Now())
		} else {
			err = tx.SaveInstance(other)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// redispatch 为已完成的条码找到同工序（含返工）中未完成的实例
func (e *Engine) redispatch(tx repository.Tx, inst *entity.OperationInstance, entry *entity.ScannedCode) (*entity.OperationInstance, *entity.ScannedCode, error) {
	rec, err := tx.GetItemRecord(entry.ItemRecordID)
	if err != nil {
		return nil, nil, err
	}
	for _, st := range rec.OperationStates {
		if st.Operation != inst.Operation || st.InstanceID == inst.ID || st.InstanceID == "" ||
			st.Status == entity.CodeStatusCompleted || !st.AppliesTo(entry.UnitID) {
			continue
		}
		cand, err := tx.GetInstance(st.InstanceID)
		var nf *entity.NotFoundError
		if errors.As(err, &nf) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !cand.IsDraft() {
			continue
		}
		target := cand.CodeEntry(entry.Code, entry.UnitID)
		if target == nil || target.Status == entity.CodeStatusCompleted {
			continue
		}
		return cand, target, nil
	}
	return nil, nil, &entity.AlreadyCompletedError{Code: entry.Code, Operation: inst.Operation}
}

// mirror 将实例内条目的聚合状态同步到生产记录的前置链
func (e *Engine) mirror(tx repository.Tx, inst *entity.OperationInstance) error {
	byRecord := make(map[string][]entity.ScannedCode)
	var order []string
	for _, c := range inst.Codes {
		if _, ok := byRecord[c.ItemRecordID]; !ok {
			order = append(order, c.ItemRecordID)
		}
		byRecord[c.ItemRecordID] = append(byRecord[c.ItemRecordID], c)
	}

	for _, rid := range order {
		rec, err := tx.GetItemRecord(rid)
		var nf *entity.NotFoundError
		if errors.As(err, &nf) {
			continue
		}
		if err != nil {
			return err
		}
		status := entity.AggregateStatus(byRecord[rid])
		changed := false
		for k := range rec.OperationStates {
			if rec.OperationStates[k].InstanceID == inst.ID && rec.OperationStates[k].Status != status {
				rec.OperationStates[k].Status = status
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := tx.SaveItemRecord(rec); err != nil {
			return err
		}
	}
	return nil
}
