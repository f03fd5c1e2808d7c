package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
)

// MemoryStore 内存实现，事务串行执行，读时复制，失败时回滚到快照
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time
}

type memState struct {
	sequences   map[string]int
	instances   map[string]*entity.OperationInstance
	order       []string
	records     map[string]*entity.ItemRecord
	inspections []entity.InspectionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			sequences: make(map[string]int),
			instances: make(map[string]*entity.OperationInstance),
			records:   make(map[string]*entity.ItemRecord),
		},
		now: time.Now,
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return &entity.StorageContentionError{Op: "begin", Cause: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memTx{s: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// AddSequence 登记工单工序顺序
func (s *MemoryStore) AddSequence(workOrderID, operation string, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.sequences[seqKey(workOrderID, operation)] = idx
}

// Seed 直接写入工序实例与生产记录，任一状态非法时不写入
func (s *MemoryStore) Seed(instances []*entity.OperationInstance, records []*entity.ItemRecord) error {
	for _, inst := range instances {
		if err := inst.Validate(); err != nil {
			return fmt.Errorf("seed operation instance %s: %w", inst.ID, err)
		}
	}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("seed item record %s: %w", rec.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range instances {
		if _, ok := s.state.instances[inst.ID]; !ok {
			s.state.order = append(s.state.order, inst.ID)
		}
		if inst.CreatedAt.IsZero() {
			inst.CreatedAt = s.now()
		}
		s.state.instances[inst.ID] = cloneInstance(inst)
	}
	for _, rec := range records {
		s.state.records[rec.ID] = cloneRecord(rec)
	}
	return nil
}

// Inspections 已记录的质检结果
func (s *MemoryStore) Inspections() []entity.InspectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.InspectionRecord(nil), s.state.inspections...)
}

type memTx struct {
	s *MemoryStore
}

func (t *memTx) FindCodeEntries(code, operation string) ([]entity.ScannedCode, error) {
	var out []entity.ScannedCode
	for _, id := range t.s.state.order {
		inst := t.s.state.instances[id]
		if inst.Operation != operation {
			continue
		}
		for _, c := range inst.Codes {
			if c.Code == code {
				out = append(out, cloneCode(c))
			}
		}
	}
	return out, nil
}

func (t *memTx) GetInstance(id string) (*entity.OperationInstance, error) {
	inst, ok := t.s.state.instances[id]
	if !ok {
		return nil, &entity.NotFoundError{Entity: "operation instance", Key: id}
	}
	return cloneInstance(inst), nil
}

func (t *memTx) ListInstances(workOrderID, operation string) ([]entity.OperationInstance, error) {
	var out []entity.OperationInstance
	for _, id := range t.s.state.order {
		inst := t.s.state.instances[id]
		if inst.WorkOrderID == workOrderID && inst.Operation == operation {
			out = append(out, *cloneInstance(inst))
		}
	}
	return out, nil
}

func (t *memTx) CreateInstance(inst *entity.OperationInstance) error {
	if _, ok := t.s.state.instances[inst.ID]; ok {
		return fmt.Errorf("operation instance %s already exists", inst.ID)
	}
	if err := inst.Validate(); err != nil {
		return err
	}
	now := t.s.now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	t.s.state.instances[inst.ID] = cloneInstance(inst)
	t.s.state.order = append(t.s.state.order, inst.ID)
	return nil
}

func (t *memTx) SaveInstance(inst *entity.OperationInstance) error {
	stored, ok := t.s.state.instances[inst.ID]
	if !ok {
		return &entity.NotFoundError{Entity: "operation instance", Key: inst.ID}
	}
	if stored.Version != inst.Version {
		return &entity.ConflictError{Entity: "operation instance", ID: inst.ID}
	}
	if err := inst.Validate(); err != nil {
		return err
	}
	inst.Version++
	inst.UpdatedAt = t.s.now()
	t.s.state.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (t *memTx) GetItemRecord(id string) (*entity.ItemRecord, error) {
	rec, ok := t.s.state.records[id]
	if !ok {
		return nil, &entity.NotFoundError{Entity: "item record", Key: id}
	}
	return cloneRecord(rec), nil
}

func (t *memTx) SaveItemRecord(rec *entity.ItemRecord) error {
	if _, ok := t.s.state.records[rec.ID]; !ok {
		return &entity.NotFoundError{Entity: "item record", Key: rec.ID}
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.UpdatedAt = t.s.now()
	sort.SliceStable(rec.OperationStates, func(i, j int) bool {
		return rec.OperationStates[i].Idx < rec.OperationStates[j].Idx
	})
	t.s.state.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (t *memTx) SequenceIndex(workOrderID, operation string) (int, bool, error) {
	idx, ok := t.s.state.sequences[seqKey(workOrderID, operation)]
	return idx, ok, nil
}

func (t *memTx) Submit(inst *entity.OperationInstance) error {
	var siblings []entity.OperationInstance
	for _, id := range t.s.state.order {
		other := t.s.state.instances[id]
		if other.WorkOrderID == inst.WorkOrderID && other.ID != inst.ID {
			siblings = append(siblings, *other)
		}
	}
	if err := checkSequence(inst, siblings); err != nil {
		return err
	}
	inst.CommitState = entity.CommitStateCommitted
	return t.SaveInstance(inst)
}

func (t *memTx) RecordInspection(rec *entity.InspectionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.s.now()
	}
	t.s.state.inspections = append(t.s.state.inspections, *rec)
	return nil
}

// checkSequence 前序（非返工、草稿状态）工序未提交时拒绝提交
func checkSequence(inst *entity.OperationInstance, siblings []entity.OperationInstance) error {
	var blocking *entity.OperationInstance
	for k := range siblings {
		o := &siblings[k]
		if o.IsCorrective || o.CommitState != entity.CommitStateDraft || o.SequenceIndex >= inst.SequenceIndex {
			continue
		}
		if blocking == nil || o.SequenceIndex < blocking.SequenceIndex {
			blocking = o
		}
	}
	if blocking != nil {
		return &entity.SequenceViolationError{
			WorkOrderID: inst.WorkOrderID,
			Required:    blocking.Operation,
			Blocked:     inst.Operation,
		}
	}
	return nil
}

func seqKey(workOrderID, operation string) string {
	return workOrderID + "\x00" + operation
}

func (m memState) clone() memState {
	out := memState{
		sequences:   make(map[string]int, len(m.sequences)),
		instances:   make(map[string]*entity.OperationInstance, len(m.instances)),
		order:       append([]string(nil), m.order...),
		records:     make(map[string]*entity.ItemRecord, len(m.records)),
		inspections: append([]entity.InspectionRecord(nil), m.inspections...),
	}
	for k, v := range m.sequences {
		out.sequences[k] = v
	}
	for k, v := range m.instances {
		out.instances[k] = cloneInstance(v)
	}
	for k, v := range m.records {
		out.records[k] = cloneRecord(v)
	}
	return out
}

func cloneInstance(in *entity.OperationInstance) *entity.OperationInstance {
	out := *in
	out.ActualStart = cloneTime(in.ActualStart)
	out.ActualEnd = cloneTime(in.ActualEnd)
	out.Codes = make([]entity.ScannedCode, len(in.Codes))
	for i, c := range in.Codes {
		out.Codes[i] = cloneCode(c)
	}
	out.Sessions = make([]entity.TimeSession, len(in.Sessions))
	for i, s := range in.Sessions {
		s.To = cloneTime(s.To)
		out.Sessions[i] = s
	}
	return &out
}

func cloneCode(c entity.ScannedCode) entity.ScannedCode {
	if c.QualityData != nil {
		c.QualityData = append([]byte(nil), c.QualityData...)
	}
	return c
}

func cloneRecord(in *entity.ItemRecord) *entity.ItemRecord {
	out := *in
	out.OperationStates = append([]entity.OperationState(nil), in.OperationStates...)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
