package testutil

import (
	"sync"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
)

// Clock 可控时钟，每次 Now 前进 Step
type Clock struct {
	mu   sync.Mutex
	t    time.Time
	Step time.Duration
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC), Step: time.Minute}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.Step)
	return now
}

type unitCode struct {
	unitID, code, model string
}

// Plant 一个工单对应一个订单位置的测试数据
type Plant struct {
	Store     *repository.MemoryStore
	WorkOrder string
	Record    *entity.ItemRecord

	codes     []unitCode
	units     []string
	instances []*entity.OperationInstance
}

func NewPlant(workOrder, orderNo, position string) *Plant {
	return &Plant{
		Store:     repository.NewMemoryStore(),
		WorkOrder: workOrder,
		Record:    &entity.ItemRecord{ID: "IR-" + orderNo + "-" + position, OrderNo: orderNo, Position: position},
	}
}

// Unit 登记生产单元的条码，同一单元可多次调用以登记不同型材系列
func (p *Plant) Unit(unitID, model string, codes ...string) *Plant {
	seen := false
	for _, u := range p.units {
		seen = seen || u == unitID
	}
	if !seen {
		p.units = append(p.units, unitID)
	}
	for _, c := range codes {
		p.codes = append(p.codes, unitCode{unitID: unitID, code: c, model: model})
	}
	return p
}

// Operation 为全部已登记单元创建工序实例，目标数量为单元数，并追加到前置链
func (p *Plant) Operation(name string, seq int) *entity.OperationInstance {
	inst := &entity.OperationInstance{
		ID:             "OI-" + name,
		WorkOrderID:    p.WorkOrder,
		ProductionItem: p.Record.OrderNo + "/" + p.Record.Position,
		Operation:      name,
		SequenceIndex:  seq,
		Status:         entity.InstanceStatusPending,
		CommitState:    entity.CommitStateDraft,
		TargetQty:      len(p.units),
		CreatedAt:      time.Date(2024, 5, 6, 7, 0, len(p.instances), 0, time.UTC),
	}
	for _, c := range p.codes {
		inst.Codes = append(inst.Codes, entity.ScannedCode{
			ID:                  inst.ID + "-" + c.unitID + "-" + c.code,
			OperationInstanceID: inst.ID,
			ItemRecordID:        p.Record.ID,
			Code:                c.code,
			Model:               c.model,
			OrderNo:             p.Record.OrderNo,
			Position:            p.Record.Position,
			UnitID:              c.unitID,
			Status:              entity.CodeStatusPending,
		})
	}
	p.Record.OperationStates = append(p.Record.OperationStates, entity.OperationState{
		ID:           "OS-" + name,
		ItemRecordID: p.Record.ID,
		Idx:          len(p.Record.OperationStates) + 1,
		Operation:    name,
		InstanceID:   inst.ID,
		Status:       entity.CodeStatusPending,
	})
	p.instances = append(p.instances, inst)
	p.Store.AddSequence(p.WorkOrder, name, seq)
	return inst
}

// Complete 将实例直接置为完成（含条目与工时），committed 为 true 时同时提交
func Complete(inst *entity.OperationInstance, committed bool) {
	for k := range inst.Codes {
		inst.Codes[k].Status = entity.CodeStatusCompleted
	}
	inst.Status = entity.InstanceStatusCompleted
	inst.CompletedQty = inst.TargetQty
	from := time.Date(2024, 5, 6, 7, 30, 0, 0, time.UTC)
	to := from.Add(10 * time.Minute)
	inst.Sessions = []entity.TimeSession{{
		ID:                  inst.ID + "-S1",
		OperationInstanceID: inst.ID,
		Idx:                 1,
		From:                from,
		To:                  &to,
		Employee:            "seed",
		CompletedQty:        inst.TargetQty,
		Minutes:             10,
	}}
	if committed {
		inst.CommitState = entity.CommitStateCommitted
	}
}

// Seed 写入存储；状态在 Seed 之前设置，状态非法时 panic
func (p *Plant) Seed() *Plant {
	for _, inst := range p.instances {
		status := entity.CodeStatusPending
		if len(inst.Codes) > 0 {
			status = entity.AggregateStatus(inst.Codes)
		}
		for k := range p.Record.OperationStates {
			if p.Record.OperationStates[k].InstanceID == inst.ID {
				p.Record.OperationStates[k].Status = status
			}
		}
	}
	if err := p.Store.Seed(p.instances, []*entity.ItemRecord{p.Record}); err != nil {
		panic("testutil: " + err.Error())
	}
	return p
}
