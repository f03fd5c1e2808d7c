package event

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"go.uber.org/zap"
)

const TypeUnitStatus = "unit_status"

// Event 一次状态流转的通知
type Event struct {
	Type       string    `json:"type"`
	Code       string    `json:"code"`
	UnitID     string    `json:"unit_id"`
	Operation  string    `json:"operation"`
	InstanceID string    `json:"instance_id"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// Key 同一生产单元的事件落在同一分区
func (e Event) Key() string {
	return e.UnitID
}

// Publisher 发布流转事件。发布失败不影响已提交的流转。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout 依次发布到多个 Publisher，汇总全部错误
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HubPublisher 推送到看板 SSE
type HubPublisher struct {
	hub    *sse.Hub
	logger *zap.Logger
}

func NewHubPublisher(hub *sse.Hub, logger *zap.Logger) *HubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubPublisher{hub: hub, logger: logger}
}

func (p *HubPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.hub.Broadcast(ev.Operation, sse.Event{EventType: ev.Type, Data: string(data)})
	p.logger.Debug("published unit status",
		zap.String("code", ev.Code),
		zap.String("operation", ev.Operation),
		zap.String("status", ev.Status))
	return nil
}

// ParseBrokers 解析逗号分隔的 broker 列表
func ParseBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
