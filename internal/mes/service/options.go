package service

import (
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
)

// Options 追踪引擎参数
type Options struct {
	QualityOperation  string
	ShipmentOperation string
	// 这些工序按 型材系列+生产单元 分组，其余只按生产单元分组
	ModelGroupedOperations []string
	Retry                  repository.RetryPolicy
	Now                    func() time.Time
}

func DefaultOptions() Options {
	return Options{
		QualityOperation:  "Quality",
		ShipmentOperation: "Shipment",
		Retry:             repository.DefaultRetryPolicy(),
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QualityOperation == "" {
		o.QualityOperation = d.QualityOperation
	}
	if o.ShipmentOperation == "" {
		o.ShipmentOperation = d.ShipmentOperation
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = d.Retry.Attempts
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

func (o Options) isQuality(operation string) bool {
	return operation == o.QualityOperation
}

// excludedFromPrerequisites 质检与发货工序不计入前置链
func (o Options) excludedFromPrerequisites(operation string) bool {
	return operation == o.QualityOperation || operation == o.ShipmentOperation
}

func (o Options) modelGrouped(operation string) bool {
	for _, op := range o.ModelGroupedOperations {
		if op == operation {
			return true
		}
	}
	return false
}

// ScanRequest 扫码请求
type ScanRequest struct {
	Code          string              `json:"code"`
	Employee      string              `json:"employee"`
	Operation     string              `json:"operation"`
	QualityData   *entity.QualityData `json:"quality_data,omitempty"`
	OrderNo       string              `json:"order_no,omitempty"`
	Position      string              `json:"position,omitempty"`
	UnitID        string              `json:"unit_id,omitempty"`
	ItemRecordRef string              `json:"item_record_ref,omitempty"`
}

func (r ScanRequest) Validate() error {
	switch {
	case r.Code == "":
		return &entity.MissingDataError{Field: "code"}
	case r.Operation == "":
		return &entity.MissingDataError{Field: "operation"}
	case r.Employee == "":
		return &entity.MissingDataError{Field: "employee"}
	}
	return nil
}
