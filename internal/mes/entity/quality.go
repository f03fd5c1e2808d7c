package entity

import (
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

// Criterion 单项检验标准
type Criterion struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Notes  string `json:"notes,omitempty"`
}

// Corrections 不合格时要求返工的工序
type Corrections struct {
	RequiredOperations []string `json:"required_operations"`
	Description        string   `json:"description,omitempty"`
}

// QualityData 质检结果载荷
type QualityData struct {
	Criteria     []Criterion  `json:"criteria"`
	OverallNotes string       `json:"overall_notes,omitempty"`
	Corrections  *Corrections `json:"corrections,omitempty"`
}

// FailedCriteria 返回未通过的检验项
func (q *QualityData) FailedCriteria() []Criterion {
	var out []Criterion
	for _, c := range q.Criteria {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

func (q *QualityData) RequiredOperations() []string {
	if q.Corrections == nil {
		return nil
	}
	return q.Corrections.RequiredOperations
}

// Remarks 返工说明，优先使用 corrections.description
func (q *QualityData) Remarks() string {
	if q.Corrections != nil && q.Corrections.Description != "" {
		return q.Corrections.Description
	}
	return q.OverallNotes
}

// Summary renders the inspection outcome as plain text.
func (q *QualityData) Summary() string {
	var b strings.Builder
	if len(q.FailedCriteria()) == 0 {
		b.WriteString("Quality check: PASSED\n")
	} else {
		b.WriteString("Quality check: FAILED\n")
	}
	b.WriteString("Criteria:\n")
	for _, c := range q.Criteria {
		mark := "passed"
		if !c.Passed {
			mark = "failed"
		}
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, mark)
	}
	if q.OverallNotes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", q.OverallNotes)
	}
	if ops := q.RequiredOperations(); len(ops) > 0 {
		fmt.Fprintf(&b, "Required corrections: %s\n", strings.Join(ops, ", "))
	}
	return b.String()
}

func (q *QualityData) JSON() (datatypes.JSON, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal quality data: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// DecodeQualityData 解析条目上保存的质检数据，空值返回 nil
func DecodeQualityData(raw datatypes.JSON) (*QualityData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var q QualityData
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("decode quality data: %w", err)
	}
	return &q, nil
}
