package entity

// ResultStatus 扫码结果状态
type ResultStatus string

const (
	ResultInProgress ResultStatus = "in_progress"
	ResultCompleted  ResultStatus = "completed"
	ResultOnHold     ResultStatus = "on_hold"
	ResultError      ResultStatus = "error"
)

// CompletedOperation 自动补完的前置工序
type CompletedOperation struct {
	InstanceRef    string   `json:"instance_ref"`
	Operation      string   `json:"operation"`
	CompletedCodes []string `json:"completed_codes"`
}

// BatchEntry 批处理中未能补完的条目
type BatchEntry struct {
	Operation   string `json:"operation"`
	InstanceRef string `json:"instance_ref"`
	Error       string `json:"error,omitempty"`
}

// Result 状态流转结果
type Result struct {
	Status     ResultStatus `json:"status"`
	Message    string       `json:"message"`
	Operation  string       `json:"operation,omitempty"`
	InstanceID string       `json:"instance_id,omitempty"`
	UnitID     string       `json:"unit_id,omitempty"`
	Committed  bool         `json:"committed"`

	InProgressCodes     []string     `json:"in_progress_codes,omitempty"`
	CompletedCodes      []string     `json:"completed_codes,omitempty"`
	CorrectionInstances []string     `json:"correction_instances,omitempty"`
	QualityData         *QualityData `json:"quality_data,omitempty"`

	UnfinishedOperations        []UnfinishedOperation `json:"unfinished_operations,omitempty"`
	CompletedPreviousOperations []CompletedOperation  `json:"completed_previous_operations,omitempty"`
	FailedOnRetry               []BatchEntry          `json:"failed_on_retry,omitempty"`
	SkippedAlreadyCommitted     []BatchEntry          `json:"skipped_already_committed,omitempty"`
	SkippedMissing              []BatchEntry          `json:"skipped_missing,omitempty"`
	Failed                      []BatchEntry          `json:"failed,omitempty"`

	// 事务提交后归档，不对外输出
	Inspection *InspectionRecord `json:"-"`
}
