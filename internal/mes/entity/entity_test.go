package entity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusRejectsUnknown(t *testing.T) {
	_, err := ParseCodeStatus("Done")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "code_status", verr.Field)

	s, err := ParseCodeStatus("In Correction")
	require.NoError(t, err)
	assert.Equal(t, CodeStatusCorrection, s)

	_, err = ParseInstanceStatus("Paused")
	assert.Error(t, err)
	is, err := ParseInstanceStatus("Work In Progress")
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusWorking, is)

	_, err = ParseCommitState("submitted")
	assert.Error(t, err)
}

func TestStatusScanAndValue(t *testing.T) {
	var cs CodeStatus
	require.NoError(t, cs.Scan([]byte("In Progress")))
	assert.Equal(t, CodeStatusInProgress, cs)
	assert.Equal(t, "validation", Kind(cs.Scan("Done")))

	var is InstanceStatus
	require.NoError(t, is.Scan("On Hold"))
	assert.Equal(t, InstanceStatusOnHold, is)
	assert.Equal(t, "validation", Kind(is.Scan(nil)))
	assert.Equal(t, "validation", Kind(is.Scan(42)))

	var st CommitState
	require.NoError(t, st.Scan("committed"))
	assert.Equal(t, CommitStateCommitted, st)

	v, err := InstanceStatusWorking.Value()
	require.NoError(t, err)
	assert.Equal(t, "Work In Progress", v)
	_, err = CommitState("submitted").Value()
	assert.Equal(t, "validation", Kind(err))
	_, err = CodeStatus("").Value()
	assert.Equal(t, "validation", Kind(err))
}

func TestValidateAggregates(t *testing.T) {
	inst := &OperationInstance{
		Status:      InstanceStatusPending,
		CommitState: CommitStateDraft,
		Codes:       []ScannedCode{{Code: "C1", Status: CodeStatusPending}},
	}
	assert.NoError(t, inst.Validate())

	inst.Codes[0].Status = "Done"
	var verr *ValidationError
	require.ErrorAs(t, inst.Validate(), &verr)
	assert.Equal(t, "code_status", verr.Field)
	assert.Equal(t, "Done", verr.Value)

	inst.Codes[0].Status = CodeStatusPending
	inst.CommitState = "submitted"
	assert.Equal(t, "validation", Kind(inst.Validate()))

	rec := &ItemRecord{OperationStates: []OperationState{{Operation: "Cut", Status: CodeStatusCompleted}}}
	assert.NoError(t, rec.Validate())
	rec.OperationStates = append(rec.OperationStates, OperationState{Operation: "Weld", Status: "Finished"})
	assert.Equal(t, "validation", Kind(rec.Validate()))
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []CodeStatus
		want     CodeStatus
	}{
		{"empty", nil, CodeStatusPending},
		{"all completed", []CodeStatus{CodeStatusCompleted, CodeStatusCompleted}, CodeStatusCompleted},
		{"one pending", []CodeStatus{CodeStatusCompleted, CodeStatusPending}, CodeStatusPending},
		{"in progress", []CodeStatus{CodeStatusInProgress, CodeStatusCompleted}, CodeStatusInProgress},
		{"correction wins", []CodeStatus{CodeStatusInProgress, CodeStatusCorrection}, CodeStatusCorrection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes := make([]ScannedCode, len(tt.statuses))
			for i, s := range tt.statuses {
				codes[i] = ScannedCode{Status: s}
			}
			assert.Equal(t, tt.want, AggregateStatus(codes))
		})
	}
}

func TestUnitComplete(t *testing.T) {
	inst := &OperationInstance{Codes: []ScannedCode{
		{Code: "A", UnitID: "1", Status: CodeStatusCompleted},
		{Code: "B", UnitID: "1", Status: CodeStatusInProgress},
		{Code: "C", UnitID: "2", Status: CodeStatusCompleted},
	}}
	assert.False(t, inst.UnitComplete("1"))
	assert.True(t, inst.UnitComplete("2"))
	assert.False(t, inst.UnitComplete("3"))
	assert.Equal(t, "B", inst.CodeEntry("B", "1").Code)
	assert.Nil(t, inst.CodeEntry("B", "2"))
}

func TestUnfinishedSummary(t *testing.T) {
	err := &UnfinishedPrerequisitesError{Operations: []UnfinishedOperation{
		{Name: "Cut", Reason: ReasonMissing},
		{Name: "Weld", InstanceRef: "JC-1", Status: "Completed", Reason: ReasonNotCommitted},
		{Name: "Paint", InstanceRef: "JC-2", Status: "On Hold", Reason: ReasonNotCompleted},
	}}
	want := "Quality control cannot start - the following operations must be completed AND committed first:\n" +
		"• Cut: operation instance missing\n" +
		"• Weld: operation instance not committed (Status: Completed)\n" +
		"• Paint: operation not completed (Status: On Hold)"
	assert.Equal(t, want, err.Error())
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "not_found", Kind(fmt.Errorf("lookup: %w", &NotFoundError{Entity: "code", Key: "X"})))
	assert.Equal(t, "system", Kind(&SystemError{Op: "scan", Cause: &StorageContentionError{Op: "lock"}}))
	assert.Equal(t, "sequence_violation", Kind(&SequenceViolationError{Required: "Cut", Blocked: "Weld"}))
	assert.Equal(t, "internal", Kind(fmt.Errorf("boom")))
	assert.True(t, IsTransient(&ConflictError{Entity: "operation instance", ID: "1"}))
	assert.False(t, IsTransient(&SystemError{Op: "x", Cause: fmt.Errorf("y")}))
}

func TestQualityDataRoundTrip(t *testing.T) {
	q := &QualityData{
		Criteria:     []Criterion{{Name: "Gap", Passed: false}, {Name: "Finish", Passed: true}},
		OverallNotes: "gap too wide",
		Corrections:  &Corrections{RequiredOperations: []string{"Weld"}},
	}
	assert.Len(t, q.FailedCriteria(), 1)
	assert.Equal(t, "gap too wide", q.Remarks())
	assert.Contains(t, q.Summary(), "Quality check: FAILED")

	raw, err := q.JSON()
	require.NoError(t, err)
	back, err := DecodeQualityData(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"Weld"}, back.RequiredOperations())

	none, err := DecodeQualityData(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}
