package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.AddSequence("WO-1", "Cut", 1)
	s.AddSequence("WO-1", "Weld", 2)
	require.NoError(t, s.Seed([]*entity.OperationInstance{
		{ID: "JC-CUT", WorkOrderID: "WO-1", Operation: "Cut", SequenceIndex: 1, Status: entity.InstanceStatusPending, CommitState: entity.CommitStateDraft, TargetQty: 1,
			Codes: []entity.ScannedCode{{ID: "c1", OperationInstanceID: "JC-CUT", ItemRecordID: "R1", Code: "B1", UnitID: "1", Status: entity.CodeStatusPending}}},
		{ID: "JC-WELD", WorkOrderID: "WO-1", Operation: "Weld", SequenceIndex: 2, Status: entity.InstanceStatusPending, CommitState: entity.CommitStateDraft, TargetQty: 1,
			Codes: []entity.ScannedCode{{ID: "c2", OperationInstanceID: "JC-WELD", ItemRecordID: "R1", Code: "B1", UnitID: "1", Status: entity.CodeStatusPending}}},
	}, []*entity.ItemRecord{{ID: "R1", OrderNo: "SO-1", Position: "10"}}))
	return s
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance("JC-CUT")
		require.NoError(t, err)
		inst.Status = entity.InstanceStatusWorking
		require.NoError(t, tx.SaveInstance(inst))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance("JC-CUT")
		require.NoError(t, err)
		assert.Equal(t, entity.InstanceStatusPending, inst.Status)
		assert.Equal(t, 0, inst.Version)
		return nil
	}))
}

func TestMemoryStoreClonesOnRead(t *testing.T) {
	s := seedStore(t)
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		a, _ := tx.GetInstance("JC-CUT")
		a.Codes[0].Status = entity.CodeStatusCompleted
		b, _ := tx.GetInstance("JC-CUT")
		assert.Equal(t, entity.CodeStatusPending, b.Codes[0].Status)
		return nil
	}))
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	s := seedStore(t)
	err := s.InTx(context.Background(), func(tx Tx) error {
		first, _ := tx.GetInstance("JC-CUT")
		stale, _ := tx.GetInstance("JC-CUT")
		require.NoError(t, tx.SaveInstance(first))
		assert.Equal(t, 1, first.Version)
		return tx.SaveInstance(stale)
	})
	var conflict *entity.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "JC-CUT", conflict.ID)
}

func TestMemoryStoreRejectsUnknownStatus(t *testing.T) {
	s := NewMemoryStore()
	err := s.Seed([]*entity.OperationInstance{{
		ID: "JC-WELD", WorkOrderID: "WO-1", Operation: "Weld", Status: entity.InstanceStatusPending, CommitState: entity.CommitStateDraft, TargetQty: 1,
		Codes: []entity.ScannedCode{{ID: "c2", OperationInstanceID: "JC-WELD", ItemRecordID: "R1", Code: "B1", UnitID: "1", Status: "Done"}},
	}}, nil)
	assert.Equal(t, "validation", entity.Kind(err))

	// 非法数据不会部分写入
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		entries, err := tx.FindCodeEntries("B1", "Weld")
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))

	s = seedStore(t)
	tests := []struct {
		name   string
		mutate func(tx Tx) error
	}{
		{"save instance status", func(tx Tx) error {
			inst, _ := tx.GetInstance("JC-CUT")
			inst.Status = "Paused"
			return tx.SaveInstance(inst)
		}},
		{"save code status", func(tx Tx) error {
			inst, _ := tx.GetInstance("JC-CUT")
			inst.Codes[0].Status = "Done"
			return tx.SaveInstance(inst)
		}},
		{"create commit state", func(tx Tx) error {
			return tx.CreateInstance(&entity.OperationInstance{ID: "JC-NEW", WorkOrderID: "WO-1", Operation: "Paint",
				Status: entity.InstanceStatusPending, CommitState: "submitted"})
		}},
		{"save operation state", func(tx Tx) error {
			rec, _ := tx.GetItemRecord("R1")
			rec.OperationStates = append(rec.OperationStates, entity.OperationState{ID: "OS-X", ItemRecordID: "R1", Operation: "Cut", Status: "Finished"})
			return tx.SaveItemRecord(rec)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.InTx(context.Background(), tt.mutate)
			assert.Equal(t, "validation", entity.Kind(err))
		})
	}

	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		inst, err := tx.GetInstance("JC-CUT")
		require.NoError(t, err)
		assert.Equal(t, entity.InstanceStatusPending, inst.Status)
		assert.Equal(t, 0, inst.Version)
		_, err = tx.GetInstance("JC-NEW")
		assert.Equal(t, "not_found", entity.Kind(err))
		return nil
	}))
}

func TestSubmitChecksSequence(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		weld, _ := tx.GetInstance("JC-WELD")
		return tx.Submit(weld)
	})
	var seq *entity.SequenceViolationError
	require.ErrorAs(t, err, &seq)
	assert.Equal(t, "Cut", seq.Required)
	assert.Equal(t, "Weld", seq.Blocked)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		cut, _ := tx.GetInstance("JC-CUT")
		if err := tx.Submit(cut); err != nil {
			return err
		}
		weld, _ := tx.GetInstance("JC-WELD")
		return tx.Submit(weld)
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		weld, _ := tx.GetInstance("JC-WELD")
		assert.True(t, weld.IsCommitted())
		return nil
	}))
}

func TestCorrectiveInstancesDoNotBlockSequence(t *testing.T) {
	inst := &entity.OperationInstance{WorkOrderID: "WO", Operation: "Paint", SequenceIndex: 3}
	siblings := []entity.OperationInstance{
		{Operation: "Weld", SequenceIndex: 2, IsCorrective: true, CommitState: entity.CommitStateDraft},
		{Operation: "Cut", SequenceIndex: 1, CommitState: entity.CommitStateCancelled},
		{Operation: "Pack", SequenceIndex: 4, CommitState: entity.CommitStateDraft},
	}
	assert.NoError(t, checkSequence(inst, siblings))
}

func TestFindCodeEntriesAndSequenceIndex(t *testing.T) {
	s := seedStore(t)
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		entries, err := tx.FindCodeEntries("B1", "Weld")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "JC-WELD", entries[0].OperationInstanceID)

		idx, ok, err := tx.SequenceIndex("WO-1", "Weld")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, idx)

		_, ok, _ = tx.SequenceIndex("WO-1", "Paint")
		assert.False(t, ok)

		_, err = tx.GetInstance("nope")
		var nf *entity.NotFoundError
		assert.ErrorAs(t, err, &nf)
		return nil
	}))
}

func TestWithRetryRecoversFromContention(t *testing.T) {
	calls := 0
	var retried []int
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, OnRetry: func(attempt int, err error) {
		retried = append(retried, attempt)
	}}
	err := WithRetry(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &entity.StorageContentionError{Op: "lock"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestWithRetryEscalatesToSystemError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return &entity.ConflictError{Entity: "operation instance", ID: "x"}
	})
	var sys *entity.SystemError
	require.ErrorAs(t, err, &sys)
	assert.Equal(t, 3, calls)
	var conflict *entity.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestWithRetryDoesNotRetryStructuralErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) error {
		calls++
		return &entity.NotFoundError{Entity: "code", Key: "X"}
	})
	var nf *entity.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 1, calls)
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, RetryPolicy{Attempts: 3, BaseDelay: time.Hour}, func(ctx context.Context) error {
		return &entity.StorageContentionError{Op: "lock"}
	})
	var sys *entity.SystemError
	require.ErrorAs(t, err, &sys)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	lock := classify("save", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "55P03", Message: "lock timeout"}))
	var contention *entity.StorageContentionError
	assert.ErrorAs(t, lock, &contention)

	deadlock := classify("save", &pgconn.PgError{Code: "40P01"})
	assert.ErrorAs(t, deadlock, &contention)

	unique := &pgconn.PgError{Code: "23505"}
	assert.Same(t, error(unique), classify("save", unique))

	typed := &entity.SequenceViolationError{Required: "Cut", Blocked: "Weld"}
	assert.Same(t, error(typed), classify("submit", typed))
	assert.Nil(t, classify("noop", nil))
}
