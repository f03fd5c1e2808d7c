package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedGorm(t *testing.T) (*gorm.DB, *repository.GormStore) {
	t.Helper()
	db := testutil.SetupTestDB(t)

	require.NoError(t, db.Create(&[]entity.WorkOrderOperation{
		{ID: "WOO-1", WorkOrderID: "WO-1", Operation: "Cut", SequenceIndex: 1},
		{ID: "WOO-2", WorkOrderID: "WO-1", Operation: "Weld", SequenceIndex: 2},
	}).Error)
	for _, op := range []struct {
		id, name string
		seq      int
	}{{"JC-CUT", "Cut", 1}, {"JC-WELD", "Weld", 2}} {
		require.NoError(t, db.Create(&entity.OperationInstance{
			ID: op.id, WorkOrderID: "WO-1", Operation: op.name, SequenceIndex: op.seq,
			Status: entity.InstanceStatusPending, CommitState: entity.CommitStateDraft, TargetQty: 1,
			Codes: []entity.ScannedCode{{
				ID: "SC-" + op.id, OperationInstanceID: op.id, ItemRecordID: "R1",
				Code: "B1", OrderNo: "SO-1", Position: "10", UnitID: "1", Status: entity.CodeStatusPending,
			}},
		}).Error)
	}
	require.NoError(t, db.Create(&entity.ItemRecord{ID: "R1", OrderNo: "SO-1", Position: "10",
		OperationStates: []entity.OperationState{
			{ID: "OS-1", ItemRecordID: "R1", Idx: 0, Operation: "Cut", InstanceID: "JC-CUT", Status: entity.CodeStatusPending},
			{ID: "OS-2", ItemRecordID: "R1", Idx: 1, Operation: "Weld", InstanceID: "JC-WELD", Status: entity.CodeStatusPending},
		}}).Error)

	return db, repository.NewGormStore(db, time.Second)
}

func TestGormStore_LoadAndLookup(t *testing.T) {
	_, store := seedGorm(t)
	require.NoError(t, store.InTx(context.Background(), func(tx repository.Tx) error {
		entries, err := tx.FindCodeEntries("B1", "Weld")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "JC-WELD", entries[0].OperationInstanceID)

		idx, ok, err := tx.SequenceIndex("WO-1", "Weld")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, idx)

		inst, err := tx.GetInstance("JC-CUT")
		require.NoError(t, err)
		assert.Len(t, inst.Codes, 1)

		rec, err := tx.GetItemRecord("R1")
		require.NoError(t, err)
		require.Len(t, rec.OperationStates, 2)
		assert.Equal(t, "Cut", rec.OperationStates[0].Operation)

		_, err = tx.GetInstance("missing")
		var nf *entity.NotFoundError
		assert.ErrorAs(t, err, &nf)
		return nil
	}))
}

func TestGormStore_SaveBumpsVersionAndDetectsConflict(t *testing.T) {
	_, store := seedGorm(t)
	ctx := context.Background()

	var stale *entity.OperationInstance
	require.NoError(t, store.InTx(ctx, func(tx repository.Tx) error {
		inst, err := tx.GetInstance("JC-CUT")
		if err != nil {
			return err
		}
		copyInst := *inst
		stale = &copyInst
		inst.Status = entity.InstanceStatusWorking
		inst.Codes[0].Status = entity.CodeStatusInProgress
		inst.Sessions = append(inst.Sessions, entity.TimeSession{
			ID: "TS-1", OperationInstanceID: inst.ID, Idx: 0, Employee: "emp-1", From: time.Now(),
		})
		return tx.SaveInstance(inst)
	}))

	err := store.InTx(ctx, func(tx repository.Tx) error {
		return tx.SaveInstance(stale)
	})
	var conflict *entity.ConflictError
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, store.InTx(ctx, func(tx repository.Tx) error {
		inst, err := tx.GetInstance("JC-CUT")
		require.NoError(t, err)
		assert.Equal(t, 1, inst.Version)
		assert.Equal(t, entity.InstanceStatusWorking, inst.Status)
		assert.Equal(t, entity.CodeStatusInProgress, inst.Codes[0].Status)
		require.Len(t, inst.Sessions, 1)
		assert.NotNil(t, inst.OpenSession())
		return nil
	}))
}

func TestGormStore_SubmitChecksSequence(t *testing.T) {
	_, store := seedGorm(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx repository.Tx) error {
		weld, err := tx.GetInstance("JC-WELD")
		if err != nil {
			return err
		}
		return tx.Submit(weld)
	})
	var seq *entity.SequenceViolationError
	require.ErrorAs(t, err, &seq)
	assert.Equal(t, "Cut", seq.Required)

	require.NoError(t, store.InTx(ctx, func(tx repository.Tx) error {
		for _, id := range []string{"JC-CUT", "JC-WELD"} {
			inst, err := tx.GetInstance(id)
			if err != nil {
				return err
			}
			if err := tx.Submit(inst); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestGormStore_RollsBackOnError(t *testing.T) {
	_, store := seedGorm(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx repository.Tx) error {
		rec, err := tx.GetItemRecord("R1")
		if err != nil {
			return err
		}
		rec.OperationStates[0].Status = entity.CodeStatusCompleted
		if err := tx.SaveItemRecord(rec); err != nil {
			return err
		}
		return tx.RecordInspection(&entity.InspectionRecord{ID: "QI-1", QualityInstanceID: "JC-Q"})
	})
	require.NoError(t, err)

	err = store.InTx(ctx, func(tx repository.Tx) error {
		rec, _ := tx.GetItemRecord("R1")
		rec.OperationStates[1].Status = entity.CodeStatusCompleted
		if err := tx.SaveItemRecord(rec); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, store.InTx(ctx, func(tx repository.Tx) error {
		rec, err := tx.GetItemRecord("R1")
		require.NoError(t, err)
		assert.Equal(t, entity.CodeStatusCompleted, rec.OperationStates[0].Status)
		assert.Equal(t, entity.CodeStatusPending, rec.OperationStates[1].Status)
		return nil
	}))
}

func TestGormStore_UnknownStatusFailsOnLoad(t *testing.T) {
	db, store := seedGorm(t)
	require.NoError(t, db.Exec("UPDATE mes_scanned_codes SET status = 'Done' WHERE id = ?", "SC-JC-WELD").Error)
	require.NoError(t, db.Exec("UPDATE mes_operation_instances SET commit_state = 'submitted' WHERE id = ?", "JC-CUT").Error)

	tests := []struct {
		name string
		load func(tx repository.Tx) error
	}{
		{"find code entries", func(tx repository.Tx) error {
			_, err := tx.FindCodeEntries("B1", "Weld")
			return err
		}},
		{"get instance with bad code", func(tx repository.Tx) error {
			_, err := tx.GetInstance("JC-WELD")
			return err
		}},
		{"get instance with bad commit state", func(tx repository.Tx) error {
			_, err := tx.GetInstance("JC-CUT")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.InTx(context.Background(), tt.load)
			assert.Equal(t, "validation", entity.Kind(err))
		})
	}

	// 非法状态的条码扫码直接拒绝，不会按 Pending 开工
	svc := service.NewServices(service.Dependencies{Store: store}, service.Options{
		Retry: repository.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond},
	})
	res, err := svc.Scan.Transition(context.Background(), service.ScanRequest{Code: "B1", Operation: "Weld", Employee: "emp-1"})
	assert.Nil(t, res)
	assert.Equal(t, "validation", entity.Kind(err))
}
