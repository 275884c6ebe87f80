package memstore

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T, s *Store, allocation int64) *models.Account {
	t.Helper()
	acc := &models.Account{OrganizationId: 1, FiscalYear: 2025, Code: "5.1", Allocation: decimal.NewFromInt(allocation), Remaining: decimal.NewFromInt(allocation)}
	require.NoError(t, s.InTx(context.Background(), func(tx models.StoreTx) error { return tx.CreateAccount(acc) }))
	return acc
}

func TestInTx_FailedUnitLeavesNoTrace(t *testing.T) {
	s := New()
	acc := newAccount(t, s, 100)

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(tx models.StoreTx) error {
		if _, err := tx.IncrementRealized(acc.ID, decimal.NewFromInt(40)); err != nil {
			return err
		}
		if err := tx.CreateRealization(&models.Realization{AccountId: acc.ID, Amount: decimal.NewFromInt(40)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(context.Background(), func(tx models.StoreTx) error {
		got, err := tx.GetAccount(acc.ID)
		require.NoError(t, err)
		assert.True(t, got.Remaining.Equal(decimal.NewFromInt(100)))
		rs, err := tx.ListRealizations(acc.ID)
		require.NoError(t, err)
		assert.Empty(t, rs)
		return nil
	}))
}

func TestIncrementRealized_IsConditional(t *testing.T) {
	s := New()
	acc := newAccount(t, s, 10)
	err := s.InTx(context.Background(), func(tx models.StoreTx) error {
		_, err := tx.IncrementRealized(acc.ID, decimal.NewFromInt(11))
		return err
	})
	var insufficient *models.InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(10)))
}

func TestInTx_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.InTx(ctx, func(models.StoreTx) error { called = true; return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestUpdateRequestStatus_ComparesFrom(t *testing.T) {
	s := New()
	req := &models.Request{OrganizationId: 1, FiscalYear: 2025, DocumentNumber: "NPD-1", Kind: models.RequestKindLS, Status: models.RequestStatusDraft}
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx models.StoreTx) error { return tx.CreateRequest(req) }))

	change := models.RequestStatusChange{To: models.RequestStatusSubmitted, ActorId: 1}
	require.NoError(t, s.InTx(ctx, func(tx models.StoreTx) error {
		return tx.UpdateRequestStatus(req.ID, models.RequestStatusDraft, change)
	}))
	err := s.InTx(ctx, func(tx models.StoreTx) error {
		return tx.UpdateRequestStatus(req.ID, models.RequestStatusDraft, change)
	})
	require.ErrorIs(t, err, models.ErrConcurrentModification)

	err = s.InTx(ctx, func(tx models.StoreTx) error {
		return tx.CreateRequest(&models.Request{OrganizationId: 1, FiscalYear: 2025, DocumentNumber: "NPD-1", Kind: models.RequestKindLS})
	})
	require.ErrorIs(t, err, models.ErrDuplicate)
}

func TestDisbursementRealizationsAreLinked(t *testing.T) {
	s := New()
	acc := newAccount(t, s, 100)
	key := "k1"
	var id int
	require.NoError(t, s.InTx(context.Background(), func(tx models.StoreTx) error {
		d := &models.Disbursement{OrganizationId: 1, DisbursementNumber: "SP2D-1", RequestId: 9, CashAmount: decimal.NewFromInt(5), IdempotencyKey: &key}
		if err := tx.CreateDisbursement(d); err != nil {
			return err
		}
		id = d.ID
		return tx.CreateRealization(&models.Realization{DisbursementId: &d.ID, AccountId: acc.ID, Amount: decimal.NewFromInt(5)})
	}))

	require.NoError(t, s.InTx(context.Background(), func(tx models.StoreTx) error {
		d, err := tx.FindDisbursementByIdempotencyKey(1, key)
		require.NoError(t, err)
		assert.Equal(t, id, d.ID)
		require.Len(t, d.Realizations, 1)

		_, err = tx.FindDisbursementByIdempotencyKey(2, key)
		assert.ErrorIs(t, err, models.ErrRecordNotFound)

		sum, err := tx.SumRealizations(acc.ID)
		require.NoError(t, err)
		assert.True(t, sum.Equal(decimal.NewFromInt(5)))
		return nil
	}))
}
