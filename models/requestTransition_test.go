package models

import (
	"errors"
	"fmt"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestLookupTransition(t *testing.T) {
	cases := []struct {
		from  RequestStatus
		event RequestEvent
		to    RequestStatus
		cap   Capability
	}{
		{RequestStatusDraft, RequestEventSubmit, RequestStatusSubmitted, CapabilityCreate},
		{RequestStatusSubmitted, RequestEventVerify, RequestStatusVerified, CapabilityVerify},
		{RequestStatusSubmitted, RequestEventReject, RequestStatusRejected, CapabilityVerify},
		{RequestStatusVerified, RequestEventFinalize, RequestStatusFinal, CapabilityApprove},
		{RequestStatusVerified, RequestEventReject, RequestStatusRejected, CapabilityApprove},
		{RequestStatusRejected, RequestEventReopen, RequestStatusDraft, CapabilityCreate},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%s", tc.from, tc.event), func(t *testing.T) {
			tr, err := LookupTransition(tc.from, tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.to, tr.To)
			assert.Equal(t, tc.cap, tr.Capability)
			assert.Equal(t, tc.event == RequestEventReject, tr.RequiresReason)
		})
	}

	finalize, _ := LookupTransition(RequestStatusVerified, RequestEventFinalize)
	assert.True(t, finalize.BudgetGuard)
	assert.True(t, finalize.AttachmentGuard)
}

func TestLookupTransition_FinalIsTerminal(t *testing.T) {
	for _, ev := range []RequestEvent{RequestEventSubmit, RequestEventVerify, RequestEventFinalize, RequestEventReject, RequestEventReopen} {
		_, err := LookupTransition(RequestStatusFinal, ev)
		require.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Empty(t, AvailableEvents(RequestStatusFinal))
	assert.Equal(t, []RequestEvent{RequestEventVerify, RequestEventReject}, AvailableEvents(RequestStatusSubmitted))
}

func TestParsers(t *testing.T) {
	k, err := ParseRequestKind(" ls ")
	require.NoError(t, err)
	assert.Equal(t, RequestKindLS, k)
	_, err = ParseRequestKind("XX")
	require.Error(t, err)

	ev, err := ParseRequestEvent("Finalize")
	require.NoError(t, err)
	assert.Equal(t, RequestEventFinalize, ev)
	_, err = ParseRequestEvent("approve")
	require.Error(t, err)

	assert.Equal(t, []Capability{CapabilityCreate, CapabilityVerify}, ParseCapabilities("create; VERIFY;;bogus"))
	assert.True(t, (&Role{Capabilities: "disburse"}).Has(CapabilityDisburse))
	assert.False(t, (*Role)(nil).Has(CapabilityDisburse))
}

func TestNewAccount_MapInput(t *testing.T) {
	acc, err := NewAccount{Code: " 5.1.02.01 ", FiscalYear: 2025, Allocation: decimal.NewFromInt(100)}.MapInput(3)
	require.NoError(t, err)
	assert.Equal(t, "5.1.02.01", acc.Code)
	assert.Equal(t, 3, acc.OrganizationId)
	assert.True(t, acc.Remaining.Equal(acc.Allocation))
	require.NoError(t, acc.CheckConservation())

	_, err = NewAccount{Code: "5.a", Allocation: decimal.NewFromInt(1)}.MapInput(3)
	require.Error(t, err)
	_, err = NewAccount{Code: "5.1", Allocation: decimal.NewFromInt(-1)}.MapInput(3)
	require.Error(t, err)
	_, err = NewAccount{Code: "5.1", Allocation: decimal.RequireFromString("1.5")}.MapInput(3)
	require.Error(t, err)
}

func TestCheckConservation(t *testing.T) {
	acc := &Account{Allocation: decimal.NewFromInt(100), Realized: decimal.NewFromInt(30), Remaining: decimal.NewFromInt(60)}
	require.Error(t, acc.CheckConservation())
	acc.Remaining = decimal.NewFromInt(70)
	require.NoError(t, acc.CheckConservation())
}

func TestRequestHelpers(t *testing.T) {
	r := &Request{LineItems: []*LineItem{
		{ID: 1, AccountId: 9, Amount: decimal.NewFromInt(10)},
		{ID: 2, AccountId: 4, Amount: decimal.NewFromInt(5)},
		{ID: 3, AccountId: 9, Amount: decimal.NewFromInt(1)},
	}}
	assert.True(t, r.Total().Equal(decimal.NewFromInt(16)))
	assert.Equal(t, []int{4, 9}, r.AccountIds())

	_, err := NewLineItem{AccountId: 1, Amount: decimal.Zero}.MapInput(1)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = NewRequest{Kind: "LS", FiscalYear: 2025}.MapInput(1, 1)
	require.ErrorIs(t, err, ErrInvalidInput)

	d := &Disbursement{Realizations: []*Realization{
		{Amount: decimal.NewFromInt(7)},
		{Amount: decimal.NewFromInt(3)},
	}}
	assert.True(t, d.Total().Equal(decimal.NewFromInt(10)))
	assert.True(t, (&Request{}).Total().IsZero())
	assert.True(t, SumDecimals().IsZero())
}

func TestValidateAmount(t *testing.T) {
	require.NoError(t, ValidateAmount(decimal.NewFromInt(1)))
	require.NoError(t, ValidateAmount(MaxAmount))
	assert.ErrorIs(t, ValidateAmount(MaxAmount.Add(decimal.NewFromInt(1))), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.RequireFromString("1.5")), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.NewFromInt(-1)), ErrInvalidAmount)

	_, err := ParseRequestKind("XX")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewAccount{Code: "5.x", FiscalYear: 2025}.MapInput(1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClassifyDBError(t *testing.T) {
	assert.ErrorIs(t, classifyDBError(gorm.ErrRecordNotFound), ErrRecordNotFound)
	assert.ErrorIs(t, classifyDBError(&mysqlDriver.MySQLError{Number: 1062, Message: "dup"}), ErrDuplicate)
	assert.ErrorIs(t, classifyDBError(&mysqlDriver.MySQLError{Number: 1213, Message: "deadlock"}), ErrConcurrentModification)
	assert.ErrorIs(t, classifyDBError(&mysqlDriver.MySQLError{Number: 3819, Message: "check"}), ErrInsufficientBudget)
	other := errors.New("other")
	assert.Equal(t, other, classifyDBError(other))
	assert.Nil(t, classifyDBError(nil))

	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrConcurrentModification)))
	assert.False(t, IsRetryable(ErrInsufficientBudget))
	assert.ErrorIs(t, &BudgetExceededError{}, ErrBudgetExceeded)
}
