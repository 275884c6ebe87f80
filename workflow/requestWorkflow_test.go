package workflow

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestWorkflow_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "5.1.01", 100)
	f.sink.clear()

	req := f.final(t, "NPD-001", line{a, 60})
	assert.Equal(t, models.RequestStatusFinal, req.Status)
	assert.NotNil(t, req.SubmittedAt)
	assert.NotNil(t, req.VerifiedAt)
	assert.NotNil(t, req.FinalizedAt)

	assert.Equal(t, []string{
		models.AuditActionRequestCreated,
		models.AuditActionLineItemAdded,
		string(models.RequestEventSubmit),
		string(models.RequestEventVerify),
		string(models.RequestEventFinalize),
	}, f.sink.actions())

	ev := f.sink.last()
	assert.Equal(t, models.RequestStatusVerified, ev.Data["previous_status"])
	assert.Equal(t, models.RequestStatusFinal, ev.Data["new_status"])
	assert.Equal(t, approver.Id, ev.Data["actor_id"])
	assert.Equal(t, approver.Id, ev.ActorId)

	// finalize never touches the ledger
	assert.True(t, f.reload(t, a.ID).Remaining.Equal(rp(100)))

	got, err := f.requests.GetRequest(ctx, maker, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusFinal, got.Status)
}

func TestRequestWorkflow_IllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "5.1", 100)
	req := f.draft(t, "NPD-1", line{a, 10})

	_, err := f.requests.Verify(ctx, verifier, req.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.requests.Finalize(ctx, approver, req.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.requests.Reopen(ctx, maker, req.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)
	_, err = f.requests.Submit(ctx, maker, req.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.requests.Finalize(ctx, approver, req.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	got, err := f.requests.GetRequest(ctx, maker, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusSubmitted, got.Status)
}

func TestRequestWorkflow_Capabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "5.1", 100)
	req := f.draft(t, "NPD-1", line{a, 10})

	// submit: creator or create capability
	_, err := f.requests.Submit(ctx, verifier, req.ID)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)

	_, err = f.requests.Verify(ctx, approver, req.ID)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = f.requests.Verify(ctx, maker, req.ID)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = f.requests.Verify(ctx, verifier, req.ID)
	require.NoError(t, err)

	_, err = f.requests.Finalize(ctx, verifier, req.ID)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = f.requests.Reject(ctx, verifier, req.ID, "wrong role")
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = f.requests.Finalize(ctx, approver, req.ID)
	require.NoError(t, err)
}

func TestRequestWorkflow_CreateRequiresCapability(t *testing.T) {
	f := newFixture(t)
	_, err := f.requests.CreateRequest(context.Background(), treasurer, models.NewRequest{DocumentNumber: "NPD-1", FiscalYear: 2025, Kind: "LS"})
	require.ErrorIs(t, err, models.ErrPermissionDenied)

	_, err = f.requests.CreateRequest(context.Background(), maker, models.NewRequest{DocumentNumber: "NPD-1", FiscalYear: 2025, Kind: "XX"})
	require.Error(t, err)
}

func TestRequestWorkflow_SubmitEmptyRequest(t *testing.T) {
	f := newFixture(t)
	req := f.draft(t, "NPD-1")
	_, err := f.requests.Submit(context.Background(), maker, req.ID)
	require.ErrorIs(t, err, models.ErrEmptyRequest)
}

func TestRequestWorkflow_RejectAndReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "5.1", 100)
	req := f.draft(t, "NPD-1", line{a, 10})
	_, err := f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)

	_, err = f.requests.Reject(ctx, verifier, req.ID, "   ")
	require.ErrorIs(t, err, models.ErrReasonRequired)

	rejected, err := f.requests.Reject(ctx, verifier, req.ID, " missing kuitansi ")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, rejected.Status)
	assert.Equal(t, "missing kuitansi", rejected.RejectionReason)
	require.NotNil(t, rejected.RejectedBy)
	assert.Equal(t, verifier.Id, *rejected.RejectedBy)
	assert.Equal(t, "missing kuitansi", f.sink.last().Data["reason"])

	// rejected is terminal for edits
	_, err = f.requests.AddLineItem(ctx, maker, req.ID, models.NewLineItem{AccountId: a.ID, Amount: rp(1)})
	require.ErrorIs(t, err, models.ErrInvalidRequestState)
	_, err = f.requests.AttachDocument(ctx, maker, req.ID, models.NewDocument{DocumentType: "spp", DocumentUrl: "https://example.com/spp.pdf"})
	require.ErrorIs(t, err, models.ErrInvalidRequestState)

	reopened, err := f.requests.Reopen(ctx, maker, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusDraft, reopened.Status)
	assert.Empty(t, reopened.RejectionReason)
	assert.Nil(t, reopened.RejectedBy)
	assert.Nil(t, reopened.SubmittedAt)

	_, err = f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, verifier, req.ID)
	require.NoError(t, err)
	rejected, err = f.requests.Reject(ctx, approver, req.ID, "over budget plan")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, rejected.Status)
}

func TestRequestWorkflow_LineItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "5.1", 100)
	req := f.draft(t, "NPD-1")

	_, err := f.requests.AddLineItem(ctx, maker, req.ID, models.NewLineItem{AccountId: a.ID, Amount: rp(101)})
	var exceeded *models.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.True(t, exceeded.Available.Equal(rp(100)))

	_, err = f.requests.AddLineItem(ctx, maker, req.ID, models.NewLineItem{AccountId: a.ID, Amount: rp(0)})
	require.ErrorIs(t, err, models.ErrInvalidAmount)

	other, err := f.ledger.CreateAccount(ctx, admin, models.NewAccount{Code: "5.1", FiscalYear: 2026, Allocation: rp(10)})
	require.NoError(t, err)
	_, err = f.requests.AddLineItem(ctx, maker, req.ID, models.NewLineItem{AccountId: other.ID, Amount: rp(1)})
	require.ErrorIs(t, err, models.ErrFiscalYearMismatch)

	li, err := f.requests.AddLineItem(ctx, maker, req.ID, models.NewLineItem{AccountId: a.ID, Amount: rp(40)})
	require.NoError(t, err)
	_, err = f.requests.AddLineItem(ctx, maker, req.ID, models.NewLineItem{AccountId: a.ID, Amount: rp(30)})
	require.NoError(t, err)

	require.NoError(t, f.requests.RemoveLineItem(ctx, maker, req.ID, li.ID))
	got, err := f.requests.GetRequest(ctx, maker, req.ID)
	require.NoError(t, err)
	require.Len(t, got.LineItems, 1)
	assert.True(t, got.Total().Equal(rp(30)))

	_, err = f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)
	_, err = f.requests.AddLineItem(ctx, maker, req.ID, models.NewLineItem{AccountId: a.ID, Amount: rp(1)})
	require.ErrorIs(t, err, models.ErrInvalidRequestState)
	err = f.requests.RemoveLineItem(ctx, maker, req.ID, got.LineItems[0].ID)
	require.ErrorIs(t, err, models.ErrInvalidRequestState)
}

func TestRequestWorkflow_BudgetGuardOnFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "5.1", 100)
	req := f.draft(t, "NPD-1", line{a, 60})
	_, err := f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, verifier, req.ID)
	require.NoError(t, err)

	_, err = f.ledger.ApplyRealization(ctx, a.ID, rp(50))
	require.NoError(t, err)
	f.sink.clear()

	_, err = f.requests.Finalize(ctx, approver, req.ID)
	var exceeded *models.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, req.LineItems[0].ID, exceeded.LineItemId)
	assert.True(t, exceeded.Available.Equal(rp(50)))
	assert.Empty(t, f.sink.actions())

	got, err := f.requests.GetRequest(ctx, maker, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusVerified, got.Status)
}

func TestRequestWorkflow_BudgetGuardOnVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "5.1", 100)
	req := f.draft(t, "NPD-1", line{a, 60})
	_, err := f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)

	_, err = f.ledger.ApplyRealization(ctx, a.ID, rp(50))
	require.NoError(t, err)
	f.sink.clear()

	_, err = f.requests.Verify(ctx, verifier, req.ID)
	require.ErrorIs(t, err, models.ErrBudgetExceeded)
	var exceeded *models.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, req.LineItems[0].ID, exceeded.LineItemId)
	assert.Equal(t, a.ID, exceeded.AccountId)
	assert.True(t, exceeded.Requested.Equal(rp(60)))
	assert.True(t, exceeded.Available.Equal(rp(50)))
	assert.Empty(t, f.sink.actions())

	got, err := f.requests.GetRequest(ctx, maker, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusSubmitted, got.Status)
	assert.Nil(t, got.VerifiedAt)
}

func TestRequestWorkflow_OtherOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "5.1", 100)
	req := f.draft(t, "NPD-1", line{a, 10})

	_, err := f.requests.GetRequest(ctx, outsider, req.ID)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = f.requests.Submit(ctx, outsider, req.ID)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = f.requests.AddLineItem(ctx, outsider, req.ID, models.NewLineItem{AccountId: a.ID, Amount: rp(1)})
	require.ErrorIs(t, err, models.ErrPermissionDenied)

	list, err := f.requests.ListRequests(ctx, outsider, 2025, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

type fakeObjects map[string]bool

func (o fakeObjects) Exists(_ context.Context, url string) (bool, error) {
	return o[url], nil
}

func TestRequestWorkflow_AttachmentGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	objects := fakeObjects{"https://storage.googleapis.com/bucket/spp.pdf": true}
	validator := NewDocumentAttachmentValidator(f.store, map[models.RequestKind][]string{
		models.RequestKindLS: {"spp", "kuitansi"},
	}, objects)
	f.requests = NewRequestWorkflow(f.store, f.sink, testPermissions, validator, quietLogger())

	a := f.account(t, "5.1", 100)
	req := f.draft(t, "NPD-1", line{a, 10})
	_, err := f.requests.AttachDocument(ctx, maker, req.ID, models.NewDocument{DocumentType: "SPP", DocumentUrl: "https://storage.googleapis.com/bucket/spp.pdf"})
	require.NoError(t, err)
	_, err = f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, verifier, req.ID)
	require.NoError(t, err)

	_, err = f.requests.Finalize(ctx, approver, req.ID)
	require.ErrorIs(t, err, models.ErrIncompleteAttachments)

	// recorded but the file is missing from storage
	_, err = f.requests.AttachDocument(ctx, maker, req.ID, models.NewDocument{DocumentType: "kuitansi", DocumentUrl: "https://storage.googleapis.com/bucket/missing.pdf"})
	require.NoError(t, err)
	_, err = f.requests.Finalize(ctx, approver, req.ID)
	require.ErrorIs(t, err, models.ErrIncompleteAttachments)

	objects["https://storage.googleapis.com/bucket/missing.pdf"] = true
	final, err := f.requests.Finalize(ctx, approver, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusFinal, final.Status)

	docs, err := f.requests.ListDocuments(ctx, maker, req.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Equal(t, "spp", docs[0].DocumentType)

	_, err = f.requests.AttachDocument(ctx, maker, req.ID, models.NewDocument{DocumentType: "spj", DocumentUrl: "https://storage.googleapis.com/bucket/spj.pdf"})
	require.ErrorIs(t, err, models.ErrInvalidRequestState)
}
