package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestWorkflow drives NPD documents through models.LookupTransition.
type RequestWorkflow struct {
	store       models.Store
	audit       AuditSink
	permissions PermissionChecker
	attachments AttachmentValidator
	logger      *logrus.Logger
	now         func() time.Time
}

func NewRequestWorkflow(store models.Store, audit AuditSink, permissions PermissionChecker, attachments AttachmentValidator, logger *logrus.Logger) *RequestWorkflow {
	return &RequestWorkflow{
		store:       store,
		audit:       audit,
		permissions: permissions,
		attachments: attachments,
		logger:      logger,
		now:         time.Now,
	}
}

func (w *RequestWorkflow) CreateRequest(ctx context.Context, actor models.Actor, input models.NewRequest) (req *models.Request, err error) {
	ctx, span := tracer.Start(ctx, "request.Create")
	defer func() { endSpan(span, err) }()

	if err := requireCapability(ctx, w.permissions, actor, models.CapabilityCreate); err != nil {
		return nil, err
	}
	req, err = input.MapInput(actor.OrganizationId, actor.Id)
	if err != nil {
		return nil, err
	}
	ctx = withActor(ctx, actor)
	var events auditBuffer
	err = w.store.InTx(ctx, func(tx models.StoreTx) error {
		events.reset()
		if err := tx.CreateRequest(req); err != nil {
			return err
		}
		events.add(newAuditEvent(ctx, models.AuditActionRequestCreated, req.OrganizationId, models.AuditEntityRequest, req.ID, w.now(), map[string]any{
			"document_number": req.DocumentNumber,
			"fiscal_year":     req.FiscalYear,
			"kind":            req.Kind,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.flush(ctx, w.audit)
	return req, nil
}

func (w *RequestWorkflow) GetRequest(ctx context.Context, actor models.Actor, id int) (*models.Request, error) {
	var req *models.Request
	err := w.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		req, err = tx.GetRequest(id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := requireOrganization(actor, req.OrganizationId); err != nil {
		return nil, err
	}
	return req, nil
}

func (w *RequestWorkflow) ListRequests(ctx context.Context, actor models.Actor, fiscalYear int, status models.RequestStatus) ([]*models.Request, error) {
	var reqs []*models.Request
	err := w.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		reqs, err = tx.ListRequests(actor.OrganizationId, fiscalYear, status)
		return err
	})
	return reqs, err
}

// canEdit: the creator, or anyone in the organization holding the create capability.
func (w *RequestWorkflow) canEdit(ctx context.Context, actor models.Actor, req *models.Request) error {
	if actor.Id == req.CreatedBy {
		return nil
	}
	return requireCapability(ctx, w.permissions, actor, models.CapabilityCreate)
}

// AddLineItem appends a line while the request is a draft. The amount must fit
// the account's remaining now; finalize checks it again.
func (w *RequestWorkflow) AddLineItem(ctx context.Context, actor models.Actor, requestId int, input models.NewLineItem) (li *models.LineItem, err error) {
	ctx, span := tracer.Start(ctx, "request.AddLineItem", trace.WithAttributes(attribute.Int("request_id", requestId)))
	defer func() { endSpan(span, err) }()

	li, err = input.MapInput(requestId)
	if err != nil {
		return nil, err
	}
	req, err := w.GetRequest(ctx, actor, requestId)
	if err != nil {
		return nil, err
	}
	if err := w.canEdit(ctx, actor, req); err != nil {
		return nil, err
	}

	ctx = withActor(ctx, actor)
	var events auditBuffer
	err = w.store.InTx(ctx, func(tx models.StoreTx) error {
		events.reset()
		req, err := tx.GetRequest(requestId, true)
		if err != nil {
			return err
		}
		if !req.Status.IsEditable() {
			return fmt.Errorf("%w: line items cannot change while %s", models.ErrInvalidRequestState, req.Status)
		}
		acc, err := tx.GetAccount(li.AccountId)
		if err != nil {
			return err
		}
		if acc.OrganizationId != req.OrganizationId {
			return models.ErrRecordNotFound
		}
		if acc.FiscalYear != req.FiscalYear {
			return models.ErrFiscalYearMismatch
		}
		if li.Amount.GreaterThan(acc.Remaining) {
			return &models.BudgetExceededError{AccountId: acc.ID, Requested: li.Amount, Available: acc.Remaining}
		}
		if err := tx.CreateLineItem(li); err != nil {
			return err
		}
		events.add(newAuditEvent(ctx, models.AuditActionLineItemAdded, req.OrganizationId, models.AuditEntityRequest, req.ID, w.now(), map[string]any{
			"line_item_id": li.ID,
			"account_id":   li.AccountId,
			"amount":       li.Amount,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.flush(ctx, w.audit)
	return li, nil
}

func (w *RequestWorkflow) RemoveLineItem(ctx context.Context, actor models.Actor, requestId int, lineItemId int) error {
	req, err := w.GetRequest(ctx, actor, requestId)
	if err != nil {
		return err
	}
	if err := w.canEdit(ctx, actor, req); err != nil {
		return err
	}

	ctx = withActor(ctx, actor)
	var events auditBuffer
	err = w.store.InTx(ctx, func(tx models.StoreTx) error {
		events.reset()
		req, err := tx.GetRequest(requestId, true)
		if err != nil {
			return err
		}
		if !req.Status.IsEditable() {
			return fmt.Errorf("%w: line items cannot change while %s", models.ErrInvalidRequestState, req.Status)
		}
		if err := tx.DeleteLineItem(requestId, lineItemId); err != nil {
			return err
		}
		events.add(newAuditEvent(ctx, models.AuditActionLineItemRemoved, req.OrganizationId, models.AuditEntityRequest, req.ID, w.now(), map[string]any{
			"line_item_id": lineItemId,
		}))
		return nil
	})
	if err != nil {
		return err
	}
	events.flush(ctx, w.audit)
	return nil
}

// AttachDocument records attachment metadata; not allowed once final or rejected.
func (w *RequestWorkflow) AttachDocument(ctx context.Context, actor models.Actor, requestId int, input models.NewDocument) (*models.Document, error) {
	req, err := w.GetRequest(ctx, actor, requestId)
	if err != nil {
		return nil, err
	}
	if err := w.canEdit(ctx, actor, req); err != nil {
		return nil, err
	}
	doc, err := input.MapInput(req.OrganizationId, models.DocumentReferenceRequest, req.ID)
	if err != nil {
		return nil, err
	}

	ctx = withActor(ctx, actor)
	var events auditBuffer
	err = w.store.InTx(ctx, func(tx models.StoreTx) error {
		events.reset()
		req, err := tx.GetRequest(requestId, true)
		if err != nil {
			return err
		}
		if req.Status == models.RequestStatusFinal || req.Status == models.RequestStatusRejected {
			return fmt.Errorf("%w: cannot attach documents while %s", models.ErrInvalidRequestState, req.Status)
		}
		if err := tx.CreateDocument(doc); err != nil {
			return err
		}
		events.add(newAuditEvent(ctx, models.AuditActionDocumentAttached, req.OrganizationId, models.AuditEntityRequest, req.ID, w.now(), map[string]any{
			"document_id":   doc.ID,
			"document_type": doc.DocumentType,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.flush(ctx, w.audit)
	return doc, nil
}

func (w *RequestWorkflow) ListDocuments(ctx context.Context, actor models.Actor, requestId int) ([]*models.Document, error) {
	if _, err := w.GetRequest(ctx, actor, requestId); err != nil {
		return nil, err
	}
	var docs []*models.Document
	err := w.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		docs, err = tx.ListDocuments(models.DocumentReferenceRequest, requestId)
		return err
	})
	return docs, err
}

func (w *RequestWorkflow) Submit(ctx context.Context, actor models.Actor, requestId int) (*models.Request, error) {
	return w.Transition(ctx, actor, requestId, models.RequestEventSubmit, "")
}

func (w *RequestWorkflow) Verify(ctx context.Context, actor models.Actor, requestId int) (*models.Request, error) {
	return w.Transition(ctx, actor, requestId, models.RequestEventVerify, "")
}

func (w *RequestWorkflow) Finalize(ctx context.Context, actor models.Actor, requestId int) (*models.Request, error) {
	return w.Transition(ctx, actor, requestId, models.RequestEventFinalize, "")
}

func (w *RequestWorkflow) Reject(ctx context.Context, actor models.Actor, requestId int, reason string) (*models.Request, error) {
	return w.Transition(ctx, actor, requestId, models.RequestEventReject, reason)
}

func (w *RequestWorkflow) Reopen(ctx context.Context, actor models.Actor, requestId int) (*models.Request, error) {
	return w.Transition(ctx, actor, requestId, models.RequestEventReopen, "")
}

// Transition fires event on the request. Any failure leaves the request untouched.
func (w *RequestWorkflow) Transition(ctx context.Context, actor models.Actor, requestId int, event models.RequestEvent, reason string) (req *models.Request, err error) {
	ctx, span := tracer.Start(ctx, "request.Transition", trace.WithAttributes(
		attribute.Int("request_id", requestId),
		attribute.String("event", string(event)),
	))
	defer func() { endSpan(span, err) }()

	current, err := w.GetRequest(ctx, actor, requestId)
	if err != nil {
		return nil, err
	}
	t, err := models.LookupTransition(current.Status, event)
	if err != nil {
		return nil, err
	}
	if !(t.CreatorAllowed && actor.Id == current.CreatedBy) {
		if err := requireCapability(ctx, w.permissions, actor, t.Capability); err != nil {
			return nil, err
		}
	}
	reason = strings.TrimSpace(reason)
	if t.RequiresReason && reason == "" {
		return nil, models.ErrReasonRequired
	}
	if event == models.RequestEventSubmit && len(current.LineItems) == 0 {
		return nil, models.ErrEmptyRequest
	}
	if t.AttachmentGuard && w.attachments != nil {
		ok, err := w.attachments.IsComplete(ctx, current.ID, current.Kind)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.ErrIncompleteAttachments
		}
	}

	ctx = withActor(ctx, actor)
	var events auditBuffer
	err = w.store.InTx(ctx, func(tx models.StoreTx) error {
		events.reset()
		locked, err := tx.GetRequest(requestId, true)
		if err != nil {
			return err
		}
		if locked.Status != t.From {
			return fmt.Errorf("%w: request moved to %s", models.ErrInvalidTransition, locked.Status)
		}
		if t.BudgetGuard {
			if err := checkLinesWithinBudget(tx, locked); err != nil {
				return err
			}
		}
		change := models.RequestStatusChange{To: t.To, ActorId: actor.Id, Reason: reason, At: w.now()}
		if err := tx.UpdateRequestStatus(locked.ID, t.From, change); err != nil {
			return err
		}
		locked.ApplyStatusChange(change)

		data := map[string]any{
			"previous_status": t.From,
			"new_status":      t.To,
			"actor_id":        actor.Id,
		}
		if reason != "" {
			data["reason"] = reason
		}
		events.add(newAuditEvent(ctx, string(event), locked.OrganizationId, models.AuditEntityRequest, locked.ID, change.At, data))
		req = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.flush(ctx, w.audit)

	if w.logger != nil {
		w.logger.WithFields(logrus.Fields{
			"field":           "RequestWorkflow",
			"organization_id": req.OrganizationId,
			"request_id":      req.ID,
			"event":           event,
			"status":          req.Status,
		}).Info("request transition")
	}
	return req, nil
}

// checkLinesWithinBudget compares every line with its account's current remaining.
func checkLinesWithinBudget(tx models.StoreTx, req *models.Request) error {
	accounts, err := tx.GetAccounts(req.AccountIds())
	if err != nil {
		return err
	}
	for _, li := range req.LineItems {
		acc := accounts[li.AccountId]
		if li.Amount.GreaterThan(acc.Remaining) {
			return &models.BudgetExceededError{LineItemId: li.ID, AccountId: acc.ID, Requested: li.Amount, Available: acc.Remaining}
		}
	}
	return nil
}
