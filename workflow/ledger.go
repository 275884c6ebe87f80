package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/pagu_backend/workflow")

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Ledger owns the financial state of accounts. IncrementRealized is only ever
// called from apply, so every change to realized/remaining leaves a Realization.
type Ledger struct {
	store       models.Store
	audit       AuditSink
	permissions PermissionChecker
	logger      *logrus.Logger
	now         func() time.Time
}

func NewLedger(store models.Store, audit AuditSink, permissions PermissionChecker, logger *logrus.Logger) *Ledger {
	return &Ledger{store: store, audit: audit, permissions: permissions, logger: logger, now: time.Now}
}

type RealizationResult struct {
	Realization *models.Realization `json:"realization"`
	Before      models.Balance      `json:"before"`
	After       models.Balance      `json:"after"`
}

// ApplyRealization applies one amount to one account in its own unit of work.
func (l *Ledger) ApplyRealization(ctx context.Context, accountId int, amount decimal.Decimal) (res *RealizationResult, err error) {
	ctx, span := tracer.Start(ctx, "ledger.ApplyRealization", trace.WithAttributes(attribute.Int("account_id", accountId)))
	defer func() { endSpan(span, err) }()

	if err := models.ValidateAmount(amount); err != nil {
		return nil, err
	}
	var events auditBuffer
	err = l.store.InTx(ctx, func(tx models.StoreTx) error {
		events.reset()
		acc, err := tx.GetAccount(accountId)
		if err != nil {
			return err
		}
		if orgId, ok := utils.GetOrganizationIdFromContext(ctx); ok && orgId != acc.OrganizationId {
			return models.ErrRecordNotFound
		}
		res, err = l.apply(ctx, tx, &events, models.Realization{AccountId: accountId, Amount: amount})
		return err
	})
	if err != nil {
		return nil, err
	}
	events.flush(ctx, l.audit)
	return res, nil
}

// ApplyCorrection is ApplyRealization for an actor holding the manage capability.
func (l *Ledger) ApplyCorrection(ctx context.Context, actor models.Actor, accountId int, amount decimal.Decimal) (*RealizationResult, error) {
	if err := requireCapability(ctx, l.permissions, actor, models.CapabilityManage); err != nil {
		return nil, err
	}
	return l.ApplyRealization(withActor(ctx, actor), accountId, amount)
}

// apply is the single write path for realized/remaining. The store decides
// atomically whether remaining still covers the amount.
func (l *Ledger) apply(ctx context.Context, tx models.StoreTx, events *auditBuffer, r models.Realization) (*RealizationResult, error) {
	if err := models.ValidateAmount(r.Amount); err != nil {
		return nil, err
	}
	after, err := tx.IncrementRealized(r.AccountId, r.Amount)
	if err != nil {
		return nil, err
	}
	r.OrganizationId = after.OrganizationId
	if err := tx.CreateRealization(&r); err != nil {
		return nil, err
	}
	before := models.Balance{
		Realized:  after.Realized.Sub(r.Amount),
		Remaining: after.Remaining.Add(r.Amount),
	}
	data := map[string]any{
		"account_id":     r.AccountId,
		"realization_id": r.ID,
		"amount":         r.Amount,
		"before":         before,
		"after":          after.Balance(),
	}
	if r.DisbursementId != nil {
		data["disbursement_id"] = *r.DisbursementId
	}
	events.add(newAuditEvent(ctx, models.AuditActionRealizationApplied, after.OrganizationId, models.AuditEntityAccount, r.AccountId, l.now(), data))
	return &RealizationResult{Realization: &r, Before: before, After: after.Balance()}, nil
}

// CreateAccount registers a budget line with its allocation for a fiscal year.
func (l *Ledger) CreateAccount(ctx context.Context, actor models.Actor, input models.NewAccount) (*models.Account, error) {
	if err := requireCapability(ctx, l.permissions, actor, models.CapabilityManage); err != nil {
		return nil, err
	}
	acc, err := input.MapInput(actor.OrganizationId)
	if err != nil {
		return nil, err
	}
	ctx = withActor(ctx, actor)
	if err := l.CreateAccounts(ctx, []*models.Account{acc}); err != nil {
		return nil, err
	}
	return acc, nil
}

// CreateAccounts stores new accounts in one unit of work (budget import).
func (l *Ledger) CreateAccounts(ctx context.Context, accounts []*models.Account) error {
	var events auditBuffer
	err := l.store.InTx(ctx, func(tx models.StoreTx) error {
		events.reset()
		for _, acc := range accounts {
			acc.Realized = decimal.Zero
			acc.Remaining = acc.Allocation
			if err := tx.CreateAccount(acc); err != nil {
				if errors.Is(err, models.ErrDuplicate) {
					return fmt.Errorf("%w: account %s already exists for fiscal year %d", models.ErrDuplicate, acc.Code, acc.FiscalYear)
				}
				return err
			}
			events.add(newAuditEvent(ctx, models.AuditActionAccountCreated, acc.OrganizationId, models.AuditEntityAccount, acc.ID, l.now(), map[string]any{
				"code":        acc.Code,
				"fiscal_year": acc.FiscalYear,
				"allocation":  acc.Allocation,
			}))
		}
		return nil
	})
	if err != nil {
		return err
	}
	events.flush(ctx, l.audit)
	return nil
}

func (l *Ledger) GetAccount(ctx context.Context, actor models.Actor, id int) (*models.Account, error) {
	var acc *models.Account
	err := l.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		acc, err = tx.GetAccount(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if acc.OrganizationId != actor.OrganizationId {
		return nil, models.ErrRecordNotFound
	}
	return acc, nil
}

func (l *Ledger) ListAccounts(ctx context.Context, actor models.Actor, fiscalYear int) ([]*models.Account, error) {
	var accounts []*models.Account
	err := l.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		accounts, err = tx.ListAccounts(actor.OrganizationId, fiscalYear)
		return err
	})
	return accounts, err
}

func (l *Ledger) ListRealizations(ctx context.Context, actor models.Actor, accountId int) ([]*models.Realization, error) {
	if _, err := l.GetAccount(ctx, actor, accountId); err != nil {
		return nil, err
	}
	var rs []*models.Realization
	err := l.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		rs, err = tx.ListRealizations(accountId)
		return err
	})
	return rs, err
}

func withActor(ctx context.Context, actor models.Actor) context.Context {
	ctx = utils.SetUserIdInContext(ctx, actor.Id)
	ctx = utils.SetUserNameInContext(ctx, actor.Name)
	ctx = utils.SetRoleInContext(ctx, actor.Role)
	return utils.SetOrganizationIdInContext(ctx, actor.OrganizationId)
}
