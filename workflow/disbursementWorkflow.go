package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
	"bitbucket.org/mmdatafocus/pagu_backend/distribution"
	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DisbursementEngine creates SP2Ds against final requests and applies their
// distribution to the ledger, all accounts in one unit of work.
type DisbursementEngine struct {
	store       models.Store
	ledger      *Ledger
	locker      AccountLocker
	audit       AuditSink
	permissions PermissionChecker
	retry       RetryPolicy
	lockWait    time.Duration
	logger      *logrus.Logger
	now         func() time.Time
}

type DisbursementEngineOptions struct {
	Locker   AccountLocker
	Retry    RetryPolicy
	LockWait time.Duration
}

func NewDisbursementEngine(store models.Store, ledger *Ledger, audit AuditSink, permissions PermissionChecker, logger *logrus.Logger, opts DisbursementEngineOptions) *DisbursementEngine {
	if opts.Locker == nil {
		opts.Locker = NoopAccountLocker{}
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 3 * time.Second
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &DisbursementEngine{
		store:       store,
		ledger:      ledger,
		locker:      opts.Locker,
		audit:       audit,
		permissions: permissions,
		retry:       opts.Retry,
		lockWait:    opts.LockWait,
		logger:      logger,
		now:         time.Now,
	}
}

// DisbursementInput is the parsed form of models.NewDisbursement.
type DisbursementInput struct {
	RequestId          int
	DisbursementNumber string
	CashAmount         decimal.Decimal
	Policy             models.DistributionPolicy
	ManualAllocations  map[int]decimal.Decimal
	IdempotencyKey     string
}

func (input DisbursementInput) idempotencyKey() *string {
	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		return nil
	}
	return &key
}

// ParseDisbursementInput validates the API payload for requestId.
func ParseDisbursementInput(requestId int, in models.NewDisbursement) (DisbursementInput, error) {
	policy, err := models.ParseDistributionPolicy(in.Policy)
	if err != nil {
		return DisbursementInput{}, err
	}
	if err := models.ValidateAmount(in.CashAmount); err != nil {
		return DisbursementInput{}, err
	}
	return DisbursementInput{
		RequestId:          requestId,
		DisbursementNumber: strings.TrimSpace(in.DisbursementNumber),
		CashAmount:         in.CashAmount,
		Policy:             policy,
		ManualAllocations:  in.ManualAllocations,
		IdempotencyKey:     in.IdempotencyKey,
	}, nil
}

// CreateDisbursement distributes input.CashAmount over the request's line items and
// applies every allocation to the ledger. Either everything commits or nothing does.
// Lock waits and write conflicts are retried per the retry policy, then surface as
// ErrTransientConflict.
func (e *DisbursementEngine) CreateDisbursement(ctx context.Context, actor models.Actor, input DisbursementInput) (d *models.Disbursement, err error) {
	ctx, span := tracer.Start(ctx, "disbursement.Create", trace.WithAttributes(
		attribute.Int("request_id", input.RequestId),
		attribute.String("policy", string(input.Policy)),
	))
	defer func() { endSpan(span, err) }()

	if err := models.ValidateAmount(input.CashAmount); err != nil {
		return nil, err
	}
	if err := requireCapability(ctx, e.permissions, actor, models.CapabilityDisburse); err != nil {
		return nil, err
	}
	ctx = withActor(ctx, actor)

	req, err := e.loadRequest(ctx, input.RequestId)
	if err != nil {
		return nil, err
	}
	if err := requireOrganization(actor, req.OrganizationId); err != nil {
		return nil, err
	}
	if req.Status != models.RequestStatusFinal {
		return nil, fmt.Errorf("%w: request is %s", models.ErrInvalidRequestState, req.Status)
	}
	key := input.idempotencyKey()
	if key != nil {
		if existing, err := e.findByIdempotencyKey(ctx, req, *key); err != nil || existing != nil {
			return existing, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.attempts(); attempt++ {
		d, err = e.attempt(ctx, actor, req.ID, input, key)
		if err == nil {
			return d, nil
		}
		if key != nil && errors.Is(err, models.ErrDuplicate) {
			// a concurrent call with the same key won
			if existing, ferr := e.findByIdempotencyKey(ctx, req, *key); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		if !models.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		e.logger.WithFields(logrus.Fields{
			"field":      "DisbursementEngine",
			"request_id": req.ID,
			"attempt":    attempt,
		}).Warn("disbursement conflict, retrying: " + err.Error())
		if attempt < e.retry.attempts() {
			if err := sleepCtx(ctx, e.retry.delay(attempt)); err != nil {
				break
			}
		}
	}
	err = fmt.Errorf("%w: %v", models.ErrTransientConflict, lastErr)
	config.LogError(e.logger, "DisbursementEngine", "CreateDisbursement", fmt.Sprintf("request %d", req.ID), input.CashAmount.String(), err)
	return nil, err
}

func (e *DisbursementEngine) attempt(ctx context.Context, actor models.Actor, requestId int, input DisbursementInput, key *string) (*models.Disbursement, error) {
	// account ids cannot change once the request is final
	req, err := e.loadRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	release, err := e.locker.LockAccounts(lockCtx, req.AccountIds())
	cancel()
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		events auditBuffer
		d      *models.Disbursement
	)
	err = e.store.InTx(ctx, func(tx models.StoreTx) error {
		events.reset()
		req, err := tx.GetRequest(requestId, true)
		if err != nil {
			return err
		}
		if req.Status != models.RequestStatusFinal {
			return fmt.Errorf("%w: request is %s", models.ErrInvalidRequestState, req.Status)
		}

		prior, err := tx.ListDisbursements(req.ID)
		if err != nil {
			return err
		}
		disbursed := decimal.Zero
		for _, p := range prior {
			disbursed = disbursed.Add(p.CashAmount)
		}
		if disbursed.Add(input.CashAmount).GreaterThan(req.Total()) {
			return fmt.Errorf("%w: %s already disbursed, %s requested, request total %s",
				models.ErrExceedsRequestTotal, disbursed.String(), input.CashAmount.String(), req.Total().String())
		}

		accounts, err := tx.LockAccounts(req.AccountIds())
		if err != nil {
			return err
		}
		lines := distribution.FromLineItems(req.LineItems)
		alloc, err := distribution.Distribute(input.CashAmount, lines, input.Policy, input.ManualAllocations)
		if err != nil {
			return err
		}
		remaining := make(map[int]decimal.Decimal, len(accounts))
		for id, acc := range accounts {
			remaining[id] = acc.Remaining
		}
		if err := distribution.CheckAvailable(lines, alloc, remaining); err != nil {
			return err
		}

		number := input.DisbursementNumber
		if number == "" {
			number = fmt.Sprintf("SP2D/%d/%s/%d", req.FiscalYear, req.DocumentNumber, len(prior)+1)
		}
		d = &models.Disbursement{
			OrganizationId:     req.OrganizationId,
			DisbursementNumber: number,
			RequestId:          req.ID,
			CashAmount:         input.CashAmount,
			Policy:             input.Policy,
			IdempotencyKey:     key,
			CreatedBy:          actor.Id,
		}
		if err := tx.CreateDisbursement(d); err != nil {
			return err
		}

		for _, l := range applyOrder(lines) {
			amount := alloc[l.Id]
			if amount.IsZero() {
				continue
			}
			disbursementId, lineItemId := d.ID, l.Id
			res, err := e.ledger.apply(ctx, tx, &events, models.Realization{
				DisbursementId: &disbursementId,
				LineItemId:     &lineItemId,
				AccountId:      l.AccountId,
				Amount:         amount,
			})
			if err != nil {
				return err
			}
			d.Realizations = append(d.Realizations, res.Realization)
		}

		allocations := make(map[string]decimal.Decimal, len(alloc))
		for id, v := range alloc {
			allocations[fmt.Sprint(id)] = v
		}
		events.add(newAuditEvent(ctx, models.AuditActionDisbursementCreated, d.OrganizationId, models.AuditEntityDisbursement, d.ID, e.now(), map[string]any{
			"request_id":          req.ID,
			"disbursement_number": d.DisbursementNumber,
			"cash_amount":         d.CashAmount,
			"policy":              d.Policy,
			"allocations":         allocations,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	events.flush(ctx, e.audit)

	e.logger.WithFields(logrus.Fields{
		"field":           "DisbursementEngine",
		"organization_id": d.OrganizationId,
		"request_id":      d.RequestId,
		"disbursement_id": d.ID,
		"cash_amount":     d.CashAmount.String(),
	}).Info("disbursement created")
	return d, nil
}

// applyOrder sorts lines by account then line id, so row updates follow lock order.
func applyOrder(lines []distribution.Line) []distribution.Line {
	out := slices.Clone(lines)
	slices.SortFunc(out, func(a, b distribution.Line) int {
		if a.AccountId != b.AccountId {
			return a.AccountId - b.AccountId
		}
		return a.Id - b.Id
	})
	return out
}

func (e *DisbursementEngine) loadRequest(ctx context.Context, id int) (*models.Request, error) {
	var req *models.Request
	err := e.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		req, err = tx.GetRequest(id, false)
		return err
	})
	return req, err
}

// findByIdempotencyKey returns nil, nil when the key is unused.
func (e *DisbursementEngine) findByIdempotencyKey(ctx context.Context, req *models.Request, key string) (*models.Disbursement, error) {
	var d *models.Disbursement
	err := e.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		d, err = tx.FindDisbursementByIdempotencyKey(req.OrganizationId, key)
		return err
	})
	if errors.Is(err, models.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.RequestId != req.ID {
		return nil, fmt.Errorf("%w: idempotency key %q was used for request %d", models.ErrDuplicate, key, d.RequestId)
	}
	return d, nil
}

func (e *DisbursementEngine) GetDisbursement(ctx context.Context, actor models.Actor, id int) (*models.Disbursement, error) {
	var d *models.Disbursement
	err := e.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		d, err = tx.GetDisbursement(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := requireOrganization(actor, d.OrganizationId); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *DisbursementEngine) ListDisbursements(ctx context.Context, actor models.Actor, requestId int) ([]*models.Disbursement, error) {
	req, err := e.loadRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if err := requireOrganization(actor, req.OrganizationId); err != nil {
		return nil, err
	}
	var ds []*models.Disbursement
	err = e.store.InTx(ctx, func(tx models.StoreTx) error {
		var err error
		ds, err = tx.ListDisbursements(requestId)
		return err
	})
	return ds, err
}
