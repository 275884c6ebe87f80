package workflow

import (
	"context"
	"io"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/models/memstore"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (s *recordingSink) Record(_ context.Context, ev models.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Action)
	}
	return out
}

func (s *recordingSink) last() models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func (s *recordingSink) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

var (
	maker     = models.Actor{Id: 1, Name: "pptk", Role: "pptk", OrganizationId: 1}
	verifier  = models.Actor{Id: 2, Name: "ppk", Role: "ppk", OrganizationId: 1}
	approver  = models.Actor{Id: 3, Name: "pa", Role: "pa", OrganizationId: 1}
	treasurer = models.Actor{Id: 4, Name: "bud", Role: "bud", OrganizationId: 1}
	admin     = models.Actor{Id: 5, Name: "admin", Role: "admin", OrganizationId: 1}
	outsider  = models.Actor{Id: 9, Name: "other", Role: "admin", OrganizationId: 2}
)

var testPermissions = StaticPermissionChecker{
	"pptk":  {models.CapabilityCreate},
	"ppk":   {models.CapabilityVerify},
	"pa":    {models.CapabilityApprove},
	"bud":   {models.CapabilityDisburse},
	"admin": {models.CapabilityCreate, models.CapabilityVerify, models.CapabilityApprove, models.CapabilityDisburse, models.CapabilityManage},
}

type fixture struct {
	store    *memstore.Store
	sink     *recordingSink
	ledger   *Ledger
	requests *RequestWorkflow
	engine   *DisbursementEngine
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	sink := &recordingSink{}
	logger := quietLogger()
	ledger := NewLedger(store, sink, testPermissions, logger)
	return &fixture{
		store:    store,
		sink:     sink,
		ledger:   ledger,
		requests: NewRequestWorkflow(store, sink, testPermissions, nil, logger),
		engine:   NewDisbursementEngine(store, ledger, sink, testPermissions, logger, DisbursementEngineOptions{Locker: NewLocalAccountLocker(), Retry: RetryPolicy{MaxAttempts: 3}}),
	}
}

func rp(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (f *fixture) account(t *testing.T, code string, allocation int64) *models.Account {
	t.Helper()
	acc, err := f.ledger.CreateAccount(context.Background(), admin, models.NewAccount{Code: code, FiscalYear: 2025, Allocation: rp(allocation)})
	require.NoError(t, err)
	return acc
}

func (f *fixture) reload(t *testing.T, id int) *models.Account {
	t.Helper()
	acc, err := f.ledger.GetAccount(context.Background(), admin, id)
	require.NoError(t, err)
	return acc
}

type line struct {
	account *models.Account
	amount  int64
}

func (f *fixture) draft(t *testing.T, docNo string, lines ...line) *models.Request {
	t.Helper()
	ctx := context.Background()
	req, err := f.requests.CreateRequest(ctx, maker, models.NewRequest{DocumentNumber: docNo, FiscalYear: 2025, Kind: "LS"})
	require.NoError(t, err)
	for _, l := range lines {
		_, err := f.requests.AddLineItem(ctx, maker, req.ID, models.NewLineItem{AccountId: l.account.ID, Amount: rp(l.amount)})
		require.NoError(t, err)
	}
	req, err = f.requests.GetRequest(ctx, maker, req.ID)
	require.NoError(t, err)
	return req
}

func (f *fixture) final(t *testing.T, docNo string, lines ...line) *models.Request {
	t.Helper()
	ctx := context.Background()
	req := f.draft(t, docNo, lines...)
	_, err := f.requests.Submit(ctx, maker, req.ID)
	require.NoError(t, err)
	_, err = f.requests.Verify(ctx, verifier, req.ID)
	require.NoError(t, err)
	req, err = f.requests.Finalize(ctx, approver, req.ID)
	require.NoError(t, err)
	return req
}
