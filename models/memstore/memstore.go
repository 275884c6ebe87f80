// Package memstore is an in-memory models.Store. A unit of work runs against a
// copy of the state under one mutex and is swapped in only when fn succeeds,
// so concurrent units of work are serialized and a failed one leaves no trace.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/shopspring/decimal"
)

type state struct {
	accounts      map[int]models.Account
	realizations  map[int]models.Realization
	requests      map[int]models.Request
	lineItems     map[int]models.LineItem
	documents     map[int]models.Document
	disbursements map[int]models.Disbursement
	roles         map[int]models.Role
	auditRecords  map[int]models.AuditEventRecord
	lastId        int
}

func newState() *state {
	return &state{
		accounts:      map[int]models.Account{},
		realizations:  map[int]models.Realization{},
		requests:      map[int]models.Request{},
		lineItems:     map[int]models.LineItem{},
		documents:     map[int]models.Document{},
		disbursements: map[int]models.Disbursement{},
		roles:         map[int]models.Role{},
		auditRecords:  map[int]models.AuditEventRecord{},
	}
}

func (s *state) clone() *state {
	return &state{
		accounts:      maps.Clone(s.accounts),
		realizations:  maps.Clone(s.realizations),
		requests:      maps.Clone(s.requests),
		lineItems:     maps.Clone(s.lineItems),
		documents:     maps.Clone(s.documents),
		disbursements: maps.Clone(s.disbursements),
		roles:         maps.Clone(s.roles),
		auditRecords:  maps.Clone(s.auditRecords),
		lastId:        s.lastId,
	}
}

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

func (s *Store) InTx(ctx context.Context, fn func(tx models.StoreTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// AuditRecords returns the outbox rows written so far, ordered by id.
func (s *Store) AuditRecords() []models.AuditEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEventRecord, 0, len(s.state.auditRecords))
	for _, id := range sortedKeys(s.state.auditRecords) {
		out = append(out, s.state.auditRecords[id])
	}
	return out
}

type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) nextId() int {
	t.st.lastId++
	return t.st.lastId
}

func (t *memTx) CreateAccount(acc *models.Account) error {
	for _, a := range t.st.accounts {
		if a.OrganizationId == acc.OrganizationId && a.FiscalYear == acc.FiscalYear && a.Code == acc.Code {
			return models.ErrDuplicate
		}
	}
	acc.ID = t.nextId()
	acc.CreatedAt = t.now()
	acc.UpdatedAt = acc.CreatedAt
	t.st.accounts[acc.ID] = *acc
	return nil
}

func (t *memTx) GetAccount(id int) (*models.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return &a, nil
}

func (t *memTx) GetAccounts(ids []int) (map[int]*models.Account, error) {
	result := make(map[int]*models.Account, len(ids))
	for _, id := range ids {
		a, err := t.GetAccount(id)
		if err != nil {
			return nil, err
		}
		result[id] = a
	}
	return result, nil
}

// LockAccounts needs no row locks: the whole unit of work already holds the store mutex.
func (t *memTx) LockAccounts(ids []int) (map[int]*models.Account, error) {
	return t.GetAccounts(ids)
}

func (t *memTx) ListAccounts(organizationId int, fiscalYear int) ([]*models.Account, error) {
	var out []*models.Account
	for _, a := range t.st.accounts {
		if a.OrganizationId == organizationId && a.FiscalYear == fiscalYear {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *memTx) IncrementRealized(accountId int, amount decimal.Decimal) (*models.Account, error) {
	if err := models.ValidateAmount(amount); err != nil {
		return nil, err
	}
	a, ok := t.st.accounts[accountId]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	if a.Remaining.LessThan(amount) {
		return nil, &models.InsufficientBudgetError{AccountId: accountId, Requested: amount, Available: a.Remaining}
	}
	a.Realized = a.Realized.Add(amount)
	a.Remaining = a.Remaining.Sub(amount)
	a.Version++
	a.UpdatedAt = t.now()
	t.st.accounts[accountId] = a
	return &a, nil
}

func (t *memTx) CreateRealization(r *models.Realization) error {
	r.ID = t.nextId()
	r.CreatedAt = t.now()
	t.st.realizations[r.ID] = *r
	return nil
}

func (t *memTx) ListRealizations(accountId int) ([]*models.Realization, error) {
	var out []*models.Realization
	for _, id := range sortedKeys(t.st.realizations) {
		if r := t.st.realizations[id]; r.AccountId == accountId {
			out = append(out, &r)
		}
	}
	return out, nil
}

func (t *memTx) SumRealizations(accountId int) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, r := range t.st.realizations {
		if r.AccountId == accountId {
			sum = sum.Add(r.Amount)
		}
	}
	return sum, nil
}

func (t *memTx) CreateRequest(r *models.Request) error {
	for _, x := range t.st.requests {
		if x.OrganizationId == r.OrganizationId && x.FiscalYear == r.FiscalYear && x.DocumentNumber == r.DocumentNumber {
			return models.ErrDuplicate
		}
	}
	r.ID = t.nextId()
	r.CreatedAt = t.now()
	r.UpdatedAt = r.CreatedAt
	stored := *r
	stored.LineItems = nil
	t.st.requests[r.ID] = stored
	return nil
}

func (t *memTx) GetRequest(id int, forUpdate bool) (*models.Request, error) {
	r, ok := t.st.requests[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	r.LineItems = t.lineItemsOf(id)
	return &r, nil
}

func (t *memTx) lineItemsOf(requestId int) []*models.LineItem {
	var out []*models.LineItem
	for _, id := range sortedKeys(t.st.lineItems) {
		if li := t.st.lineItems[id]; li.RequestId == requestId {
			out = append(out, &li)
		}
	}
	return out
}

func (t *memTx) ListRequests(organizationId int, fiscalYear int, status models.RequestStatus) ([]*models.Request, error) {
	var out []*models.Request
	for _, id := range sortedKeys(t.st.requests) {
		r := t.st.requests[id]
		if r.OrganizationId != organizationId || r.FiscalYear != fiscalYear {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		r.LineItems = t.lineItemsOf(id)
		out = append(out, &r)
	}
	return out, nil
}

func (t *memTx) UpdateRequestStatus(id int, from models.RequestStatus, change models.RequestStatusChange) error {
	r, ok := t.st.requests[id]
	if !ok {
		return models.ErrRecordNotFound
	}
	if r.Status != from {
		return models.ErrConcurrentModification
	}
	r.ApplyStatusChange(change)
	r.UpdatedAt = t.now()
	t.st.requests[id] = r
	return nil
}

func (t *memTx) CreateLineItem(li *models.LineItem) error {
	if _, ok := t.st.requests[li.RequestId]; !ok {
		return models.ErrRecordNotFound
	}
	li.ID = t.nextId()
	li.CreatedAt = t.now()
	t.st.lineItems[li.ID] = *li
	return nil
}

func (t *memTx) DeleteLineItem(requestId int, lineItemId int) error {
	li, ok := t.st.lineItems[lineItemId]
	if !ok || li.RequestId != requestId {
		return models.ErrRecordNotFound
	}
	delete(t.st.lineItems, lineItemId)
	return nil
}

func (t *memTx) CreateDocument(d *models.Document) error {
	d.ID = t.nextId()
	d.CreatedAt = t.now()
	t.st.documents[d.ID] = *d
	return nil
}

func (t *memTx) ListDocuments(referenceType string, referenceId int) ([]*models.Document, error) {
	var out []*models.Document
	for _, id := range sortedKeys(t.st.documents) {
		if d := t.st.documents[id]; d.ReferenceType == referenceType && d.ReferenceId == referenceId {
			out = append(out, &d)
		}
	}
	return out, nil
}

func (t *memTx) CreateDisbursement(d *models.Disbursement) error {
	for _, x := range t.st.disbursements {
		if x.OrganizationId != d.OrganizationId {
			continue
		}
		if x.DisbursementNumber == d.DisbursementNumber {
			return models.ErrDuplicate
		}
		if d.IdempotencyKey != nil && x.IdempotencyKey != nil && *x.IdempotencyKey == *d.IdempotencyKey {
			return models.ErrDuplicate
		}
	}
	d.ID = t.nextId()
	d.CreatedAt = t.now()
	stored := *d
	stored.Realizations = nil
	t.st.disbursements[d.ID] = stored
	return nil
}

func (t *memTx) GetDisbursement(id int) (*models.Disbursement, error) {
	d, ok := t.st.disbursements[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	for _, rid := range sortedKeys(t.st.realizations) {
		if r := t.st.realizations[rid]; r.DisbursementId != nil && *r.DisbursementId == id {
			d.Realizations = append(d.Realizations, &r)
		}
	}
	return &d, nil
}

func (t *memTx) FindDisbursementByIdempotencyKey(organizationId int, key string) (*models.Disbursement, error) {
	for _, id := range sortedKeys(t.st.disbursements) {
		d := t.st.disbursements[id]
		if d.OrganizationId == organizationId && d.IdempotencyKey != nil && *d.IdempotencyKey == key {
			return t.GetDisbursement(id)
		}
	}
	return nil, models.ErrRecordNotFound
}

func (t *memTx) ListDisbursements(requestId int) ([]*models.Disbursement, error) {
	var out []*models.Disbursement
	for _, id := range sortedKeys(t.st.disbursements) {
		if t.st.disbursements[id].RequestId != requestId {
			continue
		}
		d, err := t.GetDisbursement(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (t *memTx) GetRole(organizationId int, name string) (*models.Role, error) {
	for _, r := range t.st.roles {
		if r.OrganizationId == organizationId && r.Name == name {
			return &r, nil
		}
	}
	return nil, models.ErrRecordNotFound
}

func (t *memTx) SaveRole(r *models.Role) error {
	if r.ID == 0 {
		if existing, err := t.GetRole(r.OrganizationId, r.Name); err == nil {
			r.ID = existing.ID
			r.CreatedAt = existing.CreatedAt
		} else {
			r.ID = t.nextId()
			r.CreatedAt = t.now()
		}
	}
	r.UpdatedAt = t.now()
	t.st.roles[r.ID] = *r
	return nil
}

func (t *memTx) CreateAuditRecord(rec *models.AuditEventRecord) error {
	rec.ID = t.nextId()
	rec.CreatedAt = t.now()
	rec.UpdatedAt = rec.CreatedAt
	t.st.auditRecords[rec.ID] = *rec
	return nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
