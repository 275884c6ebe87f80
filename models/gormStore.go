package models

import (
	"context"
	"errors"
	"slices"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists the ledger in MySQL.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) InTx(ctx context.Context, fn func(tx StoreTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
	return classifyDBError(err)
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) CreateAccount(acc *Account) error {
	return classifyDBError(t.db.Create(acc).Error)
}

func (t *gormTx) GetAccount(id int) (*Account, error) {
	var acc Account
	if err := t.db.Where("id = ?", id).First(&acc).Error; err != nil {
		return nil, classifyDBError(err)
	}
	return &acc, nil
}

func (t *gormTx) GetAccounts(ids []int) (map[int]*Account, error) {
	return t.findAccounts(t.db, ids)
}

func (t *gormTx) LockAccounts(ids []int) (map[int]*Account, error) {
	return t.findAccounts(t.db.Clauses(clause.Locking{Strength: "UPDATE"}), ids)
}

func (t *gormTx) findAccounts(q *gorm.DB, ids []int) (map[int]*Account, error) {
	ids = uniqueSorted(ids)
	result := make(map[int]*Account, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var accounts []*Account
	if err := q.Where("id IN ?", ids).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, classifyDBError(err)
	}
	for _, acc := range accounts {
		result[acc.ID] = acc
	}
	if len(result) != len(ids) {
		return nil, ErrRecordNotFound
	}
	return result, nil
}

func (t *gormTx) ListAccounts(organizationId int, fiscalYear int) ([]*Account, error) {
	var accounts []*Account
	err := t.db.Where("organization_id = ? AND fiscal_year = ?", organizationId, fiscalYear).
		Order("code ASC").Find(&accounts).Error
	return accounts, classifyDBError(err)
}

func (t *gormTx) IncrementRealized(accountId int, amount decimal.Decimal) (*Account, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	// the driver sends decimals as strings; cast so MySQL compares as DECIMAL, not DOUBLE
	exact := gorm.Expr("CAST(? AS DECIMAL(20,0))", amount.String())
	res := t.db.Model(&Account{}).
		Where("id = ? AND remaining >= ?", accountId, exact).
		Updates(map[string]interface{}{
			"realized":  gorm.Expr("realized + ?", exact),
			"remaining": gorm.Expr("remaining - ?", exact),
			"version":   gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, classifyDBError(res.Error)
	}
	acc, err := t.GetAccount(accountId)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, &InsufficientBudgetError{AccountId: accountId, Requested: amount, Available: acc.Remaining}
	}
	return acc, nil
}

func (t *gormTx) CreateRealization(r *Realization) error {
	return classifyDBError(t.db.Create(r).Error)
}

func (t *gormTx) ListRealizations(accountId int) ([]*Realization, error) {
	var rs []*Realization
	err := t.db.Where("account_id = ?", accountId).Order("id ASC").Find(&rs).Error
	return rs, classifyDBError(err)
}

func (t *gormTx) SumRealizations(accountId int) (decimal.Decimal, error) {
	var sum decimal.Decimal
	row := t.db.Model(&Realization{}).Where("account_id = ?", accountId).Select("COALESCE(SUM(amount), 0)").Row()
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, classifyDBError(err)
	}
	return sum, nil
}

func (t *gormTx) CreateRequest(r *Request) error {
	return classifyDBError(t.db.Omit("LineItems").Create(r).Error)
}

func (t *gormTx) GetRequest(id int, forUpdate bool) (*Request, error) {
	q := t.db
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var req Request
	if err := q.Where("id = ?", id).First(&req).Error; err != nil {
		return nil, classifyDBError(err)
	}
	if err := t.db.Where("request_id = ?", id).Order("id ASC").Find(&req.LineItems).Error; err != nil {
		return nil, classifyDBError(err)
	}
	return &req, nil
}

func (t *gormTx) ListRequests(organizationId int, fiscalYear int, status RequestStatus) ([]*Request, error) {
	q := t.db.Where("organization_id = ? AND fiscal_year = ?", organizationId, fiscalYear)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var reqs []*Request
	err := q.Preload("LineItems", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Order("id ASC").Find(&reqs).Error
	return reqs, classifyDBError(err)
}

func (t *gormTx) UpdateRequestStatus(id int, from RequestStatus, change RequestStatusChange) error {
	updates := map[string]interface{}{"status": change.To}
	switch change.To {
	case RequestStatusSubmitted:
		updates["submitted_at"] = change.At
	case RequestStatusVerified:
		updates["verified_at"] = change.At
	case RequestStatusFinal:
		updates["finalized_at"] = change.At
	case RequestStatusRejected:
		updates["rejected_at"] = change.At
		updates["rejected_by"] = change.ActorId
		updates["rejection_reason"] = change.Reason
	case RequestStatusDraft:
		updates["submitted_at"] = nil
		updates["verified_at"] = nil
		updates["rejected_at"] = nil
		updates["rejected_by"] = nil
		updates["rejection_reason"] = ""
	}
	res := t.db.Model(&Request{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if res.Error != nil {
		return classifyDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (t *gormTx) CreateLineItem(li *LineItem) error {
	return classifyDBError(t.db.Create(li).Error)
}

func (t *gormTx) DeleteLineItem(requestId int, lineItemId int) error {
	res := t.db.Where("id = ? AND request_id = ?", lineItemId, requestId).Delete(&LineItem{})
	if res.Error != nil {
		return classifyDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (t *gormTx) CreateDocument(d *Document) error {
	return classifyDBError(t.db.Create(d).Error)
}

func (t *gormTx) ListDocuments(referenceType string, referenceId int) ([]*Document, error) {
	var docs []*Document
	err := t.db.Where("reference_type = ? AND reference_id = ?", referenceType, referenceId).
		Order("id ASC").Find(&docs).Error
	return docs, classifyDBError(err)
}

func (t *gormTx) CreateDisbursement(d *Disbursement) error {
	return classifyDBError(t.db.Omit("Realizations").Create(d).Error)
}

func (t *gormTx) GetDisbursement(id int) (*Disbursement, error) {
	var d Disbursement
	err := t.db.Preload("Realizations", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", id).First(&d).Error
	if err != nil {
		return nil, classifyDBError(err)
	}
	return &d, nil
}

func (t *gormTx) FindDisbursementByIdempotencyKey(organizationId int, key string) (*Disbursement, error) {
	var d Disbursement
	err := t.db.Where("organization_id = ? AND idempotency_key = ?", organizationId, key).First(&d).Error
	if err != nil {
		return nil, classifyDBError(err)
	}
	return t.GetDisbursement(d.ID)
}

func (t *gormTx) ListDisbursements(requestId int) ([]*Disbursement, error) {
	var ds []*Disbursement
	err := t.db.Preload("Realizations", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("request_id = ?", requestId).Order("id ASC").Find(&ds).Error
	return ds, classifyDBError(err)
}

func (t *gormTx) GetRole(organizationId int, name string) (*Role, error) {
	var role Role
	if err := t.db.Where("organization_id = ? AND name = ?", organizationId, name).First(&role).Error; err != nil {
		return nil, classifyDBError(err)
	}
	return &role, nil
}

func (t *gormTx) SaveRole(r *Role) error {
	if r.ID > 0 {
		return classifyDBError(t.db.Save(r).Error)
	}
	var existing Role
	err := t.db.Where("organization_id = ? AND name = ?", r.OrganizationId, r.Name).First(&existing).Error
	if err == nil {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
		return classifyDBError(t.db.Save(r).Error)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return classifyDBError(err)
	}
	return classifyDBError(t.db.Create(r).Error)
}

func (t *gormTx) CreateAuditRecord(rec *AuditEventRecord) error {
	return classifyDBError(t.db.Create(rec).Error)
}

func uniqueSorted(ids []int) []int {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
