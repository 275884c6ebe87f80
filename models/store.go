package models

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store runs units of work atomically. Everything done through the StoreTx
// passed to fn commits together or not at all.
type Store interface {
	InTx(ctx context.Context, fn func(tx StoreTx) error) error
}

// StoreTx is the persistence surface available inside one unit of work.
type StoreTx interface {
	CreateAccount(acc *Account) error
	GetAccount(id int) (*Account, error)
	// GetAccounts returns the accounts keyed by id; a missing id is ErrRecordNotFound.
	GetAccounts(ids []int) (map[int]*Account, error)
	// LockAccounts is GetAccounts holding row locks, taken in ascending id order.
	LockAccounts(ids []int) (map[int]*Account, error)
	ListAccounts(organizationId int, fiscalYear int) ([]*Account, error)
	// IncrementRealized adds amount to realized and takes it from remaining only if
	// remaining >= amount at write time, returning the account after the write.
	// Otherwise it fails with *InsufficientBudgetError and changes nothing.
	IncrementRealized(accountId int, amount decimal.Decimal) (*Account, error)

	CreateRealization(r *Realization) error
	ListRealizations(accountId int) ([]*Realization, error)
	SumRealizations(accountId int) (decimal.Decimal, error)

	CreateRequest(r *Request) error
	// GetRequest loads the request and its line items ordered by id.
	// forUpdate holds the request row until the unit of work ends.
	GetRequest(id int, forUpdate bool) (*Request, error)
	ListRequests(organizationId int, fiscalYear int, status RequestStatus) ([]*Request, error)
	// UpdateRequestStatus writes the change only if the stored status is still from;
	// otherwise it fails with ErrConcurrentModification.
	UpdateRequestStatus(id int, from RequestStatus, change RequestStatusChange) error
	CreateLineItem(li *LineItem) error
	DeleteLineItem(requestId int, lineItemId int) error

	CreateDocument(d *Document) error
	ListDocuments(referenceType string, referenceId int) ([]*Document, error)

	CreateDisbursement(d *Disbursement) error
	GetDisbursement(id int) (*Disbursement, error)
	FindDisbursementByIdempotencyKey(organizationId int, key string) (*Disbursement, error)
	ListDisbursements(requestId int) ([]*Disbursement, error)

	GetRole(organizationId int, name string) (*Role, error)
	SaveRole(r *Role) error

	CreateAuditRecord(rec *AuditEventRecord) error
}
