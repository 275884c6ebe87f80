package models

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrRecordNotFound         = errors.New("record not found")
	ErrInsufficientBudget     = errors.New("insufficient budget")
	ErrBudgetExceeded         = errors.New("budget exceeded")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrInvalidRequestState    = errors.New("invalid request state")
	ErrDistributionMismatch   = errors.New("distribution mismatch")
	ErrExceedsRequestTotal    = errors.New("cash amount exceeds request total")
	ErrIncompleteAttachments  = errors.New("incomplete attachments")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrTransientConflict      = errors.New("transient conflict, try again")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrReasonRequired         = errors.New("reason is required")
	ErrInvalidAmount          = errors.New("amount must be a positive whole number")
	ErrEmptyRequest           = errors.New("request has no line items")
	ErrFiscalYearMismatch     = errors.New("account fiscal year does not match request")
	ErrDuplicate              = errors.New("duplicate record")
	ErrInvalidInput           = errors.New("invalid input")
)

// InsufficientBudgetError carries the account and amounts behind ErrInsufficientBudget.
type InsufficientBudgetError struct {
	AccountId int
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on account %d: requested %s, available %s",
		e.AccountId, e.Requested.String(), e.Available.String())
}

func (e *InsufficientBudgetError) Is(target error) bool { return target == ErrInsufficientBudget }

// BudgetExceededError is the workflow guard failure for one line item.
type BudgetExceededError struct {
	LineItemId int
	AccountId  int
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("line item %d exceeds remaining budget of account %d: requested %s, available %s",
		e.LineItemId, e.AccountId, e.Requested.String(), e.Available.String())
}

func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// classifyDBError maps driver errors onto the domain taxonomy.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062:
			return fmt.Errorf("%w: %s", ErrDuplicate, mysqlErr.Message)
		case 1213, 1205:
			// deadlock / lock wait timeout: the whole transaction was rolled back
			return fmt.Errorf("%w: %s", ErrConcurrentModification, mysqlErr.Message)
		case 3819:
			// check constraint (remaining >= 0) violated
			return fmt.Errorf("%w: %s", ErrInsufficientBudget, mysqlErr.Message)
		}
	}
	return err
}

// IsRetryable reports whether a failed attempt may be re-run from scratch.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
