package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account is one budget line (kode rekening) of an organization for one fiscal year.
// remaining == allocation - realized holds for every committed row.
type Account struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId int             `gorm:"not null;index:uniq_account_code,unique,priority:1" json:"organization_id"`
	FiscalYear     int             `gorm:"not null;index:uniq_account_code,unique,priority:2" json:"fiscal_year"`
	Code           string          `gorm:"size:64;not null;index:uniq_account_code,unique,priority:3" json:"code"`
	Description    string          `gorm:"type:text" json:"description"`
	Allocation     decimal.Decimal `gorm:"type:decimal(20,0);not null" json:"allocation"`
	Realized       decimal.Decimal `gorm:"type:decimal(20,0);not null;default:0" json:"realized"`
	Remaining      decimal.Decimal `gorm:"type:decimal(20,0);not null;check:chk_accounts_remaining,remaining >= 0" json:"remaining"`
	Version        int             `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAccount struct {
	Code        string          `json:"code" binding:"required,max=64"`
	Description string          `json:"description"`
	FiscalYear  int             `json:"fiscal_year" binding:"required,min=2000,max=2100"`
	Allocation  decimal.Decimal `json:"allocation"`
}

// Balance is the financial state of an account at one point in time.
type Balance struct {
	Realized  decimal.Decimal `json:"realized"`
	Remaining decimal.Decimal `json:"remaining"`
}

func (a *Account) Balance() Balance {
	return Balance{Realized: a.Realized, Remaining: a.Remaining}
}

var accountCodePattern = regexp.MustCompile(`^\d+(\.\d+)*$`)

// MapInput builds a fresh account: nothing realized, remaining equals the allocation.
func (input NewAccount) MapInput(organizationId int) (*Account, error) {
	code := strings.TrimSpace(input.Code)
	if !accountCodePattern.MatchString(code) {
		return nil, fmt.Errorf("%w: account code must be dot separated digits, e.g. 5.1.01.01.01.001", ErrInvalidInput)
	}
	if input.Allocation.IsNegative() || !input.Allocation.IsInteger() || input.Allocation.GreaterThan(MaxAmount) {
		return nil, fmt.Errorf("%w: allocation must be a non-negative whole number", ErrInvalidInput)
	}
	return &Account{
		OrganizationId: organizationId,
		FiscalYear:     input.FiscalYear,
		Code:           code,
		Description:    strings.TrimSpace(input.Description),
		Allocation:     input.Allocation,
		Realized:       decimal.Zero,
		Remaining:      input.Allocation,
	}, nil
}

// CheckConservation verifies remaining == allocation - realized and realized <= allocation.
func (a *Account) CheckConservation() error {
	if !a.Remaining.Equal(a.Allocation.Sub(a.Realized)) {
		return errors.New("remaining does not equal allocation minus realized")
	}
	if a.Realized.GreaterThan(a.Allocation) {
		return errors.New("realized exceeds allocation")
	}
	return nil
}
