package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Disbursement is an SP2D: cash released against one final Request.
type Disbursement struct {
	ID                 int                `gorm:"primary_key" json:"id"`
	OrganizationId     int                `gorm:"not null;index:uniq_disbursement_number,unique,priority:1;index:uniq_disbursement_idem,unique,priority:1" json:"organization_id"`
	DisbursementNumber string             `gorm:"size:120;not null;index:uniq_disbursement_number,unique,priority:2" json:"disbursement_number"`
	RequestId          int                `gorm:"not null;index" json:"request_id"`
	CashAmount         decimal.Decimal    `gorm:"type:decimal(20,0);not null" json:"cash_amount"`
	Policy             DistributionPolicy `gorm:"size:20;not null" json:"policy"`
	IdempotencyKey     *string            `gorm:"size:255;index:uniq_disbursement_idem,unique,priority:2" json:"idempotency_key,omitempty"`
	CreatedBy          int                `gorm:"not null" json:"created_by"`
	Realizations       []*Realization     `gorm:"foreignKey:DisbursementId" json:"realizations"`
	CreatedAt          time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

// Realization is one ledger entry: an amount applied to one account.
// Rows are insert-only; a correction is a new row.
type Realization struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId int             `gorm:"not null;index" json:"organization_id"`
	DisbursementId *int            `gorm:"index" json:"disbursement_id"`
	LineItemId     *int            `json:"line_item_id"`
	AccountId      int             `gorm:"not null;index" json:"account_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,0);not null" json:"amount"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewDisbursement struct {
	DisbursementNumber string                  `json:"disbursement_number" binding:"max=120"`
	CashAmount         decimal.Decimal         `json:"cash_amount"`
	Policy             string                  `json:"policy" binding:"required"`
	ManualAllocations  map[int]decimal.Decimal `json:"manual_allocations"`
	IdempotencyKey     string                  `json:"idempotency_key" binding:"max=255"`
}

// Total is the sum of the realizations of the disbursement.
func (d *Disbursement) Total() decimal.Decimal {
	amounts := make([]decimal.Decimal, len(d.Realizations))
	for i, r := range d.Realizations {
		amounts[i] = r.Amount
	}
	return SumDecimals(amounts...)
}
