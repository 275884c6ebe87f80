package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Request is an NPD (nota pencairan dana) moving through the approval workflow.
type Request struct {
	ID              int           `gorm:"primary_key" json:"id"`
	OrganizationId  int           `gorm:"not null;index:uniq_request_doc,unique,priority:1" json:"organization_id"`
	FiscalYear      int           `gorm:"not null;index:uniq_request_doc,unique,priority:2" json:"fiscal_year"`
	DocumentNumber  string        `gorm:"size:100;not null;index:uniq_request_doc,unique,priority:3" json:"document_number"`
	Kind            RequestKind   `gorm:"size:2;not null" json:"kind"`
	Status          RequestStatus `gorm:"size:20;not null;index;default:'draft'" json:"status"`
	Description     string        `gorm:"type:text" json:"description"`
	CreatedBy       int           `gorm:"not null" json:"created_by"`
	RejectionReason string        `gorm:"type:text" json:"rejection_reason,omitempty"`
	RejectedBy      *int          `json:"rejected_by,omitempty"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	VerifiedAt      *time.Time    `json:"verified_at,omitempty"`
	FinalizedAt     *time.Time    `json:"finalized_at,omitempty"`
	RejectedAt      *time.Time    `json:"rejected_at,omitempty"`
	LineItems       []*LineItem   `gorm:"foreignKey:RequestId" json:"line_items"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type LineItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	RequestId   int             `gorm:"not null;index" json:"request_id"`
	AccountId   int             `gorm:"not null;index" json:"account_id"`
	Description string          `gorm:"type:text" json:"description"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,0);not null" json:"amount"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewRequest struct {
	DocumentNumber string `json:"document_number" binding:"required,max=100"`
	FiscalYear     int    `json:"fiscal_year" binding:"required,min=2000,max=2100"`
	Kind           string `json:"kind" binding:"required"`
	Description    string `json:"description"`
}

type NewLineItem struct {
	AccountId   int             `json:"account_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// RequestStatusChange is what a transition writes besides the status itself.
type RequestStatusChange struct {
	To      RequestStatus
	ActorId int
	Reason  string
	At      time.Time
}

func (input NewRequest) MapInput(organizationId int, createdBy int) (*Request, error) {
	kind, err := ParseRequestKind(input.Kind)
	if err != nil {
		return nil, err
	}
	docNo := strings.TrimSpace(input.DocumentNumber)
	if docNo == "" {
		return nil, fmt.Errorf("%w: document number is required", ErrInvalidInput)
	}
	return &Request{
		OrganizationId: organizationId,
		FiscalYear:     input.FiscalYear,
		DocumentNumber: docNo,
		Kind:           kind,
		Status:         RequestStatusDraft,
		Description:    strings.TrimSpace(input.Description),
		CreatedBy:      createdBy,
	}, nil
}

func (input NewLineItem) MapInput(requestId int) (*LineItem, error) {
	if err := ValidateAmount(input.Amount); err != nil {
		return nil, err
	}
	return &LineItem{
		RequestId:   requestId,
		AccountId:   input.AccountId,
		Amount:      input.Amount,
		Description: strings.TrimSpace(input.Description),
	}, nil
}

// Total is the sum of all line item amounts.
func (r *Request) Total() decimal.Decimal {
	amounts := make([]decimal.Decimal, len(r.LineItems))
	for i, li := range r.LineItems {
		amounts[i] = li.Amount
	}
	return SumDecimals(amounts...)
}

// AccountIds returns the distinct accounts referenced by the line items, ascending.
func (r *Request) AccountIds() []int {
	seen := make(map[int]bool, len(r.LineItems))
	ids := make([]int, 0, len(r.LineItems))
	for _, li := range r.LineItems {
		if !seen[li.AccountId] {
			seen[li.AccountId] = true
			ids = append(ids, li.AccountId)
		}
	}
	slices.Sort(ids)
	return ids
}

// ApplyStatusChange mirrors on the struct what the store persisted.
func (r *Request) ApplyStatusChange(c RequestStatusChange) {
	at := c.At
	r.Status = c.To
	switch c.To {
	case RequestStatusSubmitted:
		r.SubmittedAt = &at
	case RequestStatusVerified:
		r.VerifiedAt = &at
	case RequestStatusFinal:
		r.FinalizedAt = &at
	case RequestStatusRejected:
		actor := c.ActorId
		r.RejectedAt = &at
		r.RejectedBy = &actor
		r.RejectionReason = c.Reason
	case RequestStatusDraft:
		r.SubmittedAt = nil
		r.VerifiedAt = nil
		r.RejectedAt = nil
		r.RejectedBy = nil
		r.RejectionReason = ""
	}
}
