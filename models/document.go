package models

import (
	"fmt"
	"strings"
	"time"
)

const DocumentReferenceRequest = "requests"

// Document is attachment metadata; the file itself lives in object storage.
type Document struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId int       `gorm:"not null;index" json:"organization_id"`
	ReferenceType  string    `gorm:"size:50;not null;index:idx_document_reference,priority:1" json:"reference_type"`
	ReferenceId    int       `gorm:"not null;index:idx_document_reference,priority:2" json:"reference_id"`
	DocumentType   string    `gorm:"size:50;not null" json:"document_type"`
	DocumentUrl    string    `gorm:"type:text;not null" json:"document_url"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewDocument struct {
	DocumentType string `json:"document_type" binding:"required,max=50"`
	DocumentUrl  string `json:"document_url" binding:"required,url"`
}

func (input NewDocument) MapInput(organizationId int, referenceType string, referenceId int) (*Document, error) {
	docType := strings.ToLower(strings.TrimSpace(input.DocumentType))
	if docType == "" {
		return nil, fmt.Errorf("%w: document type is required", ErrInvalidInput)
	}
	return &Document{
		OrganizationId: organizationId,
		ReferenceType:  referenceType,
		ReferenceId:    referenceId,
		DocumentType:   docType,
		DocumentUrl:    strings.TrimSpace(input.DocumentUrl),
	}, nil
}
