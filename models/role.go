package models

import (
	"slices"
	"time"
)

// Role grants capabilities to the users of one organization.
// Capabilities are stored semicolon separated: "create;verify".
type Role struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId int       `gorm:"not null;index:uniq_role_name,unique,priority:1" json:"organization_id"`
	Name           string    `gorm:"size:100;not null;index:uniq_role_name,unique,priority:2" json:"name" binding:"required"`
	Capabilities   string    `gorm:"size:255;not null" json:"capabilities"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *Role) Has(c Capability) bool {
	if r == nil {
		return false
	}
	return slices.Contains(ParseCapabilities(r.Capabilities), c)
}

// Actor is the authenticated caller of a workflow operation.
type Actor struct {
	Id             int    `json:"id"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	OrganizationId int    `json:"organization_id"`
}
