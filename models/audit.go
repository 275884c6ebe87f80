package models

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
)

const (
	AuditActionAccountCreated      = "account_created"
	AuditActionRealizationApplied  = "realization_applied"
	AuditActionRequestCreated      = "request_created"
	AuditActionLineItemAdded       = "line_item_added"
	AuditActionLineItemRemoved     = "line_item_removed"
	AuditActionDocumentAttached    = "document_attached"
	AuditActionDisbursementCreated = "disbursement_created"
)

const (
	AuditEntityAccount      = "account"
	AuditEntityRequest      = "request"
	AuditEntityDisbursement = "disbursement"
)

// AuditEvent is produced by the core after a mutation commits.
// Transition events use the workflow event name ("submit", "reject", ...) as Action.
type AuditEvent struct {
	Action         string         `json:"action"`
	OrganizationId int            `json:"organization_id"`
	EntityType     string         `json:"entity_type"`
	EntityId       int            `json:"entity_id"`
	ActorId        int            `json:"actor_id"`
	CorrelationId  string         `json:"correlation_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Data           map[string]any `json:"data"`
}

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// AuditEventRecord is the outbox row of one audit event, published after commit by the dispatcher.
type AuditEventRecord struct {
	ID               int        `gorm:"primary_key;index:idx_audit_dispatch,priority:3" json:"id"`
	OrganizationId   int        `gorm:"not null;index" json:"organization_id"`
	Action           string     `gorm:"size:50;not null;index" json:"action"`
	EntityType       string     `gorm:"size:50;not null;index:idx_audit_entity,priority:1" json:"entity_type"`
	EntityId         int        `gorm:"not null;index:idx_audit_entity,priority:2" json:"entity_id"`
	ActorId          int        `gorm:"not null" json:"actor_id"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	OccurredAt       time.Time  `gorm:"not null;index" json:"occurred_at"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index;index:idx_audit_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_audit_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func NewAuditEventRecord(ev AuditEvent) (*AuditEventRecord, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	return &AuditEventRecord{
		OrganizationId: ev.OrganizationId,
		Action:         ev.Action,
		EntityType:     ev.EntityType,
		EntityId:       ev.EntityId,
		ActorId:        ev.ActorId,
		Payload:        payload,
		CorrelationId:  ev.CorrelationId,
		OccurredAt:     ev.OccurredAt,
		PublishStatus:  OutboxPublishStatusPending,
	}, nil
}

func ConvertToAuditMessage(record AuditEventRecord) config.AuditMessage {
	return config.AuditMessage{
		ID:             record.ID,
		OrganizationId: record.OrganizationId,
		OccurredAt:     record.OccurredAt,
		Action:         record.Action,
		EntityType:     record.EntityType,
		EntityId:       record.EntityId,
		ActorId:        record.ActorId,
		Payload:        json.RawMessage(record.Payload),
		CorrelationId:  record.CorrelationId,
	}
}
