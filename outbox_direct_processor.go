package main

import (
	"context"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
	"bitbucket.org/mmdatafocus/pagu_backend/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// shouldDeliverDirect: OUTBOX_DIRECT_PROCESSING=true forces log delivery; otherwise
// it is used only when Pub/Sub is not configured (local/dev).
func shouldDeliverDirect() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_PROCESSING")))
	if val == "true" {
		return true
	}
	return !config.PubSubConfigured()
}

// auditPublishFunc picks where the outbox dispatcher delivers audit records.
func auditPublishFunc(logger *logrus.Logger) workflow.PublishFunc {
	if !shouldDeliverDirect() {
		return config.PublishAuditEventWithResult
	}
	logger.WithFields(logrus.Fields{"field": "OutboxDirectProcessor"}).Warn("Pub/Sub not configured; audit records are delivered to the log")
	return directAuditDelivery(logger)
}

// directAuditDelivery writes the message to the structured log and reports a local id,
// so the record is marked SENT exactly as a Pub/Sub publish would.
func directAuditDelivery(logger *logrus.Logger) workflow.PublishFunc {
	return func(ctx context.Context, msg config.AuditMessage) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		logger.WithFields(logrus.Fields{
			"field":           "OutboxDirectProcessor",
			"record_id":       msg.ID,
			"organization_id": msg.OrganizationId,
			"action":          msg.Action,
			"entity_type":     msg.EntityType,
			"entity_id":       msg.EntityId,
			"actor_id":        msg.ActorId,
			"correlation_id":  msg.CorrelationId,
			"payload":         string(msg.Payload),
		}).Info("audit event delivered")
		return "direct-" + uuid.NewString(), nil
	}
}
