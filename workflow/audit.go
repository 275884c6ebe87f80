package workflow

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"github.com/sirupsen/logrus"
)

// AuditSink receives audit events after the mutation that produced them committed.
// Record must not block and has no way to fail the caller.
type AuditSink interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// AuditPublisher delivers one event somewhere durable.
type AuditPublisher interface {
	Publish(ctx context.Context, ev models.AuditEvent) error
}

// AsyncAuditSink queues events in memory and publishes them from one goroutine.
// When the queue is full the event is dropped and logged.
type AsyncAuditSink struct {
	publisher AuditPublisher
	logger    *logrus.Logger
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan models.AuditEvent
	done   chan struct{}
}

func NewAsyncAuditSink(publisher AuditPublisher, bufferSize int, logger *logrus.Logger) *AsyncAuditSink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s := &AsyncAuditSink{
		publisher: publisher,
		logger:    logger,
		timeout:   10 * time.Second,
		queue:     make(chan models.AuditEvent, bufferSize),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncAuditSink) Record(ctx context.Context, ev models.AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.warn(ev, "audit sink closed; event dropped")
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.warn(ev, "audit queue full; event dropped")
	}
}

func (s *AsyncAuditSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.warn(ev, "audit publish failed: "+err.Error())
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queue is drained or ctx ends.
func (s *AsyncAuditSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncAuditSink) warn(ev models.AuditEvent, msg string) {
	if s.logger == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"field":           "AuditSink",
		"action":          ev.Action,
		"organization_id": ev.OrganizationId,
		"entity_type":     ev.EntityType,
		"entity_id":       ev.EntityId,
		"correlation_id":  ev.CorrelationId,
	}).Warn(msg)
}

// OutboxAuditPublisher writes events to the audit outbox table; the dispatcher
// forwards them to Pub/Sub.
type OutboxAuditPublisher struct {
	store models.Store
}

func NewOutboxAuditPublisher(store models.Store) *OutboxAuditPublisher {
	return &OutboxAuditPublisher{store: store}
}

func (p *OutboxAuditPublisher) Publish(ctx context.Context, ev models.AuditEvent) error {
	rec, err := models.NewAuditEventRecord(ev)
	if err != nil {
		return err
	}
	return p.store.InTx(ctx, func(tx models.StoreTx) error {
		return tx.CreateAuditRecord(rec)
	})
}

// LogAuditPublisher writes events to the structured log only.
type LogAuditPublisher struct {
	Logger *logrus.Logger
}

func (p LogAuditPublisher) Publish(ctx context.Context, ev models.AuditEvent) error {
	if p.Logger == nil {
		return nil
	}
	p.Logger.WithFields(logrus.Fields{
		"field":           "Audit",
		"action":          ev.Action,
		"organization_id": ev.OrganizationId,
		"entity_type":     ev.EntityType,
		"entity_id":       ev.EntityId,
		"actor_id":        ev.ActorId,
		"correlation_id":  ev.CorrelationId,
		"data":            ev.Data,
	}).Info("audit event")
	return nil
}

// auditBuffer holds the events of one unit of work until it commits.
type auditBuffer struct {
	events []models.AuditEvent
}

func (b *auditBuffer) add(ev models.AuditEvent) {
	b.events = append(b.events, ev)
}

// reset drops events of a rolled back attempt.
func (b *auditBuffer) reset() {
	b.events = b.events[:0]
}

func (b *auditBuffer) flush(ctx context.Context, sink AuditSink) {
	if sink == nil {
		return
	}
	for _, ev := range b.events {
		sink.Record(ctx, ev)
	}
	b.events = nil
}

func newAuditEvent(ctx context.Context, action string, organizationId int, entityType string, entityId int, at time.Time, data map[string]any) models.AuditEvent {
	actorId, _ := utils.GetUserIdFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return models.AuditEvent{
		Action:         action,
		OrganizationId: organizationId,
		EntityType:     entityType,
		EntityId:       entityId,
		ActorId:        actorId,
		CorrelationId:  correlationId,
		OccurredAt:     at,
		Data:           data,
	}
}
