package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/models/memstore"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatedPublisher struct {
	started chan struct{}
	gate    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	published []models.AuditEvent
	fail      bool
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{started: make(chan struct{}), gate: make(chan struct{})}
}

func (p *gatedPublisher) Publish(_ context.Context, ev models.AuditEvent) error {
	p.once.Do(func() { close(p.started) })
	<-p.gate
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.published = append(p.published, ev)
	return nil
}

func (p *gatedPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestAsyncAuditSink_FullQueueDoesNotBlock(t *testing.T) {
	pub := newGatedPublisher()
	sink := NewAsyncAuditSink(pub, 1, quietLogger())

	sink.Record(context.Background(), models.AuditEvent{Action: "first"})
	<-pub.started

	done := make(chan struct{})
	go func() {
		sink.Record(context.Background(), models.AuditEvent{Action: "queued"})
		sink.Record(context.Background(), models.AuditEvent{Action: "dropped"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(pub.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	assert.Equal(t, 2, pub.count())

	// after close events are dropped, not panicking on a closed channel
	sink.Record(context.Background(), models.AuditEvent{Action: "late"})
	assert.Equal(t, 2, pub.count())
}

func TestAsyncAuditSink_PublishFailureDoesNotReachCaller(t *testing.T) {
	f := newFixture(t)
	pub := newGatedPublisher()
	pub.fail = true
	close(pub.gate)
	sink := NewAsyncAuditSink(pub, 8, quietLogger())
	f.ledger.audit = sink

	acc := f.account(t, "5.1", 10)
	_, err := f.ledger.ApplyRealization(context.Background(), acc.ID, rp(3))
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, f.reload(t, acc.ID).Realized.Equal(rp(3)))
}

func TestOutboxAuditPublisher(t *testing.T) {
	store := memstore.New()
	sink := NewAsyncAuditSink(NewOutboxAuditPublisher(store), 8, quietLogger())
	ledger := NewLedger(store, sink, testPermissions, quietLogger())

	ctx, _ := utils.EnsureCorrelationId(context.Background())
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	acc, err := ledger.CreateAccount(ctx, admin, models.NewAccount{Code: "5.1", FiscalYear: 2025, Allocation: rp(10)})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))

	records := store.AuditRecords()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, models.AuditActionAccountCreated, rec.Action)
	assert.Equal(t, acc.ID, rec.EntityId)
	assert.Equal(t, admin.Id, rec.ActorId)
	assert.Equal(t, correlationId, rec.CorrelationId)
	assert.Equal(t, models.OutboxPublishStatusPending, rec.PublishStatus)
	assert.JSONEq(t, `{"code":"5.1","fiscal_year":2025,"allocation":"10"}`, string(rec.Payload))
}

func TestAuditBuffer_ResetDropsRolledBackEvents(t *testing.T) {
	sink := &recordingSink{}
	var b auditBuffer
	b.add(models.AuditEvent{Action: "a"})
	b.reset()
	b.add(models.AuditEvent{Action: "b"})
	b.flush(context.Background(), sink)
	assert.Equal(t, []string{"b"}, sink.actions())
	b.flush(context.Background(), nil)
}

func TestOutboxDispatcher_Backoff(t *testing.T) {
	d := NewOutboxDispatcher(nil, nil, nil)
	assert.Equal(t, 5*time.Second, d.backoff(1))
	assert.Equal(t, 20*time.Second, d.backoff(3))
	assert.Equal(t, 10*time.Minute, d.backoff(12))

	// no publisher: Run returns at once
	d.Run(context.Background())
}
