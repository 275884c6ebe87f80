package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/sirupsen/logrus"
)

// Services is the wired core: ledger, request workflow and disbursement engine
// sharing one store, one audit sink and one permission checker.
type Services struct {
	Store         models.Store
	Ledger        *Ledger
	Requests      *RequestWorkflow
	Disbursements *DisbursementEngine
	Permissions   *RolePermissionChecker
	Audit         *AsyncAuditSink
}

// NewServices wires the core from settings. Close must be called to drain the audit queue.
func NewServices(settings config.LedgerSettings, store models.Store, logger *logrus.Logger) (*Services, error) {
	if logger == nil {
		logger = config.GetLogger()
	}

	var locker AccountLocker
	switch settings.LockProvider {
	case "redis":
		client := config.GetRedisLock()
		if client == nil {
			return nil, fmt.Errorf("ACCOUNT_LOCK_PROVIDER=redis but redis is not connected")
		}
		locker = NewRedisAccountLocker(client, settings.LockTTL, logger)
	case "none":
		locker = NoopAccountLocker{}
	case "local":
		locker = NewLocalAccountLocker()
	default:
		return nil, fmt.Errorf("unknown ACCOUNT_LOCK_PROVIDER %q", settings.LockProvider)
	}

	var publisher AuditPublisher
	switch settings.AuditSink {
	case "log":
		publisher = LogAuditPublisher{Logger: logger}
	case "outbox":
		if _, ok := store.(*models.GormStore); !ok {
			// only the gorm store has a dispatcher draining the outbox
			logger.WithField("field", "NewServices").Warn("AUDIT_SINK=outbox needs the gorm store, falling back to log")
			publisher = LogAuditPublisher{Logger: logger}
			break
		}
		publisher = NewOutboxAuditPublisher(store)
	default:
		return nil, fmt.Errorf("unknown AUDIT_SINK %q", settings.AuditSink)
	}
	audit := NewAsyncAuditSink(publisher, settings.AuditBufferSize, logger)

	var objects ObjectChecker
	if settings.VerifyAttachmentObj {
		objects = GCSObjectChecker{}
	}
	attachments := NewDocumentAttachmentValidator(store, DefaultRequiredDocuments(), objects)
	permissions := NewRolePermissionChecker(store, config.CacheLifespan())

	ledger := NewLedger(store, audit, permissions, logger)
	return &Services{
		Store:    store,
		Ledger:   ledger,
		Requests: NewRequestWorkflow(store, audit, permissions, attachments, logger),
		Disbursements: NewDisbursementEngine(store, ledger, audit, permissions, logger, DisbursementEngineOptions{
			Locker:   locker,
			Retry:    RetryPolicy{MaxAttempts: settings.MaxAttempts, Backoff: settings.RetryBackoff},
			LockWait: settings.LockWait,
		}),
		Permissions: permissions,
		Audit:       audit,
	}, nil
}

func (s *Services) Close(ctx context.Context) error {
	return s.Audit.Close(ctx)
}
