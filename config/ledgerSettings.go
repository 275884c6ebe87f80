package config

import (
	"os"
	"strings"
	"time"
)

// LedgerSettings groups the env knobs of the ledger and disbursement engine.
//
// Env:
// - LEDGER_STORE: mysql (default) | memory
// - LEDGER_MAX_ATTEMPTS: attempts per disbursement before TransientConflict (default 3)
// - LEDGER_RETRY_BACKOFF_MS: first retry delay, doubled per attempt, capped at 2s (default 50)
// - ACCOUNT_LOCK_PROVIDER: local (default) | redis | none
// - ACCOUNT_LOCK_TTL_SECONDS: redis lock TTL (default 15)
// - ACCOUNT_LOCK_WAIT_MS: max time to wait for all account locks (default 3000)
// - AUDIT_SINK: outbox (default) | log
// - AUDIT_BUFFER_SIZE: async audit queue size (default 1024)
// - ATTACHMENT_VERIFY_STORAGE: also check attachment objects exist in GCS
type LedgerSettings struct {
	Store               string
	MaxAttempts         int
	RetryBackoff        time.Duration
	LockProvider        string
	LockTTL             time.Duration
	LockWait            time.Duration
	AuditSink           string
	AuditBufferSize     int
	VerifyAttachmentObj bool
}

func LoadLedgerSettings() LedgerSettings {
	s := LedgerSettings{
		Store:               strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_STORE"))),
		MaxAttempts:         intFromEnv("LEDGER_MAX_ATTEMPTS", 3),
		RetryBackoff:        time.Duration(intFromEnv("LEDGER_RETRY_BACKOFF_MS", 50)) * time.Millisecond,
		LockProvider:        strings.ToLower(strings.TrimSpace(os.Getenv("ACCOUNT_LOCK_PROVIDER"))),
		LockTTL:             time.Duration(intFromEnv("ACCOUNT_LOCK_TTL_SECONDS", 15)) * time.Second,
		LockWait:            time.Duration(intFromEnv("ACCOUNT_LOCK_WAIT_MS", 3000)) * time.Millisecond,
		AuditSink:           strings.ToLower(strings.TrimSpace(os.Getenv("AUDIT_SINK"))),
		AuditBufferSize:     intFromEnv("AUDIT_BUFFER_SIZE", 1024),
		VerifyAttachmentObj: boolFromEnv("ATTACHMENT_VERIFY_STORAGE", false),
	}
	if s.Store == "" {
		s.Store = "mysql"
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	if s.RetryBackoff < 0 {
		s.RetryBackoff = 0
	}
	if s.LockProvider == "" {
		s.LockProvider = "local"
	}
	if s.AuditSink == "" {
		s.AuditSink = "outbox"
	}
	if s.AuditBufferSize <= 0 {
		s.AuditBufferSize = 1024
	}
	return s
}

// SkipMigrations is SKIP_MIGRATIONS=true.
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}
