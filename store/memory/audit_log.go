package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
)

type AuditLog struct {
	mu      sync.Mutex
	records []core.AuditRecord
	Err     error
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (l *AuditLog) LogWebhookProcessing(_ context.Context, record core.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.Metadata = core.CloneFields(record.Metadata)
	l.records = append(l.records, record)
	return nil
}

func (l *AuditLog) Records() []core.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.AuditRecord(nil), l.records...)
}

var _ core.AuditLogger = (*AuditLog)(nil)
