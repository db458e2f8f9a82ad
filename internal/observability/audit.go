package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent is one entry in the sync journal
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	ProjectID string                 `json:"project_id,omitempty"`
	Action    string                 `json:"action"` // e.g., "record_added", "store_created"
	Status    string                 `json:"status"` // "success", "failure", "skipped"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger persists an append-only journal of sync actions
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger instance, writing to
// stderr until InitAuditLogger points it at a file.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	}
	return auditInst
}

// InitAuditLogger points the global audit logger at a journal file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()
	return nil
}

// Record emits an audit event to the journal
func (a *AuditLogger) Record(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("user_id", event.UserID).
		Str("project_id", event.ProjectID).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// Helper methods for common events

func RecordIngestAudit(userID, projectID, action, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(AuditEvent{
		Type:      "ingest",
		UserID:    userID,
		ProjectID: projectID,
		Action:    action,
		Status:    status,
		Metadata:  metadata,
	})
}

func RecordStoreAudit(userID, projectID, action, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(AuditEvent{
		Type:      "store",
		UserID:    userID,
		ProjectID: projectID,
		Action:    action,
		Status:    status,
		Metadata:  metadata,
	})
}

func RecordResyncAudit(userID, projectID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(AuditEvent{
		Type:      "resync",
		UserID:    userID,
		ProjectID: projectID,
		Action:    "force_resync",
		Status:    status,
		Metadata:  metadata,
	})
}
