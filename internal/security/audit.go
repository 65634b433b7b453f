// Package security provides credential storage, token renewal, audit logging,
// and secret masking.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Order mutations
	AuditOrderPlaced    AuditEventType = "ORDER_PLACED"
	AuditOrderModified  AuditEventType = "ORDER_MODIFIED"
	AuditOrderCancelled AuditEventType = "ORDER_CANCELLED"

	// Credential events
	AuditTokenRenewed    AuditEventType = "TOKEN_RENEWED"
	AuditTokenRenewFail  AuditEventType = "TOKEN_RENEW_FAILED"
	AuditAuthFailed      AuditEventType = "AUTH_FAILED"
	AuditCredentialWrite AuditEventType = "CREDENTIAL_WRITE"

	// Protection passes
	AuditPassCompleted AuditEventType = "PASS_COMPLETED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	PassID    string                 `json:"pass_id,omitempty"`
}

// AuditLogger appends JSON lines describing every broker mutation.
type AuditLogger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "dhan-tracker", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger backed by a rotating file.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	return NewAuditLoggerWithWriter(writer), nil
}

// NewAuditLoggerWithWriter creates an audit logger writing to w.
func NewAuditLoggerWithWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		writer:    w,
		sessionID: uuid.NewString(),
	}
}

type passIDKey struct{}

// WithPassID tags audit events logged under ctx with a protection pass id.
func WithPassID(ctx context.Context, passID string) context.Context {
	return context.WithValue(ctx, passIDKey{}, passID)
}

// PassID returns the pass id carried by ctx, if any.
func PassID(ctx context.Context) string {
	id, _ := ctx.Value(passIDKey{}).(string)
	return id
}

// Log writes an audit event. A nil logger discards events.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	if event.PassID == "" {
		event.PassID = PassID(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogOrder logs a protective order mutation.
func (al *AuditLogger) LogOrder(ctx context.Context, eventType AuditEventType, orderID, symbol string, details map[string]interface{}, err error) error {
	event := AuditEvent{
		EventType: eventType,
		OrderID:   orderID,
		Symbol:    symbol,
		Action:    "SELL",
		Details:   details,
		Success:   err == nil,
	}
	if err != nil {
		event.ErrorMsg = MaskSensitive(err.Error())
	}
	return al.Log(ctx, event)
}

// LogTokenRenewal logs a credential renewal attempt.
func (al *AuditLogger) LogTokenRenewal(ctx context.Context, err error) error {
	event := AuditEvent{EventType: AuditTokenRenewed, Success: err == nil}
	if err != nil {
		event.EventType = AuditTokenRenewFail
		event.ErrorMsg = MaskSensitive(err.Error())
	}
	return al.Log(ctx, event)
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
