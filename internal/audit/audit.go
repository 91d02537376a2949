package audit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Audit actions recorded by the access event subsystem.
const (
	ActionEventIngested = "access_event.ingested"
	ActionPollStart     = "poll.start"
	ActionPollStop      = "poll.stop"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string
	Actor         string
	Role          string
	Action        string
	ResourceType  string
	ResourceID    string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a random audit id.
func NewID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "audit-" + hex.EncodeToString(buf)
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ZapLogger writes audit entries to a structured log when no table is available.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger constructs a log-backed audit logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("audit")}
}

// Log writes the entry as one info line.
func (l *ZapLogger) Log(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	l.logger.Info(entry.Action,
		zap.String("audit_id", entry.ID),
		zap.String("actor", entry.Actor),
		zap.String("role", entry.Role),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID),
		zap.String("ip", entry.IP),
		zap.String("payload_digest", DigestJSON(entry.Metadata)),
	)
	return nil
}
