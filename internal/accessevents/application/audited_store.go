package application

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	accessevents "dorm-access/internal/accessevents/domain"
	"dorm-access/internal/audit"
)

const pollerActor = "system:poller"

// AuditedEventRepository records an audit entry for every newly inserted event.
// Audit failures are logged and never fail the insert.
type AuditedEventRepository struct {
	accessevents.EventRepository
	audit  audit.Logger
	logger *zap.Logger
}

// NewAuditedEventRepository wraps repo with audit logging.
func NewAuditedEventRepository(repo accessevents.EventRepository, auditLogger audit.Logger, logger *zap.Logger) (*AuditedEventRepository, error) {
	if repo == nil {
		return nil, errors.New("audited repo: nil event repository")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditedEventRepository{EventRepository: repo, audit: auditLogger, logger: logger}, nil
}

// InsertIfAbsent inserts the event and audits a new row.
func (r *AuditedEventRepository) InsertIfAbsent(ctx context.Context, event accessevents.AccessEvent) (accessevents.InsertResult, error) {
	result, err := r.EventRepository.InsertIfAbsent(ctx, event)
	if err != nil || !result.Inserted || r.audit == nil {
		return result, err
	}
	stored := event
	if result.Event != nil {
		stored = *result.Event
	}
	metadata, _ := json.Marshal(map[string]any{
		"doorId":     stored.DoorID,
		"eventType":  stored.EventType,
		"personId":   stored.PersonID,
		"occurredAt": stored.OccurredAt,
	})
	entry := audit.Entry{
		Actor:        pollerActor,
		Action:       audit.ActionEventIngested,
		ResourceType: "access_event",
		ResourceID:   stored.ExternalID,
		Metadata:     metadata,
	}
	if auditErr := r.audit.Log(ctx, entry); auditErr != nil {
		r.logger.Warn("audit access event failed", zap.String("external_id", stored.ExternalID), zap.Error(auditErr))
	}
	return result, nil
}
