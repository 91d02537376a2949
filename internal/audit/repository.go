package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository writes audit logs.
type Repository struct {
	db       *sql.DB
	numbered bool
}

// RepositoryOption customizes the repository.
type RepositoryOption func(*Repository)

// WithQuestionPlaceholders switches to ? placeholders for SQLite.
func WithQuestionPlaceholders() RepositoryOption {
	return func(r *Repository) {
		r.numbered = false
	}
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	if db == nil {
		return nil
	}
	repo := &Repository{db: db, numbered: true}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	metadata := string(entry.Metadata)
	if metadata == "" {
		metadata = "{}"
	}

	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO audit_logs (
	id, actor, role, action, resource_type, resource_id,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES (%s)`, r.placeholders(11)),
		entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID,
		metadata, entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}

func (r *Repository) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		if r.numbered {
			parts[i] = fmt.Sprintf("$%d", i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ",")
}
