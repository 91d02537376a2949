package audit

import (
	"context"
	"errors"
)

// MultiLogger writes each entry to every logger.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger constructs a MultiLogger. Nil loggers are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	out := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if logger != nil {
			out = append(out, logger)
		}
	}
	return &MultiLogger{loggers: out}
}

// Log forwards entry to all loggers and joins their errors.
func (m *MultiLogger) Log(ctx context.Context, entry Entry) error {
	if m == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
