package audit

import "context"

// AuditStore persists audit records.
// Interface owned by domain per hexagonal architecture.
type AuditStore interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...AuditRecord) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// AuditFilter selects records from the in-memory buffer.
// Empty fields match everything.
type AuditFilter struct {
	Event     string
	RequestID string
	Verdict   string
	// Limit caps the result; 0 means no limit.
	Limit int
}

// Matches reports whether r satisfies the filter.
func (f AuditFilter) Matches(r AuditRecord) bool {
	if f.Event != "" && r.Event != f.Event {
		return false
	}
	if f.RequestID != "" && r.RequestID != f.RequestID {
		return false
	}
	if f.Verdict != "" && r.Verdict != f.Verdict {
		return false
	}
	return true
}
