// Package memory provides the in-memory audit store.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/audit"
)

const defaultRecentCap = 1000

// MemoryAuditStore implements audit.AuditStore writing JSON lines to a writer.
// It also keeps a bounded ring buffer of recent records for queries.
type MemoryAuditStore struct {
	mu      sync.Mutex
	encoder *json.Encoder
	writer  io.Writer

	// recent is a ring buffer; next is the slot the next record goes to.
	recent []audit.AuditRecord
	next   int
	full   bool
}

// NewAuditStore creates a store writing to stdout with a ring buffer of capacity records.
func NewAuditStore(capacity int) *MemoryAuditStore {
	return NewAuditStoreWithWriter(os.Stdout, capacity)
}

// NewAuditStoreWithWriter creates a store writing to w.
// A non-positive capacity uses the default of 1000.
func NewAuditStoreWithWriter(w io.Writer, capacity int) *MemoryAuditStore {
	if capacity <= 0 {
		capacity = defaultRecentCap
	}
	return &MemoryAuditStore{
		encoder: json.NewEncoder(w),
		writer:  w,
		recent:  make([]audit.AuditRecord, capacity),
	}
}

// Append writes records as JSON lines and keeps them in the ring buffer.
func (s *MemoryAuditStore) Append(_ context.Context, records ...audit.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if err := s.encoder.Encode(r); err != nil {
			return err
		}
		s.recent[s.next] = r
		s.next = (s.next + 1) % len(s.recent)
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Flush syncs the output when it is a file.
func (s *MemoryAuditStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Sync()
	}
	return nil
}

// Close closes the output when it is a file the store owns.
func (s *MemoryAuditStore) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// GetRecent returns up to n of the most recent records, newest first.
func (s *MemoryAuditStore) GetRecent(n int) []audit.AuditRecord {
	return s.Query(audit.AuditFilter{Limit: n})
}

// Query returns buffered records matching filter, newest first.
func (s *MemoryAuditStore) Query(filter audit.AuditFilter) []audit.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.full {
		size = len(s.recent)
	}
	limit := filter.Limit
	if limit <= 0 || limit > size {
		limit = size
	}

	var result []audit.AuditRecord
	for i := 1; i <= size && len(result) < limit; i++ {
		rec := s.recent[(s.next-i+len(s.recent))%len(s.recent)]
		if filter.Matches(rec) {
			result = append(result, rec)
		}
	}
	return result
}

// Compile-time interface verification.
var _ audit.AuditStore = (*MemoryAuditStore)(nil)
