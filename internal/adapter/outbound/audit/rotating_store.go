// Package audit provides a file-based audit store for long-running
// execution environments: JSON Lines files under one directory, rotated by
// size, with a cap on how many files are kept. The cap is on file count, not
// age, since Lambda's /tmp is small and shared with the function.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/audit"
)

// Defaults for RotatingConfig.
const (
	DefaultMaxFileSizeMB = 10
	DefaultMaxFiles      = 5
	DefaultCacheSize     = 1000
)

// auditFilePattern matches audit-NNNNNN.jsonl.
var auditFilePattern = regexp.MustCompile(`^audit-(\d{6,})\.jsonl$`)

// parseSequence returns the sequence number of an audit file name.
func parseSequence(name string) (int, bool) {
	m := auditFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func fileName(seq int) string {
	return fmt.Sprintf("audit-%06d.jsonl", seq)
}

// RotatingConfig configures RotatingStore.
type RotatingConfig struct {
	// Dir is created if missing.
	Dir string
	// MaxFileSizeMB is the size at which the current file is rotated.
	MaxFileSizeMB int
	// MaxFiles is how many files are kept, the current one included.
	MaxFiles int
	// CacheSize is the number of recent records kept in memory.
	CacheSize int
}

// RotatingStore implements audit.AuditStore over a directory of JSON Lines files.
type RotatingStore struct {
	dir         string
	maxFileSize int64
	maxFiles    int
	logger      *slog.Logger

	mu          sync.Mutex
	current     *os.File
	currentSeq  int
	currentSize int64
	closed      bool

	cache *recentCache
}

// NewRotatingStore opens the newest audit file in cfg.Dir for appending,
// prunes files beyond the cap, and loads the newest records into the cache
// so a restarted gate keeps its recent history.
func NewRotatingStore(cfg RotatingConfig, logger *slog.Logger) (*RotatingStore, error) {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &RotatingStore{
		dir:         cfg.Dir,
		maxFileSize: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		maxFiles:    cfg.MaxFiles,
		logger:      logger,
		cache:       newRecentCache(cfg.CacheSize),
	}

	seqs := s.sequences()
	if len(seqs) > 0 {
		s.populateCache(seqs)
		s.currentSeq = seqs[len(seqs)-1]
	} else {
		s.currentSeq = 1
	}

	if err := s.openLocked(s.currentSeq); err != nil {
		return nil, err
	}
	s.pruneLocked()
	return s, nil
}

// Append writes records as JSON lines, rotating when the current file is full.
func (s *RotatingStore) Append(_ context.Context, records ...audit.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit store closed")
	}

	for _, rec := range records {
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateLocked(); err != nil {
				return fmt.Errorf("rotate audit file: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.current.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.currentSize += int64(n)
		s.cache.Add(rec)
	}
	return nil
}

// Flush syncs the current file.
func (s *RotatingStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return s.current.Sync()
	}
	return nil
}

// Close syncs and closes the current file. It is safe to call twice.
func (s *RotatingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.current == nil {
		return nil
	}
	_ = s.current.Sync()
	err := s.current.Close()
	s.current = nil
	return err
}

// GetRecent returns up to n of the most recent records, newest first.
func (s *RotatingStore) GetRecent(n int) []audit.AuditRecord {
	return s.cache.Query(audit.AuditFilter{Limit: n})
}

// Query returns cached records matching filter, newest first.
func (s *RotatingStore) Query(filter audit.AuditFilter) []audit.AuditRecord {
	return s.cache.Query(filter)
}

// openLocked opens file seq for appending. Must be called with s.mu held
// or before the store is shared.
func (s *RotatingStore) openLocked(seq int) error {
	path := filepath.Join(s.dir, fileName(seq))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit file %s: %w", path, err)
	}

	s.current = f
	s.currentSeq = seq
	s.currentSize = info.Size()
	return nil
}

// rotateLocked closes the current file, opens the next one and prunes.
func (s *RotatingStore) rotateLocked() error {
	if s.current != nil {
		_ = s.current.Sync()
		_ = s.current.Close()
		s.current = nil
	}
	if err := s.openLocked(s.currentSeq + 1); err != nil {
		return err
	}
	s.pruneLocked()
	return nil
}

// pruneLocked removes the oldest files beyond maxFiles.
func (s *RotatingStore) pruneLocked() {
	seqs := s.sequences()
	if len(seqs) <= s.maxFiles {
		return
	}
	for _, seq := range seqs[:len(seqs)-s.maxFiles] {
		if seq == s.currentSeq {
			continue
		}
		name := fileName(seq)
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Error("audit prune: failed to delete file", "file", name, "error", err)
			continue
		}
		s.logger.Debug("audit prune: deleted file", "file", name)
	}
}

// sequences lists existing audit file sequence numbers, oldest first.
func (s *RotatingStore) sequences() []int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var seqs []int
	for _, e := range entries {
		if seq, ok := parseSequence(e.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Ints(seqs)
	return seqs
}

// populateCache loads the newest non-empty file into the cache.
func (s *RotatingStore) populateCache(seqs []int) {
	for i := len(seqs) - 1; i >= 0; i-- {
		name := fileName(seqs[i])
		f, err := os.Open(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Error("audit cache: failed to open file", "file", name, "error", err)
			return
		}

		var records []audit.AuditRecord
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec audit.AuditRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				s.logger.Warn("audit cache: skipping malformed line", "file", name, "error", err)
				continue
			}
			records = append(records, rec)
		}
		if err := scanner.Err(); err != nil {
			s.logger.Error("audit cache: error reading file", "file", name, "error", err)
		}
		_ = f.Close()

		if len(records) == 0 {
			continue
		}
		start := 0
		if len(records) > s.cache.size {
			start = len(records) - s.cache.size
		}
		for _, rec := range records[start:] {
			s.cache.Add(rec)
		}
		return
	}
}

// Compile-time interface verification.
var _ audit.AuditStore = (*RotatingStore)(nil)

// recentCache is a ring buffer of recent audit records.
type recentCache struct {
	mu      sync.RWMutex
	entries []audit.AuditRecord
	size    int
	head    int
	count   int
}

func newRecentCache(size int) *recentCache {
	return &recentCache{
		entries: make([]audit.AuditRecord, size),
		size:    size,
	}
}

// Add adds a record, overwriting the oldest entry when full.
func (c *recentCache) Add(rec audit.AuditRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Query returns matching entries, newest first.
func (c *recentCache) Query(filter audit.AuditFilter) []audit.AuditRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 || limit > c.count {
		limit = c.count
	}

	var result []audit.AuditRecord
	for i := 0; i < c.count && len(result) < limit; i++ {
		// head is the next write position, so head-1 is the newest.
		rec := c.entries[(c.head-1-i+c.size)%c.size]
		if filter.Matches(rec) {
			result = append(result, rec)
		}
	}
	return result
}
