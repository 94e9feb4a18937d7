package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/audit"
)

// AuditService writes audit records asynchronously through a buffered channel
// and a background worker, so the invocation path never waits on output.
type AuditService struct {
	store         audit.AuditStore
	auditChan     chan audit.AuditRecord
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately when full
	dropCount   atomic.Int64

	warningThreshold int // percent of channelSize
	lastWarning      atomic.Int64

	// mu guards closed so Record never sends on a closed channel.
	mu     sync.RWMutex
	closed bool
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of records written per flush.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the maximum time records wait before being flushed.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the audit channel capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.auditChan = make(chan audit.AuditRecord, size)
			s.channelSize = size
		}
	}
}

// WithSendTimeout sets how long Record blocks on a full channel before dropping.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth percentage that logs a warning.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warningThreshold = min(max(percent, 0), 100)
	}
}

// NewAuditService creates an AuditService writing to store.
func NewAuditService(store audit.AuditStore, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultChannelSize = 1000
	s := &AuditService{
		store:            store,
		auditChan:        make(chan audit.AuditRecord, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the background worker.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record queues a record. It blocks for at most the send timeout; a record
// that cannot be queued in time is dropped and counted. Records sent after
// Stop are dropped.
func (s *AuditService) Record(record audit.AuditRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.recordDrop(record)
		return
	}

	if s.warningThreshold > 0 {
		depth := len(s.auditChan)
		if depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.auditChan <- record:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(record)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.auditChan <- record:
	case <-timer.C:
		s.recordDrop(record)
	}
}

func (s *AuditService) recordDrop(record audit.AuditRecord) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit record dropped",
		"event", record.Event,
		"request_id", record.RequestID,
		"total_drops", drops,
	)
}

// warnChannelDepth logs at most once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns the total number of dropped records.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the number of queued records.
func (s *AuditService) ChannelDepth() int {
	return len(s.auditChan)
}

// ChannelCapacity returns the channel capacity.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop closes the channel, waits for the worker to flush what is queued,
// and flushes the store. Safe to call more than once.
func (s *AuditService) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.auditChan)
	s.mu.Unlock()

	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Flush(ctx); err != nil {
		s.logger.Error("failed to flush audit store", "error", err)
	}
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.AuditRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flushNow := func() {
		if len(batch) == 0 {
			return
		}
		// Bounded and detached: the final flush often runs after ctx is done.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		s.flush(flushCtx, batch)
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record, ok := <-s.auditChan:
			if !ok {
				flushNow()
				return
			}
			batch = append(batch, record)
			if len(batch) >= s.batchSize {
				flushNow()
			}

		case <-ticker.C:
			flushNow()

		case <-ctx.Done():
			// Drain what is already queued; Stop closes the channel.
			for {
				select {
				case record, ok := <-s.auditChan:
					if !ok {
						flushNow()
						return
					}
					batch = append(batch, record)
				default:
					flushNow()
					return
				}
			}
		}
	}
}

// flush writes a batch. Errors are logged, never propagated: a broken audit
// sink must not stop invocations.
func (s *AuditService) flush(ctx context.Context, batch []audit.AuditRecord) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}
