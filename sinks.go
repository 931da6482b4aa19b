package insights

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log" // Internal handler errors only; the stream carries the events themselves.
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// Downstream consumer handlers: the audit archive, the rotating journal and
// the cost aggregator. Each is a Handler suitable for Bus.Consume or
// Bus.Replay; run each in its own consumer group so they receive every
// event independently.

// SetupArchive initializes the invocations table and its indexes in the
// provided SQL database. It creates the table if it does not already exist
// and indexes run_id, project_id and time for the query patterns the
// archive serves.
//
// Parameters:
//   - db: An initialized `*sql.DB` connection pool.
//
// Returns:
//   - error: An error if table or index creation fails.
func SetupArchive(db *sql.DB) error {
	createTableQuery := `
CREATE TABLE IF NOT EXISTS invocations (
	invocation_id VARCHAR(36) PRIMARY KEY,
	entry_id VARCHAR(64) NOT NULL,
	time TIMESTAMP NOT NULL,
	governance_mode VARCHAR(8) NOT NULL,
	project_id VARCHAR(255) NOT NULL,
	run_id VARCHAR(255),
	tier VARCHAR(16) NOT NULL,
	status VARCHAR(16) NOT NULL,
	payload TEXT NOT NULL
)`
	if _, err := db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create invocations table: %w", err)
	}

	createRunIndexQuery := `
CREATE INDEX IF NOT EXISTS idx_invocations_run_id ON invocations (run_id);`
	if _, err := db.Exec(createRunIndexQuery); err != nil {
		return fmt.Errorf("failed to create run_id index: %w", err)
	}

	createProjectIndexQuery := `
CREATE INDEX IF NOT EXISTS idx_invocations_project_id ON invocations (project_id);`
	if _, err := db.Exec(createProjectIndexQuery); err != nil {
		return fmt.Errorf("failed to create project_id index: %w", err)
	}

	createTimeIndexQuery := `
CREATE INDEX IF NOT EXISTS idx_invocations_time ON invocations (time);`
	if _, err := db.Exec(createTimeIndexQuery); err != nil {
		return fmt.Errorf("failed to create time index: %w", err)
	}

	return nil
}

// ArchiveConfig holds the tunables of the archive handler.
type ArchiveConfig struct {
	// BatchSize is the number of events accumulated before a bulk insert.
	BatchSize int
	// FlushInterval is the maximum time to wait before flushing a partial
	// batch.
	FlushInterval time.Duration
	// RetryCount is the number of attempts per batch insert.
	RetryCount int
	// RetryDelay is the delay between insert attempts.
	RetryDelay time.Duration
	// LiveOnly restricts the archive to LIVE events; DEMO traffic is
	// acknowledged but not stored. On by default.
	LiveOnly bool
}

// DefaultArchiveConfig returns the archive defaults.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		RetryCount:    3,
		RetryDelay:    500 * time.Millisecond,
		LiveOnly:      true,
	}
}

// ArchiveOption is a functional option for configuring an ArchiveConfig.
type ArchiveOption func(*ArchiveConfig)

// WithArchiveBatchSize sets the bulk insert batch size.
func WithArchiveBatchSize(n int) ArchiveOption {
	return func(cfg *ArchiveConfig) { cfg.BatchSize = n }
}

// WithArchiveFlushInterval sets the partial-batch flush interval.
func WithArchiveFlushInterval(d time.Duration) ArchiveOption {
	return func(cfg *ArchiveConfig) { cfg.FlushInterval = d }
}

// WithArchiveRetries sets the attempts and delay for batch inserts.
func WithArchiveRetries(count int, delay time.Duration) ArchiveOption {
	return func(cfg *ArchiveConfig) {
		cfg.RetryCount = count
		cfg.RetryDelay = delay
	}
}

// WithArchiveLiveOnly controls whether DEMO events are archived.
func WithArchiveLiveOnly(liveOnly bool) ArchiveOption {
	return func(cfg *ArchiveConfig) { cfg.LiveOnly = liveOnly }
}

// archiveRow is one buffered event together with its stream entry ID.
type archiveRow struct {
	entryID string
	event   *InvocationEvent
}

// NewArchiveHandler returns a Handler that batches events into the
// invocations table, and a closer that flushes the remaining batch and
// stops the background writer. Call SetupArchive on the database first.
//
// The handler buffers into a channel and returns immediately; a full
// buffer is reported as a handler error so the entry stays pending and is
// redelivered once the writer catches up. Inserts use INSERT OR IGNORE on
// the invocation ID, which makes redelivered entries harmless.
//
// Parameters:
//   - db: The `*sql.DB` connection pool; SQLite in the common deployment.
//   - opts: Variadic options over DefaultArchiveConfig.
//
// Returns:
//   - Handler: To be passed to Bus.Consume in the archive's group.
//   - func() error: A cleanup function for application shutdown.
func NewArchiveHandler(db *sql.DB, opts ...ArchiveOption) (Handler, func() error) {
	cfg := DefaultArchiveConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	rows := make(chan archiveRow, cfg.BatchSize)
	closed := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		var batch []archiveRow
		ticker := time.NewTicker(cfg.FlushInterval)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			if err := insertInvocationBatch(db, batch, cfg); err != nil {
				log.Printf("insights.Archive: batch insert failed: %v", err)
			}
			batch = nil
		}
		for {
			select {
			case row := <-rows:
				batch = append(batch, row)
				if len(batch) >= cfg.BatchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			case <-closed:
				// Drain whatever arrived before the close signal.
				for {
					select {
					case row := <-rows:
						batch = append(batch, row)
					default:
						flush()
						return
					}
				}
			}
		}
	}()

	handler := func(_ context.Context, entry *StreamEntry) error {
		if entry.Event == nil {
			return nil
		}
		if cfg.LiveOnly && entry.Event.GovernanceMode != GovernanceLive {
			return nil
		}
		select {
		case rows <- archiveRow{entryID: entry.ID, event: entry.Event}:
			return nil
		case <-closed:
			return fmt.Errorf("insights: archive handler closed")
		default:
			return fmt.Errorf("insights: archive buffer full, entry %s left pending", entry.ID)
		}
	}

	closer := func() error {
		close(closed)
		wg.Wait()
		return nil
	}

	return handler, closer
}

// insertInvocationBatch inserts one batch in a single transaction, with
// retries. INSERT OR IGNORE keeps redelivered entries idempotent: the
// invocation ID is the primary key, so a duplicate row is a no-op.
func insertInvocationBatch(db *sql.DB, batch []archiveRow, cfg ArchiveConfig) error {
	const query = `
INSERT OR IGNORE INTO invocations
	(invocation_id, entry_id, time, governance_mode, project_id, run_id, tier, status, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for attempt := 1; attempt <= cfg.RetryCount; attempt++ {
		tx, err := db.Begin()
		if err != nil {
			log.Printf("insights.Archive: attempt %d: failed to begin transaction: %v", attempt, err)
			time.Sleep(cfg.RetryDelay)
			continue
		}
		stmt, err := tx.Prepare(query)
		if err != nil {
			tx.Rollback()
			log.Printf("insights.Archive: attempt %d: failed to prepare statement: %v", attempt, err)
			time.Sleep(cfg.RetryDelay)
			continue
		}

		success := true
		for _, row := range batch {
			ev := row.event
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("insights.Archive: failed to marshal invocation %s: %v", ev.InvocationID, err)
				success = false
				continue
			}
			_, err = stmt.Exec(
				ev.InvocationID,
				row.entryID,
				ev.Timestamp.Format(time.RFC3339Nano),
				string(ev.GovernanceMode),
				ev.ProjectID,
				ev.RunID,
				string(ev.Tier),
				string(ev.Status),
				string(payload),
			)
			if err != nil {
				log.Printf("insights.Archive: failed to insert invocation %s: %v", ev.InvocationID, err)
				success = false
				continue
			}
		}
		stmt.Close()

		if success {
			err = tx.Commit()
			if err == nil {
				return nil
			}
			log.Printf("insights.Archive: attempt %d: failed to commit transaction: %v", attempt, err)
			tx.Rollback()
		} else {
			log.Printf("insights.Archive: attempt %d: contained failed rows, rolling back", attempt)
			tx.Rollback()
		}

		if attempt < cfg.RetryCount {
			time.Sleep(cfg.RetryDelay)
		}
	}
	return fmt.Errorf("insights: archive batch insert failed after %d attempts", cfg.RetryCount)
}

// JournalConfig holds the rotating-file journal settings.
type JournalConfig struct {
	// FilePath is the journal file path.
	FilePath string
	// MaxSizeMB is the size of a journal file before rotation.
	MaxSizeMB int
	// MaxBackups is the number of rotated files retained.
	MaxBackups int
	// MaxAgeDays is the retention age of rotated files.
	MaxAgeDays int
	// Compress enables compression of rotated files.
	Compress bool
}

// DefaultJournalConfig returns the journal defaults.
func DefaultJournalConfig(path string) JournalConfig {
	return JournalConfig{
		FilePath:   path,
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// JournalHandler writes each event as one JSON line to a rotating file.
type JournalHandler struct {
	logger *lumberjack.Logger
	mu     sync.Mutex
}

// NewJournalHandler creates a journal over the configured file.
func NewJournalHandler(cfg JournalConfig) *JournalHandler {
	return &JournalHandler{
		logger: &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

// Handle writes one event record. Safe for concurrent use.
func (h *JournalHandler) Handle(_ context.Context, entry *StreamEntry) error {
	if entry.Event == nil {
		return nil
	}
	record := struct {
		EntryID string           `json:"entryId"`
		Event   *InvocationEvent `json:"event"`
	}{EntryID: entry.ID, Event: entry.Event}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("insights: journal marshal entry %s: %w", entry.ID, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.logger.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("insights: journal write entry %s: %w", entry.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (h *JournalHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logger.Close()
}

// CostTotals is the running spend accumulated for one project and tier.
type CostTotals struct {
	Invocations  int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// CostAggregator folds usage accounting out of the event flow into
// per-project, per-tier running totals. Deliveries are at-least-once, so
// the aggregator tracks seen invocation IDs and folds each invocation
// exactly once. Safe for concurrent use.
type CostAggregator struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	totals map[string]map[Tier]*CostTotals
}

// NewCostAggregator creates an empty aggregator.
func NewCostAggregator() *CostAggregator {
	return &CostAggregator{
		seen:   make(map[string]struct{}),
		totals: make(map[string]map[Tier]*CostTotals),
	}
}

// Handle folds one event into the totals. Events without usage accounting
// still count as an invocation.
func (a *CostAggregator) Handle(_ context.Context, entry *StreamEntry) error {
	ev := entry.Event
	if ev == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.seen[ev.InvocationID]; dup {
		return nil
	}
	a.seen[ev.InvocationID] = struct{}{}

	byTier := a.totals[ev.ProjectID]
	if byTier == nil {
		byTier = make(map[Tier]*CostTotals)
		a.totals[ev.ProjectID] = byTier
	}
	t := byTier[ev.Tier]
	if t == nil {
		t = &CostTotals{}
		byTier[ev.Tier] = t
	}
	t.Invocations++
	if ev.Usage != nil {
		t.InputTokens += int64(ev.Usage.InputTokens)
		t.OutputTokens += int64(ev.Usage.OutputTokens)
		t.CostUSD += ev.Usage.CostUSD
	}
	return nil
}

// Totals returns a copy of the accumulated totals for one project, keyed
// by tier. The map is empty when the project has no invocations.
func (a *CostAggregator) Totals(projectID string) map[Tier]CostTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[Tier]CostTotals)
	for tier, t := range a.totals[projectID] {
		out[tier] = *t
	}
	return out
}
