package audit

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/resolvd/internal/telemetry"
)

const (
	// maxPayloadBytes caps stored payloads; larger payloads are truncated
	// before hashing so the chain stays consistent with what is stored.
	maxPayloadBytes = 64 << 10
	// defaultSoftDeadline is the append latency target when the config does
	// not set one; misses are counted but do not fail the append.
	defaultSoftDeadline = 500 * time.Millisecond

	truncationMarker = "...[truncated]"
)

// Config configures the audit log.
type Config struct {
	DataDir string
	// Retention maps event kinds to how long their segments must be kept.
	// Zero or a missing kind means keep forever.
	Retention map[EventKind]time.Duration
	// SegmentDuration is how long a segment stays open before it is sealed
	// and becomes eligible for whole-segment retention (default 24h).
	SegmentDuration time.Duration
	// SoftDeadline is the append latency target (default 500ms). Slower
	// appends are counted, never failed.
	SoftDeadline time.Duration
}

// Log is the SQLite-backed hash-chained audit log.
type Log struct {
	mu     sync.Mutex
	db     *sql.DB
	cfg    Config
	now    func() time.Time
	closed bool

	lastSeq  int64
	lastHash string

	segmentID       int64
	segmentOpenedAt time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New opens (or creates) the audit log under cfg.DataDir.
func New(cfg Config) (*Log, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 24 * time.Hour
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = defaultSoftDeadline
	}

	auditDir := filepath.Join(cfg.DataDir, "audit")
	if err := os.MkdirAll(auditDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	dbPath := filepath.Join(auditDir, "audit.db")

	// Pragmas in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Log{
		db:       db,
		cfg:      cfg,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	if err := l.loadState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load audit chain state: %w", err)
	}

	l.wg.Add(1)
	go l.retentionWorker()

	log.Info().
		Str("dbPath", dbPath).
		Int64("lastSeq", l.lastSeq).
		Dur("segmentDuration", cfg.SegmentDuration).
		Msg("Audit log initialized")
	return l, nil
}

// SetClock overrides the time source, for tests.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Log) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		entry_id TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		truncated INTEGER NOT NULL DEFAULT 0,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);
	CREATE INDEX IF NOT EXISTS idx_audit_entry ON audit_events(entry_id) WHERE entry_id != '';
	CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id) WHERE correlation_id != '';

	CREATE TABLE IF NOT EXISTS audit_segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		anchor_hash TEXT NOT NULL,
		seq_start INTEGER NOT NULL,
		seq_end INTEGER,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := l.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// loadState restores the chain tip and the open segment.
func (l *Log) loadState() error {
	var seq sql.NullInt64
	var hash sql.NullString
	err := l.db.QueryRow(`SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		l.lastSeq = seq.Int64
		l.lastHash = hash.String
	}

	var segID sql.NullInt64
	var opened sql.NullInt64
	var anchor sql.NullString
	err = l.db.QueryRow(
		`SELECT id, opened_at, anchor_hash FROM audit_segments WHERE closed_at IS NULL ORDER BY id DESC LIMIT 1`).
		Scan(&segID, &opened, &anchor)
	switch {
	case err == sql.ErrNoRows:
		// Fresh log: open the genesis segment.
		if l.lastHash == "" {
			l.lastHash = genesisHash()
		}
		return l.openSegment(l.lastHash)
	case err != nil:
		return err
	}

	l.segmentID = segID.Int64
	l.segmentOpenedAt = time.Unix(opened.Int64, 0).UTC()
	if l.lastHash == "" {
		// Segment exists but holds no events yet; the chain continues from
		// its anchor.
		l.lastHash = anchor.String
	}
	return nil
}

func (l *Log) openSegment(anchor string) error {
	now := l.now().UTC()
	res, err := l.db.Exec(
		`INSERT INTO audit_segments (anchor_hash, seq_start, opened_at) VALUES (?, ?, ?)`,
		anchor, l.lastSeq+1, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to open audit segment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.segmentID = id
	l.segmentOpenedAt = now
	return nil
}

// rotateIfDue seals the open segment once it ages past SegmentDuration and
// opens the next one anchored at the current chain tip.
func (l *Log) rotateIfDue() error {
	now := l.now().UTC()
	if now.Sub(l.segmentOpenedAt) < l.cfg.SegmentDuration {
		return nil
	}
	if _, err := l.db.Exec(
		`UPDATE audit_segments SET seq_end = ?, closed_at = ? WHERE id = ?`,
		l.lastSeq, now.Unix(), l.segmentID); err != nil {
		return fmt.Errorf("failed to seal audit segment: %w", err)
	}
	log.Info().Int64("segment", l.segmentID).Int64("lastSeq", l.lastSeq).Msg("Audit segment sealed")
	return l.openSegment(l.lastHash)
}

// Append chains and persists an event, returning it with Seq, hashes and
// timestamp filled in. Payloads over 64KiB are truncated before hashing and
// flagged.
func (l *Log) Append(ctx context.Context, event Event) (Event, error) {
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, fmt.Errorf("audit log is closed")
	}
	if event.Kind == "" {
		return Event{}, fmt.Errorf("audit event kind is required")
	}

	if len(event.Payload) > maxPayloadBytes {
		event.Payload = event.Payload[:maxPayloadBytes-len(truncationMarker)] + truncationMarker
		event.Truncated = true
		log.Warn().Str("kind", string(event.Kind)).Msg("Audit payload truncated to size cap")
	}

	if err := l.rotateIfDue(); err != nil {
		return Event{}, err
	}

	event.ID = ulid.Make().String()
	event.Timestamp = l.now().UTC()
	event.Seq = l.lastSeq + 1
	event.PrevHash = l.lastHash
	event.Hash = chainHash(l.lastHash, event)

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			seq, id, timestamp, kind, actor, correlation_id, entry_id,
			success, payload, truncated, prev_hash, hash
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		event.Seq, event.ID, event.Timestamp.UnixNano(), event.Kind, event.Actor,
		event.CorrelationID, event.EntryID, boolToInt(event.Success),
		event.Payload, boolToInt(event.Truncated), event.PrevHash, event.Hash)
	if err != nil {
		return Event{}, fmt.Errorf("failed to insert audit event: %w", err)
	}

	l.lastSeq = event.Seq
	l.lastHash = event.Hash

	elapsed := time.Since(start)
	telemetry.Get().ObserveAuditAppend(elapsed, elapsed > l.cfg.SoftDeadline)

	log.Debug().
		Str("audit_id", event.ID).
		Int64("seq", event.Seq).
		Str("kind", string(event.Kind)).
		Str("correlation_id", event.CorrelationID).
		Msg("Audit event appended")
	return event, nil
}

// QueryFilter narrows Read results.
type QueryFilter struct {
	Kind          EventKind
	EntryID       string
	CorrelationID string
	Actor         string
	StartTime     *time.Time
	EndTime       *time.Time
	Limit         int
}

// Read returns events matching the filter in append order.
func (l *Log) Read(ctx context.Context, filter QueryFilter) ([]Event, error) {
	query := `SELECT seq, id, timestamp, kind, actor, correlation_id, entry_id,
	                 success, payload, truncated, prev_hash, hash
	          FROM audit_events WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.EntryID != "" {
		query += " AND entry_id = ?"
		args = append(args, filter.EntryID)
	}
	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}
	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UnixNano())
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UnixNano())
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyReport summarizes a chain verification pass.
type VerifyReport struct {
	OK       bool   `json:"ok"`
	Checked  int64  `json:"checked"`
	Segments int    `json:"segments"`
	BadSeq   int64  `json:"bad_seq,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes the whole chain segment by segment. Each segment starts
// from its recorded anchor, so chains with expired (dropped) leading segments
// still verify.
func (l *Log) Verify(ctx context.Context) (VerifyReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segRows, err := l.db.QueryContext(ctx,
		`SELECT id, anchor_hash, seq_start, seq_end FROM audit_segments ORDER BY id ASC`)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("failed to query audit segments: %w", err)
	}
	defer segRows.Close()

	type segment struct {
		id       int64
		anchor   string
		seqStart int64
		seqEnd   sql.NullInt64
	}
	var segments []segment
	for segRows.Next() {
		var s segment
		if err := segRows.Scan(&s.id, &s.anchor, &s.seqStart, &s.seqEnd); err != nil {
			return VerifyReport{}, err
		}
		segments = append(segments, s)
	}
	if err := segRows.Err(); err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{OK: true, Segments: len(segments)}
	for _, seg := range segments {
		running := seg.anchor
		query := `SELECT seq, id, timestamp, kind, actor, correlation_id, entry_id,
		                 success, payload, truncated, prev_hash, hash
		          FROM audit_events WHERE seq >= ?`
		args := []any{seg.seqStart}
		if seg.seqEnd.Valid {
			query += " AND seq <= ?"
			args = append(args, seg.seqEnd.Int64)
		}
		query += " ORDER BY seq ASC"

		rows, err := l.db.QueryContext(ctx, query, args...)
		if err != nil {
			return VerifyReport{}, err
		}
		expectedSeq := seg.seqStart
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return VerifyReport{}, err
			}
			if e.Seq != expectedSeq {
				rows.Close()
				return failedReport(report, e.Seq, fmt.Sprintf("sequence gap: expected %d", expectedSeq)), nil
			}
			if e.PrevHash != running {
				rows.Close()
				return failedReport(report, e.Seq, "previous-hash link mismatch"), nil
			}
			if chainHash(running, e) != e.Hash {
				rows.Close()
				return failedReport(report, e.Seq, "event hash mismatch"), nil
			}
			running = e.Hash
			expectedSeq++
			report.Checked++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return VerifyReport{}, err
		}
		rows.Close()
	}
	return report, nil
}

func failedReport(r VerifyReport, seq int64, reason string) VerifyReport {
	r.OK = false
	r.BadSeq = seq
	r.Reason = reason
	return r
}

// Sweep drops sealed segments whose every event kind has aged past its
// retention. Rows are never deleted individually, so surviving segments keep
// verifying against their anchors.
func (l *Log) Sweep(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.cfg.Retention) == 0 {
		return 0, nil
	}
	now := l.now().UTC()

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, seq_start, seq_end, closed_at FROM audit_segments
		 WHERE closed_at IS NOT NULL ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}
	type sealed struct {
		id       int64
		seqStart int64
		seqEnd   int64
		closedAt time.Time
	}
	var candidates []sealed
	for rows.Next() {
		var s sealed
		var closedAt int64
		if err := rows.Scan(&s.id, &s.seqStart, &s.seqEnd, &closedAt); err != nil {
			rows.Close()
			return 0, err
		}
		s.closedAt = time.Unix(closedAt, 0).UTC()
		candidates = append(candidates, s)
	}
	rows.Close()

	dropped := 0
	for _, seg := range candidates {
		expired, err := l.segmentExpired(ctx, seg.seqStart, seg.seqEnd, seg.closedAt, now)
		if err != nil {
			return dropped, err
		}
		if !expired {
			// Segments are ordered; a survivor means everything after it is
			// younger, but later segments may hold shorter-lived kinds, so
			// keep scanning.
			continue
		}
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return dropped, err
		}
		if _, err := tx.Exec(`DELETE FROM audit_events WHERE seq BETWEEN ? AND ?`, seg.seqStart, seg.seqEnd); err != nil {
			tx.Rollback()
			return dropped, err
		}
		if _, err := tx.Exec(`DELETE FROM audit_segments WHERE id = ?`, seg.id); err != nil {
			tx.Rollback()
			return dropped, err
		}
		if err := tx.Commit(); err != nil {
			return dropped, err
		}
		dropped++
		log.Info().Int64("segment", seg.id).Msg("Expired audit segment dropped")
	}
	return dropped, nil
}

// segmentExpired reports whether every kind present in the segment has aged
// past its retention window. A kind with no configured retention keeps the
// segment forever.
func (l *Log) segmentExpired(ctx context.Context, seqStart, seqEnd int64, closedAt, now time.Time) (bool, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT kind FROM audit_events WHERE seq BETWEEN ? AND ?`, seqStart, seqEnd)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return false, err
		}
		retention, ok := l.cfg.Retention[EventKind(kind)]
		if !ok || retention <= 0 {
			return false, nil
		}
		if now.Sub(closedAt) < retention {
			return false, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	// Every kind present has expired (or the segment is empty).
	return true, nil
}

// Close seals the log handle.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close audit database: %w", err)
	}
	log.Info().Msg("Audit log closed")
	return nil
}

// retentionWorker sweeps expired segments daily.
func (l *Log) retentionWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			if _, err := l.Sweep(context.Background()); err != nil {
				log.Error().Err(err).Msg("Audit retention sweep failed")
			}
		}
	}
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e         Event
		ts        int64
		success   int
		truncated int
	)
	err := rows.Scan(&e.Seq, &e.ID, &ts, &e.Kind, &e.Actor, &e.CorrelationID, &e.EntryID,
		&success, &e.Payload, &truncated, &e.PrevHash, &e.Hash)
	if err != nil {
		return Event{}, err
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Success = success == 1
	e.Truncated = truncated == 1
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
