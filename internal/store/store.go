// Package store provides persistent, versioned storage for incidents and
// knowledge entries using SQLite, with a full-text index and a vector index
// over embeddings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
)

// Config holds store configuration.
type Config struct {
	DataDir   string
	Dimension int // embedding dimension D; vectors must match exactly
}

// Store is the SQLite-backed entry store. Reads are concurrent; writes are
// serialized through a single connection (WAL journal, one writer, busy
// timeout).
type Store struct {
	db      *sql.DB
	dim     int
	writeMu sync.Mutex
	now     func() time.Time
}

// New opens (or creates) the entry database under cfg.DataDir.
func New(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "entries.db")

	// Pragmas in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open entry database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dim: cfg.Dimension, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize entry schema: %w", err)
	}

	log.Info().Str("path", dbPath).Int("dimension", cfg.Dimension).Msg("Entry store initialized")
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		solution TEXT NOT NULL DEFAULT '',
		technical_area TEXT NOT NULL,
		business_area TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		priority INTEGER NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT '',
		assigned_to TEXT NOT NULL DEFAULT '',
		reporter TEXT NOT NULL DEFAULT '',
		sla_deadline INTEGER,
		usage_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		confidence_score REAL NOT NULL DEFAULT 0,
		last_used INTEGER,
		embedding BLOB,
		version INTEGER NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		resolved_at INTEGER,
		created_by TEXT NOT NULL DEFAULT '',
		linked_incident_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_entries_kind_status ON entries(kind, status);
	CREATE INDEX IF NOT EXISTS idx_entries_area ON entries(technical_area);
	CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);

	CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
		id UNINDEXED,
		title,
		description,
		solution,
		tags,
		tokenize = 'porter unicode61'
	);

	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		provider_id TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'medium',
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		analysis TEXT NOT NULL DEFAULT '',
		recommended_actions TEXT NOT NULL DEFAULT '[]',
		next_steps TEXT NOT NULL DEFAULT '',
		reasoning TEXT NOT NULL DEFAULT '',
		sources TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		processing_ms INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_proposals_incident ON proposals(incident_id, status);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Create validates and persists a new entry, assigning id and version 1.
func (s *Store) Create(ctx context.Context, entry Entry) (Entry, error) {
	const op = "store.create"

	entry.ID = uuid.NewString()
	entry.Version = 1
	now := s.now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Kind == KindIncident && entry.Status == "" {
		entry.Status = StatusOpen
	}
	if err := entry.Validate(s.dim); err != nil {
		return Entry{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	defer tx.Rollback()

	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return Entry{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, rerrors.New(rerrors.KindTransient, op, err)
	}

	log.Debug().Str("id", entry.ID).Str("kind", string(entry.Kind)).Msg("Entry created")
	return entry, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	const op = "store.get"

	row := s.db.QueryRowContext(ctx, selectEntrySQL+` WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, rerrors.Newf(rerrors.KindNotFound, op, "entry %s", id)
	}
	if err != nil {
		return Entry{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	return entry, nil
}

// Update applies mutator to a copy of the current entry under optimistic
// locking. The mutator must not change identity or bookkeeping fields;
// invariants are re-checked before commit. A version mismatch returns
// Conflict and is never retried internally.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, mutator func(Entry) (Entry, error)) (Entry, error) {
	const op = "store.update"

	current, err := s.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if current.Version != expectedVersion {
		return Entry{}, rerrors.Newf(rerrors.KindConflict, op,
			"entry %s is at version %d, expected %d", id, current.Version, expectedVersion)
	}

	next, err := mutator(current.Clone())
	if err != nil {
		return Entry{}, err
	}
	if next.ID != current.ID || next.Kind != current.Kind {
		return Entry{}, rerrors.Newf(rerrors.KindInvalidInput, op, "mutator must not change identity fields")
	}
	if current.Kind == KindIncident && next.Status != current.Status {
		if !canTransition(current.Status, next.Status) {
			return Entry{}, rerrors.Newf(rerrors.KindInvalidTransition, op,
				"cannot move %s from %s to %s", id, current.Status, next.Status)
		}
	}
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now().UTC()
	if err := next.Validate(s.dim); err != nil {
		return Entry{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	defer tx.Rollback()

	res, err := updateEntryTx(ctx, tx, next, expectedVersion)
	if err != nil {
		return Entry{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Entry{}, rerrors.Newf(rerrors.KindConflict, op,
			"entry %s changed concurrently", id)
	}
	if err := refreshFTSTx(ctx, tx, next); err != nil {
		return Entry{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	return next, nil
}

// Resolve atomically transitions an incident to Resolved and, when
// createKnowledge is set, inserts a linked knowledge entry in the same
// transaction. A reader observes either both changes or neither.
func (s *Store) Resolve(ctx context.Context, id string, expectedVersion int64, solution string, createKnowledge bool, actor string) (Entry, *Entry, error) {
	const op = "store.resolve"

	if strings.TrimSpace(solution) == "" {
		return Entry{}, nil, rerrors.Newf(rerrors.KindInvalidInput, op, "solution is required")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return Entry{}, nil, err
	}
	if current.Kind != KindIncident {
		return Entry{}, nil, rerrors.Newf(rerrors.KindInvalidInput, op, "entry %s is not an incident", id)
	}
	if current.Version != expectedVersion {
		return Entry{}, nil, rerrors.Newf(rerrors.KindConflict, op,
			"entry %s is at version %d, expected %d", id, current.Version, expectedVersion)
	}
	switch current.Status {
	case StatusOpen, StatusInTreatment, StatusUnderReview:
	default:
		return Entry{}, nil, rerrors.Newf(rerrors.KindInvalidTransition, op,
			"cannot resolve incident in status %s", current.Status)
	}

	now := s.now().UTC()
	resolved := current.Clone()
	resolved.Status = StatusResolved
	resolved.Solution = solution
	resolved.ResolvedAt = &now
	resolved.UpdatedAt = now
	resolved.Version = current.Version + 1

	var knowledge *Entry
	if createKnowledge {
		k := Entry{
			ID:               uuid.NewString(),
			Kind:             KindKnowledge,
			Title:            current.Title,
			Description:      current.Description,
			Solution:         solution,
			TechnicalArea:    current.TechnicalArea,
			BusinessArea:     current.BusinessArea,
			Severity:         current.Severity,
			Priority:         current.Priority,
			Tags:             append([]string(nil), current.Tags...),
			ConfidenceScore:  0.5,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
			CreatedBy:        actor,
			LinkedIncidentID: current.ID,
		}
		if err := k.Validate(s.dim); err != nil {
			return Entry{}, nil, err
		}
		knowledge = &k
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, nil, rerrors.New(rerrors.KindTransient, op, err)
	}
	defer tx.Rollback()

	res, err := updateEntryTx(ctx, tx, resolved, expectedVersion)
	if err != nil {
		return Entry{}, nil, rerrors.New(rerrors.KindTransient, op, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Entry{}, nil, rerrors.Newf(rerrors.KindConflict, op, "entry %s changed concurrently", id)
	}
	if err := refreshFTSTx(ctx, tx, resolved); err != nil {
		return Entry{}, nil, rerrors.New(rerrors.KindTransient, op, err)
	}
	if knowledge != nil {
		if err := insertEntryTx(ctx, tx, *knowledge); err != nil {
			return Entry{}, nil, rerrors.New(rerrors.KindTransient, op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, nil, rerrors.New(rerrors.KindTransient, op, err)
	}

	event := log.Info().Str("id", id)
	if knowledge != nil {
		event = event.Str("knowledge_id", knowledge.ID)
	}
	event.Msg("Incident resolved")
	return resolved, knowledge, nil
}

// RecordUsage bumps the usage counters of a knowledge entry. Low-contention
// fast path: no version bump, counters move atomically in SQL.
func (s *Store) RecordUsage(ctx context.Context, id string, success bool) error {
	const op = "store.record_usage"

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	successInc := 0
	if success {
		successInc = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET usage_count = usage_count + 1,
		    success_count = success_count + ?,
		    last_used = ?,
		    updated_at = ?
		WHERE id = ?`,
		successInc, s.now().UTC().Unix(), s.now().UTC().Unix(), id)
	if err != nil {
		return rerrors.New(rerrors.KindTransient, op, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return rerrors.Newf(rerrors.KindNotFound, op, "entry %s", id)
	}
	return nil
}

// UpdateEmbedding stores a vector for an entry. Fast path: no version bump.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, vector []float32) error {
	const op = "store.update_embedding"

	if len(vector) != s.dim {
		return rerrors.Newf(rerrors.KindInvalidInput, op,
			"vector length %d does not match configured dimension %d", len(vector), s.dim)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET embedding = ?, updated_at = ? WHERE id = ?`,
		encodeVector(vector), s.now().UTC().Unix(), id)
	if err != nil {
		return rerrors.New(rerrors.KindTransient, op, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return rerrors.Newf(rerrors.KindNotFound, op, "entry %s", id)
	}
	return nil
}

// Archive flags an entry as archived. Entries are never hard-deleted.
func (s *Store) Archive(ctx context.Context, id string, expectedVersion int64) (Entry, error) {
	return s.Update(ctx, id, expectedVersion, func(e Entry) (Entry, error) {
		e.Archived = true
		return e, nil
	})
}

// insertEntryTx writes the row and its FTS shadow inside tx.
func insertEntryTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (
			id, kind, title, description, solution,
			technical_area, business_area, severity, priority, tags,
			status, assigned_to, reporter, sla_deadline,
			usage_count, success_count, confidence_score, last_used,
			embedding, version, archived,
			created_at, updated_at, resolved_at, created_by, linked_incident_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Kind, e.Title, e.Description, e.Solution,
		e.TechnicalArea, e.BusinessArea, e.Severity, e.Priority, string(tags),
		e.Status, e.AssignedTo, e.Reporter, unixOrNil(e.SLADeadline),
		e.UsageCount, e.SuccessCount, e.ConfidenceScore, unixOrNil(e.LastUsed),
		encodeVector(e.Embedding), e.Version, boolToInt(e.Archived),
		e.CreatedAt.Unix(), e.UpdatedAt.Unix(), unixOrNil(e.ResolvedAt), e.CreatedBy, e.LinkedIncidentID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries_fts (id, title, description, solution, tags) VALUES (?,?,?,?,?)`,
		e.ID, e.Title, e.Description, e.Solution, strings.Join(e.Tags, " "))
	return err
}

// updateEntryTx rewrites the row guarded by the version check.
func updateEntryTx(ctx context.Context, tx *sql.Tx, e Entry, expectedVersion int64) (sql.Result, error) {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, `
		UPDATE entries SET
			title = ?, description = ?, solution = ?,
			technical_area = ?, business_area = ?, severity = ?, priority = ?, tags = ?,
			status = ?, assigned_to = ?, reporter = ?, sla_deadline = ?,
			usage_count = ?, success_count = ?, confidence_score = ?, last_used = ?,
			embedding = ?, version = ?, archived = ?,
			updated_at = ?, resolved_at = ?, linked_incident_id = ?
		WHERE id = ? AND version = ?`,
		e.Title, e.Description, e.Solution,
		e.TechnicalArea, e.BusinessArea, e.Severity, e.Priority, string(tags),
		e.Status, e.AssignedTo, e.Reporter, unixOrNil(e.SLADeadline),
		e.UsageCount, e.SuccessCount, e.ConfidenceScore, unixOrNil(e.LastUsed),
		encodeVector(e.Embedding), e.Version, boolToInt(e.Archived),
		e.UpdatedAt.Unix(), unixOrNil(e.ResolvedAt), e.LinkedIncidentID,
		e.ID, expectedVersion)
}

func refreshFTSTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_fts WHERE id = ?`, e.ID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entries_fts (id, title, description, solution, tags) VALUES (?,?,?,?,?)`,
		e.ID, e.Title, e.Description, e.Solution, strings.Join(e.Tags, " "))
	return err
}

const selectEntrySQL = `
	SELECT id, kind, title, description, solution,
	       technical_area, business_area, severity, priority, tags,
	       status, assigned_to, reporter, sla_deadline,
	       usage_count, success_count, confidence_score, last_used,
	       embedding, version, archived,
	       created_at, updated_at, resolved_at, created_by, linked_incident_id
	FROM entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	return scanEntryWith(row)
}

// scanEntryWith scans an entry row followed by any extra trailing columns
// (e.g. a computed score).
func scanEntryWith(row rowScanner, extra ...any) (Entry, error) {
	var (
		e          Entry
		tags       string
		sla        sql.NullInt64
		lastUsed   sql.NullInt64
		resolvedAt sql.NullInt64
		embedding  []byte
		archived   int
		createdAt  int64
		updatedAt  int64
	)
	dests := []any{
		&e.ID, &e.Kind, &e.Title, &e.Description, &e.Solution,
		&e.TechnicalArea, &e.BusinessArea, &e.Severity, &e.Priority, &tags,
		&e.Status, &e.AssignedTo, &e.Reporter, &sla,
		&e.UsageCount, &e.SuccessCount, &e.ConfidenceScore, &lastUsed,
		&embedding, &e.Version, &archived,
		&createdAt, &updatedAt, &resolvedAt, &e.CreatedBy, &e.LinkedIncidentID,
	}
	dests = append(dests, extra...)
	err := row.Scan(dests...)
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		e.Tags = nil
	}
	e.SLADeadline = timeOrNil(sla)
	e.LastUsed = timeOrNil(lastUsed)
	e.ResolvedAt = timeOrNil(resolvedAt)
	e.Embedding = decodeVector(embedding)
	e.Archived = archived != 0
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return e, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
