package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
)

// Filter narrows search and list operations. Offset applies only to List.
type Filter struct {
	Kinds           []Kind
	Statuses        []Status
	TechnicalArea   string
	ExcludeID       string    // drop this entry id from results
	CreatedAfter    time.Time // zero means unbounded history
	IncludeArchived bool
	Limit           int
	Offset          int
}

const defaultSearchLimit = 20

// Hit is one search result with its relevance score. For text search the
// score is a boosted BM25 value; for vector search it is cosine similarity.
type Hit struct {
	Entry Entry
	Score float64
}

const entryColumns = `
	e.id, e.kind, e.title, e.description, e.solution,
	e.technical_area, e.business_area, e.severity, e.priority, e.tags,
	e.status, e.assigned_to, e.reporter, e.sla_deadline,
	e.usage_count, e.success_count, e.confidence_score, e.last_used,
	e.embedding, e.version, e.archived,
	e.created_at, e.updated_at, e.resolved_at, e.created_by, e.linked_incident_id`

// SearchText runs a BM25-ranked full-text query. Open incidents get their
// score multiplied by 1.5 so active problems surface above stale knowledge.
func (s *Store) SearchText(ctx context.Context, query string, filter Filter) ([]Hit, error) {
	const op = "store.search_text"

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	where, filterArgs := filterClauses(filter)
	args := append([]any{match}, filterArgs...)
	args = append(args, limit)

	// bm25() is smaller-is-better; negate so larger scores rank higher.
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+entryColumns+`,
		       -bm25(entries_fts) *
		       CASE WHEN e.kind = 'incident' AND e.status = 'open' THEN 1.5 ELSE 1.0 END AS score
		FROM entries_fts
		JOIN entries e ON e.id = entries_fts.id
		WHERE entries_fts MATCH ?`+where+`
		ORDER BY score DESC, e.created_at DESC, e.id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, rerrors.New(rerrors.KindTransient, op, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var score float64
		entry, err := scanEntryWith(rows, &score)
		if err != nil {
			return nil, rerrors.New(rerrors.KindTransient, op, err)
		}
		hits = append(hits, Hit{Entry: entry, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.New(rerrors.KindTransient, op, err)
	}
	return hits, nil
}

// SearchVector ranks entries by cosine similarity against the query vector.
// Entries without an embedding never match; results below threshold are
// dropped. The scan is brute force over stored vectors, which is fine at the
// scale a single SQLite file implies.
func (s *Store) SearchVector(ctx context.Context, vector []float32, threshold float64, filter Filter) ([]Hit, error) {
	const op = "store.search_vector"

	if len(vector) != s.dim {
		return nil, rerrors.Newf(rerrors.KindInvalidInput, op,
			"query vector length %d does not match configured dimension %d", len(vector), s.dim)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	where, args := filterClauses(filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+entryColumns+`
		FROM entries e
		WHERE e.embedding IS NOT NULL`+where, args...)
	if err != nil {
		return nil, rerrors.New(rerrors.KindTransient, op, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, rerrors.New(rerrors.KindTransient, op, err)
		}
		score := cosineSimilarity(vector, entry.Embedding)
		if score < threshold {
			continue
		}
		hits = append(hits, Hit{Entry: entry, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.New(rerrors.KindTransient, op, err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Entry.CreatedAt.Equal(hits[j].Entry.CreatedAt) {
			return hits[i].Entry.CreatedAt.After(hits[j].Entry.CreatedAt)
		}
		return hits[i].Entry.ID < hits[j].Entry.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// List returns entries matching the filter ordered by creation time,
// newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	const op = "store.list"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	where, args := filterClauses(filter)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT`+entryColumns+`
		FROM entries e
		WHERE 1=1`+where+`
		ORDER BY e.created_at DESC, e.id ASC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, rerrors.New(rerrors.KindTransient, op, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, rerrors.New(rerrors.KindTransient, op, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns how many entries match the filter, ignoring Limit and Offset.
func (s *Store) Count(ctx context.Context, filter Filter) (int, error) {
	const op = "store.count"

	where, args := filterClauses(filter)
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries e WHERE 1=1`+where, args...).Scan(&total)
	if err != nil {
		return 0, rerrors.New(rerrors.KindTransient, op, err)
	}
	return total, nil
}

// filterClauses builds the shared WHERE tail for search and list queries.
// Every clause references the "e" alias.
func filterClauses(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Kinds) > 0 {
		ph := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ph[i] = "?"
			args = append(args, string(k))
		}
		clauses = append(clauses, fmt.Sprintf("e.kind IN (%s)", strings.Join(ph, ",")))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("e.status IN (%s)", strings.Join(ph, ",")))
	}
	if f.TechnicalArea != "" {
		clauses = append(clauses, "e.technical_area = ?")
		args = append(args, f.TechnicalArea)
	}
	if f.ExcludeID != "" {
		clauses = append(clauses, "e.id != ?")
		args = append(args, f.ExcludeID)
	}
	if !f.CreatedAfter.IsZero() {
		clauses = append(clauses, "e.created_at >= ?")
		args = append(args, f.CreatedAfter.UTC().Unix())
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "e.archived = 0")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// ftsQuery converts free text into an FTS5 MATCH expression. Each term is
// quoted so user punctuation cannot break the query grammar; terms are OR'd
// and BM25 handles ranking.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}
