// Package retrieve builds the context for resolution proposals: vector and
// full-text search run in parallel and their rankings fuse with reciprocal
// rank fusion.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
	"github.com/rcourtman/resolvd/internal/embed"
	"github.com/rcourtman/resolvd/internal/store"
	"github.com/rcourtman/resolvd/internal/telemetry"
)

// Config configures retrieval.
type Config struct {
	// TopK is how many fused results to return
	TopK int
	// KVector is the vector channel's candidate depth
	KVector int
	// KText is the text channel's candidate depth
	KText int
	// Threshold is the minimum cosine similarity for vector hits
	Threshold float64
	// MinSources is how many above-threshold hits a confident bundle needs
	MinSources int
	// Window bounds how far back both channels look; zero means unbounded
	Window time.Duration
	// RRFConstant is the k in 1/(k+rank) fusion scoring
	RRFConstant int
}

// DefaultConfig returns the standard retrieval parameters.
func DefaultConfig() Config {
	return Config{TopK: 5, KVector: 20, KText: 20, Threshold: 0.70, MinSources: 2, RRFConstant: 60}
}

// sameAreaBoost nudges entries from the preferred technical area up the
// fused ranking without excluding the rest.
const sameAreaBoost = 1.15

// Item is one retrieved context entry with its per-channel scores.
type Item struct {
	Entry      store.Entry `json:"entry"`
	Similarity float64     `json:"similarity"` // cosine, 0 when text-only
	TextScore  float64     `json:"text_score"` // boosted BM25, 0 when vector-only
	FusedScore float64     `json:"fused_score"`
}

// Result is the assembled retrieval context.
type Result struct {
	Items []Item `json:"items"`
	// LowConfidence is set when fewer hits cleared the similarity threshold
	// than the configured minimum source count.
	LowConfidence bool `json:"low_confidence"`
	// Degraded is set when a search channel was unavailable and the bundle
	// was built from the remaining one, or from neither.
	Degraded bool `json:"degraded"`
	// PatternSummary is a compact description of recurring traits in the
	// results, safe to embed in prompts.
	PatternSummary string `json:"pattern_summary"`
}

// Retriever fuses vector and text search over the entry store.
type Retriever struct {
	store    *store.Store
	embedder *embed.Embedder
	cfg      Config
	now      func() time.Time
}

// New creates a Retriever.
func New(st *store.Store, em *embed.Embedder, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.KVector <= 0 {
		cfg.KVector = cfg.TopK * 4
	}
	if cfg.KText <= 0 {
		cfg.KText = cfg.TopK * 4
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.70
	}
	if cfg.MinSources <= 0 {
		cfg.MinSources = 2
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = 60
	}
	return &Retriever{store: st, embedder: em, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (r *Retriever) SetClock(now func() time.Time) {
	r.now = now
}

// Retrieve runs both search channels for the query and fuses the rankings.
// Either channel failing degrades the bundle to the surviving one; both
// failing returns an empty degraded bundle, never an error. The filter's
// technical area is treated as a preference: matching entries are boosted at
// fusion time rather than the rest being excluded.
func (r *Retriever) Retrieve(ctx context.Context, query string, filter store.Filter) (Result, error) {
	const op = "retrieve.retrieve"

	if strings.TrimSpace(query) == "" {
		return Result{}, rerrors.Newf(rerrors.KindInvalidInput, op, "query is required")
	}

	preferArea := filter.TechnicalArea
	channelFilter := filter
	channelFilter.TechnicalArea = ""
	if r.cfg.Window > 0 && channelFilter.CreatedAfter.IsZero() {
		channelFilter.CreatedAfter = r.now().Add(-r.cfg.Window)
	}
	vectorFilter := channelFilter
	vectorFilter.Limit = r.cfg.KVector
	textFilter := channelFilter
	textFilter.Limit = r.cfg.KText

	var (
		vectorHits []store.Hit
		textHits   []store.Hit
		vectorDown bool
		textDown   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := r.embedder.Embed(gctx, query)
		if err != nil {
			log.Warn().Err(err).Msg("Vector channel unavailable, degrading retrieval")
			telemetry.Get().RecordRetrieveDegraded()
			vectorDown = true
			return nil
		}
		hits, err := r.store.SearchVector(gctx, vec, r.cfg.Threshold, vectorFilter)
		if err != nil {
			log.Warn().Err(err).Msg("Vector search failed, degrading retrieval")
			telemetry.Get().RecordRetrieveDegraded()
			vectorDown = true
			return nil
		}
		vectorHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := r.store.SearchText(gctx, query, textFilter)
		if err != nil {
			log.Warn().Err(err).Msg("Text channel unavailable, degrading retrieval")
			telemetry.Get().RecordRetrieveDegraded()
			textDown = true
			return nil
		}
		textHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if vectorDown && textDown {
		// Nothing to rank with. The caller can still proceed without
		// context; this is degraded, not fatal.
		return Result{
			Degraded:       true,
			LowConfidence:  true,
			PatternSummary: summarize(nil),
		}, nil
	}

	items := r.fuse(vectorHits, textHits, preferArea)
	if len(items) > r.cfg.TopK {
		items = items[:r.cfg.TopK]
	}

	return Result{
		Items:          items,
		Degraded:       vectorDown || textDown,
		LowConfidence:  len(vectorHits) < r.cfg.MinSources,
		PatternSummary: summarize(items),
	}, nil
}

// fuse merges the two rankings with reciprocal rank fusion: each entry scores
// sum(1/(k+rank)) over the channels that ranked it, with a boost for entries
// in the preferred technical area. Ties break on recency, then id, so results
// are stable across runs.
func (r *Retriever) fuse(vectorHits, textHits []store.Hit, preferArea string) []Item {
	k := float64(r.cfg.RRFConstant)
	byID := make(map[string]*Item)

	for rank, hit := range vectorHits {
		item := &Item{Entry: hit.Entry, Similarity: hit.Score}
		item.FusedScore = 1 / (k + float64(rank+1))
		byID[hit.Entry.ID] = item
	}
	for rank, hit := range textHits {
		if item, ok := byID[hit.Entry.ID]; ok {
			item.TextScore = hit.Score
			item.FusedScore += 1 / (k + float64(rank+1))
			continue
		}
		byID[hit.Entry.ID] = &Item{
			Entry:      hit.Entry,
			TextScore:  hit.Score,
			FusedScore: 1 / (k + float64(rank+1)),
		}
	}

	items := make([]Item, 0, len(byID))
	for _, item := range byID {
		if preferArea != "" && item.Entry.TechnicalArea == preferArea {
			item.FusedScore *= sameAreaBoost
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].FusedScore != items[j].FusedScore {
			return items[i].FusedScore > items[j].FusedScore
		}
		if !items[i].Entry.CreatedAt.Equal(items[j].Entry.CreatedAt) {
			return items[i].Entry.CreatedAt.After(items[j].Entry.CreatedAt)
		}
		return items[i].Entry.ID < items[j].Entry.ID
	})
	return items
}

// summarize reports recurring technical areas and tags across the result set.
func summarize(items []Item) string {
	if len(items) == 0 {
		return "no similar entries found"
	}

	areas := make(map[string]int)
	tags := make(map[string]int)
	resolved := 0
	for _, item := range items {
		areas[item.Entry.TechnicalArea]++
		for _, tag := range item.Entry.Tags {
			tags[tag]++
		}
		if item.Entry.Kind == store.KindKnowledge || item.Entry.Status == store.StatusResolved {
			resolved++
		}
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("%d similar entries (%d with a known resolution)", len(items), resolved))
	if top := topCounts(areas, 2); len(top) > 0 {
		parts = append(parts, "areas: "+strings.Join(top, ", "))
	}
	if top := topCounts(tags, 3); len(top) > 0 {
		parts = append(parts, "recurring tags: "+strings.Join(top, ", "))
	}
	return strings.Join(parts, "; ")
}

// topCounts returns the n most frequent keys appearing more than once, or the
// single most frequent key when nothing repeats.
func topCounts(m map[string]int, n int) []string {
	type kc struct {
		key   string
		count int
	}
	all := make([]kc, 0, len(m))
	for k, c := range m {
		all = append(all, kc{k, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].key < all[j].key
	})

	var out []string
	for _, e := range all {
		if len(out) >= n {
			break
		}
		out = append(out, fmt.Sprintf("%s (%d)", e.key, e.count))
	}
	return out
}
