// Package embed turns entry text into fixed-dimension vectors through the
// provider pool, with a content-addressed cache in front so repeated text
// never hits a provider twice.
package embed

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
	"github.com/rcourtman/resolvd/internal/providers"
	"github.com/rcourtman/resolvd/internal/telemetry"
)

// Config configures the embedder.
type Config struct {
	// Model is the embedding model identifier passed to providers
	Model string
	// Dimension is the required output vector length
	Dimension int
	// CacheTTL bounds how long cached vectors stay valid
	CacheTTL time.Duration
	// CacheMaxBytes bounds total cached vector memory (LRU eviction)
	CacheMaxBytes int64
}

// Embedder produces embeddings via the pool's providers, walking them in
// registration order until one succeeds.
type Embedder struct {
	pool *providers.Pool
	cfg  Config

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	bytes   int64

	group singleflight.Group
	now   func() time.Time
}

type cacheEntry struct {
	key     string
	vector  []float32
	expires time.Time
}

// New creates an Embedder over the pool.
func New(pool *providers.Pool, cfg Config) *Embedder {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = 64 << 20
	}
	return &Embedder{
		pool:    pool,
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (e *Embedder) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Embed returns the vector for text under the configured default model.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.EmbedModel(ctx, e.cfg.Model, text)
}

// EmbedModel returns the vector for text under a specific embedding model,
// from cache when possible. Concurrent requests for the same model and text
// collapse into one provider call.
func (e *Embedder) EmbedModel(ctx context.Context, model, text string) ([]float32, error) {
	const op = "embed.embed"

	key := e.cacheKey(model, text)
	if v, ok := e.fromCache(key); ok {
		telemetry.Get().RecordCacheLookup("embed", true)
		return v, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have filled the cache
		// between our miss and the flight starting.
		if v, ok := e.fromCache(key); ok {
			return v, nil
		}
		vec, err := e.embedRemote(ctx, model, normalize(text))
		if err != nil {
			return nil, err
		}
		e.store(key, vec)
		return vec, nil
	})
	if err != nil {
		if rerrors.Is(err, rerrors.ErrInvalidInput) {
			return nil, err
		}
		return nil, rerrors.New(rerrors.KindProviderUnavailable, op, err)
	}
	return v.([]float32), nil
}

// EmbedBatch embeds several texts under the configured default model.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.EmbedBatchModel(ctx, e.cfg.Model, texts)
}

// EmbedBatchModel embeds several texts, reusing cached vectors and sending
// only the misses upstream in one provider call. Output order matches input
// order. When the batch call fails, each miss is retried alone and the
// returned error joins one entry per input that still failed; indices that
// succeeded carry their vectors regardless.
func (e *Embedder) EmbedBatchModel(ctx context.Context, model string, texts []string) ([][]float32, error) {
	const op = "embed.embed_batch"

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if v, ok := e.fromCache(e.cacheKey(model, text)); ok {
			telemetry.Get().RecordCacheLookup("embed", true)
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, normalize(text))
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	vectors, err := e.embedRemoteBatch(ctx, model, missTexts)
	if err == nil {
		for j, i := range missIdx {
			out[i] = vectors[j]
			e.store(e.cacheKey(model, texts[i]), vectors[j])
		}
		return out, nil
	}
	if rerrors.Is(err, rerrors.ErrInvalidInput) {
		// No provider serves the model; retrying per input cannot help.
		return nil, err
	}

	// The batch failed as a whole. Retry each miss alone so one poisoned
	// input cannot sink the rest, and report failures by input index.
	var itemErrs []error
	for j, i := range missIdx {
		vec, ierr := e.embedRemote(ctx, model, missTexts[j])
		if ierr != nil {
			itemErrs = append(itemErrs, fmt.Errorf("input %d: %w", i, ierr))
			continue
		}
		out[i] = vec
		e.store(e.cacheKey(model, texts[i]), vec)
	}
	if len(itemErrs) > 0 {
		return out, rerrors.New(rerrors.KindProviderUnavailable, op, errors.Join(itemErrs...))
	}
	return out, nil
}

func (e *Embedder) embedRemote(ctx context.Context, model, text string) ([]float32, error) {
	vectors, err := e.embedRemoteBatch(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedRemoteBatch walks the providers serving the model until one succeeds.
// An unknown model fails fast instead of burning the fallback chain.
func (e *Embedder) embedRemoteBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	const op = "embed.remote"

	ids := e.pool.IDsForEmbedModel(model)
	if len(ids) == 0 {
		if len(e.pool.IDs()) > 0 {
			return nil, rerrors.Newf(rerrors.KindInvalidInput, op,
				"no provider serves embedding model %q", model)
		}
		return nil, rerrors.ErrAllProvidersUnavailable
	}

	var lastErr error
	for _, id := range ids {
		permit, err := e.pool.Acquire(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		vectors, err := permit.Provider.Embed(ctx, model, texts)
		permit.Release()
		if err != nil {
			log.Warn().Str("provider", id).Err(err).Msg("Embedding call failed, trying next provider")
			lastErr = err
			continue
		}
		for i := range vectors {
			vectors[i] = e.conform(vectors[i])
		}
		return vectors, nil
	}
	if lastErr == nil {
		lastErr = rerrors.ErrAllProvidersUnavailable
	}
	return nil, lastErr
}

// conform pads or truncates a vector to the configured dimension. Providers
// occasionally ship a different width after a model update; store a warning
// and carry on rather than failing retrieval outright.
func (e *Embedder) conform(v []float32) []float32 {
	if len(v) == e.cfg.Dimension {
		return v
	}
	log.Warn().
		Int("got", len(v)).
		Int("want", e.cfg.Dimension).
		Msg("Embedding dimension mismatch, normalizing")
	telemetry.Get().RecordEmbedNormalized()

	out := make([]float32, e.cfg.Dimension)
	copy(out, v)
	return out
}

func (e *Embedder) cacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(normalize(text)))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Embedder) fromCache(key string) ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elem, ok := e.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if e.now().After(entry.expires) {
		e.removeLocked(elem)
		return nil, false
	}
	e.lru.MoveToFront(elem)
	return entry.vector, true
}

func (e *Embedder) store(key string, vector []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if elem, ok := e.entries[key]; ok {
		e.removeLocked(elem)
	}
	entry := &cacheEntry{key: key, vector: vector, expires: e.now().Add(e.cfg.CacheTTL)}
	e.entries[key] = e.lru.PushFront(entry)
	e.bytes += entrySize(entry)

	for e.bytes > e.cfg.CacheMaxBytes && e.lru.Len() > 1 {
		e.removeLocked(e.lru.Back())
	}
}

func (e *Embedder) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	e.lru.Remove(elem)
	delete(e.entries, entry.key)
	e.bytes -= entrySize(entry)
}

func entrySize(entry *cacheEntry) int64 {
	return int64(len(entry.key) + len(entry.vector)*4)
}

// CacheLen reports the number of cached vectors, for tests and diagnostics.
func (e *Embedder) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru.Len()
}

// normalize canonicalizes text before hashing and embedding: surrounding
// whitespace is stripped and internal runs collapse to single spaces, so
// formatting differences do not defeat the cache.
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
