package providers

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
)

// PoolConfig configures one pooled provider's capacity limits.
type PoolConfig struct {
	// Capacity is the token bucket size (burst allowance)
	Capacity float64
	// RefillRate is tokens restored per second
	RefillRate float64
	// MaxConcurrent caps in-flight calls to the provider
	MaxConcurrent int
	// EmbedModels lists the embedding models this provider serves.
	// Empty means it serves any model.
	EmbedModels []string
}

// Pool rations access to registered providers. Each provider gets a token
// bucket for request rate and a semaphore for in-flight concurrency; Acquire
// blocks for at most the configured acquire timeout before reporting the
// provider as rate limited.
type Pool struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	order          []string
	acquireTimeout time.Duration
	now            func() time.Time
}

type poolEntry struct {
	provider    Provider
	capacity    float64
	refillRate  float64
	tokens      float64
	lastRefill  time.Time
	slots       chan struct{}
	embedModels []string
}

// NewPool creates an empty pool. acquireTimeout bounds how long Acquire waits
// for capacity; zero means a 2 second default.
func NewPool(acquireTimeout time.Duration) *Pool {
	if acquireTimeout <= 0 {
		acquireTimeout = 2 * time.Second
	}
	return &Pool{
		entries:        make(map[string]*poolEntry),
		acquireTimeout: acquireTimeout,
		now:            time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Register adds a provider under its id. Re-registering an id replaces the
// previous entry and resets its bucket.
func (p *Pool) Register(id string, provider Provider, cfg PoolConfig) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[id]; !exists {
		p.order = append(p.order, id)
	}
	p.entries[id] = &poolEntry{
		provider:    provider,
		capacity:    cfg.Capacity,
		refillRate:  cfg.RefillRate,
		tokens:      cfg.Capacity,
		lastRefill:  p.now(),
		slots:       make(chan struct{}, cfg.MaxConcurrent),
		embedModels: cfg.EmbedModels,
	}

	log.Info().
		Str("provider", id).
		Float64("capacity", cfg.Capacity).
		Float64("refill_rate", cfg.RefillRate).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("Provider registered in pool")
}

// IDs returns the registered provider ids in registration order. The order is
// the fallback chain order.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// IDsForEmbedModel returns, in registration order, the providers that serve
// the given embedding model. A provider that declares no models serves any.
func (p *Pool) IDsForEmbedModel(model string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, id := range p.order {
		if e := p.entries[id]; len(e.embedModels) == 0 || slices.Contains(e.embedModels, model) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Probe checks every registered provider's credentials and connectivity,
// in registration order. The result maps provider id to its probe error;
// healthy providers are absent.
func (p *Pool) Probe(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, id := range p.IDs() {
		provider, ok := p.Provider(id)
		if !ok {
			continue
		}
		if err := provider.Probe(ctx); err != nil {
			failures[id] = err
		}
	}
	return failures
}

// Provider returns the registered provider for id.
func (p *Pool) Provider(id string) (Provider, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Permit grants one call against a provider. Release must be called exactly
// once when the call finishes.
type Permit struct {
	Provider Provider
	ID       string

	entry   *poolEntry
	release sync.Once
}

// Release frees the concurrency slot.
func (pm *Permit) Release() {
	pm.release.Do(func() {
		<-pm.entry.slots
	})
}

// Acquire takes a rate token and a concurrency slot for the provider,
// blocking up to the pool's acquire timeout. Exhausted capacity surfaces as
// RateLimited so the dispatcher can move down the fallback chain.
func (p *Pool) Acquire(ctx context.Context, id string) (*Permit, error) {
	const op = "providers.acquire"

	p.mu.Lock()
	entry, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return nil, rerrors.Newf(rerrors.KindNotFound, op, "provider %s is not registered", id)
	}

	deadline := time.NewTimer(p.acquireTimeout)
	defer deadline.Stop()

	for {
		wait, taken := p.takeToken(entry)
		if taken {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-deadline.C:
			timer.Stop()
			return nil, rerrors.Newf(rerrors.KindRateLimited, op,
				"provider %s has no capacity within %s", id, p.acquireTimeout)
		case <-ctx.Done():
			timer.Stop()
			return nil, rerrors.New(rerrors.KindDeadlineExceeded, op, ctx.Err())
		}
	}

	select {
	case entry.slots <- struct{}{}:
	case <-deadline.C:
		return nil, rerrors.Newf(rerrors.KindRateLimited, op,
			"provider %s concurrency limit reached within %s", id, p.acquireTimeout)
	case <-ctx.Done():
		return nil, rerrors.New(rerrors.KindDeadlineExceeded, op, ctx.Err())
	}

	return &Permit{Provider: entry.provider, ID: id, entry: entry}, nil
}

// takeToken refills the bucket and claims a token if one is available.
// Otherwise it returns how long until the next token materializes.
func (p *Pool) takeToken(e *poolEntry) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	elapsed := now.Sub(e.lastRefill).Seconds()
	if elapsed > 0 {
		e.tokens += elapsed * e.refillRate
		if e.tokens > e.capacity {
			e.tokens = e.capacity
		}
		e.lastRefill = now
	}

	if e.tokens >= 1 {
		e.tokens--
		return 0, true
	}
	wait := time.Duration((1 - e.tokens) / e.refillRate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// Status reports remaining capacity per provider, for diagnostics.
func (p *Pool) Status() map[string]PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]PoolStatus, len(p.entries))
	for id, e := range p.entries {
		now := p.now()
		tokens := e.tokens + now.Sub(e.lastRefill).Seconds()*e.refillRate
		if tokens > e.capacity {
			tokens = e.capacity
		}
		out[id] = PoolStatus{
			Tokens:   tokens,
			Capacity: e.capacity,
			InFlight: len(e.slots),
			MaxSlots: cap(e.slots),
		}
	}
	return out
}

// PoolStatus is a point-in-time capacity snapshot for one provider.
type PoolStatus struct {
	Tokens   float64 `json:"tokens"`
	Capacity float64 `json:"capacity"`
	InFlight int     `json:"in_flight"`
	MaxSlots int     `json:"max_slots"`
}
