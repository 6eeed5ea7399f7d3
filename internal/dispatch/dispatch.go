// Package dispatch routes completion requests across the provider fallback
// chain. Identical in-flight requests collapse into one call, recent results
// are replayed from a short-lived cache, and per-provider circuit breakers
// keep failing providers out of the rotation.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/resolvd/internal/circuit"
	rerrors "github.com/rcourtman/resolvd/internal/errors"
	"github.com/rcourtman/resolvd/internal/providers"
	"github.com/rcourtman/resolvd/internal/telemetry"
)

// Config configures the dispatcher.
type Config struct {
	// DedupTTL is how long a completed result answers duplicate requests
	DedupTTL time.Duration
	// AttemptsPerProvider is how many tries each provider gets before the
	// chain moves on
	AttemptsPerProvider int
	// RetryBaseDelay seeds the jittered backoff between attempts
	RetryBaseDelay time.Duration
	// Breaker configures the per-provider circuit breakers
	Breaker circuit.Config
}

// DefaultConfig returns the standard dispatch parameters.
func DefaultConfig() Config {
	return Config{
		DedupTTL:            60 * time.Second,
		AttemptsPerProvider: 2,
		RetryBaseDelay:      200 * time.Millisecond,
		Breaker:             circuit.DefaultConfig(),
	}
}

// Result is a completed dispatch.
type Result struct {
	Response   *providers.CompletionResponse
	ProviderID string
	// Deduplicated is set when the result came from the completion cache or
	// an in-flight duplicate rather than a fresh provider call.
	Deduplicated bool
}

// Dispatcher fans requests across the pool with fallback.
type Dispatcher struct {
	pool *providers.Pool
	cfg  Config

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
	cache    map[string]cachedResult

	group singleflight.Group
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

type cachedResult struct {
	result  Result
	expires time.Time
}

// New creates a Dispatcher over the pool.
func New(pool *providers.Pool, cfg Config) *Dispatcher {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 60 * time.Second
	}
	if cfg.AttemptsPerProvider <= 0 {
		cfg.AttemptsPerProvider = 2
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	return &Dispatcher{
		pool:     pool,
		cfg:      cfg,
		breakers: make(map[string]*circuit.Breaker),
		cache:    make(map[string]cachedResult),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetClock overrides the time source, for tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
	for _, b := range d.breakers {
		b.SetClock(now)
	}
}

// Dispatch sends the request through the fallback chain. Identical concurrent
// requests share one provider call; identical requests inside the dedup TTL
// replay the cached result.
func (d *Dispatcher) Dispatch(ctx context.Context, req providers.CompletionRequest) (Result, error) {
	key := requestKey(req)

	if cached, ok := d.fromCache(key); ok {
		telemetry.Get().RecordCacheLookup("dispatch", true)
		cached.Deduplicated = true
		return cached, nil
	}
	telemetry.Get().RecordCacheLookup("dispatch", false)

	v, err, shared := d.group.Do(key, func() (any, error) {
		if cached, ok := d.fromCache(key); ok {
			return cached, nil
		}
		result, err := d.dispatchChain(ctx, req)
		if err != nil {
			return Result{}, err
		}
		d.store(key, result)
		return result, nil
	})
	if err != nil {
		return Result{}, err
	}
	result := v.(Result)
	if shared {
		result.Deduplicated = true
	}
	return result, nil
}

// dispatchChain walks the request's fallback order, or pool order when the
// request names none. Breaker-open and rate-limited providers are skipped;
// transient failures retry with jittered backoff before moving on; permanent
// failures (bad request, auth, billing) abort the whole chain and surface to
// the caller unchanged.
func (d *Dispatcher) dispatchChain(ctx context.Context, req providers.CompletionRequest) (Result, error) {
	const op = "dispatch.dispatch"

	ids := d.chainIDs(req)
	if len(ids) == 0 {
		return Result{}, rerrors.Newf(rerrors.KindAllProvidersUnavailable, op, "no eligible providers")
	}

	var lastErr error
	for _, id := range ids {
		breaker := d.breaker(id)
		if !breaker.Allow() {
			log.Debug().Str("provider", id).Msg("Skipping provider with open circuit")
			lastErr = rerrors.Newf(rerrors.KindProviderUnavailable, op, "provider %s circuit is open", id)
			continue
		}

		result, err := d.tryProvider(ctx, id, breaker, req)
		if err == nil {
			return result, nil
		}
		if !rerrors.IsRetryable(err) {
			// Permanent for this request: do not replay it against the
			// next provider in the chain.
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, rerrors.New(rerrors.KindDeadlineExceeded, op, ctx.Err())
		}
		lastErr = err
	}

	return Result{}, rerrors.New(rerrors.KindAllProvidersUnavailable, op, lastErr)
}

// chainIDs resolves the provider walk order for one request. A request's
// fallback order is intersected with the registered providers; ids the pool
// does not know are skipped.
func (d *Dispatcher) chainIDs(req providers.CompletionRequest) []string {
	if len(req.FallbackOrder) == 0 {
		return d.pool.IDs()
	}
	ids := make([]string, 0, len(req.FallbackOrder))
	for _, id := range req.FallbackOrder {
		if _, ok := d.pool.Provider(id); !ok {
			log.Warn().Str("provider", id).Msg("Request fallback order names an unregistered provider, skipping")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// tryProvider makes up to AttemptsPerProvider calls against one provider.
func (d *Dispatcher) tryProvider(ctx context.Context, id string, breaker *circuit.Breaker, req providers.CompletionRequest) (Result, error) {
	const op = "dispatch.try_provider"

	var lastErr error
	for attempt := 0; attempt < d.cfg.AttemptsPerProvider; attempt++ {
		if attempt > 0 {
			if !breaker.Allow() {
				break
			}
			if err := d.sleep(ctx, jitteredDelay(d.cfg.RetryBaseDelay, attempt)); err != nil {
				return Result{}, rerrors.New(rerrors.KindDeadlineExceeded, op, err)
			}
		}

		permit, err := d.pool.Acquire(ctx, id)
		if err != nil {
			// No capacity is not the provider's fault; don't punish the breaker.
			return Result{}, err
		}
		start := d.now()
		resp, err := permit.Provider.Complete(ctx, req)
		permit.Release()

		if err == nil {
			breaker.RecordSuccess()
			telemetry.Get().RecordLLMCall(id, "success")
			telemetry.Get().RecordTokens(id, resp.InputTokens, resp.OutputTokens)
			log.Debug().
				Str("provider", id).
				Dur("elapsed", d.now().Sub(start)).
				Int("output_tokens", resp.OutputTokens).
				Msg("Completion succeeded")
			return Result{Response: resp, ProviderID: id}, nil
		}

		category := circuit.CategorizeError(err)
		breaker.RecordFailureWithCategory(err, category)
		telemetry.Get().RecordLLMCall(id, "error")
		log.Warn().Str("provider", id).Err(err).Msg("Completion failed")

		switch category {
		case circuit.ErrorCategoryInvalid:
			return Result{}, rerrors.New(rerrors.KindInvalidInput, op, err)
		case circuit.ErrorCategoryFatal:
			// Auth and billing rejections need operator intervention;
			// marked non-retryable so the chain stops here.
			fatal := rerrors.New(rerrors.KindProviderUnavailable, op, err)
			fatal.Retryable = false
			return Result{}, fatal
		case circuit.ErrorCategoryRateLimit:
			// Move to the next provider immediately.
			return Result{}, rerrors.New(rerrors.KindProviderUnavailable, op, err)
		}
		lastErr = err
	}
	return Result{}, rerrors.New(rerrors.KindProviderUnavailable, op, lastErr)
}

// breaker returns the provider's breaker, creating it on first use.
func (d *Dispatcher) breaker(id string) *circuit.Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.breakers[id]
	if !ok {
		b = circuit.NewBreaker(id, d.cfg.Breaker)
		b.SetClock(d.now)
		b.SetOnTrip(func(err error) {
			telemetry.Get().RecordBreakerTrip(id)
		})
		d.breakers[id] = b
	}
	return b
}

// BreakerStatus reports every provider breaker's condition.
func (d *Dispatcher) BreakerStatus() map[string]circuit.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]circuit.Status, len(d.breakers))
	for id, b := range d.breakers {
		out[id] = b.GetStatus()
	}
	return out
}

func (d *Dispatcher) fromCache(key string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cached, ok := d.cache[key]
	if !ok {
		return Result{}, false
	}
	if d.now().After(cached.expires) {
		delete(d.cache, key)
		return Result{}, false
	}
	return cached.result, true
}

func (d *Dispatcher) store(key string, result Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Opportunistic sweep keeps the cache from accumulating dead entries.
	now := d.now()
	for k, v := range d.cache {
		if now.After(v.expires) {
			delete(d.cache, k)
		}
	}
	d.cache[key] = cachedResult{result: result, expires: now.Add(d.cfg.DedupTTL)}
}

// requestKey canonicalizes a request into a stable hash covering every field
// that changes the answer.
func requestKey(req providers.CompletionRequest) string {
	h := sha256.New()
	fields := append([]string{req.Model, req.System, req.Prompt}, req.FallbackOrder...)
	for _, s := range fields {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	var numBuf [16]byte
	binary.LittleEndian.PutUint64(numBuf[:8], uint64(req.MaxTokens))
	binary.LittleEndian.PutUint64(numBuf[8:], uint64(int64(req.Temperature*1e6)))
	h.Write(numBuf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// jitteredDelay is base*2^attempt with ±50% jitter.
func jitteredDelay(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)))
	return d/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
