// Package circuit provides per-provider circuit breakers for LLM dispatch.
// A breaker trips on a failure-heavy outcome window and blocks calls until a
// cooldown elapses, preventing cascade failures across the fallback chain.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed means the circuit is operating normally
	StateClosed State = iota
	// StateOpen means the circuit is tripped and operations are blocked
	StateOpen
	// StateHalfOpen means the circuit is testing if the provider has recovered
	StateHalfOpen
)

// String returns the state as a string
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorCategory categorizes different error types for appropriate handling
type ErrorCategory int

const (
	// ErrorCategoryTransient indicates a temporary error that counts toward tripping
	ErrorCategoryTransient ErrorCategory = iota
	// ErrorCategoryRateLimit indicates rate limiting - trips immediately
	ErrorCategoryRateLimit
	// ErrorCategoryInvalid indicates an invalid request that won't succeed on retry
	ErrorCategoryInvalid
	// ErrorCategoryFatal indicates a fatal error that requires user intervention
	ErrorCategoryFatal
)

// Config configures the circuit breaker behavior
type Config struct {
	// WindowSize is the number of recent outcomes considered
	WindowSize int
	// FailureThreshold is the minimum failures in the window before opening
	FailureThreshold int
	// FailureRatio is the minimum failure fraction in the window before opening
	FailureRatio float64
	// InitialCooldown is the first open-state hold time
	InitialCooldown time.Duration
	// MaxCooldown caps the doubled cooldown
	MaxCooldown time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		WindowSize:       10,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		InitialCooldown:  30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

// Breaker implements a windowed circuit breaker. The trip decision looks at
// the last WindowSize outcomes rather than a consecutive-failure streak, so a
// provider that alternates success and failure under load still trips once
// failures dominate the window.
type Breaker struct {
	mu sync.RWMutex

	config Config
	state  State
	name   string
	now    func() time.Time

	// Outcome window: ring buffer of the last WindowSize results.
	window []bool // true = failure
	head   int
	filled int

	lastFailure time.Time
	lastSuccess time.Time
	lastError   error

	currentCooldown       time.Duration
	openedAt              time.Time
	halfOpenProbeInFlight bool

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64

	onStateChange func(from, to State)
	onTrip        func(err error)
}

// NewBreaker creates a new circuit breaker with the given configuration
func NewBreaker(name string, config Config) *Breaker {
	if config.WindowSize <= 0 {
		config.WindowSize = 10
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = 0.5
	}
	if config.InitialCooldown <= 0 {
		config.InitialCooldown = 30 * time.Second
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = 5 * time.Minute
	}

	return &Breaker{
		config:          config,
		state:           StateClosed,
		name:            name,
		now:             time.Now,
		window:          make([]bool, config.WindowSize),
		currentCooldown: config.InitialCooldown,
	}
}

// SetClock overrides the time source, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetOnStateChange sets a callback for state changes
func (b *Breaker) SetOnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// SetOnTrip sets a callback for when the circuit trips
func (b *Breaker) SetOnTrip(fn func(err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// CanAllow checks if an operation would be allowed without causing state
// transitions. Use this for read-only status checks; for actual operations
// use Allow().
func (b *Breaker) CanAllow() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.currentCooldown
	case StateHalfOpen:
		return !b.halfOpenProbeInFlight
	default:
		return true
	}
}

// Allow checks if an operation should be allowed. An open circuit whose
// cooldown has elapsed transitions to half-open and admits a single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.currentCooldown {
			b.transitionTo(StateHalfOpen)
			b.halfOpenProbeInFlight = true
			log.Info().
				Str("breaker", b.name).
				Str("state", "half-open").
				Msg("Circuit breaker transitioning to half-open for probe")
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful operation
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = b.now()
	b.totalSuccesses++
	b.push(false)

	if b.state == StateHalfOpen {
		// A successful probe closes the circuit and resets the window so old
		// failures cannot re-trip it immediately.
		b.halfOpenProbeInFlight = false
		b.transitionTo(StateClosed)
		b.resetWindow()
		b.currentCooldown = b.config.InitialCooldown
		log.Info().
			Str("breaker", b.name).
			Str("state", "closed").
			Msg("Circuit breaker recovered and closed")
	}
}

// RecordFailure records a failed operation
func (b *Breaker) RecordFailure(err error) {
	b.RecordFailureWithCategory(err, ErrorCategoryTransient)
}

// RecordFailureWithCategory records a failed operation with error categorization
func (b *Breaker) RecordFailureWithCategory(err error, category ErrorCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	b.lastError = err
	b.totalFailures++

	switch category {
	case ErrorCategoryInvalid, ErrorCategoryFatal:
		// Waiting won't fix these, so they don't count toward the window.
		if b.state == StateHalfOpen {
			b.halfOpenProbeInFlight = false
		}
		log.Warn().
			Str("breaker", b.name).
			Err(err).
			Str("category", "non-transient").
			Msg("Circuit breaker ignoring non-transient error")
		return

	case ErrorCategoryRateLimit:
		// Rate limiting means the provider is telling us to go away; trip now.
		if b.state == StateHalfOpen {
			b.doubleCooldown()
		}
		b.tripCircuit(err)
		return
	}

	b.push(true)

	switch b.state {
	case StateClosed:
		if b.windowTripped() {
			b.tripCircuit(err)
		}

	case StateHalfOpen:
		// Failed probe reopens with a doubled cooldown.
		b.halfOpenProbeInFlight = false
		b.doubleCooldown()
		b.tripCircuit(err)
	}
}

// push records an outcome in the ring buffer.
func (b *Breaker) push(failure bool) {
	b.window[b.head] = failure
	b.head = (b.head + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

func (b *Breaker) resetWindow() {
	b.head = 0
	b.filled = 0
}

// windowTripped reports whether the outcome window crosses both trip
// thresholds: an absolute failure count and a failure ratio.
func (b *Breaker) windowTripped() bool {
	if b.filled == 0 {
		return false
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return failures >= b.config.FailureThreshold &&
		float64(failures)/float64(b.filled) >= b.config.FailureRatio
}

func (b *Breaker) doubleCooldown() {
	b.currentCooldown *= 2
	if b.currentCooldown > b.config.MaxCooldown {
		b.currentCooldown = b.config.MaxCooldown
	}
}

// tripCircuit opens the circuit breaker
func (b *Breaker) tripCircuit(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = b.now()
	b.halfOpenProbeInFlight = false
	b.totalTrips++

	log.Warn().
		Str("breaker", b.name).
		Dur("cooldown", b.currentCooldown).
		Err(err).
		Msg("Circuit breaker tripped")

	if b.onTrip != nil {
		go b.onTrip(err)
	}
}

// transitionTo changes the circuit breaker state
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState

	if b.onStateChange != nil {
		go b.onStateChange(oldState, newState)
	}
}

// Reset resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.resetWindow()
	b.currentCooldown = b.config.InitialCooldown
	b.lastError = nil
	b.halfOpenProbeInFlight = false

	log.Info().
		Str("breaker", b.name).
		Msg("Circuit breaker reset")
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Status is a summary of the circuit breaker's current condition
type Status struct {
	Name            string        `json:"name"`
	State           string        `json:"state"`
	WindowFailures  int           `json:"window_failures"`
	WindowSize      int           `json:"window_size"`
	LastFailure     *time.Time    `json:"last_failure,omitempty"`
	LastSuccess     *time.Time    `json:"last_success,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	CurrentCooldown time.Duration `json:"current_cooldown_ms"`
	TotalFailures   int64         `json:"total_failures"`
	TotalSuccesses  int64         `json:"total_successes"`
	TotalTrips      int64         `json:"total_trips"`
	TimeUntilRetry  time.Duration `json:"time_until_retry_ms,omitempty"`
}

// GetStatus returns the current status of the circuit breaker
func (b *Breaker) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}

	status := Status{
		Name:            b.name,
		State:           b.state.String(),
		WindowFailures:  failures,
		WindowSize:      b.filled,
		CurrentCooldown: b.currentCooldown,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalTrips:      b.totalTrips,
	}

	if !b.lastFailure.IsZero() {
		status.LastFailure = &b.lastFailure
	}
	if !b.lastSuccess.IsZero() {
		status.LastSuccess = &b.lastSuccess
	}
	if b.lastError != nil {
		status.LastError = b.lastError.Error()
	}

	if b.state == StateOpen {
		retryIn := b.currentCooldown - b.now().Sub(b.openedAt)
		if retryIn > 0 {
			status.TimeUntilRetry = retryIn
		}
	}

	return status
}

// IsOpen returns true if the circuit is open (blocking operations)
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateOpen
}

// IsClosed returns true if the circuit is closed (allowing operations)
func (b *Breaker) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateClosed
}

// Execute wraps an operation with circuit breaker logic
func (b *Breaker) Execute(operation func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}

	err := operation()
	if err != nil {
		b.RecordFailureWithCategory(err, CategorizeError(err))
		return err
	}

	b.RecordSuccess()
	return nil
}

// circuitOpenError is the error type returned when an operation is blocked by an open circuit
type circuitOpenError struct{}

func (e circuitOpenError) Error() string {
	return "circuit breaker is open"
}

// ErrCircuitOpen is returned when an operation is blocked by an open circuit
var ErrCircuitOpen error = circuitOpenError{}

// IsCircuitOpen checks if an error is a circuit open error
func IsCircuitOpen(err error) bool {
	_, ok := err.(circuitOpenError)
	return ok
}

// CategorizeError categorizes an error for circuit breaker handling
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryTransient
	}

	errStr := toLower(err.Error())

	if containsAny(errStr, "rate limit", "429", "too many requests", "quota exceeded") {
		return ErrorCategoryRateLimit
	}
	if containsAny(errStr, "400", "bad request", "invalid", "malformed") {
		return ErrorCategoryInvalid
	}
	if containsAny(errStr, "401", "403", "unauthorized", "forbidden", "api key") {
		return ErrorCategoryFatal
	}
	if containsAny(errStr, "402", "insufficient balance", "payment required", "credit") {
		return ErrorCategoryFatal
	}

	return ErrorCategoryTransient
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if containsSubstring(s, toLower(sub)) {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	result := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c = c + 32
		}
		result[i] = c
	}
	return string(result)
}

func containsSubstring(s, sub string) bool {
	if len(sub) > len(s) {
		return false
	}
	for i := 0; i <= len(s)-len(sub); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
