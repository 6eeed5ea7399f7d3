package circuit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	b := NewBreaker("test", DefaultConfig())
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b.SetClock(clock.now)
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker()
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow")
	}
}

func TestBreakerTripsOnWindowThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	err := errors.New("connection refused")

	for i := 0; i < 4; i++ {
		b.RecordFailure(err)
	}
	if b.State() != StateClosed {
		t.Fatalf("4 failures should not trip, state %v", b.State())
	}

	b.RecordFailure(err)
	if b.State() != StateOpen {
		t.Fatalf("5th failure should trip, state %v", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should block")
	}
}

func TestBreakerRatioRequirement(t *testing.T) {
	b, _ := newTestBreaker()
	err := errors.New("timeout")

	// Fill the window with 5 successes, then 5 failures: exactly ratio 0.5
	// with the absolute threshold met.
	for i := 0; i < 5; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		b.RecordFailure(err)
	}
	if b.State() != StateClosed {
		t.Fatalf("4/9 failures should not trip, state %v", b.State())
	}
	b.RecordFailure(err)
	if b.State() != StateOpen {
		t.Errorf("5 failures at ratio 0.5 should trip, state %v", b.State())
	}
}

func TestBreakerSuccessesKeepItClosed(t *testing.T) {
	b, _ := newTestBreaker()
	err := errors.New("timeout")

	// Plenty of failures overall, but never 5 inside one window majority.
	for i := 0; i < 20; i++ {
		b.RecordFailure(err)
		b.RecordSuccess()
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Errorf("minority failures should not trip, state %v", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker()
	err := errors.New("boom")

	for i := 0; i < 5; i++ {
		b.RecordFailure(err)
	}
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Before cooldown: blocked.
	clock.advance(29 * time.Second)
	if b.Allow() {
		t.Error("should still be blocked inside cooldown")
	}

	// After cooldown: exactly one probe admitted.
	clock.advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if b.Allow() {
		t.Error("second concurrent probe should be blocked")
	}

	// Successful probe closes and resets.
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after probe success, got %v", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow")
	}
}

func TestBreakerCooldownDoublesOnFailedProbe(t *testing.T) {
	b, clock := newTestBreaker()
	err := errors.New("boom")

	for i := 0; i < 5; i++ {
		b.RecordFailure(err)
	}
	clock.advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}

	b.RecordFailure(err)
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State())
	}

	// First cooldown was 30s; it is now 60s.
	clock.advance(31 * time.Second)
	if b.Allow() {
		t.Error("doubled cooldown should still block at +31s")
	}
	clock.advance(30 * time.Second)
	if !b.Allow() {
		t.Error("probe should be admitted after doubled cooldown")
	}
}

func TestBreakerCooldownResetOnRecovery(t *testing.T) {
	b, clock := newTestBreaker()
	err := errors.New("boom")

	for i := 0; i < 5; i++ {
		b.RecordFailure(err)
	}
	clock.advance(31 * time.Second)
	b.Allow()
	b.RecordFailure(err) // cooldown -> 60s
	clock.advance(61 * time.Second)
	b.Allow()
	b.RecordSuccess() // recovered

	// Trip again: cooldown is back to the initial 30s.
	for i := 0; i < 5; i++ {
		b.RecordFailure(err)
	}
	clock.advance(31 * time.Second)
	if !b.Allow() {
		t.Error("cooldown should have reset to initial after recovery")
	}
}

func TestBreakerIgnoresNonTransientErrors(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 10; i++ {
		b.RecordFailureWithCategory(errors.New("400 bad request"), ErrorCategoryInvalid)
	}
	if b.State() != StateClosed {
		t.Errorf("invalid errors should not trip, state %v", b.State())
	}
}

func TestBreakerRateLimitTripsImmediately(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailureWithCategory(errors.New("429 too many requests"), ErrorCategoryRateLimit)
	if b.State() != StateOpen {
		t.Errorf("rate limit should trip immediately, state %v", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("expected closed after reset, got %v", b.State())
	}
	status := b.GetStatus()
	if status.WindowFailures != 0 {
		t.Errorf("expected empty window after reset, got %d", status.WindowFailures)
	}
}

func TestBreakerExecute(t *testing.T) {
	b, _ := newTestBreaker()

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		if err := b.Execute(func() error { return boom }); err != boom {
			t.Fatalf("expected boom, got %v", err)
		}
	}
	err := b.Execute(func() error { return nil })
	if !IsCircuitOpen(err) {
		t.Errorf("expected circuit open error, got %v", err)
	}
}

func TestCategorizeError(t *testing.T) {
	cases := []struct {
		err  string
		want ErrorCategory
	}{
		{"429 Too Many Requests", ErrorCategoryRateLimit},
		{"quota exceeded for model", ErrorCategoryRateLimit},
		{"400 Bad Request", ErrorCategoryInvalid},
		{"401 Unauthorized", ErrorCategoryFatal},
		{"payment required", ErrorCategoryFatal},
		{"connection reset by peer", ErrorCategoryTransient},
	}
	for _, tc := range cases {
		if got := CategorizeError(errors.New(tc.err)); got != tc.want {
			t.Errorf("CategorizeError(%q) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
