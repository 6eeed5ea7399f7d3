// Package notify fans out entry lifecycle events to in-process subscribers
// over bounded queues. Each subscriber picks an overflow policy; a Block
// subscriber that cannot drain within the grace period loses its oldest
// queued event instead of stalling publishers indefinitely.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/resolvd/internal/telemetry"
)

// EventType classifies notifications.
type EventType string

const (
	EventEntryCreated     EventType = "entry.created"
	EventEntryUpdated     EventType = "entry.updated"
	EventEntryResolved    EventType = "entry.resolved"
	EventKnowledgeCreated EventType = "knowledge.created"
	EventProposalReady    EventType = "proposal.ready"
	EventProposalDecided  EventType = "proposal.decided"
)

// Event is one notification.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	EntryID       string    `json:"entry_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload,omitempty"`
}

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued event to make room
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming event
	DropNewest
	// Block waits for queue space, up to the notifier's grace period, then
	// falls back to DropOldest with a warning
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Config configures the notifier.
type Config struct {
	// DefaultBufferSize is used when a subscriber asks for 0
	DefaultBufferSize int
	// BlockGrace is how long a Block-policy publish waits before falling
	// back to dropping the subscriber's oldest queued event
	BlockGrace time.Duration
}

// Notifier is the in-process pub/sub hub.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	cfg    Config
	closed bool
	now    func() time.Time
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	ID     string
	Types  map[EventType]struct{} // nil means all types
	policy OverflowPolicy

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// New creates a Notifier.
func New(cfg Config) *Notifier {
	if cfg.DefaultBufferSize <= 0 {
		cfg.DefaultBufferSize = 1024
	}
	if cfg.BlockGrace <= 0 {
		cfg.BlockGrace = 60 * time.Second
	}
	return &Notifier{
		subs: make(map[string]*Subscription),
		cfg:  cfg,
		now:  time.Now,
	}
}

// Subscribe registers a subscriber. types narrows delivery; empty means every
// event. The returned subscription's channel closes on Unsubscribe or on
// notifier Close.
func (n *Notifier) Subscribe(buffer int, policy OverflowPolicy, types ...EventType) *Subscription {
	if buffer <= 0 {
		buffer = n.cfg.DefaultBufferSize
	}
	sub := &Subscription{
		ID:     uuid.NewString(),
		policy: policy,
		ch:     make(chan Event, buffer),
	}
	if len(types) > 0 {
		sub.Types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.Types[t] = struct{}{}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		sub.close()
		return sub
	}
	n.subs[sub.ID] = sub

	log.Debug().
		Str("subscription", sub.ID).
		Str("policy", policy.String()).
		Int("buffer", buffer).
		Msg("Notification subscriber registered")
	return sub
}

// C returns the receive channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) wants(t EventType) bool {
	if s.Types == nil {
		return true
	}
	_, ok := s.Types[t]
	return ok
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	sub, ok := n.subs[id]
	if ok {
		delete(n.subs, id)
	}
	n.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers the event to every interested subscriber according to its
// overflow policy. Publish never blocks longer than the Block grace period.
func (n *Notifier) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = n.now().UTC()
	}

	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		if sub.wants(event.Type) {
			subs = append(subs, sub)
		}
	}
	n.mu.RUnlock()

	for _, sub := range subs {
		n.deliver(sub, event)
	}
}

func (n *Notifier) deliver(sub *Subscription, event Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	switch sub.policy {
	case DropOldest:
		for {
			select {
			case sub.ch <- event:
				return
			default:
			}
			select {
			case <-sub.ch:
				telemetry.Get().RecordNotifierDrop("drop_oldest")
			default:
			}
		}

	case DropNewest:
		select {
		case sub.ch <- event:
		default:
			telemetry.Get().RecordNotifierDrop("drop_newest")
		}

	case Block:
		select {
		case sub.ch <- event:
			return
		default:
		}
		timer := time.NewTimer(n.cfg.BlockGrace)
		defer timer.Stop()
		select {
		case sub.ch <- event:
		case <-timer.C:
			// Subscriber hasn't drained within the grace period; fall back
			// to DropOldest so the publisher moves on and the subscriber
			// stays registered.
			log.Warn().
				Str("subscription", sub.ID).
				Dur("grace", n.cfg.BlockGrace).
				Msg("Block grace elapsed, dropping oldest queued event")
			for {
				select {
				case sub.ch <- event:
					return
				default:
				}
				select {
				case <-sub.ch:
					telemetry.Get().RecordNotifierDrop("block_grace")
				default:
				}
			}
		}
	}
}

// SubscriberCount reports active subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Close shuts down the hub and closes every subscriber channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := make([]*Subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	n.subs = map[string]*Subscription{}
	n.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
