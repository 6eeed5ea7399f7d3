// Package audit provides a tamper-evident, hash-chained event log backed by
// SQLite. Every event's hash covers the previous event's hash, so any
// after-the-fact edit breaks verification from that point forward. Retention
// removes whole sealed segments, never individual rows, keeping the remaining
// chain verifiable from per-segment anchors.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// EventKind classifies audit events; retention is configured per kind.
type EventKind string

const (
	// KindEntryCreated records incident or knowledge creation
	KindEntryCreated EventKind = "entry_created"
	// KindEntryUpdated records entry mutations
	KindEntryUpdated EventKind = "entry_updated"
	// KindEntryResolved records incident resolution
	KindEntryResolved EventKind = "entry_resolved"
	// KindProposalRequested records the start of a resolution proposal
	KindProposalRequested EventKind = "proposal_requested"
	// KindSanitization records a PII scrub (counts only, never content)
	KindSanitization EventKind = "sanitization"
	// KindRetrieval records a context retrieval pass
	KindRetrieval EventKind = "retrieval"
	// KindLLMCall records one provider call attempt
	KindLLMCall EventKind = "llm_call"
	// KindRestore records redaction tokens being swapped back after a
	// model response
	KindRestore EventKind = "restore"
	// KindProposalProduced records a finished proposal persisted to the store
	KindProposalProduced EventKind = "proposal_produced"
	// KindNotify records a notification published for a pipeline outcome
	KindNotify EventKind = "notify"
	// KindError records a failed public operation with its correlation id
	KindError EventKind = "error"
	// KindProposalDecision records accept/reject of a proposal
	KindProposalDecision EventKind = "proposal_decision"
	// KindSystem records operational events (startup, retention runs)
	KindSystem EventKind = "system"
)

// Event is one chained audit record. Hash and PrevHash are assigned by the
// log on append; Seq is the global append order.
type Event struct {
	Seq           int64     `json:"seq"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Kind          EventKind `json:"kind"`
	Actor         string    `json:"actor,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	EntryID       string    `json:"entry_id,omitempty"`
	Success       bool      `json:"success"`
	Payload       string    `json:"payload,omitempty"`
	Truncated     bool      `json:"truncated,omitempty"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
}

// genesisHash anchors the very first segment of the chain.
func genesisHash() string {
	sum := sha256.Sum256([]byte("resolvd/audit/genesis/v1"))
	return hex.EncodeToString(sum[:])
}

// chainHash computes an event's hash over the previous hash and every
// content field. Fields are length-prefixed so no two distinct events can
// serialize to the same byte stream.
func chainHash(prevHash string, e Event) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(prevHash)
	writeField(e.ID)
	writeField(e.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(string(e.Kind))
	writeField(e.Actor)
	writeField(e.CorrelationID)
	writeField(e.EntryID)
	if e.Success {
		writeField("1")
	} else {
		writeField("0")
	}
	writeField(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
