// Package service is the caller-facing facade over the resolution core. It
// validates input, runs the store/retriever/resolver plumbing, and makes sure
// every externally triggered operation leaves an audit event and a
// notification.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
	"github.com/rcourtman/resolvd/internal/embed"
	"github.com/rcourtman/resolvd/internal/logging"
	"github.com/rcourtman/resolvd/internal/notify"
	"github.com/rcourtman/resolvd/internal/resolver"
	"github.com/rcourtman/resolvd/internal/retrieve"
	"github.com/rcourtman/resolvd/internal/sanitize"
	"github.com/rcourtman/resolvd/internal/store"
	"github.com/rcourtman/resolvd/pkg/audit"
)

// Service wires the resolution core together behind stable operations.
type Service struct {
	store     *store.Store
	embedder  *embed.Embedder
	retriever *retrieve.Retriever
	resolver  *resolver.Resolver
	sanitizer *sanitize.Sanitizer
	auditLog  *audit.Log
	notifier  *notify.Notifier
}

// New creates the facade.
func New(st *store.Store, em *embed.Embedder, rt *retrieve.Retriever,
	rs *resolver.Resolver, sz *sanitize.Sanitizer, al *audit.Log, nf *notify.Notifier) *Service {
	return &Service{
		store:     st,
		embedder:  em,
		retriever: rt,
		resolver:  rs,
		sanitizer: sz,
		auditLog:  al,
		notifier:  nf,
	}
}

// EntryInput is the caller-supplied payload for creating an entry.
type EntryInput struct {
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Solution      string     `json:"solution,omitempty"`
	TechnicalArea string     `json:"technical_area"`
	BusinessArea  string     `json:"business_area,omitempty"`
	Severity      store.Severity `json:"severity"`
	Priority      int        `json:"priority"`
	Tags          []string   `json:"tags,omitempty"`
	Reporter      string     `json:"reporter,omitempty"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	SLADeadline   *time.Time `json:"sla_deadline,omitempty"`
}

// CreateIncident validates and persists a new incident, indexes it for
// retrieval, and announces it.
func (s *Service) CreateIncident(ctx context.Context, actor string, input EntryInput) (store.Entry, error) {
	return s.createEntry(ctx, actor, store.KindIncident, input)
}

// CreateKnowledge validates and persists a knowledge article.
func (s *Service) CreateKnowledge(ctx context.Context, actor string, input EntryInput) (store.Entry, error) {
	return s.createEntry(ctx, actor, store.KindKnowledge, input)
}

func (s *Service) createEntry(ctx context.Context, actor string, kind store.Kind, input EntryInput) (store.Entry, error) {
	ctx = logging.WithCorrelationID(ctx, logging.CorrelationID(ctx))
	corrID := logging.CorrelationID(ctx)

	entry := store.Entry{
		Kind:          kind,
		Title:         input.Title,
		Description:   input.Description,
		Solution:      input.Solution,
		TechnicalArea: input.TechnicalArea,
		BusinessArea:  input.BusinessArea,
		Severity:      input.Severity,
		Priority:      input.Priority,
		Tags:          input.Tags,
		Reporter:      input.Reporter,
		AssignedTo:    input.AssignedTo,
		SLADeadline:   input.SLADeadline,
		CreatedBy:     actor,
	}

	created, err := s.store.Create(ctx, entry)
	if err != nil {
		return store.Entry{}, err
	}

	// Content stays inside our trust domain unscrubbed; the audit record
	// carries detection counts only.
	findings := s.sanitizer.Detect(created.SearchableText())
	s.audit(ctx, audit.Event{
		Kind:          audit.KindEntryCreated,
		Actor:         actor,
		CorrelationID: corrID,
		EntryID:       created.ID,
		Success:       true,
		Payload: payload(map[string]any{
			"kind":     created.Kind,
			"severity": created.Severity,
			"findings": sanitize.Describe(findings),
		}),
	})

	s.index(ctx, created)

	eventType := notify.EventEntryCreated
	if kind == store.KindKnowledge {
		eventType = notify.EventKnowledgeCreated
	}
	s.notifier.Publish(notify.Event{
		Type:          eventType,
		EntryID:       created.ID,
		CorrelationID: corrID,
	})
	return created, nil
}

// GetEntry fetches one entry by id.
func (s *Service) GetEntry(ctx context.Context, id string) (store.Entry, error) {
	return s.store.Get(ctx, id)
}

// ListEntries pages through entries matching the filter and reports the total
// match count.
func (s *Service) ListEntries(ctx context.Context, filter store.Filter) ([]store.Entry, int, error) {
	entries, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// SearchEntries runs the hybrid retrieval pipeline over the query.
func (s *Service) SearchEntries(ctx context.Context, query string, filter store.Filter) (retrieve.Result, error) {
	return s.retriever.Retrieve(ctx, query, filter)
}

// EntryPatch holds optional field updates; nil fields are left untouched.
type EntryPatch struct {
	Title       *string
	Description *string
	Solution    *string
	Status      *store.Status
	Severity    *store.Severity
	Priority    *int
	AssignedTo  *string
	Tags        *[]string
}

// UpdateEntry applies a patch under optimistic locking and re-indexes the
// entry when its searchable text changed.
func (s *Service) UpdateEntry(ctx context.Context, actor, id string, expectedVersion int64, patch EntryPatch) (store.Entry, error) {
	ctx = logging.WithCorrelationID(ctx, logging.CorrelationID(ctx))
	corrID := logging.CorrelationID(ctx)

	var textChanged bool
	updated, err := s.store.Update(ctx, id, expectedVersion, func(e store.Entry) (store.Entry, error) {
		before := e.SearchableText()
		if patch.Title != nil {
			e.Title = *patch.Title
		}
		if patch.Description != nil {
			e.Description = *patch.Description
		}
		if patch.Solution != nil {
			e.Solution = *patch.Solution
		}
		if patch.Status != nil {
			e.Status = *patch.Status
		}
		if patch.Severity != nil {
			e.Severity = *patch.Severity
		}
		if patch.Priority != nil {
			e.Priority = *patch.Priority
		}
		if patch.AssignedTo != nil {
			e.AssignedTo = *patch.AssignedTo
		}
		if patch.Tags != nil {
			e.Tags = *patch.Tags
		}
		textChanged = e.SearchableText() != before
		return e, nil
	})
	if err != nil {
		return store.Entry{}, err
	}

	s.audit(ctx, audit.Event{
		Kind:          audit.KindEntryUpdated,
		Actor:         actor,
		CorrelationID: corrID,
		EntryID:       updated.ID,
		Success:       true,
		Payload:       payload(map[string]any{"version": updated.Version, "status": updated.Status}),
	})
	if textChanged {
		s.index(ctx, updated)
	}
	s.notifier.Publish(notify.Event{
		Type:          notify.EventEntryUpdated,
		EntryID:       updated.ID,
		CorrelationID: corrID,
	})
	return updated, nil
}

// ArchiveEntry soft-deletes an entry.
func (s *Service) ArchiveEntry(ctx context.Context, actor, id string, expectedVersion int64) (store.Entry, error) {
	ctx = logging.WithCorrelationID(ctx, logging.CorrelationID(ctx))
	archived, err := s.store.Archive(ctx, id, expectedVersion)
	if err != nil {
		return store.Entry{}, err
	}
	s.audit(ctx, audit.Event{
		Kind:          audit.KindEntryUpdated,
		Actor:         actor,
		CorrelationID: logging.CorrelationID(ctx),
		EntryID:       archived.ID,
		Success:       true,
		Payload:       payload(map[string]any{"archived": true}),
	})
	return archived, nil
}

// ProposeResolution runs the AI proposal pipeline for an incident.
func (s *Service) ProposeResolution(ctx context.Context, actor, incidentID string, opts resolver.Options) (store.Proposal, error) {
	return s.resolver.Propose(ctx, incidentID, actor, opts)
}

// GetProposal fetches one proposal.
func (s *Service) GetProposal(ctx context.Context, id string) (store.Proposal, error) {
	return s.store.GetProposal(ctx, id)
}

// ListProposals returns an incident's proposals, newest first.
func (s *Service) ListProposals(ctx context.Context, incidentID string) ([]store.Proposal, error) {
	return s.store.ListProposals(ctx, incidentID)
}

// ApplyInput tunes proposal acceptance.
type ApplyInput struct {
	// SolutionOverride replaces the proposal-derived solution text when the
	// operator edited the suggestion before applying it.
	SolutionOverride string
	// Resolve transitions the incident to resolved using the proposal.
	Resolve bool
	// CreateKnowledge spawns a linked knowledge entry during resolution.
	CreateKnowledge bool
}

// ApplyProposal accepts a pending proposal. When input.Resolve is set the
// incident is resolved with the proposal's recommended actions (or the
// operator's edited text) as solution, and usage statistics are credited to
// the knowledge entries the proposal drew on. Returns the incident and, when
// spawned, the new knowledge entry.
func (s *Service) ApplyProposal(ctx context.Context, actor, proposalID string, input ApplyInput) (store.Entry, *store.Entry, error) {
	const op = "service.apply_proposal"

	ctx = logging.WithCorrelationID(ctx, logging.CorrelationID(ctx))
	corrID := logging.CorrelationID(ctx)

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Entry{}, nil, err
	}
	if proposal.Status != store.ProposalPending {
		return store.Entry{}, nil, rerrors.Newf(rerrors.KindInvalidTransition, op,
			"proposal %s is %s, only pending proposals can be applied", proposalID, proposal.Status)
	}

	incident, err := s.store.Get(ctx, proposal.IncidentID)
	if err != nil {
		return store.Entry{}, nil, err
	}

	var spawned *store.Entry
	if input.Resolve {
		solution := input.SolutionOverride
		if strings.TrimSpace(solution) == "" {
			solution = renderSolution(proposal)
		}
		incident, spawned, err = s.store.Resolve(ctx, incident.ID, incident.Version, solution, input.CreateKnowledge, actor)
		if err != nil {
			return store.Entry{}, nil, err
		}
	}

	if _, err := s.store.SetProposalStatus(ctx, proposalID, store.ProposalAccepted); err != nil {
		return store.Entry{}, nil, err
	}
	s.creditSources(ctx, proposal)

	s.audit(ctx, audit.Event{
		Kind:          audit.KindProposalDecision,
		Actor:         actor,
		CorrelationID: corrID,
		EntryID:       incident.ID,
		Success:       true,
		Payload: payload(map[string]any{
			"proposal_id": proposalID,
			"decision":    store.ProposalAccepted,
			"resolved":    input.Resolve,
			"edited":      input.SolutionOverride != "",
		}),
	})
	s.notifier.Publish(notify.Event{
		Type:          notify.EventProposalDecided,
		EntryID:       incident.ID,
		CorrelationID: corrID,
		Payload:       map[string]any{"proposal_id": proposalID, "decision": store.ProposalAccepted},
	})
	if input.Resolve {
		s.publishResolution(corrID, incident, spawned)
	}
	return incident, spawned, nil
}

// RejectProposal marks a pending proposal rejected with an operator reason.
func (s *Service) RejectProposal(ctx context.Context, actor, proposalID, reason string) error {
	ctx = logging.WithCorrelationID(ctx, logging.CorrelationID(ctx))
	corrID := logging.CorrelationID(ctx)

	proposal, err := s.store.SetProposalStatus(ctx, proposalID, store.ProposalRejected)
	if err != nil {
		return err
	}

	s.audit(ctx, audit.Event{
		Kind:          audit.KindProposalDecision,
		Actor:         actor,
		CorrelationID: corrID,
		EntryID:       proposal.IncidentID,
		Success:       true,
		Payload: payload(map[string]any{
			"proposal_id": proposalID,
			"decision":    store.ProposalRejected,
			"reason":      reason,
		}),
	})
	s.notifier.Publish(notify.Event{
		Type:          notify.EventProposalDecided,
		EntryID:       proposal.IncidentID,
		CorrelationID: corrID,
		Payload:       map[string]any{"proposal_id": proposalID, "decision": store.ProposalRejected},
	})
	return nil
}

// ResolveIncident transitions an incident to resolved, optionally spawning a
// linked knowledge entry in the same transaction.
func (s *Service) ResolveIncident(ctx context.Context, actor, id string, expectedVersion int64, solution string, createKnowledge bool) (store.Entry, *store.Entry, error) {
	ctx = logging.WithCorrelationID(ctx, logging.CorrelationID(ctx))
	corrID := logging.CorrelationID(ctx)

	resolved, spawned, err := s.store.Resolve(ctx, id, expectedVersion, solution, createKnowledge, actor)
	if err != nil {
		return store.Entry{}, nil, err
	}

	s.audit(ctx, audit.Event{
		Kind:          audit.KindEntryResolved,
		Actor:         actor,
		CorrelationID: corrID,
		EntryID:       resolved.ID,
		Success:       true,
		Payload: payload(map[string]any{
			"created_knowledge": spawned != nil,
		}),
	})
	s.publishResolution(corrID, resolved, spawned)
	return resolved, spawned, nil
}

// RecordKnowledgeOutcome reports whether an applied knowledge entry actually
// worked, feeding its usage statistics.
func (s *Service) RecordKnowledgeOutcome(ctx context.Context, id string, success bool) error {
	return s.store.RecordUsage(ctx, id, success)
}

// SubscribeEvents attaches a consumer to the notification stream.
func (s *Service) SubscribeEvents(buffer int, policy notify.OverflowPolicy, types ...notify.EventType) *notify.Subscription {
	return s.notifier.Subscribe(buffer, policy, types...)
}

// Unsubscribe detaches a consumer.
func (s *Service) Unsubscribe(id string) {
	s.notifier.Unsubscribe(id)
}

// AuditTrail reads audit events matching the filter.
func (s *Service) AuditTrail(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	return s.auditLog.Read(ctx, filter)
}

// index computes and stores the entry's embedding. Retrieval degrades to
// text-only for entries whose indexing failed, so errors are logged, not
// returned.
func (s *Service) index(ctx context.Context, entry store.Entry) {
	vector, err := s.embedder.Embed(ctx, entry.SearchableText())
	if err == nil {
		err = s.store.UpdateEmbedding(ctx, entry.ID, vector)
	}
	if err != nil {
		log.Warn().Str("entry", entry.ID).Err(err).Msg("Failed to index entry for vector search")
	}
}

// creditSources bumps usage statistics on the knowledge entries a proposal
// cited. Best effort: a missed credit skews statistics, nothing else.
func (s *Service) creditSources(ctx context.Context, proposal store.Proposal) {
	for _, src := range proposal.Sources {
		entry, err := s.store.Get(ctx, src.EntryID)
		if err != nil || entry.Kind != store.KindKnowledge {
			continue
		}
		if err := s.store.RecordUsage(ctx, src.EntryID, true); err != nil {
			log.Warn().Str("entry", src.EntryID).Err(err).Msg("Failed to record knowledge usage")
		}
	}
}

func (s *Service) publishResolution(corrID string, incident store.Entry, spawned *store.Entry) {
	s.notifier.Publish(notify.Event{
		Type:          notify.EventEntryResolved,
		EntryID:       incident.ID,
		CorrelationID: corrID,
	})
	if spawned != nil {
		s.notifier.Publish(notify.Event{
			Type:          notify.EventKnowledgeCreated,
			EntryID:       spawned.ID,
			CorrelationID: corrID,
			Payload:       map[string]any{"linked_incident_id": incident.ID},
		})
	}
}

// renderSolution turns a proposal into solution text for the resolved
// incident.
func renderSolution(p store.Proposal) string {
	var b strings.Builder
	for i, action := range p.RecommendedActions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, action)
	}
	if strings.TrimSpace(p.NextSteps) != "" {
		fmt.Fprintf(&b, "\nIf not resolved: %s", p.NextSteps)
	}
	return strings.TrimSpace(b.String())
}

func (s *Service) audit(ctx context.Context, event audit.Event) {
	if _, err := s.auditLog.Append(context.WithoutCancel(ctx), event); err != nil {
		log.Error().Err(err).Str("kind", string(event.Kind)).Msg("Failed to append audit event")
	}
}

func payload(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(b)
}
