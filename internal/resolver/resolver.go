// Package resolver orchestrates AI resolution proposals: it sanitizes the
// incident, gathers similar-entry context, dispatches the prompt across the
// provider chain, and persists the parsed proposal with a full audit trail.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/resolvd/internal/dispatch"
	rerrors "github.com/rcourtman/resolvd/internal/errors"
	"github.com/rcourtman/resolvd/internal/logging"
	"github.com/rcourtman/resolvd/internal/notify"
	"github.com/rcourtman/resolvd/internal/providers"
	"github.com/rcourtman/resolvd/internal/retrieve"
	"github.com/rcourtman/resolvd/internal/sanitize"
	"github.com/rcourtman/resolvd/internal/store"
	"github.com/rcourtman/resolvd/internal/telemetry"
	"github.com/rcourtman/resolvd/pkg/audit"
)

// Config configures the resolver.
type Config struct {
	// Model is the completion model requested from providers
	Model string
	// MaxTokens caps the completion length
	MaxTokens int
	// Temperature for the completion
	Temperature float64
	// ProposeDeadline bounds one whole proposal pipeline run
	ProposeDeadline time.Duration
}

// DefaultConfig returns the standard resolver parameters.
func DefaultConfig() Config {
	return Config{
		Model:           "gpt-4o",
		MaxTokens:       2048,
		Temperature:     0.2,
		ProposeDeadline: 30 * time.Second,
	}
}

// Resolver runs the proposal pipeline.
type Resolver struct {
	store      *store.Store
	sanitizer  *sanitize.Sanitizer
	retriever  *retrieve.Retriever
	dispatcher *dispatch.Dispatcher
	auditLog   *audit.Log
	notifier   *notify.Notifier
	cfg        Config
	now        func() time.Time
}

// New creates a Resolver.
func New(st *store.Store, sz *sanitize.Sanitizer, rt *retrieve.Retriever,
	dp *dispatch.Dispatcher, al *audit.Log, nf *notify.Notifier, cfg Config) *Resolver {
	if cfg.ProposeDeadline <= 0 {
		cfg.ProposeDeadline = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Resolver{
		store:      st,
		sanitizer:  sz,
		retriever:  rt,
		dispatcher: dp,
		auditLog:   al,
		notifier:   nf,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Options tune one Propose call.
type Options struct {
	// AutoAdvance moves an open incident to under review once a proposal
	// lands.
	AutoAdvance bool
	// Deadline overrides the configured propose deadline when non-nil. A
	// zero deadline fails immediately with DeadlineExceeded.
	Deadline *time.Duration
}

// Propose generates a resolution proposal for an incident. The pipeline runs
// under the configured deadline; every step leaves an audit event tied to the
// request's correlation id, and no unsanitized content ever reaches a
// provider.
func (r *Resolver) Propose(ctx context.Context, incidentID, actor string, opts Options) (store.Proposal, error) {
	const op = "resolver.propose"
	start := r.now()

	ctx = logging.WithCorrelationID(ctx, logging.CorrelationID(ctx))
	corrID := logging.CorrelationID(ctx)
	logger := logging.FromContext(ctx)

	// Every failure leaves an error event under the correlation id before
	// surfacing to the caller.
	fail := func(err error) (store.Proposal, error) {
		r.auditEvent(ctx, audit.Event{
			Kind:          audit.KindError,
			Actor:         actor,
			CorrelationID: corrID,
			EntryID:       incidentID,
			Success:       false,
			Payload: auditPayload(map[string]any{
				"kind":  string(rerrors.KindOf(err)),
				"error": rerrors.UserMessage(err),
			}),
		})
		telemetry.Get().ObservePropose(string(rerrors.KindOf(err)), r.now().Sub(start))
		return store.Proposal{}, err
	}

	deadline := r.cfg.ProposeDeadline
	if opts.Deadline != nil {
		deadline = *opts.Deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return fail(rerrors.New(ctxKind(err), op, err))
	}

	incident, err := r.store.Get(ctx, incidentID)
	if err != nil {
		return fail(err)
	}
	if incident.Kind != store.KindIncident {
		return fail(rerrors.Newf(rerrors.KindInvalidInput, op, "entry %s is not an incident", incidentID))
	}
	switch incident.Status {
	case store.StatusOpen, store.StatusInTreatment, store.StatusUnderReview:
	default:
		return fail(rerrors.Newf(rerrors.KindInvalidTransition, op,
			"cannot propose for incident in status %s", incident.Status))
	}

	r.auditEvent(ctx, audit.Event{
		Kind:          audit.KindProposalRequested,
		Actor:         actor,
		CorrelationID: corrID,
		EntryID:       incident.ID,
		Success:       true,
	})

	// Sanitize everything that will leave the process. The map lives for this
	// request only and is destroyed on exit.
	smap, err := sanitize.NewSensitiveMap()
	if err != nil {
		return fail(rerrors.New(rerrors.KindInternal, op, err))
	}
	defer smap.Destroy()

	scrubbed := incident.Clone()
	findings := r.sanitizer.Detect(incident.Title + "\n" + incident.Description)
	scrubbed.Title, err = r.sanitizer.Sanitize(incident.Title, smap)
	if err == nil {
		scrubbed.Description, err = r.sanitizer.Sanitize(incident.Description, smap)
	}
	if err != nil {
		r.auditEvent(ctx, audit.Event{
			Kind:          audit.KindSanitization,
			CorrelationID: corrID,
			EntryID:       incident.ID,
			Success:       false,
			Payload:       auditPayload(map[string]any{"error": rerrors.UserMessage(err)}),
		})
		return fail(err)
	}
	r.auditEvent(ctx, audit.Event{
		Kind:          audit.KindSanitization,
		CorrelationID: corrID,
		EntryID:       incident.ID,
		Success:       true,
		Payload:       auditPayload(map[string]any{"findings": sanitize.Describe(findings)}),
	})

	// Retrieval runs on the original text: the store is inside the trust
	// boundary, and scrubbing first would cost recall. The incident's own
	// technical area steers the ranking; the incident itself is excluded.
	result, err := r.retriever.Retrieve(ctx, incident.Title+"\n"+incident.Description, store.Filter{
		ExcludeID:     incident.ID,
		TechnicalArea: incident.TechnicalArea,
	})
	if err != nil {
		return fail(err)
	}
	contexts, err := r.sanitizeContext(incident.ID, result, smap)
	if err != nil {
		return fail(err)
	}
	r.auditEvent(ctx, audit.Event{
		Kind:          audit.KindRetrieval,
		CorrelationID: corrID,
		EntryID:       incident.ID,
		Success:       true,
		Payload: auditPayload(map[string]any{
			"results":        len(contexts),
			"low_confidence": result.LowConfidence,
			"degraded":       result.Degraded,
			"summary":        result.PatternSummary,
		}),
	})

	req := providers.CompletionRequest{
		Model:       r.cfg.Model,
		System:      systemPrompt,
		Prompt:      buildPrompt(scrubbed, result, contexts),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}

	dispatched, parsed, err := r.completeAndParse(ctx, corrID, incident.ID, req)
	if err != nil {
		return fail(err)
	}

	proposal, err := r.assembleProposal(incident, dispatched, parsed, contexts, corrID, smap, r.now().Sub(start))
	if err != nil {
		return fail(err)
	}
	r.auditEvent(ctx, audit.Event{
		Kind:          audit.KindRestore,
		CorrelationID: corrID,
		EntryID:       incident.ID,
		Success:       true,
		Payload:       auditPayload(map[string]any{"fields": 3 + len(proposal.RecommendedActions)}),
	})

	saved, err := r.store.SaveProposal(ctx, proposal)
	if err != nil {
		return fail(err)
	}

	r.auditEvent(ctx, audit.Event{
		Kind:          audit.KindProposalProduced,
		Actor:         actor,
		CorrelationID: corrID,
		EntryID:       incident.ID,
		Success:       true,
		Payload: auditPayload(map[string]any{
			"proposal_id": saved.ID,
			"provider":    saved.ProviderID,
			"confidence":  saved.Confidence,
			"risk_level":  saved.RiskLevel,
			"dedup":       dispatched.Deduplicated,
		}),
	})

	if opts.AutoAdvance {
		r.autoAdvance(ctx, incident)
	}

	r.notifier.Publish(notify.Event{
		Type:          notify.EventProposalReady,
		EntryID:       incident.ID,
		CorrelationID: corrID,
		Payload:       saved,
	})
	r.auditEvent(ctx, audit.Event{
		Kind:          audit.KindNotify,
		CorrelationID: corrID,
		EntryID:       incident.ID,
		Success:       true,
		Payload: auditPayload(map[string]any{
			"event":       string(notify.EventProposalReady),
			"proposal_id": saved.ID,
		}),
	})

	telemetry.Get().ObservePropose("success", r.now().Sub(start))
	logger.Info().
		Str("incident", incident.ID).
		Str("proposal", saved.ID).
		Str("provider", saved.ProviderID).
		Float64("confidence", saved.Confidence).
		Msg("Resolution proposal produced")
	return saved, nil
}

// completeAndParse dispatches the prompt and parses the response, giving the
// model exactly one repair attempt on malformed output.
func (r *Resolver) completeAndParse(ctx context.Context, corrID, entryID string, req providers.CompletionRequest) (dispatch.Result, modelProposal, error) {
	const op = "resolver.complete"

	result, err := r.dispatcher.Dispatch(ctx, req)
	r.auditLLMCall(ctx, corrID, entryID, result, err)
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Result{}, modelProposal{}, rerrors.New(ctxKind(ctx.Err()), op, ctx.Err())
		}
		return dispatch.Result{}, modelProposal{}, err
	}

	parsed, parseErr := parseProposal(result.Response.Content)
	if parseErr == nil {
		return result, parsed, nil
	}
	log.Warn().Err(parseErr).Str("provider", result.ProviderID).Msg("Model output unparseable, attempting repair")

	repairReq := req
	repairReq.Prompt = repairPrompt(result.Response.Content)
	repaired, err := r.dispatcher.Dispatch(ctx, repairReq)
	r.auditLLMCall(ctx, corrID, entryID, repaired, err)
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Result{}, modelProposal{}, rerrors.New(ctxKind(ctx.Err()), op, ctx.Err())
		}
		return dispatch.Result{}, modelProposal{}, err
	}
	parsed, parseErr = parseProposal(repaired.Response.Content)
	if parseErr != nil {
		return dispatch.Result{}, modelProposal{}, rerrors.New(rerrors.KindInvalidModelOutput, op, parseErr)
	}
	return repaired, parsed, nil
}

// sanitizeContext scrubs the retrieved entries, dropping the incident itself
// if retrieval surfaced it.
func (r *Resolver) sanitizeContext(incidentID string, result retrieve.Result, smap *sanitize.SensitiveMap) ([]contextEntry, error) {
	contexts := make([]contextEntry, 0, len(result.Items))
	for _, item := range result.Items {
		if item.Entry.ID == incidentID {
			continue
		}
		title, err := r.sanitizer.Sanitize(item.Entry.Title, smap)
		if err != nil {
			return nil, err
		}
		description, err := r.sanitizer.Sanitize(item.Entry.Description, smap)
		if err != nil {
			return nil, err
		}
		solution, err := r.sanitizer.Sanitize(item.Entry.Solution, smap)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, contextEntry{
			item:        item,
			title:       title,
			description: description,
			solution:    solution,
		})
	}
	return contexts, nil
}

// assembleProposal restores redaction tokens and builds the persistable
// proposal.
func (r *Resolver) assembleProposal(incident store.Entry, dispatched dispatch.Result, parsed modelProposal,
	contexts []contextEntry, corrID string, smap *sanitize.SensitiveMap, elapsed time.Duration) (store.Proposal, error) {

	restore := func(s string) (string, error) { return r.sanitizer.Restore(s, smap) }

	analysis, err := restore(parsed.Analysis)
	if err != nil {
		return store.Proposal{}, err
	}
	nextSteps, err := restore(parsed.NextSteps)
	if err != nil {
		return store.Proposal{}, err
	}
	reasoning, err := restore(parsed.Reasoning)
	if err != nil {
		return store.Proposal{}, err
	}
	actions := make([]string, len(parsed.RecommendedActions))
	for i, a := range parsed.RecommendedActions {
		if actions[i], err = restore(a); err != nil {
			return store.Proposal{}, err
		}
	}

	sources := make([]store.SourceRef, 0, len(contexts))
	for _, c := range contexts {
		sources = append(sources, store.SourceRef{EntryID: c.item.Entry.ID, Similarity: c.item.Similarity})
	}

	return store.Proposal{
		IncidentID:         incident.ID,
		ProviderID:         dispatched.ProviderID,
		ModelID:            dispatched.Response.Model,
		Confidence:         parsed.Confidence,
		RiskLevel:          store.RiskLevel(parsed.RiskLevel),
		EstimatedMinutes:   parsed.EstimatedMinutes,
		Analysis:           analysis,
		RecommendedActions: actions,
		NextSteps:          nextSteps,
		Reasoning:          reasoning,
		Sources:            sources,
		Status:             store.ProposalPending,
		ProcessingMs:       elapsed.Milliseconds(),
		TokensUsed:         dispatched.Response.InputTokens + dispatched.Response.OutputTokens,
		CorrelationID:      corrID,
	}, nil
}

// autoAdvance moves a freshly proposed-on open incident to under review.
// Best effort: a concurrent update losing the version race is fine.
func (r *Resolver) autoAdvance(ctx context.Context, incident store.Entry) {
	if incident.Status != store.StatusOpen {
		return
	}
	_, err := r.store.Update(ctx, incident.ID, incident.Version, func(e store.Entry) (store.Entry, error) {
		e.Status = store.StatusUnderReview
		return e, nil
	})
	if err != nil && !rerrors.Is(err, rerrors.ErrConflict) {
		log.Warn().Str("incident", incident.ID).Err(err).Msg("Failed to auto-advance incident status")
	}
}

func (r *Resolver) auditLLMCall(ctx context.Context, corrID, entryID string, result dispatch.Result, callErr error) {
	payload := map[string]any{}
	success := callErr == nil
	if callErr != nil {
		payload["error"] = rerrors.UserMessage(callErr)
	} else {
		payload["provider"] = result.ProviderID
		payload["model"] = result.Response.Model
		payload["input_tokens"] = result.Response.InputTokens
		payload["output_tokens"] = result.Response.OutputTokens
		payload["dedup"] = result.Deduplicated
	}
	r.auditEvent(ctx, audit.Event{
		Kind:          audit.KindLLMCall,
		CorrelationID: corrID,
		EntryID:       entryID,
		Success:       success,
		Payload:       auditPayload(payload),
	})
}

// auditEvent appends without failing the pipeline: a slow or erroring audit
// write is logged, not propagated. Appends use a background-derived context
// so an expired pipeline deadline cannot lose trailing events.
func (r *Resolver) auditEvent(ctx context.Context, event audit.Event) {
	if _, err := r.auditLog.Append(context.WithoutCancel(ctx), event); err != nil {
		log.Error().Err(err).Str("kind", string(event.Kind)).Msg("Failed to append audit event")
	}
}

// ctxKind distinguishes deadline expiry from caller cancellation.
func ctxKind(err error) rerrors.Kind {
	if rerrors.Is(err, context.Canceled) {
		return rerrors.KindCancelled
	}
	return rerrors.KindDeadlineExceeded
}

func auditPayload(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(b)
}
