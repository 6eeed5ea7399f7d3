package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/resolvd/internal/dispatch"
	rerrors "github.com/rcourtman/resolvd/internal/errors"
	"github.com/rcourtman/resolvd/internal/embed"
	"github.com/rcourtman/resolvd/internal/notify"
	"github.com/rcourtman/resolvd/internal/providers"
	"github.com/rcourtman/resolvd/internal/retrieve"
	"github.com/rcourtman/resolvd/internal/sanitize"
	"github.com/rcourtman/resolvd/internal/store"
	"github.com/rcourtman/resolvd/pkg/audit"
)

const validProposalJSON = `{
  "analysis": "Connection pool exhaustion on the primary database",
  "recommended_actions": ["Restart the connection pooler", "Raise max_connections to 200"],
  "next_steps": "Escalate to the DBA on-call if connections climb again",
  "reasoning": "Matches the earlier pooler incident in context 1",
  "confidence": 0.82,
  "risk_level": "low",
  "estimated_minutes": 15
}`

// stubLLM scripts completion outputs per call; embeddings are unsupported.
type stubLLM struct {
	name string

	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
}

func (p *stubLLM) Name() string { return p.name }

func (p *stubLLM) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	content := validProposalJSON
	if i < len(p.responses) {
		content = p.responses[i]
	}
	return &providers.CompletionResponse{
		Content:      content,
		Model:        req.Model,
		StopReason:   "end_turn",
		InputTokens:  100,
		OutputTokens: 50,
	}, nil
}

func (p *stubLLM) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	return nil, context.Canceled
}

func (p *stubLLM) Probe(ctx context.Context) error { return nil }

func (p *stubLLM) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	store    *store.Store
	auditLog *audit.Log
	notifier *notify.Notifier
	llm      *stubLLM
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(store.Config{DataDir: dir, Dimension: 8})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auditLog, err := audit.New(audit.Config{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	embedPool := providers.NewPool(time.Second)
	embedPool.Register("embed-static", providers.NewStaticProvider("embed-static", 8), providers.PoolConfig{})
	embedder := embed.New(embedPool, embed.Config{Model: "embed-model", Dimension: 8})

	llm := &stubLLM{name: "stub"}
	llmPool := providers.NewPool(time.Second)
	llmPool.Register("stub", llm, providers.PoolConfig{Capacity: 100, RefillRate: 100})

	notifier := notify.New(notify.Config{})
	t.Cleanup(notifier.Close)

	r := New(
		st,
		sanitize.New(),
		retrieve.New(st, embedder, retrieve.Config{}),
		dispatch.New(llmPool, dispatch.Config{RetryBaseDelay: time.Millisecond}),
		auditLog,
		notifier,
		Config{Model: "test-model", ProposeDeadline: 10 * time.Second},
	)
	return &fixture{store: st, auditLog: auditLog, notifier: notifier, llm: llm, resolver: r}
}

func (f *fixture) createIncident(t *testing.T, title, description string) store.Entry {
	t.Helper()
	incident, err := f.store.Create(context.Background(), store.Entry{
		Kind:          store.KindIncident,
		Title:         title,
		Description:   description,
		TechnicalArea: "Database",
		Severity:      store.SeverityHigh,
		Priority:      2,
		Reporter:      "ops",
	})
	require.NoError(t, err)
	return incident
}

func (f *fixture) createKnowledge(t *testing.T, title, description, solution string) store.Entry {
	t.Helper()
	entry, err := f.store.Create(context.Background(), store.Entry{
		Kind:          store.KindKnowledge,
		Title:         title,
		Description:   description,
		Solution:      solution,
		TechnicalArea: "Database",
		Severity:      store.SeverityMedium,
		Priority:      3,
	})
	require.NoError(t, err)
	return entry
}

func TestProposeHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createKnowledge(t,
		"Database connection timeout on checkout",
		"Connection pool exhausted during peak load, checkout queries timing out",
		"Restart the pooler and raise max_connections")
	incident := f.createIncident(t,
		"Database connection timeout on orders service",
		"Orders service reports connection pool exhausted, queries timing out")

	sub := f.notifier.Subscribe(4, notify.DropNewest, notify.EventProposalReady)

	proposal, err := f.resolver.Propose(ctx, incident.ID, "alice", Options{AutoAdvance: true})
	require.NoError(t, err)

	assert.NotEmpty(t, proposal.ID)
	assert.Equal(t, incident.ID, proposal.IncidentID)
	assert.Equal(t, "stub", proposal.ProviderID)
	assert.Equal(t, "test-model", proposal.ModelID)
	assert.Equal(t, store.ProposalPending, proposal.Status)
	assert.InDelta(t, 0.82, proposal.Confidence, 1e-9)
	assert.Equal(t, store.RiskLow, proposal.RiskLevel)
	assert.Equal(t, 15, proposal.EstimatedMinutes)
	assert.Len(t, proposal.RecommendedActions, 2)
	assert.Equal(t, 150, proposal.TokensUsed)
	assert.NotEmpty(t, proposal.CorrelationID)
	require.NotEmpty(t, proposal.Sources, "retrieval should have supplied context")

	// Persisted and readable back.
	stored, err := f.store.GetProposal(ctx, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.Analysis, stored.Analysis)

	// Open incident auto-advances to under review.
	after, err := f.store.Get(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnderReview, after.Status)

	// Notification fires.
	select {
	case event := <-sub.C():
		assert.Equal(t, notify.EventProposalReady, event.Type)
		assert.Equal(t, incident.ID, event.EntryID)
	case <-time.After(time.Second):
		t.Fatal("expected a proposal.ready notification")
	}

	// Full audit trail under one correlation id, in pipeline order.
	events, err := f.auditLog.Read(ctx, audit.QueryFilter{CorrelationID: proposal.CorrelationID})
	require.NoError(t, err)
	kinds := make([]audit.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []audit.EventKind{
		audit.KindProposalRequested,
		audit.KindSanitization,
		audit.KindRetrieval,
		audit.KindLLMCall,
		audit.KindRestore,
		audit.KindProposalProduced,
		audit.KindNotify,
	}, kinds)
}

// auditKinds reads the incident's trail and returns the event kinds in order.
func auditKinds(t *testing.T, f *fixture, entryID string) []audit.EventKind {
	t.Helper()
	events, err := f.auditLog.Read(context.Background(), audit.QueryFilter{EntryID: entryID})
	require.NoError(t, err)
	kinds := make([]audit.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestProposeRestoresRedactedValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	incident := f.createIncident(t,
		"Login failures for one user",
		"User ops-lead@example.com cannot log in since this morning")

	// The incident's email is the first sanitized value, so its token is
	// deterministic. The model echoes it; the stored proposal must carry the
	// original back.
	f.llm.responses = []string{`{
	  "analysis": "Account lockout for <Email_00001> after repeated failures",
	  "recommended_actions": ["Unlock the account for <Email_00001>"],
	  "next_steps": "Check the auth logs",
	  "reasoning": "Standard lockout pattern",
	  "confidence": 0.7,
	  "risk_level": "low",
	  "estimated_minutes": 5
	}`}

	proposal, err := f.resolver.Propose(ctx, incident.ID, "alice", Options{})
	require.NoError(t, err)

	assert.Contains(t, proposal.Analysis, "ops-lead@example.com")
	assert.Contains(t, proposal.RecommendedActions[0], "ops-lead@example.com")
	assert.NotContains(t, proposal.Analysis, "<Email_00001>")
}

func TestProposeRejectsNonIncident(t *testing.T) {
	f := newFixture(t)
	entry := f.createKnowledge(t, "Pooler restart runbook", "How to restart", "Run systemctl restart pgbouncer")

	_, err := f.resolver.Propose(context.Background(), entry.ID, "alice", Options{})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidInput))
	assert.Zero(t, f.llm.callCount())
}

func TestProposeRejectsTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	incident := f.createIncident(t, "Disk full on db01", "Root volume at 100%")

	_, _, err := f.store.Resolve(ctx, incident.ID, incident.Version, "Pruned old WAL files", false, "bob")
	require.NoError(t, err)

	_, err = f.resolver.Propose(ctx, incident.ID, "alice", Options{})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidTransition))
	assert.Zero(t, f.llm.callCount())
}

func TestProposeUnknownIncident(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Propose(context.Background(), "no-such-id", "alice", Options{})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrNotFound))
}

func TestProposeRepairsMalformedOutput(t *testing.T) {
	f := newFixture(t)
	incident := f.createIncident(t, "API latency spike", "p99 latency tripled on the public API")

	f.llm.responses = []string{
		"Sure! Here is my analysis in plain prose, no JSON.",
		validProposalJSON,
	}

	proposal, err := f.resolver.Propose(context.Background(), incident.ID, "alice", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.llm.callCount(), "expected exactly one repair round trip")
	assert.InDelta(t, 0.82, proposal.Confidence, 1e-9)
}

func TestProposeFailsAfterRepairAttempt(t *testing.T) {
	f := newFixture(t)
	incident := f.createIncident(t, "API latency spike", "p99 latency tripled on the public API")

	f.llm.responses = []string{
		"no json here",
		`{"analysis": "", "recommended_actions": [], "confidence": 3}`,
	}

	_, err := f.resolver.Propose(context.Background(), incident.ID, "alice", Options{})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidModelOutput))
	assert.Equal(t, 2, f.llm.callCount())

	// No proposal may exist for the incident after a failed pipeline.
	proposals, listErr := f.store.ListProposals(context.Background(), incident.ID)
	require.NoError(t, listErr)
	assert.Empty(t, proposals)
}

func TestProposeAllProvidersDown(t *testing.T) {
	f := newFixture(t)
	incident := f.createIncident(t, "Cache cluster flapping", "Redis nodes dropping out of the cluster")

	down := assert.AnError
	f.llm.errs = []error{down, down, down, down}

	_, err := f.resolver.Propose(context.Background(), incident.ID, "alice", Options{})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrAllProvidersUnavailable))

	// The failure itself is part of the audit trail.
	assert.Contains(t, auditKinds(t, f, incident.ID), audit.KindError)
}

func TestProposeSupersedesPendingProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	incident := f.createIncident(t, "Queue backlog growing", "Consumer lag increasing on the orders topic")

	first, err := f.resolver.Propose(ctx, incident.ID, "alice", Options{})
	require.NoError(t, err)
	second, err := f.resolver.Propose(ctx, incident.ID, "alice", Options{})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	reread, err := f.store.GetProposal(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalSuperseded, reread.Status)

	latest, err := f.store.GetProposal(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalPending, latest.Status)
}

func TestProposeCancelledContext(t *testing.T) {
	f := newFixture(t)
	incident := f.createIncident(t, "Deployment stuck", "Rollout paused mid-way")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.resolver.Propose(ctx, incident.ID, "alice", Options{})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrCancelled))
	assert.Zero(t, f.llm.callCount())
}

func TestProposeZeroDeadline(t *testing.T) {
	f := newFixture(t)
	incident := f.createIncident(t, "Deployment stuck", "Rollout paused mid-way")

	zero := time.Duration(0)
	_, err := f.resolver.Propose(context.Background(), incident.ID, "alice", Options{Deadline: &zero})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrDeadlineExceeded))
	assert.Zero(t, f.llm.callCount())

	// Even a pre-flight failure is recorded under its correlation id.
	events, err := f.auditLog.Read(context.Background(), audit.QueryFilter{
		EntryID: incident.ID,
		Kind:    audit.KindError,
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.False(t, events[0].Success)
	assert.NotEmpty(t, events[0].CorrelationID)
	assert.Contains(t, events[0].Payload, "deadline_exceeded")
}

func TestParseProposalValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid", validProposalJSON, true},
		{"fenced", "```json\n" + validProposalJSON + "\n```", true},
		{"prose wrapped", "Here you go:\n" + validProposalJSON + "\nHope that helps!", true},
		{"no json", "plain prose only", false},
		{"empty analysis", `{"analysis":"","recommended_actions":["x"],"confidence":0.5,"risk_level":"low"}`, false},
		{"no actions", `{"analysis":"a","recommended_actions":[],"confidence":0.5,"risk_level":"low"}`, false},
		{"confidence out of range", `{"analysis":"a","recommended_actions":["x"],"confidence":1.5,"risk_level":"low"}`, false},
		{"bad risk level", `{"analysis":"a","recommended_actions":["x"],"confidence":0.5,"risk_level":"extreme"}`, false},
		{"negative minutes", `{"analysis":"a","recommended_actions":["x"],"confidence":0.5,"risk_level":"low","estimated_minutes":-1}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseProposal(tc.raw)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
