package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/resolvd/internal/dispatch"
	rerrors "github.com/rcourtman/resolvd/internal/errors"
	"github.com/rcourtman/resolvd/internal/embed"
	"github.com/rcourtman/resolvd/internal/notify"
	"github.com/rcourtman/resolvd/internal/providers"
	"github.com/rcourtman/resolvd/internal/resolver"
	"github.com/rcourtman/resolvd/internal/retrieve"
	"github.com/rcourtman/resolvd/internal/sanitize"
	"github.com/rcourtman/resolvd/internal/store"
	"github.com/rcourtman/resolvd/pkg/audit"
)

const proposalJSON = `{
  "analysis": "Pool exhaustion on the orders database",
  "recommended_actions": ["Restart pgbouncer", "Raise max_connections"],
  "next_steps": "Page the DBA on-call",
  "reasoning": "Same signature as the pooler knowledge article",
  "confidence": 0.75,
  "risk_level": "medium",
  "estimated_minutes": 20
}`

type fixture struct {
	svc      *Service
	store    *store.Store
	auditLog *audit.Log
	notifier *notify.Notifier
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

	llm := providers.NewStaticProvider("static", 8)
	llm.Response = proposalJSON
	pool := providers.NewPool(time.Second)
	pool.Register("static", llm, providers.PoolConfig{Capacity: 100, RefillRate: 100})

	embedder := embed.New(pool, embed.Config{Model: "embed-model", Dimension: 8})
	retriever := retrieve.New(st, embedder, retrieve.Config{})
	sanitizer := sanitize.New()
	dispatcher := dispatch.New(pool, dispatch.Config{RetryBaseDelay: time.Millisecond})
	notifier := notify.New(notify.Config{})
	t.Cleanup(notifier.Close)

	rs := resolver.New(st, sanitizer, retriever, dispatcher, auditLog, notifier,
		resolver.Config{Model: "test-model", ProposeDeadline: 10 * time.Second})

	return &fixture{
		svc:      New(st, embedder, retriever, rs, sanitizer, auditLog, notifier),
		store:    st,
		auditLog: auditLog,
		notifier: notifier,
	}
}

func incidentInput(title string) EntryInput {
	return EntryInput{
		Title:         title,
		Description:   "Connection pool exhausted, queries timing out",
		TechnicalArea: "Database",
		Severity:      store.SeverityHigh,
		Priority:      2,
		Reporter:      "ops",
	}
}

func TestCreateIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.svc.SubscribeEvents(4, notify.DropNewest, notify.EventEntryCreated)

	created, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Database timeouts on checkout"))
	require.NoError(t, err)
	assert.Equal(t, store.KindIncident, created.Kind)
	assert.Equal(t, store.StatusOpen, created.Status)
	assert.Equal(t, "alice", created.CreatedBy)

	// Indexed for vector search on the way in.
	stored, err := f.store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Embedding, 8)

	events, err := f.auditLog.Read(ctx, audit.QueryFilter{Kind: audit.KindEntryCreated, EntryID: created.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Actor)

	select {
	case e := <-sub.C():
		assert.Equal(t, notify.EventEntryCreated, e.Type)
		assert.Equal(t, created.ID, e.EntryID)
	case <-time.After(time.Second):
		t.Fatal("expected an entry.created notification")
	}
}

func TestCreateIncidentRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	input := incidentInput("")
	_, err := f.svc.CreateIncident(context.Background(), "alice", input)
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidInput))
}

func TestCreateKnowledgeRequiresSolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input := incidentInput("Pooler restart runbook")
	_, err := f.svc.CreateKnowledge(ctx, "alice", input)
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidInput))

	input.Solution = "Run systemctl restart pgbouncer"
	created, err := f.svc.CreateKnowledge(ctx, "alice", input)
	require.NoError(t, err)
	assert.Equal(t, store.KindKnowledge, created.Kind)
}

func TestListEntriesPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, title := range []string{"first incident", "second incident", "third incident"} {
		_, err := f.svc.CreateIncident(ctx, "alice", incidentInput(title))
		require.NoError(t, err)
	}

	page, total, err := f.svc.ListEntries(ctx, store.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, 3, total)

	rest, total, err := f.svc.ListEntries(ctx, store.Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.Equal(t, 3, total)
}

func TestSearchEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Database timeouts on checkout"))
	require.NoError(t, err)

	result, err := f.svc.SearchEntries(ctx, "database timeouts", store.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.Equal(t, created.ID, result.Items[0].Entry.ID)
}

func TestUpdateEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Database timeouts"))
	require.NoError(t, err)

	status := store.StatusInTreatment
	assignee := "bob"
	updated, err := f.svc.UpdateEntry(ctx, "bob", created.ID, created.Version, EntryPatch{
		Status:     &status,
		AssignedTo: &assignee,
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusInTreatment, updated.Status)
	assert.Equal(t, "bob", updated.AssignedTo)
	assert.Equal(t, created.Version+1, updated.Version)

	// Stale version is a conflict.
	_, err = f.svc.UpdateEntry(ctx, "bob", created.ID, created.Version, EntryPatch{AssignedTo: &assignee})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrConflict))
}

func TestApplyProposalResolvesAndCreditsSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	knowledge, err := f.svc.CreateKnowledge(ctx, "alice", EntryInput{
		Title:         "Database connection pool exhaustion",
		Description:   "Connection pool exhausted during peak, queries timing out",
		Solution:      "Restart pgbouncer and raise max_connections",
		TechnicalArea: "Database",
		Severity:      store.SeverityMedium,
		Priority:      3,
	})
	require.NoError(t, err)

	incident, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Database connection pool exhausted on orders"))
	require.NoError(t, err)

	proposal, err := f.svc.ProposeResolution(ctx, "alice", incident.ID, resolver.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, proposal.Sources)

	resolved, spawned, err := f.svc.ApplyProposal(ctx, "bob", proposal.ID, ApplyInput{
		Resolve:         true,
		CreateKnowledge: true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, spawned)
	assert.Equal(t, incident.ID, spawned.LinkedIncidentID)
	assert.Contains(t, resolved.Solution, "Restart pgbouncer")

	accepted, err := f.svc.GetProposal(ctx, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalAccepted, accepted.Status)

	// The cited knowledge entry gets a successful usage credit.
	credited, err := f.svc.GetEntry(ctx, knowledge.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, credited.UsageCount)
	assert.Equal(t, 1, credited.SuccessCount)

	events, err := f.auditLog.Read(ctx, audit.QueryFilter{Kind: audit.KindProposalDecision, EntryID: incident.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
}

func TestApplyProposalRejectsNonPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	incident, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Database timeouts"))
	require.NoError(t, err)
	proposal, err := f.svc.ProposeResolution(ctx, "alice", incident.ID, resolver.Options{})
	require.NoError(t, err)

	require.NoError(t, f.svc.RejectProposal(ctx, "bob", proposal.ID, "actions look risky"))

	_, _, err = f.svc.ApplyProposal(ctx, "bob", proposal.ID, ApplyInput{Resolve: true})
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidTransition))
}

func TestApplyProposalWithSolutionOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	incident, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Database timeouts"))
	require.NoError(t, err)
	proposal, err := f.svc.ProposeResolution(ctx, "alice", incident.ID, resolver.Options{})
	require.NoError(t, err)

	resolved, _, err := f.svc.ApplyProposal(ctx, "bob", proposal.ID, ApplyInput{
		Resolve:          true,
		SolutionOverride: "Failover to the replica instead",
	})
	require.NoError(t, err)
	assert.Equal(t, "Failover to the replica instead", resolved.Solution)
}

func TestRejectProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	incident, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Database timeouts"))
	require.NoError(t, err)
	proposal, err := f.svc.ProposeResolution(ctx, "alice", incident.ID, resolver.Options{})
	require.NoError(t, err)

	sub := f.svc.SubscribeEvents(4, notify.DropNewest, notify.EventProposalDecided)
	require.NoError(t, f.svc.RejectProposal(ctx, "bob", proposal.ID, "too risky"))

	rejected, err := f.svc.GetProposal(ctx, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalRejected, rejected.Status)

	select {
	case e := <-sub.C():
		assert.Equal(t, notify.EventProposalDecided, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a proposal.decided notification")
	}

	// The incident is untouched.
	after, err := f.svc.GetEntry(ctx, incident.ID)
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusResolved, after.Status)
}

func TestResolveIncidentSpawnsKnowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	incident, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Disk filling on db01"))
	require.NoError(t, err)

	sub := f.svc.SubscribeEvents(4, notify.DropNewest, notify.EventEntryResolved, notify.EventKnowledgeCreated)

	resolved, spawned, err := f.svc.ResolveIncident(ctx, "bob", incident.ID, incident.Version,
		"Pruned WAL archive and extended the volume", true)
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, resolved.Status)
	require.NotNil(t, spawned)
	assert.Equal(t, store.KindKnowledge, spawned.Kind)
	assert.Equal(t, resolved.Solution, spawned.Solution)

	got := map[notify.EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.C():
			got[e.Type] = true
		case <-time.After(time.Second):
			t.Fatal("expected two resolution notifications")
		}
	}
	assert.True(t, got[notify.EventEntryResolved])
	assert.True(t, got[notify.EventKnowledgeCreated])

	events, err := f.auditLog.Read(ctx, audit.QueryFilter{Kind: audit.KindEntryResolved, EntryID: incident.ID})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordKnowledgeOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input := incidentInput("Pooler restart runbook")
	input.Solution = "Run systemctl restart pgbouncer"
	knowledge, err := f.svc.CreateKnowledge(ctx, "alice", input)
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordKnowledgeOutcome(ctx, knowledge.ID, true))
	require.NoError(t, f.svc.RecordKnowledgeOutcome(ctx, knowledge.ID, false))

	after, err := f.svc.GetEntry(ctx, knowledge.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.UsageCount)
	assert.Equal(t, 1, after.SuccessCount)
}

func TestArchiveEntryHiddenFromList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateIncident(ctx, "alice", incidentInput("Database timeouts"))
	require.NoError(t, err)

	_, err = f.svc.ArchiveEntry(ctx, "alice", created.ID, created.Version)
	require.NoError(t, err)

	entries, total, err := f.svc.ListEntries(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, total)

	all, total, err := f.svc.ListEntries(ctx, store.Filter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, total)
}
