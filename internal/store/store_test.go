package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
)

const testDim = 4

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DataDir: t.TempDir(), Dimension: testDim})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testIncident() Entry {
	return Entry{
		Kind:          KindIncident,
		Title:         "DB2 connection pool exhausted",
		Description:   "Application servers cannot obtain connections during peak load",
		TechnicalArea: "Database",
		Severity:      SeverityHigh,
		Priority:      2,
		Tags:          []string{"db2", "pool"},
		Reporter:      "ops",
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testIncident())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, StatusOpen, created.Status)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, []string{"db2", "pool"}, got.Tags)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.True(t, rerrors.Is(err, rerrors.ErrNotFound))
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testIncident()
	e.Priority = 9
	_, err := s.Create(ctx, e)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidInput))

	e = testIncident()
	e.Kind = KindKnowledge
	e.Status = ""
	// Knowledge without a solution is rejected.
	_, err = s.Create(ctx, e)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidInput))
}

func TestUpdateOptimisticLocking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	updated, err := s.Update(ctx, created.ID, created.Version, func(e Entry) (Entry, error) {
		e.Status = StatusInTreatment
		e.AssignedTo = "alice"
		return e, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, StatusInTreatment, updated.Status)

	// Stale version loses.
	_, err = s.Update(ctx, created.ID, created.Version, func(e Entry) (Entry, error) {
		e.AssignedTo = "bob"
		return e, nil
	})
	assert.True(t, rerrors.Is(err, rerrors.ErrConflict))
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	_, err = s.Update(ctx, created.ID, created.Version, func(e Entry) (Entry, error) {
		e.Status = StatusClosed
		return e, nil
	})
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidTransition))
}

func TestResolveSpawnsKnowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	resolved, knowledge, err := s.Resolve(ctx, created.ID, created.Version,
		"Increased pool max to 200 and fixed the leaking batch job", true, "alice")
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, int64(2), resolved.Version)

	require.NotNil(t, knowledge)
	assert.Equal(t, KindKnowledge, knowledge.Kind)
	assert.Equal(t, created.ID, knowledge.LinkedIncidentID)
	assert.Equal(t, resolved.Solution, knowledge.Solution)

	// The knowledge entry is visible alongside the resolved incident.
	got, err := s.Get(ctx, knowledge.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
}

func TestResolveWithoutKnowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	_, knowledge, err := s.Resolve(ctx, created.ID, created.Version, "restarted the node", false, "bob")
	require.NoError(t, err)
	assert.Nil(t, knowledge)
}

func TestResolveConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	_, _, err = s.Resolve(ctx, created.ID, created.Version+5, "fix", false, "x")
	assert.True(t, rerrors.Is(err, rerrors.ErrConflict))

	_, _, err = s.Resolve(ctx, created.ID, created.Version, "", false, "x")
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidInput))
}

func TestRecordUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := Entry{
		Kind:          KindKnowledge,
		Title:         "Clearing stuck MQ channels",
		Description:   "Channels stuck in RETRYING",
		Solution:      "Stop and restart the channel initiator",
		TechnicalArea: "Integration",
		Severity:      SeverityMedium,
		Priority:      3,
	}
	created, err := s.Create(ctx, k)
	require.NoError(t, err)

	require.NoError(t, s.RecordUsage(ctx, created.ID, true))
	require.NoError(t, s.RecordUsage(ctx, created.ID, false))

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.NotNil(t, got.LastUsed)

	// Usage bumps do not move the optimistic version.
	assert.Equal(t, created.Version, got.Version)
}

func TestUpdateEmbeddingAndVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, testIncident())
	require.NoError(t, err)
	b := testIncident()
	b.Title = "Network partition between datacenters"
	b.TechnicalArea = "Network"
	bEntry, err := s.Create(ctx, b)
	require.NoError(t, err)

	require.NoError(t, s.UpdateEmbedding(ctx, a.ID, []float32{1, 0, 0, 0}))
	require.NoError(t, s.UpdateEmbedding(ctx, bEntry.ID, []float32{0, 1, 0, 0}))

	hits, err := s.SearchVector(ctx, []float32{1, 0, 0, 0}, 0.5, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].Entry.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	// Wrong dimension is rejected outright.
	_, err = s.SearchVector(ctx, []float32{1, 0}, 0.5, Filter{})
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidInput))
}

func TestSearchTextBoostsOpenIncidents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two incidents with identical searchable text; only their workflow state
	// differs, so the open one must win on the boosted score alone.
	inTreatment, err := s.Create(ctx, testIncident())
	require.NoError(t, err)
	_, err = s.Update(ctx, inTreatment.ID, inTreatment.Version, func(e Entry) (Entry, error) {
		e.Status = StatusInTreatment
		return e, nil
	})
	require.NoError(t, err)

	open, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	hits, err := s.SearchText(ctx, "connection pool exhausted", Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, open.ID, hits[0].Entry.ID, "open incident should outrank an otherwise identical non-open one")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchTextFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	hits, err := s.SearchText(ctx, "connection pool", Filter{Kinds: []Kind{KindKnowledge}})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.SearchText(ctx, "connection pool", Filter{TechnicalArea: "Network"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Punctuation in the query must not break the FTS grammar.
	_, err = s.SearchText(ctx, `pool "quoted" (weird)`, Filter{})
	require.NoError(t, err)
}

func TestArchiveHidesFromSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	archived, err := s.Archive(ctx, created.ID, created.Version)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	hits, err := s.SearchText(ctx, "connection pool", Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.SearchText(ctx, "connection pool", Filter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestProposalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc, err := s.Create(ctx, testIncident())
	require.NoError(t, err)

	p1, err := s.SaveProposal(ctx, Proposal{
		IncidentID: inc.ID,
		ProviderID: "openai-primary",
		ModelID:    "gpt-4o",
		Confidence: 0.8,
		RiskLevel:  RiskLow,
		Analysis:   "pool exhaustion from leaked connections",
		RecommendedActions: []string{
			"enable connection leak tracing",
			"raise pool ceiling temporarily",
		},
		Sources: []SourceRef{{EntryID: "k1", Similarity: 0.91}},
		Status:  ProposalPending,
	})
	require.NoError(t, err)
	assert.Equal(t, ProposalPending, p1.Status)

	// A second proposal supersedes the first pending one.
	p2, err := s.SaveProposal(ctx, Proposal{
		IncidentID: inc.ID,
		Confidence: 0.6,
		RiskLevel:  RiskMedium,
		Status:     ProposalPending,
	})
	require.NoError(t, err)

	got1, err := s.GetProposal(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalSuperseded, got1.Status)

	accepted, err := s.SetProposalStatus(ctx, p2.ID, ProposalAccepted)
	require.NoError(t, err)
	assert.Equal(t, ProposalAccepted, accepted.Status)

	// Terminal proposals cannot change again.
	_, err = s.SetProposalStatus(ctx, p2.ID, ProposalRejected)
	assert.True(t, rerrors.Is(err, rerrors.ErrInvalidTransition))

	all, err := s.ListProposals(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.25, 0}
	out := decodeVector(encodeVector(in))
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i], out[i])
	}
	assert.Nil(t, encodeVector(nil))
	assert.Nil(t, decodeVector([]byte{1, 2, 3}))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
