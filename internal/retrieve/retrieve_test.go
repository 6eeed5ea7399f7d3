package retrieve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/resolvd/internal/embed"
	"github.com/rcourtman/resolvd/internal/providers"
	"github.com/rcourtman/resolvd/internal/store"
)

const testDim = 8

type fixture struct {
	store     *store.Store
	embedder  *embed.Embedder
	retriever *Retriever
	provider  *providers.StaticProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(store.Config{DataDir: t.TempDir(), Dimension: testDim})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := providers.NewStaticProvider("static", testDim)
	pool := providers.NewPool(time.Second)
	pool.Register("static", p, providers.PoolConfig{Capacity: 1000, RefillRate: 1000, MaxConcurrent: 16})
	em := embed.New(pool, embed.Config{Model: "m", Dimension: testDim})

	return &fixture{
		store:     st,
		embedder:  em,
		retriever: New(st, em, DefaultConfig()),
		provider:  p,
	}
}

// addEntry stores an entry and embeds its searchable text so vector search
// can find it again via the deterministic static provider.
func (f *fixture) addEntry(t *testing.T, e store.Entry) store.Entry {
	t.Helper()
	ctx := context.Background()
	created, err := f.store.Create(ctx, e)
	require.NoError(t, err)
	vec, err := f.embedder.Embed(ctx, created.SearchableText())
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateEmbedding(ctx, created.ID, vec))
	return created
}

func knowledgeEntry(title, description, solution string) store.Entry {
	return store.Entry{
		Kind:          store.KindKnowledge,
		Title:         title,
		Description:   description,
		Solution:      solution,
		TechnicalArea: "Database",
		Severity:      store.SeverityMedium,
		Priority:      3,
		Tags:          []string{"db2"},
	}
}

func TestRetrieveFindsExactVectorMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.addEntry(t, knowledgeEntry(
		"DB2 pool exhausted",
		"Pool exhausted during batch window",
		"Raise pool ceiling"))

	// Query with the exact searchable text: cosine similarity 1.0. A single
	// source is still below the confident minimum of two.
	result, err := f.retriever.Retrieve(ctx, k.SearchableText(), store.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.Equal(t, k.ID, result.Items[0].Entry.ID)
	assert.InDelta(t, 1.0, result.Items[0].Similarity, 1e-5)
	assert.True(t, result.LowConfidence)
	assert.False(t, result.Degraded)
}

func TestRetrieveMinSourcesClearsLowConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two entries with identical searchable text both clear the similarity
	// threshold, meeting the default minimum of two sources.
	k := f.addEntry(t, knowledgeEntry(
		"DB2 pool exhausted",
		"Pool exhausted during batch window",
		"Raise pool ceiling"))
	f.addEntry(t, knowledgeEntry(
		"DB2 pool exhausted",
		"Pool exhausted during batch window",
		"Raise pool ceiling"))

	result, err := f.retriever.Retrieve(ctx, k.SearchableText(), store.Filter{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.Items), 2)
	assert.False(t, result.LowConfidence)
}

func TestRetrieveTextOnlyIsLowConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Stored without an embedding: the vector channel cannot rank it.
	_, err := f.store.Create(ctx, knowledgeEntry(
		"Tablespace full on PRODDB",
		"Transaction log tablespace ran out of pages",
		"Extend the tablespace"))
	require.NoError(t, err)
	result, err := f.retriever.Retrieve(ctx, "tablespace full", store.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.True(t, result.LowConfidence)
	assert.Greater(t, result.Items[0].TextScore, 0.0)
	assert.Zero(t, result.Items[0].Similarity)
}

func TestRetrieveFusionPrefersDualChannelHits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	both := f.addEntry(t, knowledgeEntry(
		"Deadlock on ORDERS table",
		"Deadlock between batch and online transactions",
		"Reorder lock acquisition"))
	f.addEntry(t, knowledgeEntry(
		"Deadlock in message broker",
		"Consumer deadlock on redelivery",
		"Enable dead letter queue"))

	// Exact text of the first entry: it ranks in both channels, the second in
	// text only, so fusion must put the first on top.
	result, err := f.retriever.Retrieve(ctx, both.SearchableText(), store.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.Equal(t, both.ID, result.Items[0].Entry.ID)
	if len(result.Items) > 1 {
		assert.Greater(t, result.Items[0].FusedScore, result.Items[1].FusedScore)
	}
}

func TestRetrieveDegradesWhenEmbeddingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addEntry(t, knowledgeEntry(
		"CPU saturation on app node",
		"Runaway process pinning all cores",
		"Restart the worker with the leak fix"))

	f.provider.Err = errors.New("embedding service down")

	result, err := f.retriever.Retrieve(ctx, "cpu saturation", store.Filter{})
	require.NoError(t, err, "embedding failure must not fail retrieval")
	assert.True(t, result.Degraded)
	require.NotEmpty(t, result.Items, "text channel should still contribute")
}

func TestRetrieveBothChannelsFailingReturnsEmptyDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addEntry(t, knowledgeEntry("Pool exhausted", "pool gone", "raise limit"))

	// Embedding provider down and store closed: neither channel can answer.
	f.provider.Err = errors.New("embedding service down")
	require.NoError(t, f.store.Close())

	result, err := f.retriever.Retrieve(ctx, "pool exhausted", store.Filter{})
	require.NoError(t, err, "losing both channels must degrade, not fail")
	assert.True(t, result.Degraded)
	assert.True(t, result.LowConfidence)
	assert.Empty(t, result.Items)
	assert.Equal(t, "no similar entries found", result.PatternSummary)
}

func TestRetrieveExcludesSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	self := f.addEntry(t, knowledgeEntry(
		"Pool exhausted on PRODDB",
		"Connection pool exhausted during batch window",
		"Raise pool ceiling"))
	other := f.addEntry(t, knowledgeEntry(
		"Pool exhausted on TESTDB",
		"Connection pool exhausted overnight",
		"Recycle stale connections"))

	result, err := f.retriever.Retrieve(ctx, self.SearchableText(), store.Filter{ExcludeID: self.ID})
	require.NoError(t, err)
	for _, item := range result.Items {
		assert.NotEqual(t, self.ID, item.Entry.ID, "excluded entry must not surface")
	}
	require.NotEmpty(t, result.Items)
	assert.Equal(t, other.ID, result.Items[0].Entry.ID)
}

func TestRetrievePrefersSameTechnicalArea(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dbEntry := knowledgeEntry("Connection timeout", "Upstream connection timed out", "Raise timeout")
	netEntry := knowledgeEntry("Connection timeout", "Upstream connection timed out", "Raise timeout")
	netEntry.TechnicalArea = "Network"
	_, err := f.store.Create(ctx, dbEntry)
	require.NoError(t, err)
	_, err = f.store.Create(ctx, netEntry)
	require.NoError(t, err)

	// The area is a preference: the Database entry ranks first but the
	// Network one is still in the bundle.
	result, err := f.retriever.Retrieve(ctx, "connection timeout",
		store.Filter{TechnicalArea: "Database"})
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "Database", result.Items[0].Entry.TechnicalArea)
}

func TestRetrieveWindowExcludesOldEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.addEntry(t, knowledgeEntry("Pool exhausted", "pool gone", "raise limit"))

	windowed := New(f.store, f.embedder, Config{TopK: 5, Window: time.Hour})
	windowed.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	result, err := windowed.Retrieve(ctx, k.SearchableText(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, result.Items, "entries older than the window must not surface")
	assert.False(t, result.Degraded)

	fresh := New(f.store, f.embedder, Config{TopK: 5, Window: time.Hour})
	result, err = fresh.Retrieve(ctx, k.SearchableText(), store.Filter{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Items)
}

func TestRetrieveEmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.retriever.Retrieve(context.Background(), "   ", store.Filter{})
	assert.Error(t, err)
}

func TestRetrieveRespectsTopK(t *testing.T) {
	st, err := store.New(store.Config{DataDir: t.TempDir(), Dimension: testDim})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	p := providers.NewStaticProvider("static", testDim)
	pool := providers.NewPool(time.Second)
	pool.Register("static", p, providers.PoolConfig{Capacity: 1000, RefillRate: 1000, MaxConcurrent: 16})
	em := embed.New(pool, embed.Config{Model: "m", Dimension: testDim})
	r := New(st, em, Config{TopK: 2, Threshold: 0.70, RRFConstant: 60})

	ctx := context.Background()
	titles := []string{"pool issue one", "pool issue two", "pool issue three", "pool issue four"}
	for _, title := range titles {
		_, err := st.Create(ctx, knowledgeEntry(title, "connection pool trouble", "restart"))
		require.NoError(t, err)
	}

	result, err := r.Retrieve(ctx, "connection pool trouble", store.Filter{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Items), 2)
}

func TestPatternSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k := f.addEntry(t, knowledgeEntry("Pool exhausted", "pool gone", "raise limit"))

	result, err := f.retriever.Retrieve(ctx, k.SearchableText(), store.Filter{})
	require.NoError(t, err)
	assert.Contains(t, result.PatternSummary, "similar entries")
	assert.Contains(t, result.PatternSummary, "Database")
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, "no similar entries found", summarize(nil))
}
