package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/mem8/internal/cache"
	"github.com/xtaci/mem8/internal/entry"
)

func relatedSet(tokens ...uint16) map[uint16]struct{} {
	m := make(map[uint16]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func TestUpdateMemoryAdmitsAtZeroThresholdWithNoLinks(t *testing.T) {
	t.Parallel()

	c := cache.New(10, 0)
	e := entry.New(1, 100, 900)
	ok := c.UpdateMemory(e, relatedSet(100))
	require.True(t, ok)

	got, ok := c.GetMemory(1)
	require.True(t, ok)
	assert.Equal(t, e, got)

	related := c.FindRelatedMemories(100, 10)
	assert.Contains(t, related, e)
}

func TestUpdateMemoryRejectsBelowNonZeroThreshold(t *testing.T) {
	t.Parallel()

	c := cache.New(10, 0.5)
	e := entry.New(1, 100, 900)
	ok := c.UpdateMemory(e, relatedSet(100))
	assert.False(t, ok, "entry with no resolvable links has link_strength 0, below a 0.5 threshold")

	_, found := c.GetMemory(1)
	assert.False(t, found)
}

// TestEvictionByScore mirrors spec scenario S2's shape (capacity 2,
// threshold 0, three inserts with a shared related-token set). None of
// the three entries link to one another, so every evict_score is
// weight*0 = 0 and the deterministic smaller-epoch tie-break applies: the
// first-inserted (smallest-epoch) resident is evicted.
func TestEvictionByScore(t *testing.T) {
	t.Parallel()

	c := cache.New(2, 0)

	e1 := entry.New(100, 100, 900)
	e2 := entry.New(101, 101, 800)
	e3 := entry.New(102, 102, 950)

	require.True(t, c.UpdateMemory(e1, relatedSet(100, 101, 102)))
	require.True(t, c.UpdateMemory(e2, relatedSet(100, 101, 102)))
	require.True(t, c.UpdateMemory(e3, relatedSet(100, 101, 102)))

	_, found100 := c.GetMemory(100)
	assert.False(t, found100, "smallest-epoch resident loses the zero-score tie-break")

	_, found101 := c.GetMemory(101)
	_, found102 := c.GetMemory(102)
	assert.True(t, found101)
	assert.True(t, found102)
}

// TestWeightedEvictionWithLinks grounds the composite evict_score formula
// (weight * link_strength) with entries that actually resolve links, so
// the lowest-scoring resident is not merely the smallest epoch.
func TestWeightedEvictionWithLinks(t *testing.T) {
	t.Parallel()

	c := cache.New(2, 0)

	e1 := entry.New(100, 100, 900) // inserted first: no cached links to resolve, link_strength 0
	require.True(t, c.UpdateMemory(e1, relatedSet(100)))

	e2 := entry.WithLinks(101, 101, 800, 100, 0) // links to e1, now cached
	require.True(t, c.UpdateMemory(e2, relatedSet(101)))

	// At capacity. e3 links to both e1 and e2, giving it the highest
	// composite score; e1 (evict_score 0, no links) is the minimum.
	e3 := entry.WithLinks(102, 102, 950, 100, 101)
	require.True(t, c.UpdateMemory(e3, relatedSet(102)))

	_, found1 := c.GetMemory(100)
	assert.False(t, found1, "entry with no resolvable links has the minimum evict_score")

	_, found2 := c.GetMemory(101)
	_, found3 := c.GetMemory(102)
	assert.True(t, found2)
	assert.True(t, found3)
}

func TestTokenIndexHasNoOrphans(t *testing.T) {
	t.Parallel()

	c := cache.New(1, 0)

	e1 := entry.New(1, 10, 900)
	require.True(t, c.UpdateMemory(e1, relatedSet(10)))

	e2 := entry.New(2, 20, 900)
	require.True(t, c.UpdateMemory(e2, relatedSet(20)))

	// e1 was evicted to admit e2; its token must no longer resolve.
	related := c.FindRelatedMemories(10, 10)
	assert.Empty(t, related)
}

// TestTokenIndexHasNoOrphansViaRelatedToken exercises eviction cleanup
// through a *related* token rather than an entry's own token: it is not
// enough to unindex evicted epochs from entry.Token alone, every token
// they were indexed under (including shared related tokens) must be
// cleaned up too.
func TestTokenIndexHasNoOrphansViaRelatedToken(t *testing.T) {
	t.Parallel()

	c := cache.New(2, 0)

	e1 := entry.New(100, 10, 900)
	require.True(t, c.UpdateMemory(e1, relatedSet(10, 20)))

	e2 := entry.New(101, 11, 800)
	require.True(t, c.UpdateMemory(e2, relatedSet(11, 20)))

	// At capacity; e3 evicts the smaller-epoch resident, e1.
	e3 := entry.New(102, 12, 950)
	require.True(t, c.UpdateMemory(e3, relatedSet(12, 20)))

	_, found := c.GetMemory(100)
	require.False(t, found, "e1 should have been evicted")

	related := c.FindRelatedMemories(20, 10)
	for _, e := range related {
		assert.NotEqual(t, uint32(100), e.Epoch, "evicted epoch must not still resolve via a shared related token")
	}
}

func TestStatsReflectsOccupancyAndHitRate(t *testing.T) {
	t.Parallel()

	c := cache.New(10, 0)
	e := entry.New(1, 1, 500)
	require.True(t, c.UpdateMemory(e, relatedSet(1)))

	_, _ = c.GetMemory(1)
	_, _ = c.GetMemory(999)

	stats := c.Stats()
	assert.Equal(t, 1, stats.TotalEntries)
	assert.InDelta(t, 0.5, stats.CacheHitRate, 0.001)
}

func TestAddMemoryIsAliasOfUpdateMemory(t *testing.T) {
	t.Parallel()

	c := cache.New(10, 0)
	e := entry.New(1, 1, 500)
	ok := c.AddMemory(e, relatedSet(1))
	assert.True(t, ok)

	got, found := c.GetMemory(1)
	require.True(t, found)
	assert.Equal(t, e, got)
}
