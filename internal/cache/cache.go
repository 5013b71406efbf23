// Package cache implements the PersonalityCache: a bounded, concurrent,
// score-ranked associative index over memory entries, queryable by epoch or
// by semantic token.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/xtaci/mem8/internal/entry"
)

const u16max = float64(65535)

// Score is the personality quadruple attached to each cached entry.
// LinkStrength is computed once at insert and not refreshed on read;
// AccessCount and LastAccess are bumped by every GetMemory hit.
type Score struct {
	Weight       uint16
	AccessCount  uint32
	LinkStrength float64
	LastAccess   time.Time
}

// Stats summarizes the current cache contents.
type Stats struct {
	TotalEntries    int
	AvgWeight       float64
	AvgLinkStrength float64
	CacheHitRate    float64
}

type item struct {
	entry entry.Entry
	score Score

	// tokens is every token this epoch was indexed under (its own token
	// plus every related token passed to UpdateMemory), so eviction can
	// remove it from all of them rather than just entry.Token.
	tokens map[uint16]struct{}
}

// tokenEntry is a google/btree.Item keeping the token->epoch-set index
// ordered by token, mirroring Stage2/Stage3's ordered location indices.
type tokenEntry struct {
	token  uint16
	epochs map[uint32]struct{}
}

func (a *tokenEntry) Less(than btree.Item) bool {
	return a.token < than.(*tokenEntry).token
}

func tokenLess(token uint16) btree.Item {
	return &tokenEntry{token: token}
}

// Cache is a bounded, concurrent, score-weighted memory cache. The zero
// value is not usable; construct one with New.
type Cache struct {
	mu         sync.RWMutex
	maxEntries int
	threshold  float64

	entries    map[uint32]*item
	tokenIndex *btree.BTree

	clock func() time.Time

	hits, misses uint64
}

// New constructs a PersonalityCache bounded to maxEntries, admitting only
// entries whose link strength reaches personalityThreshold.
func New(maxEntries int, personalityThreshold float64) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		threshold:  personalityThreshold,
		entries:    make(map[uint32]*item),
		tokenIndex: btree.New(32),
		clock:      time.Now,
	}
}

// UpdateMemory computes a personality score for e and admits it iff the
// score's link strength meets the configured threshold. Admission may evict
// the single lowest-scoring resident first. token_index is updated for
// e.Token plus every token in relatedTokens. Returns whether admission
// occurred.
func (c *Cache) UpdateMemory(e entry.Entry, relatedTokens map[uint16]struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	score := c.scoreFor(e)
	if score.LinkStrength < c.threshold {
		return false
	}

	if len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[e.Epoch]; !exists {
			c.evictLowestLocked()
		}
	}

	tokens := make(map[uint16]struct{}, len(relatedTokens)+1)
	tokens[e.Token] = struct{}{}
	for tok := range relatedTokens {
		tokens[tok] = struct{}{}
	}

	c.entries[e.Epoch] = &item{entry: e, score: score, tokens: tokens}

	for tok := range tokens {
		c.indexToken(tok, e.Epoch)
	}
	return true
}

// AddMemory is a public alias of UpdateMemory, matching the original
// source's external naming.
func (c *Cache) AddMemory(e entry.Entry, relatedTokens map[uint16]struct{}) bool {
	return c.UpdateMemory(e, relatedTokens)
}

// scoreFor must be called with c.mu held (for read or write); it computes
// link_strength by resolving e's links against currently cached entries.
func (c *Cache) scoreFor(e entry.Entry) Score {
	var sum float64
	for _, link := range [2]uint32{e.Link1, e.Link2} {
		if link == 0 {
			continue
		}
		if target, ok := c.entries[link]; ok {
			sum += float64(target.entry.WeightUnsigned()) / u16max
		}
	}
	return Score{
		Weight:       e.WeightUnsigned(),
		AccessCount:  0,
		LinkStrength: sum / 2,
		LastAccess:   c.clock(),
	}
}

// evictLowestLocked removes the entry with the minimum evict_score
// (weight * link_strength), breaking ties by smaller epoch. Caller must
// hold c.mu for writing.
func (c *Cache) evictLowestLocked() {
	var (
		found     bool
		bestEpoch uint32
		bestScore float64
	)
	for epoch, it := range c.entries {
		s := float64(it.score.Weight) * it.score.LinkStrength
		if !found || s < bestScore || (s == bestScore && epoch < bestEpoch) {
			found = true
			bestScore = s
			bestEpoch = epoch
		}
	}
	if !found {
		return
	}
	victim := c.entries[bestEpoch]
	delete(c.entries, bestEpoch)
	for tok := range victim.tokens {
		c.unindexToken(tok, bestEpoch)
	}
}

func (c *Cache) indexToken(token uint16, epoch uint32) {
	if found := c.tokenIndex.Get(tokenLess(token)); found != nil {
		found.(*tokenEntry).epochs[epoch] = struct{}{}
		return
	}
	te := &tokenEntry{token: token, epochs: map[uint32]struct{}{epoch: {}}}
	c.tokenIndex.ReplaceOrInsert(te)
}

func (c *Cache) unindexToken(token uint16, epoch uint32) {
	found := c.tokenIndex.Get(tokenLess(token))
	if found == nil {
		return
	}
	te := found.(*tokenEntry)
	delete(te.epochs, epoch)
	if len(te.epochs) == 0 {
		c.tokenIndex.Delete(te)
	}
}

// GetMemory retrieves an entry by epoch, bumping its access metrics on hit.
func (c *Cache) GetMemory(epoch uint32) (entry.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.entries[epoch]
	if !ok {
		c.misses++
		return entry.Entry{}, false
	}
	c.hits++
	it.score.AccessCount++
	it.score.LastAccess = c.clock()
	return it.entry, true
}

// FindRelatedMemories returns up to limit entries whose token (primary or
// related) equals token. Iteration order is stable within this call but
// otherwise unspecified by the tiering contract; we walk the token index in
// epoch order for determinism.
func (c *Cache) FindRelatedMemories(token uint16, limit int) []entry.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	found := c.tokenIndex.Get(tokenLess(token))
	if found == nil {
		return nil
	}
	te := found.(*tokenEntry)

	epochs := make([]uint32, 0, len(te.epochs))
	for epoch := range te.epochs {
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	out := make([]entry.Entry, 0, min(limit, len(epochs)))
	for _, epoch := range epochs {
		if len(out) >= limit {
			break
		}
		if it, ok := c.entries[epoch]; ok {
			out = append(out, it.entry)
		}
	}
	return out
}

// Stats summarizes cache occupancy and scoring.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.entries)
	if n == 0 {
		total := c.hits + c.misses
		rate := 0.0
		if total > 0 {
			rate = float64(c.hits) / float64(total)
		}
		return Stats{CacheHitRate: rate}
	}

	var weightSum, linkSum float64
	for _, it := range c.entries {
		weightSum += float64(it.score.Weight)
		linkSum += it.score.LinkStrength
	}

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}

	return Stats{
		TotalEntries:    n,
		AvgWeight:       weightSum / float64(n),
		AvgLinkStrength: linkSum / float64(n),
		CacheHitRate:    rate,
	}
}
