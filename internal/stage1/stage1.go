// Package stage1 implements the hot, in-process working set: the first
// tier a memory entry lands in, subject to decay, aging, and automatic
// link maintenance before eviction to Stage 2.
package stage1

import (
	"math"
	"sort"
	"time"

	"github.com/xtaci/mem8/internal/entry"
	"github.com/xtaci/mem8/internal/memerr"
)

// Clock abstracts wall-clock epoch generation so callers can resolve the
// same-wall-second collision case (spec Open Question #1) by injecting a
// sub-second-unique implementation. The default is real wall-clock seconds.
type Clock interface {
	Now() uint32
}

type systemClock struct{}

func (systemClock) Now() uint32 { return uint32(time.Now().Unix()) }

// SystemClock is the default Clock: real wall-clock seconds, colliding
// within the same second per the spec's documented limitation.
var SystemClock Clock = systemClock{}

// Config holds Stage1 tuning knobs.
type Config struct {
	MaxAge              uint32
	MinWeight           uint16
	DecayRate           float64
	SimilarityThreshold float64
	Clock               Clock
}

// DefaultConfig matches spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:              86400,
		MinWeight:           100,
		DecayRate:           0.95,
		SimilarityThreshold: 0.7,
		Clock:               SystemClock,
	}
}

// Stats mirrors PersonalityCache's summary shape for the composite view
// exposed by the telemetry logger.
type Stats struct {
	TotalEntries int
	AvgWeight    float64
}

// Stage1 is the hot in-memory tier. Single-owner: callers must serialize
// their own access, matching the spec's concurrency model.
type Stage1 struct {
	cfg Config

	entries      map[uint32]entry.Entry
	currentEpoch uint32
	lastCleanup  uint32
}

// New constructs a Stage1 store. If cfg.Clock is nil, SystemClock is used.
func New(cfg Config) *Stage1 {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	now := cfg.Clock.Now()
	return &Stage1{
		cfg:         cfg,
		entries:     make(map[uint32]entry.Entry),
		lastCleanup: now,
	}
}

// AddMemory inserts a new entry keyed by the clock's current epoch. Two
// calls landing in the same wall second collide; the later overwrites the
// earlier, per the documented limitation (OQ1 in SPEC_FULL.md).
func (s *Stage1) AddMemory(token, weight uint16) uint32 {
	epoch := s.cfg.Clock.Now()
	s.entries[epoch] = entry.New(epoch, token, weight)
	if epoch > s.currentEpoch {
		s.currentEpoch = epoch
	}
	return epoch
}

// GetMemory looks up an entry by epoch.
func (s *Stage1) GetMemory(epoch uint32) (entry.Entry, error) {
	e, ok := s.entries[epoch]
	if !ok {
		return entry.Entry{}, &memerr.NotFoundError{Epoch: epoch}
	}
	return e, nil
}

// LinkMemories sets source's link1/link2 to l1/l2. A nonzero link must
// name an existing entry; zero is always allowed.
func (s *Stage1) LinkMemories(source uint32, l1, l2 uint32) error {
	e, ok := s.entries[source]
	if !ok {
		return &memerr.NotFoundError{Epoch: source}
	}
	if l1 != 0 {
		if _, ok := s.entries[l1]; !ok {
			return &memerr.InvalidLinkError{Epoch: l1}
		}
	}
	if l2 != 0 {
		if _, ok := s.entries[l2]; !ok {
			return &memerr.InvalidLinkError{Epoch: l2}
		}
	}
	e.UpdateLinks(l1, l2)
	s.entries[source] = e
	return nil
}

// GetAgedMemories returns every entry whose age relative to the current
// epoch is at least minAge.
func (s *Stage1) GetAgedMemories(minAge uint32) []entry.Entry {
	out := make([]entry.Entry, 0)
	for _, e := range s.entries {
		if e.AgeFrom(s.currentEpoch) >= minAge {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out
}

// Maintain decays every weight by decayRate^hours (hours since the last
// call), then evicts every entry older than MaxAge or lighter than
// MinWeight, returning the evicted entries for the caller to forward to
// Stage 2. Decay and eviction never fail.
func (s *Stage1) Maintain() []entry.Entry {
	now := s.cfg.Clock.Now()
	hours := float64(now-s.lastCleanup) / 3600.0
	if hours < 0 {
		hours = 0
	}
	decay := math.Pow(s.cfg.DecayRate, hours)

	for epoch, e := range s.entries {
		decayed := uint16(float64(e.WeightUnsigned()) * decay)
		e.Weight = int16(decayed)
		s.entries[epoch] = e
	}

	removed := make([]entry.Entry, 0)
	for epoch, e := range s.entries {
		if e.AgeFrom(now) > s.cfg.MaxAge || e.WeightUnsigned() < s.cfg.MinWeight {
			removed = append(removed, e)
			delete(s.entries, epoch)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Epoch < removed[j].Epoch })

	s.lastCleanup = now
	return removed
}

// UpdateAutomaticLinks recomputes link1/link2 for every entry from token
// similarity: similarity(t, t') = 1 - |t-t'|/U16_MAX, keeping candidates
// at or above SimilarityThreshold and assigning the top two by descending
// similarity. This overwrites any prior links.
func (s *Stage1) UpdateAutomaticLinks() {
	type candidate struct {
		epoch      uint32
		similarity float64
	}

	epochs := make([]uint32, 0, len(s.entries))
	for epoch := range s.entries {
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	const u16max = 65535.0
	for _, epoch := range epochs {
		e := s.entries[epoch]
		candidates := make([]candidate, 0)
		for _, other := range epochs {
			if other == epoch {
				continue
			}
			o := s.entries[other]
			diff := int(e.Token) - int(o.Token)
			if diff < 0 {
				diff = -diff
			}
			sim := 1 - float64(diff)/u16max
			if sim >= s.cfg.SimilarityThreshold {
				candidates = append(candidates, candidate{epoch: other, similarity: sim})
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].similarity != candidates[j].similarity {
				return candidates[i].similarity > candidates[j].similarity
			}
			return candidates[i].epoch < candidates[j].epoch
		})

		var l1, l2 uint32
		if len(candidates) > 0 {
			l1 = candidates[0].epoch
		}
		if len(candidates) > 1 {
			l2 = candidates[1].epoch
		}
		e.UpdateLinks(l1, l2)
		s.entries[epoch] = e
	}
}

// Stats summarizes the current working set.
func (s *Stage1) Stats() Stats {
	if len(s.entries) == 0 {
		return Stats{}
	}
	var sum float64
	for _, e := range s.entries {
		sum += float64(e.WeightUnsigned())
	}
	return Stats{
		TotalEntries: len(s.entries),
		AvgWeight:    sum / float64(len(s.entries)),
	}
}

