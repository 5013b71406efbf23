package pipeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/mem8/internal/entry"
	"github.com/xtaci/mem8/internal/pipeline"
	"github.com/xtaci/mem8/internal/stage1"
	"github.com/xtaci/mem8/internal/stage2"
	"github.com/xtaci/mem8/internal/stage3"
)

type fakeClock struct {
	seq []uint32
	i   int
}

func (f *fakeClock) Now() uint32 {
	v := f.seq[f.i]
	if f.i < len(f.seq)-1 {
		f.i++
	}
	return v
}

func TestMaintainAndMigrateForwardsAgedEntries(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{seq: []uint32{1000}}
	cfg1 := stage1.DefaultConfig()
	cfg1.MinWeight = 100
	cfg1.DecayRate = 1.0
	cfg1.MaxAge = 1_000_000_000
	cfg1.Clock = clock
	s1 := stage1.New(cfg1)

	epoch := s1.AddMemory(7, 50) // below MinWeight, evicted on Maintain

	s2, err := stage2.New(stage2.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	defer s2.Close()

	s3, err := stage3.New(stage3.DefaultConfig(t.TempDir(), t.TempDir()))
	require.NoError(t, err)

	p := pipeline.New(s1, s2, s3)

	aged, err := p.MaintainAndMigrate()
	require.NoError(t, err)
	require.Len(t, aged, 1)
	assert.Equal(t, epoch, aged[0].Epoch)

	got, err := s2.GetEntry(epoch)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), got.Token)

	_, err = s1.GetMemory(epoch)
	require.Error(t, err, "evicted entry must no longer live in stage1")
}

func TestPromoteGatesOnEligibility(t *testing.T) {
	t.Parallel()

	s1 := stage1.New(stage1.DefaultConfig())

	s2, err := stage2.New(stage2.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	defer s2.Close()

	s3cfg := stage3.DefaultConfig(t.TempDir(), t.TempDir())
	s3cfg.MinWeightThreshold = 800
	s3cfg.MinAgeDays = 30
	s3, err := stage3.New(s3cfg)
	require.NoError(t, err)

	now := time.Unix(100*24*3600, 0)

	// Eligible: old enough and heavy enough.
	eligibleEpoch := uint32(now.Add(-40 * 24 * time.Hour).Unix())
	require.NoError(t, s2.StoreEntry(entry.New(eligibleEpoch, 1, 900)))

	// Too young.
	youngEpoch := uint32(now.Add(-5 * 24 * time.Hour).Unix())
	require.NoError(t, s2.StoreEntry(entry.New(youngEpoch, 2, 900)))

	// Too light.
	lightEpoch := uint32(now.Add(-41 * 24 * time.Hour).Unix())
	require.NoError(t, s2.StoreEntry(entry.New(lightEpoch, 3, 700)))

	p := pipeline.New(s1, s2, s3)
	promoted, err := p.Promote(10, now)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	_, err = s3.GetCoreMemory(eligibleEpoch)
	require.NoError(t, err)

	_, err = s3.GetCoreMemory(youngEpoch)
	require.Error(t, err)

	_, err = s3.GetCoreMemory(lightEpoch)
	require.Error(t, err)
}
