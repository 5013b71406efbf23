package stage3_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/mem8/internal/entry"
	"github.com/xtaci/mem8/internal/erasure"
	"github.com/xtaci/mem8/internal/stage3"
)

func newStage(t *testing.T) (*stage3.Stage3, string, string) {
	t.Helper()
	primary := filepath.Join(t.TempDir(), "primary")
	replica := filepath.Join(t.TempDir(), "replica")
	s, err := stage3.New(stage3.DefaultConfig(primary, replica))
	require.NoError(t, err)
	return s, primary, replica
}

// TestSelfHeal mirrors spec scenario S5: store, zero out the primary,
// get_core_memory still returns the entry, and the primary is restored
// byte-identical to the replica.
func TestSelfHeal(t *testing.T) {
	t.Parallel()

	s, primary, replica := newStage(t)
	e := entry.New(5000, 9, 850)
	require.NoError(t, s.StoreCoreMemory(e))

	primaryPath := filepath.Join(primary, "core_5000")
	replicaPath := filepath.Join(replica, "core_5000")

	original, err := os.ReadFile(primaryPath)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(primaryPath, make([]byte, len(original)), 0o644))

	got, err := s.GetCoreMemory(5000)
	require.NoError(t, err)
	assert.Equal(t, e.Token, got.Token)
	assert.Equal(t, e.WeightUnsigned(), got.WeightUnsigned())

	repaired, err := os.ReadFile(primaryPath)
	require.NoError(t, err)
	replicaBytes, err := os.ReadFile(replicaPath)
	require.NoError(t, err)
	assert.Equal(t, replicaBytes, repaired)
}

func TestBothCopiesFailVerifyReturnsRedundancyError(t *testing.T) {
	t.Parallel()

	s, primary, replica := newStage(t)
	e := entry.New(6000, 9, 850)
	require.NoError(t, s.StoreCoreMemory(e))

	primaryPath := filepath.Join(primary, "core_6000")
	replicaPath := filepath.Join(replica, "core_6000")

	original, err := os.ReadFile(primaryPath)
	require.NoError(t, err)
	zeros := make([]byte, len(original))
	require.NoError(t, os.WriteFile(primaryPath, zeros, 0o644))
	require.NoError(t, os.WriteFile(replicaPath, zeros, 0o644))

	_, err = s.GetCoreMemory(6000)
	require.Error(t, err)
}

// TestPromotionGate mirrors spec scenario S6.
func TestPromotionGate(t *testing.T) {
	t.Parallel()

	s, _, _ := newStage(t)

	low := entry.New(1, 1, 700)
	assert.False(t, s.EvaluatePromotion(low, 60))

	eligible := entry.New(2, 1, 900)
	assert.True(t, s.EvaluatePromotion(eligible, 60))

	tooYoung := entry.New(3, 1, 900)
	assert.False(t, s.EvaluatePromotion(tooYoung, 10))
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	t.Parallel()

	s, _, _ := newStage(t)
	e := entry.New(7000, 42, 999)
	require.NoError(t, s.StoreCoreMemory(e))

	got, err := s.GetCoreMemory(7000)
	require.NoError(t, err)
	assert.Equal(t, e.Token, got.Token)
	assert.Equal(t, e.WeightUnsigned(), got.WeightUnsigned())
}

func TestGetCoreMemoryNotFound(t *testing.T) {
	t.Parallel()

	s, _, _ := newStage(t)
	_, err := s.GetCoreMemory(99999)
	require.Error(t, err)
}

func TestErasureModeRoundTrip(t *testing.T) {
	t.Parallel()

	primary := filepath.Join(t.TempDir(), "primary")
	replica := filepath.Join(t.TempDir(), "replica")
	cfg := stage3.DefaultConfig(primary, replica)

	coder, err := erasure.New(4, 2)
	require.NoError(t, err)
	cfg.Erasure = coder

	s, err := stage3.New(cfg)
	require.NoError(t, err)

	e := entry.New(8000, 3, 901)
	require.NoError(t, s.StoreCoreMemory(e))

	got, err := s.GetCoreMemory(8000)
	require.NoError(t, err)
	assert.Equal(t, e.Token, got.Token)
}

func TestPassphraseObfuscatedRoundTrip(t *testing.T) {
	t.Parallel()

	primary := filepath.Join(t.TempDir(), "primary")
	replica := filepath.Join(t.TempDir(), "replica")
	cfg := stage3.DefaultConfig(primary, replica)
	cfg.Passphrase = "correct horse battery staple"

	s, err := stage3.New(cfg)
	require.NoError(t, err)

	e := entry.New(9000, 3, 901)
	require.NoError(t, s.StoreCoreMemory(e))

	got, err := s.GetCoreMemory(9000)
	require.NoError(t, err)
	assert.Equal(t, e.Token, got.Token)
}
