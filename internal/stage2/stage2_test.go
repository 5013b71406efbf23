package stage2_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/mem8/internal/entry"
	"github.com/xtaci/mem8/internal/stage2"
)

// TestRoundTripAndReopen mirrors spec scenario S1: store, reopen
// (forcing an index rebuild from disk), read back by epoch.
func TestRoundTripAndReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := stage2.DefaultConfig(dir)

	s1, err := stage2.New(cfg)
	require.NoError(t, err)

	e := entry.New(1000, 100, 500)
	require.NoError(t, s1.StoreEntry(e))
	require.NoError(t, s1.Close())

	s2, err := stage2.New(cfg)
	require.NoError(t, err)

	got, err := s2.GetEntry(1000)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), got.Token)
	assert.Equal(t, uint16(500), got.WeightUnsigned())
}

// TestReadYourWrites covers testable property 6.
func TestReadYourWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := stage2.New(stage2.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	e := entry.New(42, 7, 123)
	require.NoError(t, s.StoreEntry(e))

	got, err := s.GetEntry(42)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestGetEntryNotFound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := stage2.New(stage2.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetEntry(9999)
	require.Error(t, err)
}

func TestAcceptEntriesStoresAllInOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := stage2.New(stage2.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	entries := []entry.Entry{
		entry.New(1, 1, 1),
		entry.New(2, 2, 2),
		entry.New(3, 3, 3),
	}
	require.NoError(t, s.AcceptEntries(entries))
	assert.Equal(t, 3, s.Len())

	for _, e := range entries {
		got, err := s.GetEntry(e.Epoch)
		require.NoError(t, err)
		assert.Equal(t, e.Token, got.Token)
	}
}

func TestFileRotationByEntriesPerFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := stage2.DefaultConfig(dir)
	cfg.EntriesPerFile = 2
	s, err := stage2.New(cfg)
	require.NoError(t, err)
	defer s.Close()

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, s.StoreEntry(entry.New(i, uint16(i), uint16(i))))
	}
	assert.Equal(t, 5, s.Len())
}

func TestCompressOldEntriesLeavesEntryReadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := stage2.New(stage2.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	e := entry.New(1, 55, 555)
	require.NoError(t, s.StoreEntry(e))

	// compression_age is 7 days by default; use a cutoff far in the
	// future so this (epoch=1) entry is unconditionally "old".
	require.NoError(t, s.CompressOldEntries(time.Unix(1, 0).Add(365*24*time.Hour)))

	got, err := s.GetEntry(1)
	require.NoError(t, err)
	assert.Equal(t, e.Token, got.Token)
	assert.Equal(t, e.WeightUnsigned(), got.WeightUnsigned())
}

func TestLoadIndexToleratesCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := stage2.DefaultConfig(dir)

	s, err := stage2.New(cfg)
	require.NoError(t, err)
	good := entry.New(1, 1, 1)
	require.NoError(t, s.StoreEntry(good))
	require.NoError(t, s.Close())

	// Append a partial, garbage tail to simulate a crash mid-write; the
	// load-index algorithm must stop scanning that file without failing
	// bring-up, per spec.md §4.6.
	matches, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	f, err := os.OpenFile(matches[0], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x05, 0x00, 0x00, 0x00, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := stage2.New(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.GetEntry(1)
	require.NoError(t, err)
}
