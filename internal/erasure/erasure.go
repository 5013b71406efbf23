// Package erasure wraps klauspost/reedsolomon into the shard-based
// encode/reconstruct contract used by Stage 3's optional parity mode.
package erasure

import (
	"time"

	"github.com/klauspost/reedsolomon"

	"github.com/pkg/errors"
)

// Metrics describes one Encode call.
type Metrics struct {
	OriginalSize int
	ShardSize    int
	DataShards   int
	ParityShards int
	Duration     time.Duration
}

// EncodeError wraps a reedsolomon encode failure.
type EncodeError struct{ cause error }

func (e *EncodeError) Error() string { return "erasure: encode: " + e.cause.Error() }
func (e *EncodeError) Unwrap() error { return e.cause }

// ReconstructError wraps a reedsolomon reconstruct failure.
type ReconstructError struct{ cause error }

func (e *ReconstructError) Error() string { return "erasure: reconstruct: " + e.cause.Error() }
func (e *ReconstructError) Unwrap() error { return e.cause }

// Coder encodes a byte block into DataShards+ParityShards fixed-size shards
// and reconstructs the original block from any DataShards of them.
type Coder struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// New configures a Coder for the given shard counts.
func New(dataShards, parityShards int) (*Coder, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "erasure: new")
	}
	return &Coder{dataShards: dataShards, parityShards: parityShards, enc: enc}, nil
}

// DataShards returns the configured number of data shards.
func (c *Coder) DataShards() int { return c.dataShards }

// ParityShards returns the configured number of parity shards.
func (c *Coder) ParityShards() int { return c.parityShards }

// ShardCount returns DataShards()+ParityShards().
func (c *Coder) ShardCount() int { return c.dataShards + c.parityShards }

// Encode splits b into DataShards equal-size shards (zero-padded to
// ceil(len(b)/DataShards)), computes ParityShards parity shards, and
// returns all DataShards+ParityShards shards plus metrics.
func (c *Coder) Encode(b []byte) ([][]byte, Metrics, error) {
	start := time.Now()
	shardSize := (len(b) + c.dataShards - 1) / c.dataShards
	if shardSize == 0 {
		shardSize = 1
	}

	shards := make([][]byte, c.dataShards+c.parityShards)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
	}
	for i := 0; i < c.dataShards; i++ {
		start := i * shardSize
		if start >= len(b) {
			break
		}
		end := start + shardSize
		if end > len(b) {
			end = len(b)
		}
		copy(shards[i], b[start:end])
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, Metrics{}, &EncodeError{cause: err}
	}

	return shards, Metrics{
		OriginalSize: len(b),
		ShardSize:    shardSize,
		DataShards:   c.dataShards,
		ParityShards: c.parityShards,
		Duration:     time.Since(start),
	}, nil
}

// Reconstruct recovers the original payload from shards, any subset of
// which (up to ParityShards of them) may be nil to flag an erasure.
// originalSize trims the reassembled data-shard bytes back to the exact
// length passed to Encode.
func (c *Coder) Reconstruct(shards [][]byte, originalSize int) ([]byte, error) {
	work := make([][]byte, len(shards))
	copy(work, shards)

	if err := c.enc.Reconstruct(work); err != nil {
		return nil, &ReconstructError{cause: err}
	}

	out := make([]byte, 0, originalSize)
	for i := 0; i < c.dataShards && len(out) < originalSize; i++ {
		out = append(out, work[i]...)
	}
	if len(out) > originalSize {
		out = out[:originalSize]
	}
	return out, nil
}
