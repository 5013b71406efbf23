// Package codec implements the tagged compression codec used by Stage 2 and
// Stage 3: an identity passthrough and a framed, self-describing block codec
// built on snappy.
package codec

import (
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Algorithm tags the codec used to produce a compressed block, so a future
// reader can select the matching decoder without an external hint.
type Algorithm byte

const (
	// AlgoNone is the identity codec.
	AlgoNone Algorithm = iota
	// AlgoSnappy is a framed, size-prefixed block codec (snappy's block
	// format already carries a leading varint length).
	AlgoSnappy
)

func (a Algorithm) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// Metrics describes one compress call.
type Metrics struct {
	OriginalSize   int
	CompressedSize int
	Duration       time.Duration
	Algorithm      Algorithm
}

// CodecError wraps a decompression failure.
type CodecError struct {
	cause error
}

func (e *CodecError) Error() string { return "codec: " + e.cause.Error() }
func (e *CodecError) Unwrap() error { return e.cause }

// Compressor is a tagged codec. The zero value behaves as New(AlgoNone).
type Compressor struct {
	algorithm Algorithm
}

// New returns a Compressor that tags its output with algorithm.
func New(algorithm Algorithm) *Compressor {
	return &Compressor{algorithm: algorithm}
}

// Compress encodes b with the configured algorithm and returns the tagged
// output (a 1-byte algorithm tag followed by the payload) plus metrics.
func (c *Compressor) Compress(b []byte) ([]byte, Metrics) {
	start := time.Now()
	var payload []byte
	switch c.algorithm {
	case AlgoSnappy:
		payload = snappy.Encode(nil, b)
	default:
		payload = append([]byte(nil), b...)
	}

	tagged := make([]byte, 1+len(payload))
	tagged[0] = byte(c.algorithm)
	copy(tagged[1:], payload)

	return tagged, Metrics{
		OriginalSize:   len(b),
		CompressedSize: len(tagged),
		Duration:       time.Since(start),
		Algorithm:      c.algorithm,
	}
}

// Decompress reads the algorithm tag from tagged and selects the matching
// decoder, independent of how this Compressor instance is configured. This
// is what lets a future reader decode blocks written by an older algorithm
// choice.
func Decompress(tagged []byte) ([]byte, error) {
	if len(tagged) == 0 {
		return nil, &CodecError{cause: errors.New("empty input")}
	}
	algo := Algorithm(tagged[0])
	payload := tagged[1:]
	switch algo {
	case AlgoNone:
		return append([]byte(nil), payload...), nil
	case AlgoSnappy:
		out, err := snappy.Decode([]byte{}, payload)
		if err != nil {
			return nil, &CodecError{cause: errors.Wrap(err, "snappy decode")}
		}
		return out, nil
	default:
		return nil, &CodecError{cause: errors.Errorf("unknown algorithm tag %d", algo)}
	}
}

// Decompress is the instance method form, decoding with this Compressor's
// configured algorithm tag prepended at Compress time being irrelevant: it
// simply delegates to the tag-driven package function.
func (c *Compressor) Decompress(tagged []byte) ([]byte, error) {
	return Decompress(tagged)
}
