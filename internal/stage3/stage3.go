// Package stage3 implements the compressed, redundantly stored long-term
// core: primary plus replica files with integrity verification and
// repair-from-replica on read.
package stage3

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"github.com/xtaci/mem8/internal/codec"
	"github.com/xtaci/mem8/internal/entry"
	"github.com/xtaci/mem8/internal/erasure"
	"github.com/xtaci/mem8/internal/memerr"
)

const pbkdfSalt = "mem8-stage3-at-rest-v1"

// parityFoldSize is the width of the reference XOR-fold parity.
const parityFoldSize = 16

// Config holds Stage3 tuning knobs.
type Config struct {
	StoragePath        string
	RedundancyPath     string
	Compressor         *codec.Compressor
	MinWeightThreshold uint16
	MinAgeDays         int

	// Erasure, if non-nil, switches block parity from the reference
	// 16-byte XOR fold to Reed-Solomon shards (spec.md §4.7).
	Erasure *erasure.Coder

	// Passphrase, if non-empty, derives a pbkdf2 keystream XORed over
	// block bytes before write and after read (SPEC_FULL.md §9.1). This
	// is opaque-at-rest obfuscation, not a durability or integrity
	// mechanism.
	Passphrase string
}

// DefaultConfig matches spec.md §4.7's defaults.
func DefaultConfig(storagePath, redundancyPath string) Config {
	return Config{
		StoragePath:        storagePath,
		RedundancyPath:     redundancyPath,
		Compressor:         codec.New(codec.AlgoSnappy),
		MinWeightThreshold: 800,
		MinAgeDays:         30,
	}
}

// pathItem is a google/btree.Item ordering Stage3's epoch -> file_path
// index by epoch.
type pathItem struct {
	epoch uint32
	path  string
}

func (a *pathItem) Less(than btree.Item) bool {
	return a.epoch < than.(*pathItem).epoch
}

func epochKey(epoch uint32) btree.Item {
	return &pathItem{epoch: epoch}
}

// Stage3 is the core tier. Single-owner: callers serialize their own
// access.
type Stage3 struct {
	cfg   Config
	index *btree.BTree
}

// New creates storagePath and redundancyPath if needed and rebuilds the
// index from any existing core files in storagePath.
func New(cfg Config) (*Stage3, error) {
	if cfg.Compressor == nil {
		cfg.Compressor = codec.New(codec.AlgoSnappy)
	}
	if cfg.MinWeightThreshold == 0 {
		cfg.MinWeightThreshold = 800
	}
	if cfg.MinAgeDays == 0 {
		cfg.MinAgeDays = 30
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, errors.Wrap(err, "stage3: mkdir storage path")
	}
	if err := os.MkdirAll(cfg.RedundancyPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "stage3: mkdir redundancy path")
	}

	s := &Stage3{cfg: cfg, index: btree.New(32)}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stage3) loadIndex() error {
	matches, err := filepath.Glob(filepath.Join(s.cfg.StoragePath, "core_*"))
	if err != nil {
		return errors.Wrap(err, "stage3: glob core files")
	}
	for _, path := range matches {
		var epoch uint32
		if _, err := fmt.Sscanf(filepath.Base(path), "core_%d", &epoch); err != nil {
			continue
		}
		s.index.ReplaceOrInsert(&pathItem{epoch: epoch, path: path})
	}
	return nil
}

// EvaluatePromotion returns true iff ageDays >= MinAgeDays and the
// entry's weight meets MinWeightThreshold.
func (s *Stage3) EvaluatePromotion(e entry.Entry, ageDays int) bool {
	return ageDays >= s.cfg.MinAgeDays && e.WeightUnsigned() >= s.cfg.MinWeightThreshold
}

func (s *Stage3) primaryPath(epoch uint32) string {
	return filepath.Join(s.cfg.StoragePath, fmt.Sprintf("core_%d", epoch))
}

func (s *Stage3) replicaPath(epoch uint32) string {
	return filepath.Join(s.cfg.RedundancyPath, fmt.Sprintf("core_%d", epoch))
}

// StoreCoreMemory compresses e, builds a Stage3 block, and writes it
// verbatim to both the primary and replica paths, truncating existing
// files. Both writes must complete before this returns.
func (s *Stage3) StoreCoreMemory(e entry.Entry) error {
	block, err := s.buildBlock(e)
	if err != nil {
		return err
	}

	primary := s.primaryPath(e.Epoch)
	replica := s.replicaPath(e.Epoch)

	if err := writeFile(primary, block); err != nil {
		return errors.Wrapf(err, "stage3: write primary epoch %d", e.Epoch)
	}
	if err := writeFile(replica, block); err != nil {
		return errors.Wrapf(err, "stage3: write replica epoch %d", e.Epoch)
	}

	s.index.ReplaceOrInsert(&pathItem{epoch: e.Epoch, path: primary})
	return nil
}

// GetCoreMemory reads the primary file; if it fails to parse or verify,
// falls back to the replica, and on replica success repairs the primary
// by overwriting it with the replica's bytes. If neither verifies,
// returns RedundancyError.
func (s *Stage3) GetCoreMemory(epoch uint32) (entry.Entry, error) {
	found := s.index.Get(epochKey(epoch))
	if found == nil {
		return entry.Entry{}, &memerr.NotFoundError{Epoch: epoch}
	}

	primary := s.primaryPath(epoch)
	replica := s.replicaPath(epoch)

	if raw, err := os.ReadFile(primary); err == nil {
		if e, err := s.decodeBlock(raw); err == nil {
			return e, nil
		}
	}

	raw, err := os.ReadFile(replica)
	if err != nil {
		return entry.Entry{}, &memerr.RedundancyError{Epoch: epoch, Cause: "replica unreadable: " + err.Error()}
	}
	e, err := s.decodeBlock(raw)
	if err != nil {
		return entry.Entry{}, &memerr.RedundancyError{Epoch: epoch, Cause: "replica failed verify: " + err.Error()}
	}

	if err := writeFile(primary, raw); err != nil {
		return entry.Entry{}, errors.Wrapf(err, "stage3: repair primary epoch %d", epoch)
	}
	return e, nil
}

// Len returns the number of indexed epochs.
func (s *Stage3) Len() int { return s.index.Len() }

// block is the decoded form of a Stage3 file's content:
// {entry (16B), compressedPayload (length-prefixed), checksum (4B), parity}.
// parity is either a 16-byte XOR fold or D+P erasure shards, depending on
// Config.Erasure.
type block struct {
	entryBytes [entry.Size]byte
	payload    []byte
	checksum   uint32
	parity     []byte
	shards     [][]byte
	shardLen   int
}

func (s *Stage3) buildBlock(e entry.Entry) ([]byte, error) {
	tagged, _ := s.cfg.Compressor.Compress(e.MarshalBinary())

	b := &block{
		payload:  tagged,
		checksum: entry.Checksum(e),
	}
	copy(b.entryBytes[:], e.MarshalBinary())

	if s.cfg.Erasure != nil {
		shards, _, err := s.cfg.Erasure.Encode(tagged)
		if err != nil {
			return nil, errors.Wrapf(err, "stage3: erasure encode epoch %d", e.Epoch)
		}
		b.shards = shards
		if len(shards) > 0 {
			b.shardLen = len(shards[0])
		}
	} else {
		b.parity = foldParity(e.MarshalBinary())
	}

	encoded := b.encode(s.cfg.Erasure != nil)
	if s.cfg.Passphrase != "" {
		encoded = xorKeystream(encoded, s.cfg.Passphrase)
	}
	return encoded, nil
}

func (s *Stage3) decodeBlock(raw []byte) (entry.Entry, error) {
	if s.cfg.Passphrase != "" {
		raw = xorKeystream(raw, s.cfg.Passphrase)
	}

	b, err := decodeBlockBytes(raw, s.cfg.Erasure != nil)
	if err != nil {
		return entry.Entry{}, err
	}

	e, err := entry.UnmarshalEntry(b.entryBytes[:])
	if err != nil {
		return entry.Entry{}, errors.Wrap(err, "stage3: unmarshal entry")
	}
	if entry.Checksum(e) != b.checksum {
		return entry.Entry{}, &memerr.ChecksumMismatchError{Epoch: e.Epoch}
	}

	if s.cfg.Erasure != nil {
		recovered, err := s.cfg.Erasure.Reconstruct(b.shards, len(b.payload))
		if err != nil {
			return entry.Entry{}, errors.Wrap(err, "stage3: erasure reconstruct")
		}
		if _, err := codec.Decompress(recovered); err != nil {
			return entry.Entry{}, errors.Wrap(err, "stage3: decompress reconstructed payload")
		}
	} else {
		if !bytes.Equal(foldParity(b.entryBytes[:]), b.parity) {
			return entry.Entry{}, &memerr.ChecksumMismatchError{Epoch: e.Epoch}
		}
	}

	return e, nil
}

// encode serializes the block to bytes. Layout:
// [entry 16B][u32 payloadLen][payload][u32 checksum][parityOrShards].
func (b *block) encode(useErasure bool) []byte {
	head := make([]byte, entry.Size+4+len(b.payload)+4)
	copy(head[0:entry.Size], b.entryBytes[:])
	binary.LittleEndian.PutUint32(head[entry.Size:entry.Size+4], uint32(len(b.payload)))
	copy(head[entry.Size+4:entry.Size+4+len(b.payload)], b.payload)
	binary.LittleEndian.PutUint32(head[entry.Size+4+len(b.payload):], b.checksum)

	if useErasure {
		tail := make([]byte, 4+4)
		binary.LittleEndian.PutUint32(tail[0:4], uint32(len(b.shards)))
		binary.LittleEndian.PutUint32(tail[4:8], uint32(b.shardLen))
		for _, shard := range b.shards {
			tail = append(tail, shard...)
		}
		return append(head, tail...)
	}
	return append(head, b.parity...)
}

func decodeBlockBytes(raw []byte, useErasure bool) (*block, error) {
	if len(raw) < entry.Size+4 {
		return nil, errors.New("stage3: truncated block header")
	}
	b := &block{}
	copy(b.entryBytes[:], raw[0:entry.Size])
	payloadLen := binary.LittleEndian.Uint32(raw[entry.Size : entry.Size+4])

	cursor := entry.Size + 4
	if len(raw) < cursor+int(payloadLen)+4 {
		return nil, errors.New("stage3: truncated block payload")
	}
	b.payload = raw[cursor : cursor+int(payloadLen)]
	cursor += int(payloadLen)
	b.checksum = binary.LittleEndian.Uint32(raw[cursor : cursor+4])
	cursor += 4

	if useErasure {
		if len(raw) < cursor+8 {
			return nil, errors.New("stage3: truncated shard header")
		}
		shardCount := binary.LittleEndian.Uint32(raw[cursor : cursor+4])
		shardLen := binary.LittleEndian.Uint32(raw[cursor+4 : cursor+8])
		cursor += 8
		b.shards = make([][]byte, shardCount)
		for i := range b.shards {
			if len(raw) < cursor+int(shardLen) {
				return nil, errors.New("stage3: truncated shard")
			}
			b.shards[i] = raw[cursor : cursor+int(shardLen)]
			cursor += int(shardLen)
		}
		b.shardLen = int(shardLen)
	} else {
		if len(raw) < cursor+parityFoldSize {
			return nil, errors.New("stage3: truncated parity")
		}
		b.parity = raw[cursor : cursor+parityFoldSize]
	}
	return b, nil
}

// foldParity computes the reference 16-byte folded XOR parity.
func foldParity(data []byte) []byte {
	parity := make([]byte, parityFoldSize)
	for i, byt := range data {
		parity[i%parityFoldSize] ^= byt
	}
	return parity
}

// xorKeystream derives a pbkdf2 keystream from passphrase and XORs it
// over data, used symmetrically on write and read. This is an opaque-at-
// rest supplement (SPEC_FULL.md §9.1), not an authenticated cipher.
func xorKeystream(data []byte, passphrase string) []byte {
	key := pbkdf2.Key([]byte(passphrase), []byte(pbkdfSalt), 4096, len(data), sha256.New)
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i]
	}
	return out
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
