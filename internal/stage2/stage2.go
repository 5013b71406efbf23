// Package stage2 implements the append-only on-disk journal with a
// rebuildable, in-memory location index: the durability tier an entry
// reaches after Stage 1 eviction.
package stage2

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/xtaci/mem8/internal/codec"
	"github.com/xtaci/mem8/internal/entry"
	"github.com/xtaci/mem8/internal/memerr"
)

// journalExt is the stable extension load_index scans for.
const journalExt = ".bin"

// headerSize is the fixed-size portion of a record preceding the
// variable-length compressed payload slot: recordLen(4) + entry(16) +
// checksum(4) + compressedFlag(1) + compressedLen(4).
const headerSize = 4 + entry.Size + 4 + 1 + 4

// Config holds Stage2 tuning knobs.
type Config struct {
	StoragePath      string
	EntriesPerFile   int
	CompressionAge   time.Duration
	Compressor       *codec.Compressor
}

// DefaultConfig matches spec.md §4.6's defaults: 1000 entries per file,
// a 7-day compression age, and a snappy compressor.
func DefaultConfig(storagePath string) Config {
	return Config{
		StoragePath:    storagePath,
		EntriesPerFile: 1000,
		CompressionAge: 7 * 24 * time.Hour,
		Compressor:     codec.New(codec.AlgoSnappy),
	}
}

type location struct {
	path   string
	offset int64
}

// locationItem is a google/btree.Item ordering Stage2's epoch -> location
// index by epoch, matching the spec's "in-memory ordered map" requirement.
type locationItem struct {
	epoch uint32
	loc   location
}

func (a *locationItem) Less(than btree.Item) bool {
	return a.epoch < than.(*locationItem).epoch
}

func epochKey(epoch uint32) btree.Item {
	return &locationItem{epoch: epoch}
}

// Stage2 is the append-journal tier. Single-owner: callers serialize
// their own access to the underlying file handle and index.
type Stage2 struct {
	cfg Config

	index *btree.BTree

	currentFile        *os.File
	currentFileName    string
	currentFileEntries int
}

// New creates storagePath if needed and rebuilds the index from any
// existing journal files.
func New(cfg Config) (*Stage2, error) {
	if cfg.EntriesPerFile <= 0 {
		cfg.EntriesPerFile = 1000
	}
	if cfg.Compressor == nil {
		cfg.Compressor = codec.New(codec.AlgoSnappy)
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, errors.Wrap(err, "stage2: mkdir storage path")
	}

	s := &Stage2{
		cfg:   cfg,
		index: btree.New(32),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the current file, if any.
func (s *Stage2) Close() error {
	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return errors.Wrap(err, "stage2: close")
}

// AcceptEntries stores each entry in order.
func (s *Stage2) AcceptEntries(entries []entry.Entry) error {
	for _, e := range entries {
		if err := s.StoreEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// StoreEntry rotates the current file if needed, appends a new
// uncompressed block at end-of-file, records its location in the index,
// and flushes before returning.
func (s *Stage2) StoreEntry(e entry.Entry) error {
	if err := s.ensureFile(); err != nil {
		return err
	}

	offset, err := s.currentFile.Seek(0, os.SEEK_END)
	if err != nil {
		return errors.Wrap(err, "stage2: seek end")
	}

	record := encodeRecord(e, false, e.MarshalBinary())
	if _, err := s.currentFile.Write(record); err != nil {
		return errors.Wrap(err, "stage2: write record")
	}
	if err := s.currentFile.Sync(); err != nil {
		return errors.Wrap(err, "stage2: sync")
	}

	s.index.ReplaceOrInsert(&locationItem{epoch: e.Epoch, loc: location{path: s.currentFileName, offset: offset}})
	s.currentFileEntries++
	return nil
}

// GetEntry seeks to the indexed location, reads exactly one block,
// verifies its checksum, and returns the decoded entry.
func (s *Stage2) GetEntry(epoch uint32) (entry.Entry, error) {
	found := s.index.Get(epochKey(epoch))
	if found == nil {
		return entry.Entry{}, &memerr.NotFoundError{Epoch: epoch}
	}
	loc := found.(*locationItem).loc

	f, err := os.Open(loc.path)
	if err != nil {
		return entry.Entry{}, errors.Wrap(err, "stage2: open")
	}
	defer f.Close()

	if _, err := f.Seek(loc.offset, os.SEEK_SET); err != nil {
		return entry.Entry{}, errors.Wrap(err, "stage2: seek")
	}

	rec, err := readRecord(f)
	if err != nil {
		return entry.Entry{}, err
	}

	payload := rec.payload()
	if rec.compressed {
		decoded, err := codec.Decompress(payload)
		if err != nil {
			return entry.Entry{}, errors.Wrapf(err, "stage2: decompress epoch %d", epoch)
		}
		payload = decoded
	}

	e, err := entry.UnmarshalEntry(payload)
	if err != nil {
		return entry.Entry{}, errors.Wrapf(err, "stage2: unmarshal epoch %d", epoch)
	}
	if entry.Checksum(e) != rec.checksum {
		return entry.Entry{}, &memerr.ChecksumMismatchError{Epoch: epoch}
	}
	return e, nil
}

// CompressOldEntries rewrites, in place, every indexed block older than
// now-CompressionAge that is not yet marked compressed. Per OQ2 in
// SPEC_FULL.md, a block only flips to compressed when the tagged,
// compressed payload fits inside its already-reserved payload slot. With
// the codecs in internal/codec the tagged output for a 16-byte entry is
// 17 bytes (none) or 19 bytes (snappy), so no block is rewritten; the
// spec allows this no-op.
func (s *Stage2) CompressOldEntries(now time.Time) error {
	cutoff := uint32(now.Add(-s.cfg.CompressionAge).Unix())

	var items []*locationItem
	s.index.Ascend(func(i btree.Item) bool {
		items = append(items, i.(*locationItem))
		return true
	})

	files := make(map[string]*os.File)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for _, it := range items {
		if it.epoch >= cutoff {
			continue
		}
		f, ok := files[it.loc.path]
		if !ok {
			var err error
			f, err = os.OpenFile(it.loc.path, os.O_RDWR, 0o644)
			if err != nil {
				return errors.Wrap(err, "stage2: open for compaction")
			}
			files[it.loc.path] = f
		}

		if _, err := f.Seek(it.loc.offset, os.SEEK_SET); err != nil {
			return errors.Wrap(err, "stage2: seek for compaction")
		}
		rec, err := readRecord(f)
		if err != nil {
			return err
		}
		if rec.compressed {
			continue
		}

		compressor := s.cfg.Compressor
		tagged, _ := compressor.Compress(rec.payload())
		if len(tagged) > int(rec.payloadLen) {
			// Doesn't fit the reserved slot; leave uncompressed per OQ2.
			continue
		}

		rec.compressed = true
		rec.compressedLen = uint32(len(tagged))
		slot := make([]byte, rec.payloadLen)
		copy(slot, tagged)
		rec.payloadSlot = slot

		if _, err := f.Seek(it.loc.offset, os.SEEK_SET); err != nil {
			return errors.Wrap(err, "stage2: seek rewrite")
		}
		if _, err := f.Write(rec.encode()); err != nil {
			return errors.Wrap(err, "stage2: rewrite record")
		}
		if err := f.Sync(); err != nil {
			return errors.Wrap(err, "stage2: sync rewrite")
		}
	}
	return nil
}

// IndexEpochs returns up to limit epochs from the index in ascending
// order, for pipeline glue's promotion scan. limit <= 0 means unbounded.
func (s *Stage2) IndexEpochs(limit int) []uint32 {
	out := make([]uint32, 0)
	s.index.Ascend(func(i btree.Item) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		out = append(out, i.(*locationItem).epoch)
		return true
	})
	return out
}

// Len returns the number of indexed entries.
func (s *Stage2) Len() int { return s.index.Len() }

func (s *Stage2) ensureFile() error {
	if s.currentFile != nil && s.currentFileEntries < s.cfg.EntriesPerFile {
		return nil
	}
	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return errors.Wrap(err, "stage2: close rotated file")
		}
	}

	name := fmt.Sprintf("journal-%d%s", time.Now().UnixNano(), journalExt)
	path := filepath.Join(s.cfg.StoragePath, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "stage2: create journal file")
	}
	s.currentFile = f
	s.currentFileName = path
	s.currentFileEntries = 0
	return nil
}

// loadIndex scans every journal file sequentially, inserting
// (epoch -> location) for each successfully parsed block. A parse error
// truncates that file's contribution without deleting the file or
// failing bring-up, per spec.md §4.6's load-index algorithm.
func (s *Stage2) loadIndex() error {
	matches, err := filepath.Glob(filepath.Join(s.cfg.StoragePath, "*"+journalExt))
	if err != nil {
		return errors.Wrap(err, "stage2: glob journal files")
	}
	sort.Strings(matches)

	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		s.scanFile(f, path)
		f.Close()
	}
	return nil
}

func (s *Stage2) scanFile(f *os.File, path string) {
	var offset int64
	for {
		pos, err := f.Seek(0, os.SEEK_CUR)
		if err != nil {
			return
		}
		offset = pos

		rec, err := readRecord(f)
		if err != nil {
			return
		}
		payload := rec.payload()
		if rec.compressed {
			decoded, err := codec.Decompress(payload)
			if err != nil {
				return
			}
			payload = decoded
		}
		e, err := entry.UnmarshalEntry(payload)
		if err != nil {
			return
		}
		if entry.Checksum(e) != rec.checksum {
			return
		}
		s.index.ReplaceOrInsert(&locationItem{epoch: e.Epoch, loc: location{path: path, offset: offset}})
	}
}

// record is the decoded form of a Stage2 on-disk block:
// [u32 recordLen][entry 16B][u32 checksum][bool compressed][u32 compressedLen][payload slot].
type record struct {
	recordLen     uint32
	entryBytes    [entry.Size]byte
	checksum      uint32
	compressed    bool
	compressedLen uint32
	payloadLen    uint32
	payloadSlot   []byte
}

func (r *record) payload() []byte {
	if r.compressed {
		return r.payloadSlot[:r.compressedLen]
	}
	return r.entryBytes[:]
}

// encodeRecord builds an uncompressed record whose payload slot is sized
// to len(payload) (the entry's canonical 16 bytes at first write).
func encodeRecord(e entry.Entry, compressed bool, payload []byte) []byte {
	r := &record{
		compressed:    compressed,
		compressedLen: uint32(len(payload)),
		payloadLen:    uint32(len(payload)),
		payloadSlot:   payload,
	}
	copy(r.entryBytes[:], e.MarshalBinary())
	r.checksum = entry.Checksum(e)
	return r.encode()
}

func (r *record) encode() []byte {
	body := make([]byte, entry.Size+4+1+4+len(r.payloadSlot))
	copy(body[0:entry.Size], r.entryBytes[:])
	binary.LittleEndian.PutUint32(body[entry.Size:entry.Size+4], r.checksum)
	if r.compressed {
		body[entry.Size+4] = 1
	}
	binary.LittleEndian.PutUint32(body[entry.Size+5:entry.Size+9], r.compressedLen)
	copy(body[entry.Size+9:], r.payloadSlot)

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// readRecord reads one self-describing record from f starting at its
// current position.
func readRecord(f *os.File) (*record, error) {
	var lenBuf [4]byte
	if _, err := readFull(f, lenBuf[:]); err != nil {
		return nil, err
	}
	recordLen := binary.LittleEndian.Uint32(lenBuf[:])

	body := make([]byte, recordLen)
	if _, err := readFull(f, body); err != nil {
		return nil, errors.Wrap(err, "stage2: short record body")
	}
	if len(body) < entry.Size+4+1+4 {
		return nil, errors.New("stage2: record body too short")
	}

	r := &record{recordLen: recordLen}
	copy(r.entryBytes[:], body[0:entry.Size])
	r.checksum = binary.LittleEndian.Uint32(body[entry.Size : entry.Size+4])
	r.compressed = body[entry.Size+4] != 0
	r.compressedLen = binary.LittleEndian.Uint32(body[entry.Size+5 : entry.Size+9])
	r.payloadSlot = body[entry.Size+9:]
	r.payloadLen = uint32(len(r.payloadSlot))
	return r, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.New("stage2: unexpected eof")
		}
	}
	return total, nil
}
