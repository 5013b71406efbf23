// Package entry defines the fixed-layout memory record that flows through
// every tier of the store, and its canonical wire encoding.
package entry

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Size is the fixed length, in bytes, of an entry's canonical encoding:
// epoch(4) + token(2) + weight(2) + link1(4) + link2(4).
const Size = 16

const (
	minWeight int16 = -30000
	maxWeight int16 = 30000
)

// Entry is a single memory record. Weight is carried as a signed value in
// the design range [-30000, 30000]; several consumers (Stage1 decay,
// PersonalityCache scoring, Stage3 thresholds) reinterpret the same bits as
// unsigned via WeightUnsigned, per the tiering spec.
type Entry struct {
	Epoch  uint32
	Token  uint16
	Weight int16
	Link1  uint32
	Link2  uint32
}

// New creates an entry with the given epoch, token and weight and no links.
// Weight is accepted as the unsigned bit pattern Stage1 and the cache work
// with; it is reinterpreted as signed for storage.
func New(epoch uint32, token, weight uint16) Entry {
	return Entry{
		Epoch:  epoch,
		Token:  token,
		Weight: int16(weight),
	}
}

// WithLinks creates a fully-specified entry, links included.
func WithLinks(epoch uint32, token, weight uint16, link1, link2 uint32) Entry {
	e := New(epoch, token, weight)
	e.Link1 = link1
	e.Link2 = link2
	return e
}

// WeightUnsigned reinterprets Weight's bit pattern as unsigned, the view
// Stage1's decay math, PersonalityCache scoring and Stage3's promotion
// threshold all operate on.
func (e Entry) WeightUnsigned() uint16 {
	return uint16(e.Weight)
}

// AdjustWeight applies a saturating delta within the signed design range.
func (e *Entry) AdjustWeight(delta int16) {
	sum := int32(e.Weight) + int32(delta)
	if sum > int32(maxWeight) {
		sum = int32(maxWeight)
	}
	if sum < int32(minWeight) {
		sum = int32(minWeight)
	}
	e.Weight = int16(sum)
}

// UpdateLinks overwrites both link slots.
func (e *Entry) UpdateLinks(link1, link2 uint32) {
	e.Link1 = link1
	e.Link2 = link2
}

// Links returns both link slots.
func (e Entry) Links() (uint32, uint32) {
	return e.Link1, e.Link2
}

// AgeFrom returns the saturating age, in seconds, relative to now.
func (e Entry) AgeFrom(now uint32) uint32 {
	if now < e.Epoch {
		return 0
	}
	return now - e.Epoch
}

// MarshalBinary encodes the entry in its canonical little-endian layout:
// (epoch u32, token u16, weight u16, link1 u32, link2 u32).
func (e Entry) MarshalBinary() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[0:4], e.Epoch)
	binary.LittleEndian.PutUint16(buf[4:6], e.Token)
	binary.LittleEndian.PutUint16(buf[6:8], e.WeightUnsigned())
	binary.LittleEndian.PutUint32(buf[8:12], e.Link1)
	binary.LittleEndian.PutUint32(buf[12:16], e.Link2)
	return buf
}

// UnmarshalEntry decodes the canonical layout produced by MarshalBinary.
func UnmarshalEntry(buf []byte) (Entry, error) {
	if len(buf) < Size {
		return Entry{}, errors.Errorf("entry: short buffer, need %d bytes, got %d", Size, len(buf))
	}
	var e Entry
	e.Epoch = binary.LittleEndian.Uint32(buf[0:4])
	e.Token = binary.LittleEndian.Uint16(buf[4:6])
	e.Weight = int16(binary.LittleEndian.Uint16(buf[6:8]))
	e.Link1 = binary.LittleEndian.Uint32(buf[8:12])
	e.Link2 = binary.LittleEndian.Uint32(buf[12:16])
	return e, nil
}

// Checksum is the CRC-32 of the entry's canonical serialization. Two
// independent serializations of equal entries always agree.
func Checksum(e Entry) uint32 {
	return crc32.ChecksumIEEE(e.MarshalBinary())
}
