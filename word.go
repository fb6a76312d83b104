// word.go - canonical machine integer types and little-endian helpers

package ducky

import "encoding/binary"

// Word is the canonical 32-bit machine integer; addresses are words.
type Word = uint32

// Short is a 16-bit value.
type Short = uint16

// Byte is an 8-bit value, spelled out for symmetry with Word/Short in
// signatures that talk about access width rather than raw bytes.
type Byte = uint8

// AccessWidth names a memory access size, used by the memory controller and
// the bus to describe memory and MMIO/port operations generically.
type AccessWidth int

const (
	WidthByte AccessWidth = 1
	WidthShort AccessWidth = 2
	WidthWord AccessWidth = 4
)

func getWord(b []byte) Word   { return binary.LittleEndian.Uint32(b) }
func putWord(b []byte, v Word) { binary.LittleEndian.PutUint32(b, v) }
func getShort(b []byte) Short  { return binary.LittleEndian.Uint16(b) }
func putShort(b []byte, v Short) { binary.LittleEndian.PutUint16(b, v) }

// signExtendByte sign-extends a byte to a word, used by LB.
func signExtendByte(b byte) Word { return Word(int32(int8(b))) }

// signExtendShort sign-extends a short to a word, used by LS.
func signExtendShort(s Short) Word { return Word(int32(int16(s))) }

// alignedDown rounds addr down to the given power-of-two alignment.
func alignedDown(addr Word, align Word) Word { return addr &^ (align - 1) }

func isAligned(addr Word, width AccessWidth) bool {
	return addr%Word(width) == 0
}
