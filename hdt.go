// hdt.go - Hardware Description Table: boot-time manifest for guest code (§3, §6)
//
// A tagged-record blob written into guest memory during boot. r0 holds its
// base address at entry. Record layout follows spec.md §3 exactly: a
// 12-byte header (magic, entry count, total length) followed by entries
// whose own 4-byte header is {type:u16, length:u16}, length counting the
// whole record including that header.

package ducky

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const hdtMagic Word = 0x00544448 // little-endian bytes 'H','D','T',0

// HDTEntryKind tags one HDT record.
type HDTEntryKind uint16

const (
	HDTKindCPU HDTEntryKind = iota + 1
	HDTKindMemory
	HDTKindArgument
	HDTKindDevice
)

const (
	hdtHeaderSize      = 12
	hdtRecordHeaderSize = 4
	hdtArgNameLen       = 16
	hdtArgValueLen      = 16
	hdtDeviceNameLen    = 10
	hdtDeviceIDLen      = 32
)

// HDTCPUEntry mirrors spec.md's CPU record: {cores, cores-per-cpu}.
type HDTCPUEntry struct {
	Cores       uint32
	CoresPerCPU uint32
}

// HDTMemoryEntry mirrors the MEMORY record: {size}.
type HDTMemoryEntry struct {
	Size uint32
}

// HDTArgumentEntry mirrors the ARGUMENT record: {name, value}, each
// truncated to 16 bytes.
type HDTArgumentEntry struct {
	Name  string
	Value string
}

// HDTDeviceEntry mirrors the DEVICE record: {name, flags, identifier} plus
// the MMIO/IRQ tail a guest driver needs to find and claim the device
// without consulting the host configuration file.
type HDTDeviceEntry struct {
	Name       string
	Flags      uint16
	Identifier string
	MMIOBase   Word
	MMIOSize   Word
	IRQ        int32 // -1 if the device raises no IRQ
}

// HDT is the parsed/about-to-be-written table.
type HDT struct {
	CPU       HDTCPUEntry
	Memory    HDTMemoryEntry
	Arguments []HDTArgumentEntry
	Devices   []HDTDeviceEntry
}

// BuildHDT assembles the table for one boot: the configured CPU/core
// counts, the configured memory size, a run-id ARGUMENT entry (a fresh
// value each boot, for the guest to read; nothing else in the engine reads
// it), and a DEVICE entry per bus-registered device in config order (§8
// scenario 5).
func BuildHDT(cfg *Config, devices []HDTDeviceEntry) *HDT {
	return &HDT{
		CPU:    HDTCPUEntry{Cores: uint32(cfg.Machine.CPUs), CoresPerCPU: uint32(cfg.Machine.Cores)},
		Memory: HDTMemoryEntry{Size: uint32(cfg.Memory.Size)},
		Arguments: []HDTArgumentEntry{
			{Name: "run-id", Value: uuid.New().String()[:hdtArgValueLen]},
		},
		Devices: devices,
	}
}

func fixedBytes(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

// Encode serializes the table to the wire format described above.
func (h *HDT) Encode() []byte {
	var body []byte

	body = append(body, encodeRecord(HDTKindCPU, func() []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint32(b[0:4], h.CPU.Cores)
		binary.LittleEndian.PutUint32(b[4:8], h.CPU.CoresPerCPU)
		return b
	}())...)

	body = append(body, encodeRecord(HDTKindMemory, func() []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, h.Memory.Size)
		return b
	}())...)

	for _, a := range h.Arguments {
		body = append(body, encodeRecord(HDTKindArgument, func() []byte {
			b := make([]byte, hdtArgNameLen+hdtArgValueLen)
			copy(b[0:hdtArgNameLen], fixedBytes(a.Name, hdtArgNameLen))
			copy(b[hdtArgNameLen:], fixedBytes(a.Value, hdtArgValueLen))
			return b
		}())...)
	}

	for _, d := range h.Devices {
		body = append(body, encodeRecord(HDTKindDevice, func() []byte {
			b := make([]byte, hdtDeviceNameLen+2+hdtDeviceIDLen+4+4+4)
			off := 0
			copy(b[off:off+hdtDeviceNameLen], fixedBytes(d.Name, hdtDeviceNameLen))
			off += hdtDeviceNameLen
			binary.LittleEndian.PutUint16(b[off:off+2], d.Flags)
			off += 2
			copy(b[off:off+hdtDeviceIDLen], fixedBytes(d.Identifier, hdtDeviceIDLen))
			off += hdtDeviceIDLen
			binary.LittleEndian.PutUint32(b[off:off+4], uint32(d.MMIOBase))
			off += 4
			binary.LittleEndian.PutUint32(b[off:off+4], uint32(d.MMIOSize))
			off += 4
			binary.LittleEndian.PutUint32(b[off:off+4], uint32(d.IRQ))
			return b
		}())...)
	}

	header := make([]byte, hdtHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(hdtMagic))
	binary.LittleEndian.PutUint32(header[4:8], uint32(1+1+len(h.Arguments)+len(h.Devices)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(hdtHeaderSize+len(body)))
	return append(header, body...)
}

func encodeRecord(kind HDTEntryKind, payload []byte) []byte {
	rec := make([]byte, hdtRecordHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(rec)))
	copy(rec[hdtRecordHeaderSize:], payload)
	return rec
}

// ParseHDT decodes a table previously written by Encode, used by tests that
// verify §8 scenario 5 (HDT discovery) by reading it back out of guest
// memory.
func ParseHDT(data []byte) (*HDT, error) {
	if len(data) < hdtHeaderSize {
		return nil, fmt.Errorf("hdt: short header")
	}
	magic := Word(binary.LittleEndian.Uint32(data[0:4]))
	if magic != hdtMagic {
		return nil, fmt.Errorf("hdt: bad magic 0x%08x", magic)
	}
	entryCount := binary.LittleEndian.Uint32(data[4:8])
	totalLength := binary.LittleEndian.Uint32(data[8:12])
	if int(totalLength) > len(data) {
		return nil, fmt.Errorf("hdt: truncated table")
	}

	h := &HDT{}
	off := hdtHeaderSize
	seen := uint32(0)
	for off < int(totalLength) {
		if off+hdtRecordHeaderSize > int(totalLength) {
			return nil, fmt.Errorf("hdt: truncated record header")
		}
		kind := HDTEntryKind(binary.LittleEndian.Uint16(data[off : off+2]))
		length := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		if off+length > int(totalLength) {
			return nil, fmt.Errorf("hdt: record overruns table")
		}
		payload := data[off+hdtRecordHeaderSize : off+length]

		switch kind {
		case HDTKindCPU:
			h.CPU = HDTCPUEntry{
				Cores:       binary.LittleEndian.Uint32(payload[0:4]),
				CoresPerCPU: binary.LittleEndian.Uint32(payload[4:8]),
			}
		case HDTKindMemory:
			h.Memory = HDTMemoryEntry{Size: binary.LittleEndian.Uint32(payload[0:4])}
		case HDTKindArgument:
			h.Arguments = append(h.Arguments, HDTArgumentEntry{
				Name:  trimZero(payload[0:hdtArgNameLen]),
				Value: trimZero(payload[hdtArgNameLen : hdtArgNameLen+hdtArgValueLen]),
			})
		case HDTKindDevice:
			p := payload
			name := trimZero(p[0:hdtDeviceNameLen])
			pOff := hdtDeviceNameLen
			flags := binary.LittleEndian.Uint16(p[pOff : pOff+2])
			pOff += 2
			ident := trimZero(p[pOff : pOff+hdtDeviceIDLen])
			pOff += hdtDeviceIDLen
			base := binary.LittleEndian.Uint32(p[pOff : pOff+4])
			pOff += 4
			size := binary.LittleEndian.Uint32(p[pOff : pOff+4])
			pOff += 4
			irq := int32(binary.LittleEndian.Uint32(p[pOff : pOff+4]))
			h.Devices = append(h.Devices, HDTDeviceEntry{
				Name: name, Flags: flags, Identifier: ident,
				MMIOBase: Word(base), MMIOSize: Word(size), IRQ: irq,
			})
		default:
			return nil, fmt.Errorf("hdt: unknown record kind %d", kind)
		}

		off += length
		seen++
	}
	if seen != entryCount {
		return nil, fmt.Errorf("hdt: entry count mismatch: header says %d, found %d", entryCount, seen)
	}
	return h, nil
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
