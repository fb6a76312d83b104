// binfmt.go - object/executable loader consumed by the boot sequence (§6)
//
// The wire format is spec.md's, held fixed: header {magic, flags,
// section_count}, then one fixed-size record per section, then every
// section's payload bytes concatenated in record order. Grounded on
// original_source/ducky/mm/__init__.py's load_file: only TEXT/DATA/BSS
// sections are mapped into memory; SYMBOLS feeds the relocator and BSS is
// zero-filled rather than read from the file, exactly as load_file does it
// (TEXT goes through load_text, DATA through load_data, SYMBOLS entries
// become a name→address map, STRINGS is skipped outright).

package ducky

import (
	"encoding/binary"
	"fmt"
)

const binMagic Word = 0x4B435544 // little-endian bytes 'D','U','C','K'

// SectionType tags one section record.
type SectionType uint8

const (
	SecTEXT SectionType = iota
	SecDATA
	SecBSS
	SecSYMBOLS
	SecRELOC
	SecSTRINGS
)

// RelocKind identifies how a relocation record patches a loaded word.
type RelocKind uint8

const (
	RelocAbsoluteWord RelocKind = iota
	RelocPCRelativeBranch
	RelocSymbolLow
	RelocSymbolHigh
)

const (
	binHeaderSize    = 8
	sectionNameLen   = 16
	sectionRecordLen = sectionNameLen + 1 + 1 + 4 + 4 + 4 // name, type, flags, base, items, data_size
	symbolRecordLen  = sectionNameLen + 4                  // name, address
	relocRecordLen   = 1 + 1 + 2 + 4 + 4                   // kind, pad, section index, offset, symbol index
)

// SectionHeader is one fixed-size section record.
type SectionHeader struct {
	Name     string
	Type     SectionType
	Flags    byte
	Base     Word
	Items    uint32
	DataSize uint32
}

// Symbol is one SYMBOLS-section entry: a name and the address it resolves
// to, consulted by the relocator.
type Symbol struct {
	Name    string
	Address Word
}

// Relocation is one RELOC-section entry: a patch site (section + byte
// offset) and the symbol whose address drives the patch.
type Relocation struct {
	Kind         RelocKind
	SectionIndex uint16
	Offset       uint32
	SymbolIndex  uint32
}

// Binary is a parsed object/executable: its section headers, the raw bytes
// of every loadable section (indexed the same as Sections), and the
// symbol/relocation tables pulled out of their own sections.
type Binary struct {
	Sections  []SectionHeader
	Payloads  [][]byte
	Symbols   []Symbol
	Relocs    []Relocation
}

// ParseBinary decodes the header, section table, and payload blob of an
// object/executable file.
func ParseBinary(data []byte) (*Binary, error) {
	if len(data) < binHeaderSize {
		return nil, NewHostError(ErrBinaryFormat, fmt.Errorf("short header"))
	}
	magic := Word(binary.LittleEndian.Uint32(data[0:4]))
	if magic != binMagic {
		return nil, NewHostError(ErrBinaryFormat, fmt.Errorf("bad magic 0x%08x", magic))
	}
	sectionCount := int(binary.LittleEndian.Uint16(data[6:8]))

	off := binHeaderSize
	headers := make([]SectionHeader, sectionCount)
	for i := 0; i < sectionCount; i++ {
		if off+sectionRecordLen > len(data) {
			return nil, NewHostError(ErrBinaryFormat, fmt.Errorf("truncated section record %d", i))
		}
		rec := data[off : off+sectionRecordLen]
		headers[i] = SectionHeader{
			Name:     trimZero(rec[0:sectionNameLen]),
			Type:     SectionType(rec[sectionNameLen]),
			Flags:    rec[sectionNameLen+1],
			Base:     Word(binary.LittleEndian.Uint32(rec[sectionNameLen+2 : sectionNameLen+6])),
			Items:    binary.LittleEndian.Uint32(rec[sectionNameLen+6 : sectionNameLen+10]),
			DataSize: binary.LittleEndian.Uint32(rec[sectionNameLen+10 : sectionNameLen+14]),
		}
		off += sectionRecordLen
	}

	b := &Binary{Sections: headers, Payloads: make([][]byte, sectionCount)}
	for i, h := range headers {
		if h.Type == SecBSS {
			// BSS carries no file payload: zero-filled at load time.
			b.Payloads[i] = nil
			continue
		}
		if off+int(h.DataSize) > len(data) {
			return nil, NewHostError(ErrBinaryFormat, fmt.Errorf("section %q payload truncated", h.Name))
		}
		payload := data[off : off+int(h.DataSize)]
		b.Payloads[i] = payload
		off += int(h.DataSize)

		switch h.Type {
		case SecSYMBOLS:
			for s := 0; s < int(h.Items); s++ {
				rec := payload[s*symbolRecordLen : (s+1)*symbolRecordLen]
				b.Symbols = append(b.Symbols, Symbol{
					Name:    trimZero(rec[0:sectionNameLen]),
					Address: Word(binary.LittleEndian.Uint32(rec[sectionNameLen:])),
				})
			}
		case SecRELOC:
			for r := 0; r < int(h.Items); r++ {
				rec := payload[r*relocRecordLen : (r+1)*relocRecordLen]
				b.Relocs = append(b.Relocs, Relocation{
					Kind:         RelocKind(rec[0]),
					SectionIndex: binary.LittleEndian.Uint16(rec[2:4]),
					Offset:       binary.LittleEndian.Uint32(rec[4:8]),
					SymbolIndex:  binary.LittleEndian.Uint32(rec[8:12]),
				})
			}
		}
	}
	return b, nil
}

// Load maps a parsed binary's TEXT/DATA/BSS sections into memory at their
// declared bases (offset by the machine's load base for relocatable
// images), applies relocations, and returns the lowest TEXT base seen —
// the conventional entry point when a binary declares none explicitly.
func (b *Binary) Load(mem *Memory, core int, loadBase Word) (Word, error) {
	entry := Word(0)
	haveEntry := false

	for i, h := range b.Sections {
		switch h.Type {
		case SecTEXT, SecDATA, SecBSS:
		default:
			continue
		}
		base := loadBase + h.Base
		// PageGlobal: Machine.Boot loads every binary as globalOwner (no
		// particular core loaded it), so a per-core ownership check against
		// -1 would reject every real core's access; the owner is only
		// meaningful once a core maps its own pages. PageUser: a loaded
		// binary is guest program code/data, not a kernel structure, so it
		// stays reachable once a core drops out of privileged mode.
		flags := PageReadable | PageGlobal | PageUser
		switch h.Type {
		case SecTEXT:
			flags |= PageExecutable
		case SecDATA, SecBSS:
			flags |= PageWritable
		}
		if err := allocRange(mem, base, h.DataSize, core, flags); err != nil {
			return 0, err
		}
		if h.Type != SecBSS {
			if err := writeRange(mem, base, b.Payloads[i]); err != nil {
				return 0, err
			}
		}
		if h.Type == SecTEXT && (!haveEntry || base < entry) {
			entry = base
			haveEntry = true
		}
	}

	for _, r := range b.Relocs {
		if int(r.SymbolIndex) >= len(b.Symbols) {
			return 0, NewHostError(ErrBinaryFormat, fmt.Errorf("relocation references unknown symbol %d", r.SymbolIndex))
		}
		if int(r.SectionIndex) >= len(b.Sections) {
			return 0, NewHostError(ErrBinaryFormat, fmt.Errorf("relocation references unknown section %d", r.SectionIndex))
		}
		target := loadBase + b.Sections[r.SectionIndex].Base + Word(r.Offset)
		symAddr := loadBase + b.Symbols[r.SymbolIndex].Address
		if err := applyRelocation(mem, r.Kind, target, symAddr); err != nil {
			return 0, err
		}
	}

	if !haveEntry {
		return loadBase, nil
	}
	return entry, nil
}

func allocRange(mem *Memory, base Word, size uint32, core int, flags PageFlags) error {
	for p := alignedDown(base, PageSize); p < base+Word(size); p += PageSize {
		// EnsurePage merges flags into a page a prior section already
		// mapped instead of replacing it, so two sections sharing a
		// physical page don't clobber each other's bytes.
		if _, err := mem.EnsurePage(p, core, flags); err != nil {
			return err
		}
	}
	return nil
}

// writeRange populates a just-allocated section's bytes. It bypasses the
// page's own access flags: a TEXT page is mapped without PageWritable, so
// the loader that puts code into it cannot go through the guest write path.
func writeRange(mem *Memory, base Word, data []byte) error {
	for i, b := range data {
		if err := mem.WriteByteRaw(base+Word(i), b); err != nil {
			return err
		}
	}
	return nil
}

// applyRelocation patches a loaded word in place. It reads and writes
// through the raw, flag-bypassing path since a relocation target may sit
// on a non-writable TEXT page that no guest-facing write could touch.
func applyRelocation(mem *Memory, kind RelocKind, target, symAddr Word) error {
	switch kind {
	case RelocAbsoluteWord:
		return mem.WriteWordRaw(target, symAddr)
	case RelocPCRelativeBranch:
		existing, err := mem.ReadWordRaw(target)
		if err != nil {
			return err
		}
		offsetWords := int32(symAddr-target) / 4
		patched := (existing & 0x3F) | (Word(offsetWords) << 6)
		return mem.WriteWordRaw(target, patched)
	case RelocSymbolLow:
		existing, err := mem.ReadWordRaw(target)
		if err != nil {
			return err
		}
		return mem.WriteWordRaw(target, (existing&0xFFFF0000)|(symAddr&0xFFFF))
	case RelocSymbolHigh:
		existing, err := mem.ReadWordRaw(target)
		if err != nil {
			return err
		}
		return mem.WriteWordRaw(target, (existing&0x0000FFFF)|((symAddr>>16)<<16))
	default:
		return NewHostError(ErrBinaryFormat, fmt.Errorf("unknown relocation kind %d", kind))
	}
}
