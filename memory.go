// memory.go - physical page allocation and word/short/byte access primitives
//
// Mirrors the teacher's memory_bus.go: a page-keyed lookup table and a
// mutex guarding concurrent access between the scheduler thread and device
// callbacks (snapshot, host-triggered IO completion). Unlike the teacher's
// flat 16MB block, physical memory here is a set of separately allocated
// PageSize pages, each with its own access flags, per §4.1.

package ducky

import (
	"fmt"
	"sync"
)

// PageSize is the fixed physical allocation unit.
const PageSize = 256

// PageFlags are the access bits carried by an allocated page.
type PageFlags uint8

const (
	PageReadable PageFlags = 1 << iota
	PageWritable
	PageExecutable
	PageDirty
	PageCached
	PageGlobal
	// PageUser marks a page accessible from user (unprivileged) mode. A page
	// without it is a kernel page: accessible only while the accessing core
	// is privileged, per §4.2 ("accessing a kernel page from user mode
	// raises AccessViolation").
	PageUser
)

// Page is a single fixed-size physical memory block.
type Page struct {
	Base  Word
	Flags PageFlags
	Owner int // owning core id; ignored when PageGlobal is set
	data  [PageSize]byte
}

// Memory is the physical memory controller: page allocation plus aligned and
// (optionally) decomposed unaligned word/short/byte access.
type Memory struct {
	mu             sync.RWMutex
	regionSize     Word
	allowUnaligned bool
	pages          map[Word]*Page // keyed by page-aligned physical base
}

// NewMemory constructs a memory controller governing a region of the given
// size. allowUnaligned mirrors the configuration flag of §4.1: when false,
// any access not aligned to its width fails with UnalignedAccess.
func NewMemory(regionSize Word, allowUnaligned bool) *Memory {
	return &Memory{
		regionSize:     regionSize,
		allowUnaligned: allowUnaligned,
		pages:          make(map[Word]*Page),
	}
}

// Alloc allocates and zeroes the page at the given page-aligned physical
// base, returning it. The caller (the MMU, or boot-time setup) chooses the
// base; Memory itself is just the page table of allocated blocks.
func (m *Memory) Alloc(base Word, owner int, flags PageFlags) (*Page, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("memory: unaligned page base 0x%08x", base)
	}
	if base >= m.regionSize {
		return nil, NewHostError(ErrInvariantViolation, fmt.Errorf("memory: page base 0x%08x outside region", base))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Page{Base: base, Flags: flags, Owner: owner}
	m.pages[base] = p
	return p, nil
}

// EnsurePage returns the page at base, allocating a fresh zeroed page if
// none exists yet, or merging additional flags into one that already does.
// The loader uses this rather than Alloc when mapping section ranges: two
// sections landing on the same physical page (common at page granularity
// smaller than section size) must not clobber each other's bytes.
func (m *Memory) EnsurePage(base Word, owner int, flags PageFlags) (*Page, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("memory: unaligned page base 0x%08x", base)
	}
	if base >= m.regionSize {
		return nil, NewHostError(ErrInvariantViolation, fmt.Errorf("memory: page base 0x%08x outside region", base))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[base]; ok {
		p.Flags |= flags
		return p, nil
	}
	p := &Page{Base: base, Flags: flags, Owner: owner}
	m.pages[base] = p
	return p, nil
}

// Free releases a previously allocated page. Freeing an unallocated page
// fails with InvalidPage.
func (m *Memory) Free(base Word) error {
	base = alignedDown(base, PageSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[base]; !ok {
		return fmt.Errorf("memory: InvalidPage 0x%08x", base)
	}
	delete(m.pages, base)
	return nil
}

// page looks up the page containing addr, without taking the lock.
func (m *Memory) page(addr Word) (*Page, Word, bool) {
	base := alignedDown(addr, PageSize)
	p, ok := m.pages[base]
	return p, addr - base, ok
}

func (m *Memory) checkAccess(p *Page, core int, write bool) error {
	if write && p.Flags&PageWritable == 0 {
		return NewTrap(TrapProtectionFault)
	}
	if !write && p.Flags&PageReadable == 0 {
		return NewTrap(TrapProtectionFault)
	}
	if p.Flags&PageGlobal == 0 && p.Owner != core {
		return NewTrap(TrapProtectionFault)
	}
	return nil
}

func (m *Memory) faultForMissing(addr Word) error {
	if addr < m.regionSize {
		return NewFault(TrapPageFault, addr, AccessRead, false)
	}
	return NewHostError(ErrInvariantViolation, fmt.Errorf("memory: InvalidAddress 0x%08x", addr))
}

// ReadWord reads a 32-bit little-endian value from physical memory.
func (m *Memory) ReadWord(core int, addr Word) (Word, error) {
	if !isAligned(addr, WidthWord) {
		v, err := m.readUnaligned(core, addr, WidthWord)
		return Word(v), err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, off, ok := m.page(addr)
	if !ok {
		return 0, m.faultForMissing(addr)
	}
	if err := m.checkAccess(p, core, false); err != nil {
		return 0, err
	}
	return getWord(p.data[off : off+4]), nil
}

// WriteWord performs an aligned 32-bit little-endian write.
func (m *Memory) WriteWord(core int, addr Word, v Word) error {
	if !isAligned(addr, WidthWord) {
		return m.writeUnaligned(core, addr, WidthWord, uint64(v))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, off, ok := m.page(addr)
	if !ok {
		return m.faultForMissing(addr)
	}
	if err := m.checkAccess(p, core, true); err != nil {
		return err
	}
	putWord(p.data[off:off+4], v)
	p.Flags |= PageDirty
	return nil
}

// ReadShort reads a 16-bit little-endian value.
func (m *Memory) ReadShort(core int, addr Word) (Short, error) {
	if !isAligned(addr, WidthShort) {
		v, err := m.readUnaligned(core, addr, WidthShort)
		return Short(v), err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, off, ok := m.page(addr)
	if !ok {
		return 0, m.faultForMissing(addr)
	}
	if err := m.checkAccess(p, core, false); err != nil {
		return 0, err
	}
	return getShort(p.data[off : off+2]), nil
}

// WriteShort performs an aligned 16-bit little-endian write.
func (m *Memory) WriteShort(core int, addr Word, v Short) error {
	if !isAligned(addr, WidthShort) {
		return m.writeUnaligned(core, addr, WidthShort, uint64(v))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, off, ok := m.page(addr)
	if !ok {
		return m.faultForMissing(addr)
	}
	if err := m.checkAccess(p, core, true); err != nil {
		return err
	}
	putShort(p.data[off:off+2], v)
	p.Flags |= PageDirty
	return nil
}

// ReadByte reads a single byte; bytes are always "aligned".
func (m *Memory) ReadByte(core int, addr Word) (byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, off, ok := m.page(addr)
	if !ok {
		return 0, m.faultForMissing(addr)
	}
	if err := m.checkAccess(p, core, false); err != nil {
		return 0, err
	}
	return p.data[off], nil
}

// WriteByte writes a single byte.
func (m *Memory) WriteByte(core int, addr Word, v byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, off, ok := m.page(addr)
	if !ok {
		return m.faultForMissing(addr)
	}
	if err := m.checkAccess(p, core, true); err != nil {
		return err
	}
	p.data[off] = v
	p.Flags |= PageDirty
	return nil
}

// readUnaligned decomposes a read into byte operations in natural address
// order, per §4.1; it fails with UnalignedAccess unless configured to
// permit it.
func (m *Memory) readUnaligned(core int, addr Word, width AccessWidth) (uint64, error) {
	if !m.allowUnaligned {
		return 0, NewTrap(TrapUnalignedAccess)
	}
	var v uint64
	for i := 0; i < int(width); i++ {
		b, err := m.ReadByte(core, addr+Word(i))
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

// writeUnaligned decomposes a write into byte operations in natural address
// order; not atomic, as specified.
func (m *Memory) writeUnaligned(core int, addr Word, width AccessWidth, v uint64) error {
	if !m.allowUnaligned {
		return NewTrap(TrapUnalignedAccess)
	}
	for i := 0; i < int(width); i++ {
		b := byte(v >> (8 * i))
		if err := m.WriteByte(core, addr+Word(i), b); err != nil {
			return err
		}
	}
	return nil
}

// DeviceReadByte lets a bus-attached device read guest memory directly
// (DMA-style), bypassing the owning-core check a CPU access goes through —
// a device has no core id to compare against — while still honoring the
// page's readable flag.
func (m *Memory) DeviceReadByte(addr Word) (byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, off, ok := m.page(addr)
	if !ok {
		return 0, m.faultForMissing(addr)
	}
	if p.Flags&PageReadable == 0 {
		return 0, NewTrap(TrapProtectionFault)
	}
	return p.data[off], nil
}

// DeviceWriteByte is DeviceReadByte's write counterpart.
func (m *Memory) DeviceWriteByte(addr Word, v byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, off, ok := m.page(addr)
	if !ok {
		return m.faultForMissing(addr)
	}
	if p.Flags&PageWritable == 0 {
		return NewTrap(TrapProtectionFault)
	}
	p.data[off] = v
	p.Flags |= PageDirty
	return nil
}

// WriteByteRaw writes a byte to an already-allocated page without enforcing
// its access flags. Only host-side boot setup uses this: the binary loader,
// to populate a non-writable TEXT page, and the HDT writer, whose pages are
// read-only. Both run before any guest code exists to observe the pages'
// protection bits; a guest-facing path must never gain access to it.
func (m *Memory) WriteByteRaw(addr Word, v byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, off, ok := m.page(addr)
	if !ok {
		return m.faultForMissing(addr)
	}
	p.data[off] = v
	return nil
}

// ReadWordRaw and WriteWordRaw are WriteByteRaw's word-granularity
// counterparts, used by the relocator to patch TEXT-section branch and
// symbol-address fixups that land on non-writable pages.
func (m *Memory) ReadWordRaw(addr Word) (Word, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, off, ok := m.page(addr)
	if !ok {
		return 0, m.faultForMissing(addr)
	}
	return getWord(p.data[off : off+4]), nil
}

func (m *Memory) WriteWordRaw(addr Word, v Word) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, off, ok := m.page(addr)
	if !ok {
		return m.faultForMissing(addr)
	}
	putWord(p.data[off:off+4], v)
	return nil
}

// RawAt returns a page's backing slice for snapshot/loader use. The caller
// must hold no expectation of atomicity; this is a bulk, host-side path.
func (m *Memory) RawAt(base Word) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[base]
	if !ok {
		return nil, false
	}
	buf := make([]byte, PageSize)
	copy(buf, p.data[:])
	return buf, true
}

// SetRawAt overwrites a page's contents wholesale (snapshot restore, binary
// loader), allocating it first if necessary.
func (m *Memory) SetRawAt(base Word, owner int, flags PageFlags, data []byte) error {
	base = alignedDown(base, PageSize)
	m.mu.Lock()
	p, ok := m.pages[base]
	if !ok {
		p = &Page{Base: base, Flags: flags, Owner: owner}
		m.pages[base] = p
	} else {
		p.Flags = flags
		p.Owner = owner
	}
	n := copy(p.data[:], data)
	for ; n < PageSize; n++ {
		p.data[n] = 0
	}
	m.mu.Unlock()
	return nil
}

// AllocatedBases returns every allocated page's physical base, sorted,
// for snapshot serialization.
func (m *Memory) AllocatedBases() []Word {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bases := make([]Word, 0, len(m.pages))
	for b := range m.pages {
		bases = append(bases, b)
	}
	for i := 1; i < len(bases); i++ {
		for j := i; j > 0 && bases[j-1] > bases[j]; j-- {
			bases[j-1], bases[j] = bases[j], bases[j-1]
		}
	}
	return bases
}

// FlagsAt returns the access flags of the already-allocated page whose base
// is addr, used by the boot-time identity page table builder to carry each
// physical page's own permissions into its leaf PTE.
func (m *Memory) FlagsAt(addr Word) (PageFlags, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[addr]
	if !ok {
		return 0, false
	}
	return p.Flags, true
}

// RegionSize returns the configured size of the governed memory region.
func (m *Memory) RegionSize() Word { return m.regionSize }
