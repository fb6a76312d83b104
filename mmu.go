// mmu.go - two-level page table translation with an advisory TLB and icache
//
// The caches here play the same role as the teacher's IORegion page-keyed
// lookup in memory_bus.go: an advisory fast path in front of an authoritative
// walk, sized to the same PageSize used by the memory controller. Both the
// TLB and the instruction cache are per-core, as specified in §4.2, and a
// miss always falls back to the slow path rather than ever being wrong.

package ducky

// dirBits/tblBits/offBits must sum to 32. With an 8-bit page offset
// (PageSize=256) the remaining 24 bits split evenly into a 4096-entry
// directory and a 4096-entry table, each exactly one page-table page's
// worth of 4-byte entries (16KiB, i.e. 64 physical pages) at native word
// width.
const (
	mmuOffsetBits = 8
	mmuTableBits  = 12
	mmuDirBits    = 12
)

func vpnOf(virt Word) Word    { return virt >> mmuOffsetBits }
func dirIndex(vpn Word) Word  { return vpn >> mmuTableBits }
func tblIndex(vpn Word) Word  { return vpn & (1<<mmuTableBits - 1) }

// entriesPerPage is how many 4-byte page-table entries fit in one physical
// page at either table level.
const entriesPerPage = PageSize / 4

type tlbEntry struct {
	physBase Word
	flags    PageFlags
}

type decodedInstruction struct {
	raw     Word
	opcode  Opcode
	operand [3]Word
}

// MMU translates virtual addresses for one CPU core.
type MMU struct {
	mem    *Memory
	core   int
	ptBase Word

	tlb    map[Word]tlbEntry
	icache map[Word]decodedInstruction
}

// NewMMU builds an MMU bound to the given core and its backing memory.
func NewMMU(mem *Memory, core int) *MMU {
	return &MMU{
		mem:    mem,
		core:   core,
		tlb:    make(map[Word]tlbEntry),
		icache: make(map[Word]decodedInstruction),
	}
}

// SetPageTableBase installs a new root and flushes the TLB, per §4.2
// ("flushed on page-table base change").
func (mmu *MMU) SetPageTableBase(base Word) {
	if base == mmu.ptBase {
		return
	}
	mmu.ptBase = base
	mmu.FlushTLB()
}

// FlushTLB drops every cached translation (FPTC, or an explicit invalidate
// instruction).
func (mmu *MMU) FlushTLB() {
	mmu.tlb = make(map[Word]tlbEntry)
}

// FlushICache drops every cached decode.
func (mmu *MMU) FlushICache() {
	mmu.icache = make(map[Word]decodedInstruction)
}

// InvalidateExecutable drops cached decodes for one physical page; called
// whenever a write lands on a page marked executable (§4.2).
func (mmu *MMU) InvalidateExecutable(physBase Word) {
	for pc := range mmu.icache {
		if alignedDown(pc, PageSize) == physBase {
			delete(mmu.icache, pc)
		}
	}
}

// Translate resolves a virtual address to a physical address and the page's
// access flags, walking the two-level table on a TLB miss. user indicates
// whether the core is currently unprivileged.
func (mmu *MMU) Translate(virt Word, access AccessKind, user bool) (Word, PageFlags, error) {
	vpn := vpnOf(virt)
	offset := virt & (PageSize - 1)

	entry, ok := mmu.tlb[vpn]
	if !ok {
		var err error
		entry, err = mmu.walk(vpn, virt, access, user)
		if err != nil {
			return 0, 0, err
		}
		mmu.tlb[vpn] = entry
	}

	if err := mmu.checkFlags(entry.flags, virt, access, user); err != nil {
		return 0, 0, err
	}
	return entry.physBase + offset, entry.flags, nil
}

func (mmu *MMU) walk(vpn, virt Word, access AccessKind, user bool) (tlbEntry, error) {
	dirAddr := mmu.ptBase + dirIndex(vpn)*4
	pde, err := mmu.mem.ReadWord(mmu.core, dirAddr)
	if err != nil {
		return tlbEntry{}, walkFault(err, virt, access, user)
	}
	if pde == 0 {
		return tlbEntry{}, NewFault(TrapPageFault, virt, access, user)
	}

	tblBase := alignedDown(pde, PageSize)
	pteAddr := tblBase + tblIndex(vpn)*4
	pte, err := mmu.mem.ReadWord(mmu.core, pteAddr)
	if err != nil {
		return tlbEntry{}, walkFault(err, virt, access, user)
	}
	if pte == 0 {
		return tlbEntry{}, NewFault(TrapPageFault, virt, access, user)
	}

	return tlbEntry{
		physBase: alignedDown(pte, PageSize),
		flags:    PageFlags(pte & 0xFF),
	}, nil
}

// walkFault reports a table page that was never allocated as a miss on the
// virtual address being translated, like an empty entry; any other error
// passes through unchanged.
func walkFault(err error, virt Word, access AccessKind, user bool) error {
	if t, ok := err.(*Trap); ok && t.Kind == TrapPageFault {
		return NewFault(TrapPageFault, virt, access, user)
	}
	return err
}

// BuildIdentityPageTable writes a two-level page table at ptBase mapping
// every currently allocated physical page onto itself, carrying each page's
// own access flags into its leaf PTE. Machine.Boot calls this once at the
// end of the boot sequence and installs ptBase as every core's initial
// PTBase, so the first instruction fetch after a real boot finds a resolved
// PDE/PTE chain for its own entry point instead of walking off a table
// rooted at whatever physical address a freshly reset PTBase happens to
// hold (§4.2, §4.7).
func BuildIdentityPageTable(mem *Memory, ptBase Word) error {
	bases := mem.AllocatedBases()

	byDir := make(map[Word][]Word)
	var dirs []Word
	for _, phys := range bases {
		vpn := vpnOf(phys)
		d := dirIndex(vpn)
		if _, seen := byDir[d]; !seen {
			dirs = append(dirs, d)
		}
		byDir[d] = append(byDir[d], phys)
	}

	// Directory pages themselves may span more than one physical page once
	// the mapped region crosses a directory's 1MiB reach (d/entriesPerPage
	// picks out which one), so every leaf table page has to be placed past
	// the highest directory page any d in this walk will touch, not just
	// past the first one.
	maxDirPage := ptBase
	for _, d := range dirs {
		if p := ptBase + (d/entriesPerPage)*PageSize; p > maxDirPage {
			maxDirPage = p
		}
	}
	next := maxDirPage + PageSize
	for _, d := range dirs {
		physAddrs := byDir[d]
		maxTbl := Word(0)
		for _, phys := range physAddrs {
			if t := tblIndex(vpnOf(phys)); t > maxTbl {
				maxTbl = t
			}
		}
		tblBase := next
		next += (maxTbl/entriesPerPage + 1) * PageSize

		dirPage := ptBase + (d/entriesPerPage)*PageSize
		if _, err := mem.EnsurePage(dirPage, globalOwner, PageReadable|PageWritable|PageGlobal); err != nil {
			return err
		}
		if err := mem.WriteWord(globalOwner, dirPage+(d%entriesPerPage)*4, tblBase); err != nil {
			return err
		}

		for _, phys := range physAddrs {
			vpn := vpnOf(phys)
			tblPage := tblBase + (tblIndex(vpn)/entriesPerPage)*PageSize
			if _, err := mem.EnsurePage(tblPage, globalOwner, PageReadable|PageWritable|PageGlobal); err != nil {
				return err
			}
			flags, _ := mem.FlagsAt(phys)
			if err := mem.WriteWord(globalOwner, tblBase+tblIndex(vpn)*4, phys|Word(flags&0xFF)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (mmu *MMU) checkFlags(flags PageFlags, virt Word, access AccessKind, user bool) error {
	if user && flags&PageUser == 0 {
		return NewFault(TrapProtectionFault, virt, access, user)
	}
	switch access {
	case AccessExecute:
		if flags&PageExecutable == 0 {
			return NewFault(TrapProtectionFault, virt, access, user)
		}
	case AccessWrite:
		if flags&PageWritable == 0 {
			return NewFault(TrapProtectionFault, virt, access, user)
		}
	case AccessRead:
		if flags&PageReadable == 0 {
			return NewFault(TrapProtectionFault, virt, access, user)
		}
	}
	return nil
}
