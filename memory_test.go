package ducky

import "testing"

func newTestMemory() *Memory {
	return NewMemory(1<<16, false)
}

func TestMemoryAllocZeroesPage(t *testing.T) {
	mem := newTestMemory()
	p, err := mem.Alloc(0, 0, PageReadable|PageWritable)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i, b := range p.data {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, b)
		}
	}
}

func TestMemoryEnsurePageMergesFlagsWithoutClobbering(t *testing.T) {
	mem := newTestMemory()
	if _, err := mem.Alloc(0, 0, PageReadable); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := mem.WriteByteRaw(0, 0x42); err != nil { // the page is not writable yet
		t.Fatalf("WriteByteRaw: %v", err)
	}
	p, err := mem.EnsurePage(0, 0, PageWritable)
	if err != nil {
		t.Fatalf("EnsurePage: %v", err)
	}
	if p.Flags&PageReadable == 0 || p.Flags&PageWritable == 0 {
		t.Fatalf("expected merged flags, got %v", p.Flags)
	}
	b, err := mem.ReadByte(0, 0)
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != 0x42 {
		t.Fatalf("EnsurePage clobbered existing byte: got %x", b)
	}
}

func TestMemoryReadWordAlignedRoundTrip(t *testing.T) {
	mem := newTestMemory()
	if _, err := mem.Alloc(0, 7, PageReadable|PageWritable); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := mem.WriteWord(7, 4, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	v, err := mem.ReadWord(7, 4)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}
	if v != 0xDEADBEEF {
		t.Fatalf("got 0x%08x, want 0xDEADBEEF", v)
	}
}

func TestMemoryUnalignedAccessTrapsWhenDisallowed(t *testing.T) {
	mem := newTestMemory()
	if _, err := mem.Alloc(0, 0, PageReadable); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_, err := mem.ReadWord(0, 1)
	trap, ok := err.(*Trap)
	if !ok || trap.Kind != TrapUnalignedAccess {
		t.Fatalf("expected UnalignedAccess trap, got %v", err)
	}
}

func TestMemoryUnalignedAccessDecomposesWhenAllowed(t *testing.T) {
	mem := NewMemory(4096, true)
	if _, err := mem.Alloc(0, 0, PageReadable|PageWritable); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := mem.WriteWord(0, 1, 0x11223344); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	v, err := mem.ReadWord(0, 1)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}
	if v != 0x11223344 {
		t.Fatalf("got 0x%08x, want 0x11223344", v)
	}
}

func TestMemoryOwnershipViolationTraps(t *testing.T) {
	mem := newTestMemory()
	if _, err := mem.Alloc(0, 1, PageReadable); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_, err := mem.ReadByte(2, 0)
	trap, ok := err.(*Trap)
	if !ok || trap.Kind != TrapProtectionFault {
		t.Fatalf("expected ProtectionFault, got %v", err)
	}
}

func TestMemoryGlobalPageBypassesOwnership(t *testing.T) {
	mem := newTestMemory()
	if _, err := mem.Alloc(0, 1, PageReadable|PageGlobal); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := mem.ReadByte(99, 0); err != nil {
		t.Fatalf("global page should be readable by any core, got %v", err)
	}
}

func TestMemoryMissingPageFaults(t *testing.T) {
	mem := newTestMemory()
	_, err := mem.ReadByte(0, 0)
	trap, ok := err.(*Trap)
	if !ok || trap.Kind != TrapPageFault {
		t.Fatalf("expected PageFault, got %v", err)
	}
}

func TestMemoryDeviceAccessBypassesOwnershipButNotFlags(t *testing.T) {
	mem := newTestMemory()
	if _, err := mem.Alloc(PageSize, 3, PageReadable|PageWritable); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := mem.DeviceWriteByte(PageSize, 0x7A); err != nil {
		t.Fatalf("DeviceWriteByte: %v", err)
	}
	b, err := mem.DeviceReadByte(PageSize)
	if err != nil {
		t.Fatalf("DeviceReadByte: %v", err)
	}
	if b != 0x7A {
		t.Fatalf("got %x, want 0x7a", b)
	}

	if _, err := mem.Alloc(2*PageSize, 3, 0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := mem.DeviceReadByte(2 * PageSize); err == nil {
		t.Fatalf("expected ProtectionFault reading an unreadable page via DMA")
	}
}

func TestMemoryWriteByteRawBypassesProtectionFlags(t *testing.T) {
	mem := newTestMemory()
	if _, err := mem.Alloc(0, 0, PageReadable|PageExecutable); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := mem.WriteByte(0, 0, 1); err == nil {
		t.Fatalf("expected a write to an execute-only page to trap")
	}
	if err := mem.WriteByteRaw(0, 0x42); err != nil {
		t.Fatalf("WriteByteRaw: %v", err)
	}
	b, err := mem.ReadByte(0, 0)
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != 0x42 {
		t.Fatalf("got %x, want 0x42", b)
	}
}

func TestMemoryWriteWordRawRoundTrip(t *testing.T) {
	mem := newTestMemory()
	if _, err := mem.Alloc(0, 0, PageReadable|PageExecutable); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := mem.WriteWordRaw(0, 0xCAFEBABE); err != nil {
		t.Fatalf("WriteWordRaw: %v", err)
	}
	v, err := mem.ReadWordRaw(0)
	if err != nil {
		t.Fatalf("ReadWordRaw: %v", err)
	}
	if v != 0xCAFEBABE {
		t.Fatalf("got 0x%08x, want 0xcafebabe", v)
	}
}

func TestMemorySetRawAtZeroPadsShortData(t *testing.T) {
	mem := newTestMemory()
	if err := mem.SetRawAt(0, 0, PageReadable, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetRawAt: %v", err)
	}
	raw, ok := mem.RawAt(0)
	if !ok {
		t.Fatalf("expected page to exist")
	}
	if raw[0] != 1 || raw[1] != 2 || raw[2] != 3 {
		t.Fatalf("unexpected prefix: %v", raw[:3])
	}
	for i := 3; i < PageSize; i++ {
		if raw[i] != 0 {
			t.Fatalf("expected zero padding at %d, got %x", i, raw[i])
		}
	}
}

func TestMemoryAllocatedBasesSorted(t *testing.T) {
	mem := newTestMemory()
	for _, b := range []Word{3 * PageSize, 0, 1 * PageSize} {
		if _, err := mem.Alloc(b, 0, PageReadable); err != nil {
			t.Fatalf("Alloc(0x%x): %v", b, err)
		}
	}
	got := mem.AllocatedBases()
	want := []Word{0, PageSize, 3 * PageSize}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
