package ducky

import (
	"os"
	"path/filepath"
	"testing"
)

// machineTestRig builds a multi-core-capable machine skeleton sharing one
// page table base across cores, the Machine-level analogue of cpuTestRig.
type machineTestRig struct {
	t *testing.T
	m *Machine
}

const machineTestPTBase Word = 0x9000

func newMachineTestRig(t *testing.T, cores int) *machineTestRig {
	t.Helper()
	mem := NewMemory(1<<20, false)
	irq := NewInterruptController()
	bus := NewBus(irq)
	bus.SetMemory(mem)

	cs := make([]*Core, cores)
	for i := range cs {
		c := NewCore(i, mem, bus, irq)
		c.Regs.Flags = FlagPrivileged
		c.Regs.PTBase = machineTestPTBase
		c.mem.SetPageTableBase(machineTestPTBase)
		cs[i] = c
	}
	m := &Machine{Mem: mem, Bus: bus, IRQ: irq, Cores: cs, Log: NewLogger(false)}
	for _, c := range cs {
		c.SetIPIHandler(m.DeliverIPI)
	}
	return &machineTestRig{t: t, m: m}
}

func (r *machineTestRig) identityMap(core int, virt Word, flags PageFlags) {
	r.t.Helper()
	mem := r.m.Mem
	vpn := vpnOf(virt)
	physBase := alignedDown(virt, PageSize)
	tblBase := machineTestPTBase + PageSize
	tblPage := tblBase + (tblIndex(vpn)/entriesPerPage)*PageSize
	if _, err := mem.EnsurePage(machineTestPTBase, globalOwner, PageReadable|PageWritable|PageGlobal); err != nil {
		r.t.Fatalf("EnsurePage(dir): %v", err)
	}
	if _, err := mem.EnsurePage(tblPage, globalOwner, PageReadable|PageWritable|PageGlobal); err != nil {
		r.t.Fatalf("EnsurePage(tbl): %v", err)
	}
	if err := mem.WriteWord(globalOwner, machineTestPTBase+dirIndex(vpn)*4, tblBase); err != nil {
		r.t.Fatalf("WriteWord(pde): %v", err)
	}
	if err := mem.WriteWord(globalOwner, tblBase+tblIndex(vpn)*4, physBase|Word(flags)); err != nil {
		r.t.Fatalf("WriteWord(pte): %v", err)
	}
	if _, err := mem.EnsurePage(physBase, core, flags); err != nil {
		r.t.Fatalf("EnsurePage(phys): %v", err)
	}
}

func (r *machineTestRig) loadProgram(core int, base Word, words []Word) {
	r.t.Helper()
	for i, w := range words {
		addr := base + Word(i)*4
		r.identityMap(core, addr, PageReadable|PageExecutable)
		if err := r.m.Mem.WriteWordRaw(addr, w); err != nil { // code pages are not writable
			r.t.Fatalf("WriteWordRaw(program): %v", err)
		}
	}
	r.m.Cores[core].Regs.IP = base
}

func (r *machineTestRig) mapStack(core int, base Word) {
	r.identityMap(core, base, PageReadable|PageWritable)
	r.m.Cores[core].Regs.SP = base + PageSize
}

// Scenario 1 (spec §8): LI r0, 0x42; HLT r0 -> machine exits code 0x42, r0 = 0x42.
func TestMachineHaltWithCode(t *testing.T) {
	r := newMachineTestRig(t, 1)
	r.loadProgram(0, 0x1000, []Word{
		Encode(OpLI, 0, 0, 0x42),
		Encode(OpHLT, 0, 0, 0),
	})

	comp := r.m.Run(RunOptions{MaxInstructions: 10})
	if !comp.Halt || comp.Code != 0x42 {
		t.Fatalf("got %+v, want Halt with code 0x42", comp)
	}
	if r.m.Cores[0].Regs.GPR[0] != 0x42 {
		t.Fatalf("r0 = 0x%x, want 0x42", r.m.Cores[0].Regs.GPR[0])
	}
}

// Scenario 2 (spec §8): LW r0, [0xDEADBEEF] with no mapping faults PageFault;
// the handler resumes the program past the faulting load. fetchDecodeExecute
// advances ip before dispatch, so the frame captured at delivery already
// holds the address of the next instruction — the handler only needs to set
// r0 and RETINT, with no explicit ip-patching step.
func TestMachinePageFaultHandlerSkipsFaultingInstruction(t *testing.T) {
	r := newMachineTestRig(t, 1)
	c := r.m.Cores[0]
	c.Regs.Flags = FlagPrivileged | FlagHWInterrupt

	r.m.IRQ.Install(0x0, IVTSize)
	r.identityMap(0, 0x0, PageReadable|PageWritable)
	if err := r.m.Mem.WriteWord(0, Word(int(TrapPageFault)*IVTEntrySize), 0x4000); err != nil {
		t.Fatalf("WriteWord(ivt ip): %v", err)
	}
	if err := r.m.Mem.WriteWord(0, Word(int(TrapPageFault)*IVTEntrySize+4), 0x5000+PageSize); err != nil {
		t.Fatalf("WriteWord(ivt sp): %v", err)
	}
	r.identityMap(0, 0x5000, PageReadable|PageWritable) // handler's own stack

	r.mapStack(0, 0x3000)
	c.Regs.GPR[1] = 0xDEADBEEF
	r.loadProgram(0, 0x1000, []Word{Encode(OpLW, 0, 1, 0)})

	r.identityMap(0, 0x4000, PageReadable|PageExecutable)
	if err := r.m.Mem.WriteWordRaw(0x4000, Encode(OpLI, 0, 0, 0)); err != nil {
		t.Fatalf("WriteWordRaw(handler LI): %v", err)
	}
	if err := r.m.Mem.WriteWordRaw(0x4004, Encode(OpRETINT, 0, 0, 0)); err != nil {
		t.Fatalf("WriteWordRaw(handler RETINT): %v", err)
	}

	c.Tick() // faults on the load, IP already advanced to 0x1004
	c.Tick() // delivers PageFault, runs handler's LI r0, 0
	c.Tick() // handler's RETINT resumes the caller

	fault := c.LastFault()
	if fault == nil || fault.Virtual != 0xDEADBEEF || fault.Access != AccessRead {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if c.Regs.IP != 0x1004 {
		t.Fatalf("ip after RETINT = 0x%x, want 0x1004 (past the faulting load)", c.Regs.IP)
	}
	if c.Regs.GPR[0] != 0 {
		t.Fatalf("r0 = %d, want 0 (set by the handler)", c.Regs.GPR[0])
	}
}

// Scenario 3 (spec §8): raising IRQ 12 then IRQ 9 before the next instruction
// delivers 9 first, then 12, since lower index outranks higher index.
func TestMachineIRQOrderingLowestIndexFirst(t *testing.T) {
	r := newMachineTestRig(t, 1)
	c := r.m.Cores[0]
	c.Regs.Flags = FlagPrivileged | FlagHWInterrupt

	r.m.IRQ.Install(0x0, IVTSize)
	r.identityMap(0, 0x0, PageReadable|PageWritable)
	r.mapStack(0, 0x3000)
	r.identityMap(0, 0x6000, PageReadable|PageWritable)
	r.identityMap(0, 0x7000, PageReadable|PageWritable)

	if err := r.m.Mem.WriteWord(0, 9*IVTEntrySize, 0x4000); err != nil {
		t.Fatalf("WriteWord(ivt9 ip): %v", err)
	}
	if err := r.m.Mem.WriteWord(0, 9*IVTEntrySize+4, 0x6000+PageSize); err != nil {
		t.Fatalf("WriteWord(ivt9 sp): %v", err)
	}
	if err := r.m.Mem.WriteWord(0, 12*IVTEntrySize, 0x5000); err != nil {
		t.Fatalf("WriteWord(ivt12 ip): %v", err)
	}
	if err := r.m.Mem.WriteWord(0, 12*IVTEntrySize+4, 0x7000+PageSize); err != nil {
		t.Fatalf("WriteWord(ivt12 sp): %v", err)
	}

	c.Regs.IP = 0x1000
	c.irq.Raise(12)
	c.irq.Raise(9)

	if err := c.serviceInterrupts(); err != nil {
		t.Fatalf("serviceInterrupts (first): %v", err)
	}
	if c.Regs.IP != 0x4000 {
		t.Fatalf("ip after first delivery = 0x%x, want 0x4000 (irq 9's handler)", c.Regs.IP)
	}

	if err := c.execute(decoded{op: OpRETINT}); err != nil {
		t.Fatalf("execute RETINT: %v", err)
	}
	if c.Regs.IP != 0x1000 {
		t.Fatalf("ip after RETINT = 0x%x, want 0x1000", c.Regs.IP)
	}

	if err := c.serviceInterrupts(); err != nil {
		t.Fatalf("serviceInterrupts (second): %v", err)
	}
	if c.Regs.IP != 0x5000 {
		t.Fatalf("ip after second delivery = 0x%x, want 0x5000 (irq 12's handler)", c.Regs.IP)
	}
}

// Scenario 4 (spec §8): a keyboard byte raises an IRQ; the ISR reads
// KBD_MMIO_DATA through an ordinary LW and writes it to the TTY's data
// register through an ordinary STW; host stdout (here, a captureSink)
// receives the byte. Exercises Core.load/store routing through Bus.MMIORead/
// MMIOWrite rather than the raw memory controller (see DESIGN.md).
func TestMachineMMIOKeyboardEcho(t *testing.T) {
	const kbdBase, ttyBase Word = 0x20000, 0x20100

	r := newMachineTestRig(t, 1)
	c := r.m.Cores[0]
	c.Regs.Flags = FlagPrivileged | FlagHWInterrupt

	kbd := &KeyboardDevice{bus: r.m.Bus, irq: 9}
	sink := &captureSink{}
	tty := &TTYDevice{}
	tty.Attach(sink)
	if err := r.m.Bus.Register("keyboard-0", kbd, kbdBase, kbdMMIOSize, 0, 0); err != nil {
		t.Fatalf("Register keyboard: %v", err)
	}
	if err := r.m.Bus.Register("tty-0", tty, ttyBase, ttyMMIOSize, 0, 0); err != nil {
		t.Fatalf("Register tty: %v", err)
	}

	r.identityMap(0, kbdBase, PageReadable|PageWritable)
	r.identityMap(0, ttyBase, PageReadable|PageWritable)

	r.m.IRQ.Install(0x0, IVTSize)
	r.identityMap(0, 0x0, PageReadable|PageWritable)
	r.identityMap(0, 0x8000, PageReadable|PageWritable)
	if err := r.m.Mem.WriteWord(0, 9*IVTEntrySize, 0x4000); err != nil {
		t.Fatalf("WriteWord(ivt ip): %v", err)
	}
	if err := r.m.Mem.WriteWord(0, 9*IVTEntrySize+4, 0x8000+PageSize); err != nil {
		t.Fatalf("WriteWord(ivt sp): %v", err)
	}

	r.mapStack(0, 0x3000)
	r.loadProgram(0, 0x1000, []Word{Encode(OpNOP, 0, 0, 0)})

	r.identityMap(0, 0x4000, PageReadable|PageExecutable)
	isr := []Word{
		Encode(OpLI, 2, 0, Word(kbdBase)),
		Encode(OpLW, 1, 2, kbdRegData),
		Encode(OpLI, 3, 0, Word(ttyBase)),
		Encode(OpSTW, 1, 3, ttyRegData),
		Encode(OpRETINT, 0, 0, 0),
	}
	for i, w := range isr {
		if err := r.m.Mem.WriteWordRaw(0x4000+Word(i)*4, w); err != nil {
			t.Fatalf("WriteWordRaw(isr[%d]): %v", i, err)
		}
	}

	kbd.Enqueue('A')

	for i := 0; i < 5; i++ {
		if res := c.Tick(); res.Fatal != nil {
			t.Fatalf("Tick(%d): %v", i, res.Fatal)
		}
	}

	if got := c.Regs.GPR[1]; got != 0x41 {
		t.Fatalf("r1 = 0x%x, want 0x41 (the byte read through KBD_MMIO_DATA)", got)
	}
	if string(sink.got) != "A" {
		t.Fatalf("tty sink got %q, want %q", sink.got, "A")
	}
	// The IRQ is serviced before the NOP is fetched, so the five ticks are
	// the five ISR instructions and RETINT lands back on the NOP itself.
	if c.Regs.IP != 0x1000 {
		t.Fatalf("ip after RETINT = 0x%x, want 0x1000 (back in the interrupted program)", c.Regs.IP)
	}
}

// Scenario 5 (spec §8): after boot, the guest reads the HDT at the address
// left in r0 and finds the magic, a CPU entry, and a MEMORY entry matching
// the config.
func TestMachineBootWritesDiscoverableHDT(t *testing.T) {
	dir := t.TempDir()
	binPath := filepath.Join(dir, "prog.bin")
	if err := os.WriteFile(binPath, buildTestBinary(), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfgPath := filepath.Join(dir, "machine.toml")
	cfgBody := "[machine]\ncpus = 1\ncores = 1\n\n[memory]\nsize = 65536\n\n[bootloader]\npath = \"" + binPath + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0644); err != nil {
		t.Fatalf("WriteFile(config): %v", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	m, err := Boot(cfg, NewLogger(false))
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	hdtAddr := m.Cores[0].Regs.GPR[0]
	if hdtAddr != m.hdtBase {
		t.Fatalf("r0 = 0x%x, want the hdt base 0x%x", hdtAddr, m.hdtBase)
	}

	want := m.HDT.Encode()
	got := make([]byte, len(want))
	for i := range got {
		b, err := m.Mem.ReadByte(globalOwner, hdtAddr+Word(i))
		if err != nil {
			t.Fatalf("ReadByte(hdt[%d]): %v", i, err)
		}
		got[i] = b
	}
	parsed, err := ParseHDT(got)
	if err != nil {
		t.Fatalf("ParseHDT: %v", err)
	}
	if parsed.CPU.Cores != 1 {
		t.Fatalf("hdt cpu cores = %d, want 1", parsed.CPU.Cores)
	}
	if parsed.Memory.Size != 65536 {
		t.Fatalf("hdt memory size = %d, want 65536", parsed.Memory.Size)
	}
}

// Scenario 6 (spec §8): run N instructions, snapshot, run M more; restoring
// the snapshot into a fresh machine and running M instructions reaches the
// same observable state as the non-snapshotted run.
func TestMachineSnapshotRestoreParity(t *testing.T) {
	r1 := newMachineTestRig(t, 1)
	negTwo := int32(-2)
	r1.loadProgram(0, 0x1000, []Word{
		Encode(OpINC, 0, 0, 0),
		Encode(OpJ, 0, 0, Word(negTwo)), // relative jump back two words, to the INC
	})

	if comp := r1.m.Run(RunOptions{MaxInstructions: 10}); !comp.Timeout {
		t.Fatalf("got %+v, want a timeout (the program loops forever)", comp)
	}
	if r1.m.Cores[0].Regs.GPR[0] != 5 {
		t.Fatalf("r0 after 10 instructions = %d, want 5", r1.m.Cores[0].Regs.GPR[0])
	}

	snap := TakeSnapshot(r1.m)

	if comp := r1.m.Run(RunOptions{MaxInstructions: 8}); !comp.Timeout {
		t.Fatalf("got %+v, want a timeout", comp)
	}
	wantR0 := r1.m.Cores[0].Regs.GPR[0]
	wantIP := r1.m.Cores[0].Regs.IP

	r2 := newMachineTestRig(t, 1)
	if err := RestoreSnapshot(r2.m, snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if comp := r2.m.Run(RunOptions{MaxInstructions: 8}); !comp.Timeout {
		t.Fatalf("got %+v, want a timeout", comp)
	}

	if r2.m.Cores[0].Regs.GPR[0] != wantR0 {
		t.Fatalf("restored run r0 = %d, want %d (parity with the unbroken run)", r2.m.Cores[0].Regs.GPR[0], wantR0)
	}
	if r2.m.Cores[0].Regs.IP != wantIP {
		t.Fatalf("restored run ip = 0x%x, want 0x%x", r2.m.Cores[0].Regs.IP, wantIP)
	}
}
