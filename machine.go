// machine.go - top-level orchestrator: boot sequence and the scheduler's run loop (§4.7, §5)
//
// Owns every shared component (memory, bus, interrupt controller, cores)
// and the one-time boot sequence of §4.7. The run loop mirrors the
// teacher's main run loop in spirit — advance, check halt, repeat — but
// its unit of advance is one tick per core, round-robin, per §5's
// single-threaded cooperative model rather than a wall-clock frame timer.

package ducky

import (
	"fmt"
	"os"
	"time"
)

// Machine is the fully booted virtual machine: cores, memory, bus, and the
// HDT written into guest memory at boot.
type Machine struct {
	Cfg   *Config
	Mem   *Memory
	Bus   *Bus
	IRQ   *InterruptController
	Cores []*Core
	HDT   *HDT
	Log   *Logger

	hdtBase Word
	entry   Word
}

// globalOwner marks host-installed regions (HDT, IVT) that every core must
// be able to read regardless of which core's id a page access check runs
// against; PageGlobal makes the owner value itself irrelevant, but -1 keeps
// it visibly distinct from a real core id in logs and snapshots.
const globalOwner = -1

// Boot runs §4.7's five-step sequence against a parsed configuration and
// returns a Machine whose cores are primed at their entry point, ready for
// Run. Boot failures are host errors: a bad config or binary never reaches
// the guest interrupt path.
func Boot(cfg *Config, log *Logger) (*Machine, error) {
	mem := NewMemory(cfg.Memory.Size, cfg.Memory.AllowUnaligned)
	irq := NewInterruptController()
	bus := NewBus(irq)
	bus.SetMemory(mem)

	m := &Machine{Cfg: cfg, Mem: mem, Bus: bus, IRQ: irq, Log: log}

	deviceEntries, err := m.attachDevices()
	if err != nil {
		return nil, err
	}

	entry, err := m.loadBinaries()
	if err != nil {
		return nil, err
	}
	m.entry = entry

	m.hdtBase = cfg.Machine.HDTBase
	m.HDT = BuildHDT(cfg, deviceEntries)
	if err := m.writeHDT(); err != nil {
		return nil, err
	}

	irq.Install(cfg.Machine.IVTBase, IVTSize)
	if err := allocRange(mem, cfg.Machine.IVTBase, uint32(IVTSize*IVTEntrySize), globalOwner, PageReadable|PageWritable|PageGlobal); err != nil {
		return nil, err
	}

	// A core resets with PTBase at zero and no page table installed; left
	// alone, its very first instruction fetch would walk off a table rooted
	// at physical address zero and fault forever (§4.2's walk has no
	// privileged-mode bypass — see DESIGN.md). Installing an identity map
	// over everything already loaded gives the entry point, the HDT, and
	// the IVT a resolved PDE/PTE chain from the first tick; a guest that
	// wants its own address space still calls LPT/LPM to replace it.
	ptBase := nextFreePage(mem)
	if err := BuildIdentityPageTable(mem, ptBase); err != nil {
		return nil, err
	}

	total := cfg.Machine.CPUs * cfg.Machine.Cores
	if total <= 0 {
		return nil, NewHostError(ErrConfiguration, fmt.Errorf("machine: cpus*cores must be positive, got %d*%d", cfg.Machine.CPUs, cfg.Machine.Cores))
	}
	cores := make([]*Core, total)
	for i := range cores {
		c := NewCore(i, mem, bus, irq)
		c.Regs.IP = m.entry
		c.Regs.SP = mem.RegionSize()
		c.Regs.Flags = FlagPrivileged
		c.Regs.GPR[0] = m.hdtBase
		c.Regs.PTBase = ptBase
		c.mem.SetPageTableBase(ptBase)
		c.SetIPIHandler(m.DeliverIPI)
		cores[i] = c
	}
	m.Cores = cores

	log.Infof("booted: %d core(s), %d byte(s) memory, entry=0x%08x, hdt=0x%08x", total, cfg.Memory.Size, m.entry, m.hdtBase)
	return m, nil
}

// nextFreePage returns the first page-aligned physical address past every
// page Memory has allocated so far, a bump placement for the boot-time
// identity page table that can't collide with the HDT, IVT, or a loaded
// binary's own sections.
func nextFreePage(mem *Memory) Word {
	bases := mem.AllocatedBases()
	if len(bases) == 0 {
		return 0
	}
	return bases[len(bases)-1] + PageSize
}

// attachDevices instantiates every configured device via the compile-time
// registry (§9) and collects the HDT DEVICE entries describing it. MMIO
// base, MMIO size and IRQ number are read directly out of the device's own
// config section (the factories read the same "mmio-base" and "irq" keys to
// register on the bus), so the machine never needs a device to report its
// own wiring back through an interface. The factories register a fixed
// MMIO size of their own; the entry's MMIOSize is the section's "mmio-size"
// value (0 when absent) and is not checked against it.
func (m *Machine) attachDevices() ([]HDTDeviceEntry, error) {
	var entries []HDTDeviceEntry
	for _, dc := range m.Cfg.Devices {
		dev, err := BuildDevice(dc, m.Bus)
		if err != nil {
			return nil, err
		}
		if snap, ok := dev.(*SnapshotDevice); ok {
			snap.Attach(m)
		}
		entries = append(entries, HDTDeviceEntry{
			Name:       dc.Klass,
			Identifier: dev.Name(),
			MMIOBase:   dc.ParamWord("mmio-base", 0),
			MMIOSize:   dc.ParamWord("mmio-size", 0),
			IRQ:        int32(dc.ParamInt("irq", -1)),
		})
		m.Log.Infof("attached device %s (driver %s)", dc.Klass, dc.Driver)
	}
	return entries, nil
}

// loadBinaries resolves step 2 of §4.7: a bootloader takes precedence over
// a direct list of binaries, matching original_source/ducky/machine.py's
// boot() ordering (bootloader first, program binaries only when none is
// configured). The first image's resolved entry point becomes the core's
// starting ip.
func (m *Machine) loadBinaries() (Word, error) {
	cfg := m.Cfg
	if cfg.Bootloader.Path != "" {
		return m.loadOne(cfg.Bootloader.Path, cfg.Bootloader.Base)
	}
	if len(cfg.Binaries) == 0 {
		return 0, NewHostError(ErrConfiguration, fmt.Errorf("machine: no bootloader or binary configured"))
	}
	var entry Word
	for i, bc := range cfg.Binaries {
		e, err := m.loadOne(bc.Path, bc.Base)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			entry = e
		}
	}
	return entry, nil
}

func (m *Machine) loadOne(path string, base Word) (Word, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, NewHostError(ErrIO, fmt.Errorf("%s: %w", path, err))
	}
	bin, err := ParseBinary(data)
	if err != nil {
		return 0, err
	}
	return bin.Load(m.Mem, globalOwner, base)
}

// writeHDT maps and fills the HDT region (step 3 of §4.7). The region is
// global and owned by no particular core, since every core's r0 points at
// it and any of them may legitimately read it. Its pages are not writable,
// so the bytes go in through the raw path, as the loader's do.
func (m *Machine) writeHDT() error {
	data := m.HDT.Encode()
	if err := allocRange(m.Mem, m.hdtBase, uint32(len(data)), globalOwner, PageReadable|PageGlobal); err != nil {
		return err
	}
	for i, b := range data {
		if err := m.Mem.WriteByteRaw(m.hdtBase+Word(i), b); err != nil {
			return err
		}
	}
	return nil
}

// DeliverIPI is OpIPI's cross-core delivery hook. Every core in this
// machine shares a single InterruptController (see DESIGN.md), so raising
// on it already reaches whichever core next polls it; targetCore is
// accepted to match the instruction's encoding and is not yet otherwise
// consulted.
func (m *Machine) DeliverIPI(targetCore, irq int) {
	m.IRQ.Raise(irq)
}

// RunOptions bounds a run: zero means unbounded for that dimension.
type RunOptions struct {
	MaxInstructions uint64
	MaxWallClock    time.Duration
}

// Run drives the round-robin scheduler of §5 until every core halts
// gracefully, one halts the machine with a nonzero code, a fatal error
// aborts the run, or a configured budget is exceeded.
func (m *Machine) Run(opts RunOptions) Completion {
	deadline := time.Time{}
	if opts.MaxWallClock > 0 {
		deadline = time.Now().Add(opts.MaxWallClock)
	}

	var instructions uint64
	for {
		for _, c := range m.Cores {
			res := c.Tick()
			if res.Fatal != nil {
				m.Log.Errorf("fatal: %v", res.Fatal)
				return Completion{Halt: true, Code: 1}
			}
			if res.MachineHalted {
				m.Log.Infof("machine halted, code=%d", res.ExitCode)
				return Completion{Halt: true, Code: res.ExitCode}
			}
		}

		instructions++
		m.Bus.TickAll(instructions)
		if allHalted(m.Cores) {
			m.Log.Infof("all cores halted")
			return Completion{Halt: true, Code: 0}
		}
		if opts.MaxInstructions > 0 && instructions >= opts.MaxInstructions {
			m.Log.Warnf("instruction budget exhausted after %d ticks", instructions)
			return Completion{Timeout: true}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			m.Log.Warnf("wall-clock budget exhausted after %d ticks", instructions)
			return Completion{Timeout: true}
		}
	}
}

func allHalted(cores []*Core) bool {
	for _, c := range cores {
		if !c.Halted() {
			return false
		}
	}
	return true
}
