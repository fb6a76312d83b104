// bus.go - device registry and MMIO/port address routing
//
// Grounded on the teacher's machine_bus.go / memory_bus.go IORegion design:
// an ordered list of address ranges, each owning a pair of read/write
// callbacks, searched linearly on every access. Ducky adds a second such
// list for 16-bit I/O ports (§6) and a device registry keyed by class+id so
// the machine's boot sequence can enumerate devices into the HDT (§4.7).

package ducky

import "fmt"

// Device is the contract every bus-attached peripheral implements (§4.3).
// Side effects (raising IRQs, queuing input, printing output) happen
// synchronously inside these calls.
type Device interface {
	Name() string
	OnRead(offset Word, width AccessWidth) (Word, error)
	OnWrite(offset Word, width AccessWidth, value Word) error
}

// Ticker is implemented by devices that model real-time behavior (the
// RTC): they observe the virtual-time counter the
// scheduler increments once per instruction round and may raise an IRQ
// when their own deadline falls inside that window (§5).
type Ticker interface {
	Tick(cycle uint64)
}

type mmioRegion struct {
	base, size Word
	dev        Device
}

type ioRegion struct {
	base, size Short
	dev        Device
}

// Bus routes MMIO and I/O-port operations to the device owning the
// targeted address, and is the single place devices are registered.
type Bus struct {
	mmio     []mmioRegion
	io       []ioRegion
	registry map[string]Device
	order    []string // registry keys in registration order
	irq      *InterruptController
	tickers  []Ticker
	mem      *Memory
}

// NewBus builds an empty device bus wired to the given interrupt
// controller, so devices registered on it can raise IRQs.
func NewBus(irq *InterruptController) *Bus {
	return &Bus{registry: make(map[string]Device), irq: irq}
}

// SetMemory attaches the machine's memory controller, giving devices that
// perform DMA-style transfers (block I/O, snapshot) a path to guest memory
// without each one threading a *Memory through its own constructor.
func (b *Bus) SetMemory(mem *Memory) { b.mem = mem }

// Memory returns the attached memory controller.
func (b *Bus) Memory() *Memory { return b.mem }

// RegisterTicker adds a device to the set polled once per scheduler round.
func (b *Bus) RegisterTicker(t Ticker) {
	b.tickers = append(b.tickers, t)
}

// TickAll drives every registered Ticker for one scheduler round.
func (b *Bus) TickAll(cycle uint64) {
	for _, t := range b.tickers {
		t.Tick(cycle)
	}
}

// Register attaches a device under a logical class/instance key and maps
// its MMIO and/or I/O port ranges. A size of 0 means the device has no
// range of that kind. Overlapping ranges fail with AddressConflict.
func (b *Bus) Register(key string, dev Device, mmioBase, mmioSize Word, ioBase, ioSize Short) error {
	if _, exists := b.registry[key]; exists {
		return fmt.Errorf("bus: device %q already registered", key)
	}
	if mmioSize > 0 {
		if b.mmioOverlaps(mmioBase, mmioSize) {
			return fmt.Errorf("bus: AddressConflict mmio [0x%08x,0x%08x) for %q", mmioBase, mmioBase+mmioSize, key)
		}
		b.mmio = append(b.mmio, mmioRegion{base: mmioBase, size: mmioSize, dev: dev})
	}
	if ioSize > 0 {
		if b.ioOverlaps(ioBase, ioSize) {
			return fmt.Errorf("bus: AddressConflict io [0x%04x,0x%04x) for %q", ioBase, ioBase+ioSize, key)
		}
		b.io = append(b.io, ioRegion{base: ioBase, size: ioSize, dev: dev})
	}
	b.registry[key] = dev
	b.order = append(b.order, key)
	return nil
}

func (b *Bus) mmioOverlaps(base, size Word) bool {
	for _, r := range b.mmio {
		if base < r.base+r.size && r.base < base+size {
			return true
		}
	}
	return false
}

func (b *Bus) ioOverlaps(base, size Short) bool {
	for _, r := range b.io {
		if base < r.base+r.size && r.base < base+size {
			return true
		}
	}
	return false
}

func (b *Bus) findMMIO(addr Word) (*mmioRegion, Word, bool) {
	for i := range b.mmio {
		r := &b.mmio[i]
		if addr >= r.base && addr < r.base+r.size {
			return r, addr - r.base, true
		}
	}
	return nil, 0, false
}

// RouteMMIO reports whether addr falls inside a registered MMIO region,
// letting a core's load/store path decide whether to dispatch through the
// bus instead of treating the address as ordinary backed memory (§4.3,
// "device access via reserved physical addresses").
func (b *Bus) RouteMMIO(addr Word) bool {
	_, _, ok := b.findMMIO(addr)
	return ok
}

func (b *Bus) findIO(port Short) (*ioRegion, Short, bool) {
	for i := range b.io {
		r := &b.io[i]
		if port >= r.base && port < r.base+r.size {
			return r, port - r.base, true
		}
	}
	return nil, 0, false
}

// MMIORead dispatches a memory-mapped read of the given width. An address
// in no registered region traps as MMIOFault (modeled as a ProtectionFault
// carried back to the caller as a Trap, matching §4.3's "traps to the
// owning core").
func (b *Bus) MMIORead(addr Word, width AccessWidth) (Word, error) {
	r, off, ok := b.findMMIO(addr)
	if !ok {
		return 0, NewFault(TrapProtectionFault, addr, AccessRead, true)
	}
	return r.dev.OnRead(off, width)
}

// MMIOWrite dispatches a memory-mapped write of the given width.
func (b *Bus) MMIOWrite(addr Word, width AccessWidth, value Word) error {
	r, off, ok := b.findMMIO(addr)
	if !ok {
		return NewFault(TrapProtectionFault, addr, AccessWrite, true)
	}
	return r.dev.OnWrite(off, width, value)
}

// IORead dispatches a port-space read.
func (b *Bus) IORead(port Short, width AccessWidth) (Word, error) {
	r, off, ok := b.findIO(port)
	if !ok {
		return 0, NewFault(TrapProtectionFault, Word(port), AccessRead, true)
	}
	return r.dev.OnRead(Word(off), width)
}

// IOWrite dispatches a port-space write.
func (b *Bus) IOWrite(port Short, width AccessWidth, value Word) error {
	r, off, ok := b.findIO(port)
	if !ok {
		return NewFault(TrapProtectionFault, Word(port), AccessWrite, true)
	}
	return r.dev.OnWrite(Word(off), width, value)
}

// Lookup resolves a previously registered device by its registry key, used
// by devices (the terminal) that wire themselves to siblings rather than
// to a fixed address range.
func (b *Bus) Lookup(key string) (Device, bool) {
	d, ok := b.registry[key]
	return d, ok
}

// Snapshotters returns every registered device implementing Snapshotter,
// keyed by its registration key, so a full machine snapshot can capture
// state MMIO registers alone don't (the SVGA framebuffer).
func (b *Bus) Snapshotters() map[string]Snapshotter {
	out := make(map[string]Snapshotter)
	for key, dev := range b.registry {
		if s, ok := dev.(Snapshotter); ok {
			out[key] = s
		}
	}
	return out
}

// RaiseIRQ is the capability devices hold on the bus's interrupt
// controller: they may raise, never reach into another device's state
// (§9, "Global machine-wide state").
func (b *Bus) RaiseIRQ(irq int) {
	if b.irq != nil {
		b.irq.Raise(irq)
	}
}

// Devices returns the Name() of every registered device in registration
// order. The boot sequence builds the HDT's DEVICE entries from the config
// instead (see Machine.attachDevices).
func (b *Bus) Devices() []string {
	// Registration order is kept in its own slice, since map iteration
	// order is unspecified and a device may own no mmio or io range at all.
	names := make([]string, 0, len(b.order))
	for _, key := range b.order {
		names = append(names, b.registry[key].Name())
	}
	return names
}
