// interrupt.go - ordered IRQ delivery: queue, mask, and IVT resolution
//
// The controller itself only tracks pending/masked state and resolves IVT
// entries; the frame-push/flag-clearing mechanics of delivery (§4.4 steps
// 4-6) live in cpu.go's serviceInterrupts, since they need the core's
// registers and the memory controller.

package ducky

import "sync"

// IVTSize bounds the interrupt vector: indices 0..7 are reserved CPU
// faults, 8..IVTSize-1 are device/software IRQs.
const IVTSize = 64

// IVTEntrySize is the byte size of one {handler_ip, handler_sp} record as
// stored in guest memory starting at the controller's installed base.
const IVTEntrySize = 8

// InterruptController tracks pending/masked IRQ state and resolves vector
// entries out of guest memory at the installed IVT base.
type InterruptController struct {
	mu      sync.Mutex
	pending [IVTSize]bool
	masked  [IVTSize]bool
	ivtBase  Word
	ivtLimit int
	installed bool
}

// NewInterruptController builds a controller with everything pending and
// unmasked initially cleared; install must be called before delivery.
func NewInterruptController() *InterruptController {
	return &InterruptController{}
}

// Install configures the IVT base address and entry count (§4.4 "install").
func (ic *InterruptController) Install(base Word, limit int) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.ivtBase = base
	ic.ivtLimit = limit
	ic.installed = true
}

// Raise marks irq pending. Multiple raises before delivery coalesce: the
// controller models one pending flag per IRQ number, so a masked, repeatedly
// raised IRQ is still delivered exactly once when unmasked.
func (ic *InterruptController) Raise(irq int) {
	if irq < 0 || irq >= IVTSize {
		return
	}
	ic.mu.Lock()
	ic.pending[irq] = true
	ic.mu.Unlock()
}

// Mask sets an IRQ's mask bit; a raise against a masked IRQ is held pending.
func (ic *InterruptController) Mask(irq int) {
	if irq < 0 || irq >= IVTSize {
		return
	}
	ic.mu.Lock()
	ic.masked[irq] = true
	ic.mu.Unlock()
}

// Unmask clears an IRQ's mask bit, letting a previously held raise through
// at the next delivery point.
func (ic *InterruptController) Unmask(irq int) {
	if irq < 0 || irq >= IVTSize {
		return
	}
	ic.mu.Lock()
	ic.masked[irq] = false
	ic.mu.Unlock()
}

// PopNext returns the highest-priority unmasked pending IRQ (lowest numeric
// index wins; faults 0..7 always outrank device/software IRQs by virtue of
// having the lowest indices) and clears its pending flag, or returns
// (0, false) if nothing is deliverable.
func (ic *InterruptController) PopNext() (int, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i := 0; i < IVTSize; i++ {
		if ic.pending[i] && !ic.masked[i] {
			ic.pending[i] = false
			return i, true
		}
	}
	return 0, false
}

// PopFault returns the highest-priority pending fault (indices 0..7) and
// clears its pending flag, ignoring mask state entirely. Faults are
// non-maskable (§3): a core that has never enabled hardware interrupts (the
// reset state every core boots into) must still be able to take delivery of
// a fault it just raised against itself, or it can never advance past the
// instruction that faulted.
func (ic *InterruptController) PopFault() (int, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i := 0; i < 8; i++ {
		if ic.pending[i] {
			ic.pending[i] = false
			return i, true
		}
	}
	return 0, false
}

// HasPending reports whether any unmasked IRQ is waiting, without
// consuming it.
func (ic *InterruptController) HasPending() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i := 0; i < IVTSize; i++ {
		if ic.pending[i] && !ic.masked[i] {
			return true
		}
	}
	return false
}

// IVTEntry is a resolved {handler_ip, handler_sp} pair.
type IVTEntry struct {
	IP Word
	SP Word
}

// Resolve reads the IVT entry for irq out of guest memory. An absent entry
// (table not installed, irq past the installed limit, or a zero ip/sp
// record) reports ok=false so the caller can raise a double-fault.
func (ic *InterruptController) Resolve(mem *Memory, core int, irq int) (IVTEntry, bool, error) {
	ic.mu.Lock()
	base, limit, installed := ic.ivtBase, ic.ivtLimit, ic.installed
	ic.mu.Unlock()

	if !installed || irq >= limit {
		return IVTEntry{}, false, nil
	}
	addr := base + Word(irq*IVTEntrySize)
	ip, err := mem.ReadWord(core, addr)
	if err != nil {
		return IVTEntry{}, false, err
	}
	sp, err := mem.ReadWord(core, addr+4)
	if err != nil {
		return IVTEntry{}, false, err
	}
	if ip == 0 && sp == 0 {
		return IVTEntry{}, false, nil
	}
	return IVTEntry{IP: ip, SP: sp}, true, nil
}
