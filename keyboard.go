// keyboard.go - scancode-queue keyboard device (§4.6)
//
// Grounded on original_source/ducky/devices/keyboard.py: a bounded queue
// fed from the host side, a status register reporting non-empty, and a
// data register that drains one byte per read. The teacher's
// TerminalMMIO.EnqueueByte/dequeueInputByteLocked ring buffer is the Go
// idiom this borrows for the queue itself.

package ducky

import "sync"

const (
	kbdRegStatus Word = 0
	kbdRegData   Word = 4

	kbdMMIOSize  Word = 8
	kbdQueueSize      = 256
)

// KeyboardDevice is a bounded scancode queue a terminal frontend feeds via
// Enqueue and the guest drains through MMIO.
type KeyboardDevice struct {
	mu   sync.Mutex
	bus  *Bus
	irq  int
	buf  [kbdQueueSize]byte
	head int
	tail int
	len  int
}

func init() {
	registerDevice("keyboard", func(cfg DeviceConfig, bus *Bus) (Device, error) {
		d := &KeyboardDevice{bus: bus, irq: cfg.ParamInt("irq", -1)}
		if err := bus.Register(deviceKey(cfg), d, cfg.ParamWord("mmio-base", 0), kbdMMIOSize, 0, 0); err != nil {
			return nil, NewHostError(ErrDeviceInit, err)
		}
		return d, nil
	})
}

// Name identifies the device for HDT enumeration and logging.
func (d *KeyboardDevice) Name() string { return "keyboard" }

// Enqueue implements InputSource: the terminal frontend calls this with
// each byte read from host stdin. A full queue drops the byte, matching
// the original's fixed-size buffer behavior.
func (d *KeyboardDevice) Enqueue(b byte) {
	d.mu.Lock()
	if d.len < kbdQueueSize {
		d.buf[d.tail] = b
		d.tail = (d.tail + 1) % kbdQueueSize
		d.len++
	}
	nonEmpty := d.len > 0
	d.mu.Unlock()
	if nonEmpty && d.irq >= 0 {
		d.bus.RaiseIRQ(d.irq)
	}
}

// OnRead reports queue status or drains one byte.
func (d *KeyboardDevice) OnRead(offset Word, width AccessWidth) (Word, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case kbdRegStatus:
		if d.len > 0 {
			return 1, nil
		}
		return 0, nil
	case kbdRegData:
		if d.len == 0 {
			return 0, nil
		}
		b := d.buf[d.head]
		d.head = (d.head + 1) % kbdQueueSize
		d.len--
		return Word(b), nil
	default:
		return 0, NewFault(TrapProtectionFault, offset, AccessRead, true)
	}
}

// OnWrite rejects every offset: the keyboard register bank is read-only
// from the guest's side.
func (d *KeyboardDevice) OnWrite(offset Word, width AccessWidth, value Word) error {
	return NewFault(TrapProtectionFault, offset, AccessWrite, true)
}
