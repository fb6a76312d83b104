// tty.go - TTY output device (§4.6)
//
// A single write-only data register forwarding bytes to whatever
// OutputSink the boot sequence wired as its terminal. No IRQ: the guest
// writes and moves on, matching §4.6's "no IRQ" contract.

package ducky

const (
	ttyRegData Word = 0
	ttyMMIOSize Word = 4
)

// TTYDevice forwards guest-written bytes to an attached OutputSink.
type TTYDevice struct {
	out OutputSink
}

func init() {
	registerDevice("tty", func(cfg DeviceConfig, bus *Bus) (Device, error) {
		d := &TTYDevice{}
		if err := bus.Register(deviceKey(cfg), d, cfg.ParamWord("mmio-base", 0), ttyMMIOSize, 0, 0); err != nil {
			return nil, NewHostError(ErrDeviceInit, err)
		}
		return d, nil
	})
}

// Name identifies the device for HDT enumeration and logging.
func (d *TTYDevice) Name() string { return "tty" }

// Attach wires the sink bytes are forwarded to once a Terminal has paired
// this device with one, per §9's "wiring is validated at boot."
func (d *TTYDevice) Attach(out OutputSink) { d.out = out }

// OnRead always returns 0: the data register is write-only.
func (d *TTYDevice) OnRead(offset Word, width AccessWidth) (Word, error) {
	if offset != ttyRegData {
		return 0, NewFault(TrapProtectionFault, offset, AccessRead, true)
	}
	return 0, nil
}

// OnWrite forwards the low byte of value to the attached sink.
func (d *TTYDevice) OnWrite(offset Word, width AccessWidth, value Word) error {
	if offset != ttyRegData {
		return NewFault(TrapProtectionFault, offset, AccessWrite, true)
	}
	if d.out != nil {
		d.out.Write(byte(value))
	}
	return nil
}
