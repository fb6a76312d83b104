// terminal.go - terminal frontend: binds a keyboard to host stdin, a TTY to host stdout (§4.6, §9)
//
// Grounded on the teacher's terminal_host.go: a goroutine reads stdin one
// byte at a time and feeds it to the MMIO device. Unlike the teacher, this
// does not put the host terminal into raw mode (no golang.org/x/term,
// per SPEC_FULL.md's domain-stack decision) since the keyboard contract
// here is a scancode queue the guest polls, not raw keystroke passthrough.

package ducky

import (
	"fmt"
	"os"
)

// stdoutSink is the OutputSink a TTY's bytes land on by default.
type stdoutSink struct{}

func (stdoutSink) Write(b byte) { os.Stdout.Write([]byte{b}) }

// TerminalDevice is the host-facing wiring §9 calls a "terminal": one
// InputSource fed from stdin, one OutputSink a TTY writes through. It
// carries no MMIO range of its own; it exists purely to pair two devices
// already on the bus and to own the stdin-reading goroutine.
type TerminalDevice struct {
	term Terminal
	stop chan struct{}
}

func init() {
	registerDevice("terminal", func(cfg DeviceConfig, bus *Bus) (Device, error) {
		kbdKey := "keyboard-" + deviceIndex(cfg, "keyboard")
		ttyKey := "tty-" + deviceIndex(cfg, "tty")

		kbdDev, ok := bus.Lookup(kbdKey)
		if !ok {
			return nil, NewHostError(ErrConfiguration, fmt.Errorf("terminal: no keyboard device %q", kbdKey))
		}
		input, ok := kbdDev.(InputSource)
		if !ok {
			return nil, NewHostError(ErrConfiguration, fmt.Errorf("terminal: %q is not an InputSource", kbdKey))
		}

		ttyDev, ok := bus.Lookup(ttyKey)
		if !ok {
			return nil, NewHostError(ErrConfiguration, fmt.Errorf("terminal: no tty device %q", ttyKey))
		}
		tty, ok := ttyDev.(*TTYDevice)
		if !ok {
			return nil, NewHostError(ErrConfiguration, fmt.Errorf("terminal: %q is not a tty", ttyKey))
		}

		t := &TerminalDevice{term: Terminal{Input: input, Output: stdoutSink{}}, stop: make(chan struct{})}
		tty.Attach(t.term.Output)
		if err := bus.Register(deviceKey(cfg), t, 0, 0, 0, 0); err != nil {
			return nil, NewHostError(ErrDeviceInit, err)
		}
		t.pumpStdin()
		return t, nil
	})
}

// deviceIndex reads a terminal's "keyboard"/"tty" parameter, defaulting to
// instance 0 when the config names only one of each.
func deviceIndex(cfg DeviceConfig, key string) string {
	return cfg.ParamString(key, "0")
}

func (t *TerminalDevice) pumpStdin() {
	go func() {
		buf := make([]byte, 1)
		for {
			select {
			case <-t.stop:
				return
			default:
			}
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				t.term.Input.Enqueue(buf[0])
			}
		}
	}()
}

// Stop ends the stdin-reading goroutine, used when tearing a machine down
// (tests, snapshot-then-exit).
func (t *TerminalDevice) Stop() { close(t.stop) }

// Name identifies the device for HDT enumeration and logging.
func (t *TerminalDevice) Name() string { return "terminal" }

// OnRead/OnWrite are never reached: the terminal registers no MMIO range.
func (t *TerminalDevice) OnRead(offset Word, width AccessWidth) (Word, error) {
	return 0, NewFault(TrapProtectionFault, offset, AccessRead, true)
}

func (t *TerminalDevice) OnWrite(offset Word, width AccessWidth, value Word) error {
	return NewFault(TrapProtectionFault, offset, AccessWrite, true)
}
