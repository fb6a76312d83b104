package ducky

import "testing"

func TestTerminalDeviceOnReadAndOnWriteAlwaysTrap(t *testing.T) {
	term := &TerminalDevice{term: Terminal{}, stop: make(chan struct{})}
	if _, err := term.OnRead(0, WidthByte); err == nil {
		t.Fatalf("expected OnRead to trap: the terminal registers no MMIO range")
	}
	if err := term.OnWrite(0, WidthByte, 1); err == nil {
		t.Fatalf("expected OnWrite to trap: the terminal registers no MMIO range")
	}
}

func TestTerminalDeviceWiresInputAndOutputThroughToDevices(t *testing.T) {
	kbd := &KeyboardDevice{bus: NewBus(NewInterruptController()), irq: -1}
	sink := &captureSink{}
	term := &TerminalDevice{term: Terminal{Input: kbd, Output: sink}, stop: make(chan struct{})}

	term.term.Input.Enqueue('q')
	status, err := kbd.OnRead(kbdRegStatus, WidthByte)
	if err != nil {
		t.Fatalf("OnRead: %v", err)
	}
	if status != 1 {
		t.Fatalf("expected Enqueue through the terminal's Input to reach the keyboard device")
	}

	term.term.Output.Write('z')
	if string(sink.got) != "z" {
		t.Fatalf("expected Write through the terminal's Output to reach the sink, got %q", sink.got)
	}
}

func TestDeviceIndexDefaultsToInstanceZero(t *testing.T) {
	cfg := DeviceConfig{Params: map[string]string{}}
	if got := deviceIndex(cfg, "keyboard"); got != "0" {
		t.Fatalf("got %q, want %q", got, "0")
	}
}

func TestTerminalDeviceStopClosesWithoutPanicking(t *testing.T) {
	term := &TerminalDevice{stop: make(chan struct{})}
	term.Stop()
	select {
	case <-term.stop:
	default:
		t.Fatalf("expected Stop to close the stop channel")
	}
}
