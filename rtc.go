// rtc.go - real-time clock device (§4.6)
//
// Grounded on the teacher's terminal_io.go register-bank pattern (a small
// fixed set of word registers behind a switch on offset) and on §5's
// virtual-time model: rather than reading the host clock, the RTC counts
// instruction cycles and raises its IRQ once every `frequency` cycles,
// keeping a run's timing fully deterministic and reproducible under
// snapshot/restore.

package ducky

import (
	"strconv"
	"sync"
	"time"
)

const (
	rtcRegSeconds   Word = 0
	rtcRegMinutes   Word = 4
	rtcRegHours     Word = 8
	rtcRegDay       Word = 12
	rtcRegMonth     Word = 16
	rtcRegYear      Word = 20
	rtcRegFrequency Word = 24

	rtcMMIOSize Word = 28
)

// RTCDevice exposes the host wall-clock's calendar fields as read-only MMIO
// registers and raises an IRQ at a guest-programmed frequency.
type RTCDevice struct {
	mu   sync.Mutex
	bus  *Bus
	irq  int
	freq uint32
	now  func() time.Time
}

func init() {
	registerDevice("rtc", func(cfg DeviceConfig, bus *Bus) (Device, error) {
		d := &RTCDevice{bus: bus, irq: cfg.ParamInt("irq", -1), now: time.Now}
		if err := bus.Register(deviceKey(cfg), d, cfg.ParamWord("mmio-base", 0), rtcMMIOSize, 0, 0); err != nil {
			return nil, NewHostError(ErrDeviceInit, err)
		}
		bus.RegisterTicker(d)
		return d, nil
	})
}

// Name identifies the device for HDT enumeration and logging.
func (d *RTCDevice) Name() string { return "rtc" }

// OnRead returns the current calendar field or the programmed frequency.
func (d *RTCDevice) OnRead(offset Word, width AccessWidth) (Word, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.now().UTC()
	switch offset {
	case rtcRegSeconds:
		return Word(t.Second()), nil
	case rtcRegMinutes:
		return Word(t.Minute()), nil
	case rtcRegHours:
		return Word(t.Hour()), nil
	case rtcRegDay:
		return Word(t.Day()), nil
	case rtcRegMonth:
		return Word(t.Month()), nil
	case rtcRegYear:
		return Word(t.Year()), nil
	case rtcRegFrequency:
		return Word(d.freq), nil
	default:
		return 0, NewFault(TrapProtectionFault, offset, AccessRead, true)
	}
}

// OnWrite only accepts a new IRQ frequency, in cycles between raises; zero
// disables the timer.
func (d *RTCDevice) OnWrite(offset Word, width AccessWidth, value Word) error {
	if offset != rtcRegFrequency {
		return NewFault(TrapProtectionFault, offset, AccessWrite, true)
	}
	d.mu.Lock()
	d.freq = uint32(value)
	d.mu.Unlock()
	return nil
}

// Tick raises the timer IRQ every freq cycles, per §5's virtual-time model.
func (d *RTCDevice) Tick(cycle uint64) {
	d.mu.Lock()
	freq := d.freq
	d.mu.Unlock()
	if freq == 0 || d.irq < 0 {
		return
	}
	if cycle%uint64(freq) == 0 {
		d.bus.RaiseIRQ(d.irq)
	}
}

// deviceKey builds the bus registry key for a configured device: its class
// plus its config-file index, so two instances of the same driver never
// collide.
func deviceKey(cfg DeviceConfig) string {
	return cfg.Klass + "-" + strconv.Itoa(cfg.Index)
}
