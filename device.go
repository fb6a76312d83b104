// device.go - device registry and the capability interfaces devices compose (§9)
//
// Dotted-name dynamic dispatch is replaced, per §9, with a compile-time
// registry of constructors keyed by a stable string identifier; an unknown
// identifier is a ConfigurationError rather than a runtime lookup failure.
// Deep Backend/Frontend/Master inheritance is likewise replaced by three
// small capabilities — InputSource, OutputSink, Terminal — that concrete
// devices implement directly instead of subclassing a device hierarchy.

package ducky

import "fmt"

// InputSource is the host-facing half of a device that produces bytes for
// the guest to consume (keyboard scancodes, stdin).
type InputSource interface {
	Enqueue(b byte)
}

// OutputSink is the host-facing half of a device that consumes bytes the
// guest produced (TTY output, stdout).
type OutputSink interface {
	Write(b byte)
}

// Terminal binds one InputSource to one OutputSink, matching §9's "a
// terminal holds references to one input and one output; wiring is
// validated at boot."
type Terminal struct {
	Input  InputSource
	Output OutputSink
}

// Snapshotter is implemented by devices that hold state beyond their MMIO
// registers that a full machine snapshot must also capture, such as the
// SVGA framebuffer. TakeSnapshot/RestoreSnapshot consult the bus registry
// for devices implementing this rather than every device threading its own
// state through Registers/PageSnapshot.
type Snapshotter interface {
	Snapshot() []byte
	Restore([]byte)
}

// DeviceFactory builds a configured Device from its driver-specific
// parameters. cfg carries the device's section of the parsed TOML document.
type DeviceFactory func(cfg DeviceConfig, bus *Bus) (Device, error)

var deviceRegistry = map[string]DeviceFactory{}

// registerDevice adds a driver identifier to the compile-time registry.
// Called from each device file's package-level init.
func registerDevice(driver string, factory DeviceFactory) {
	deviceRegistry[driver] = factory
}

// BuildDevice resolves a configured device's driver identifier against the
// registry. An unknown identifier is a ConfigurationError (§9), not a panic
// or a runtime lookup miss.
func BuildDevice(cfg DeviceConfig, bus *Bus) (Device, error) {
	factory, ok := deviceRegistry[cfg.Driver]
	if !ok {
		return nil, NewHostError(ErrConfiguration, fmt.Errorf("device %q: unknown driver %q", cfg.Klass, cfg.Driver))
	}
	return factory(cfg, bus)
}
