// svga.go - framebuffer display device (§4.6)
//
// Per SPEC_FULL.md's domain-stack decision, this exposes only the MMIO
// surface a guest programs against: a readable/writable byte buffer at a
// configured base and a mode register describing its dimensions. It does
// not open a host window or render anything (no ebiten/vulkan binding) —
// a test or a future frontend reads the framebuffer back through Snapshot
// rather than through this device painting pixels itself.

package ducky

import "sync"

const (
	svgaRegWidth  Word = 0
	svgaRegHeight Word = 4
	svgaRegBPP    Word = 8

	svgaRegisterSpan Word = 12
)

// SVGADevice is a fixed-size byte buffer mapped at a configured MMIO base,
// preceded by a small bank of read-only mode registers.
type SVGADevice struct {
	mu     sync.RWMutex
	width  Word
	height Word
	bpp    Word
	fb     []byte
}

func init() {
	registerDevice("svga", func(cfg DeviceConfig, bus *Bus) (Device, error) {
		width := cfg.ParamWord("width", 640)
		height := cfg.ParamWord("height", 480)
		bpp := cfg.ParamWord("bpp", 8)
		d := &SVGADevice{
			width:  width,
			height: height,
			bpp:    bpp,
			fb:     make([]byte, int(width)*int(height)*int(bpp)/8),
		}
		size := svgaRegisterSpan + Word(len(d.fb))
		if err := bus.Register(deviceKey(cfg), d, cfg.ParamWord("mmio-base", 0), size, 0, 0); err != nil {
			return nil, NewHostError(ErrDeviceInit, err)
		}
		return d, nil
	})
}

// Name identifies the device for HDT enumeration and logging.
func (d *SVGADevice) Name() string { return "svga" }

// OnRead serves the mode registers below svgaRegisterSpan and raw
// framebuffer bytes above it.
func (d *SVGADevice) OnRead(offset Word, width AccessWidth) (Word, error) {
	switch offset {
	case svgaRegWidth:
		return d.width, nil
	case svgaRegHeight:
		return d.height, nil
	case svgaRegBPP:
		return d.bpp, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := int(offset - svgaRegisterSpan)
	if i < 0 || i >= len(d.fb) {
		return 0, NewFault(TrapProtectionFault, offset, AccessRead, true)
	}
	return Word(d.fb[i]), nil
}

// OnWrite rejects writes to the mode registers (fixed at device-config
// time) and accepts single-byte framebuffer writes.
func (d *SVGADevice) OnWrite(offset Word, width AccessWidth, value Word) error {
	switch offset {
	case svgaRegWidth, svgaRegHeight, svgaRegBPP:
		return NewFault(TrapProtectionFault, offset, AccessWrite, true)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := int(offset - svgaRegisterSpan)
	if i < 0 || i >= len(d.fb) {
		return NewFault(TrapProtectionFault, offset, AccessWrite, true)
	}
	d.fb[i] = byte(value)
	return nil
}

// Snapshot returns a copy of the current framebuffer contents, used by the
// snapshot device to capture display state without exposing the backing
// slice itself to mutation races.
func (d *SVGADevice) Snapshot() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	buf := make([]byte, len(d.fb))
	copy(buf, d.fb)
	return buf
}

// Restore replaces the framebuffer contents wholesale.
func (d *SVGADevice) Restore(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(d.fb, data)
	for ; n < len(d.fb); n++ {
		d.fb[n] = 0
	}
}
