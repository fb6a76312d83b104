package ducky

import "testing"

func newTestSVGA() *SVGADevice {
	width, height, bpp := Word(4), Word(2), Word(8)
	return &SVGADevice{
		width: width, height: height, bpp: bpp,
		fb: make([]byte, int(width)*int(height)*int(bpp)/8),
	}
}

func TestSVGADeviceOnReadReportsModeRegisters(t *testing.T) {
	d := newTestSVGA()
	w, err := d.OnRead(svgaRegWidth, WidthWord)
	if err != nil {
		t.Fatalf("OnRead width: %v", err)
	}
	if w != 4 {
		t.Fatalf("got %d, want 4", w)
	}
	h, err := d.OnRead(svgaRegHeight, WidthWord)
	if err != nil {
		t.Fatalf("OnRead height: %v", err)
	}
	if h != 2 {
		t.Fatalf("got %d, want 2", h)
	}
}

func TestSVGADeviceOnWriteModeRegistersTraps(t *testing.T) {
	d := newTestSVGA()
	if err := d.OnWrite(svgaRegWidth, WidthWord, 800); err == nil {
		t.Fatalf("expected writing a mode register to trap")
	}
}

func TestSVGADeviceFramebufferReadWriteRoundTrip(t *testing.T) {
	d := newTestSVGA()
	if err := d.OnWrite(svgaRegisterSpan+3, WidthByte, 0x99); err != nil {
		t.Fatalf("OnWrite: %v", err)
	}
	v, err := d.OnRead(svgaRegisterSpan+3, WidthByte)
	if err != nil {
		t.Fatalf("OnRead: %v", err)
	}
	if v != 0x99 {
		t.Fatalf("got 0x%x, want 0x99", v)
	}
}

func TestSVGADeviceOutOfBoundsFramebufferOffsetTraps(t *testing.T) {
	d := newTestSVGA()
	if _, err := d.OnRead(svgaRegisterSpan+Word(len(d.fb)), WidthByte); err == nil {
		t.Fatalf("expected an out-of-bounds framebuffer read to trap")
	}
	if err := d.OnWrite(svgaRegisterSpan+Word(len(d.fb)), WidthByte, 1); err == nil {
		t.Fatalf("expected an out-of-bounds framebuffer write to trap")
	}
}

func TestSVGADeviceSnapshotRestoreRoundTrip(t *testing.T) {
	d := newTestSVGA()
	for i := range d.fb {
		d.fb[i] = byte(i + 1)
	}
	snap := d.Snapshot()

	for i := range d.fb {
		d.fb[i] = 0
	}
	d.Restore(snap)
	for i, b := range d.fb {
		if b != byte(i+1) {
			t.Fatalf("byte %d = %x after restore, want %x", i, b, byte(i+1))
		}
	}
}

func TestSVGADeviceRestoreZeroPadsShortData(t *testing.T) {
	d := newTestSVGA()
	for i := range d.fb {
		d.fb[i] = 0xFF
	}
	d.Restore([]byte{1, 2})
	if d.fb[0] != 1 || d.fb[1] != 2 {
		t.Fatalf("unexpected prefix: %v", d.fb[:2])
	}
	for i := 2; i < len(d.fb); i++ {
		if d.fb[i] != 0 {
			t.Fatalf("expected zero padding at %d, got %x", i, d.fb[i])
		}
	}
}
