package ducky

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfigParsesMachineAndMemory(t *testing.T) {
	path := writeConfigFile(t, `
[machine]
cpus = 2
cores = 4
hdt-base = 256
ivt-base = 0

[memory]
size = 1048576
allow-unaligned = true
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Machine.CPUs != 2 || cfg.Machine.Cores != 4 {
		t.Fatalf("unexpected machine section: %+v", cfg.Machine)
	}
	if cfg.Machine.HDTBase != 0x100 {
		t.Fatalf("got HDTBase 0x%x, want 0x100", cfg.Machine.HDTBase)
	}
	if cfg.Memory.Size != 1048576 || !cfg.Memory.AllowUnaligned {
		t.Fatalf("unexpected memory section: %+v", cfg.Memory)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[machine]
cpus = 1
cores = 1
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Machine.HDTBase != 0x100 {
		t.Fatalf("expected default HDTBase 0x100, got 0x%x", cfg.Machine.HDTBase)
	}
	if cfg.Memory.Alignment != PageSize {
		t.Fatalf("expected default alignment %d, got %d", PageSize, cfg.Memory.Alignment)
	}
}

func TestLoadConfigOrdersNumberedSectionsByIndex(t *testing.T) {
	path := writeConfigFile(t, `
[machine]
cpus = 1
cores = 1

[memory]
size = 4096

[binary-2]
path = "second.bin"

[binary-0]
path = "first.bin"

[device-1]
klass = "tty"
driver = "tty"

[device-0]
klass = "keyboard"
driver = "ps2"
irq = "9"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Binaries) != 2 || cfg.Binaries[0].Path != "first.bin" || cfg.Binaries[1].Path != "second.bin" {
		t.Fatalf("binaries not ordered by index: %+v", cfg.Binaries)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[0].Klass != "keyboard" || cfg.Devices[1].Klass != "tty" {
		t.Fatalf("devices not ordered by index: %+v", cfg.Devices)
	}
	if cfg.Devices[0].ParamInt("irq", -1) != 9 {
		t.Fatalf("expected device-0's irq param to parse as 9, got %d", cfg.Devices[0].ParamInt("irq", -1))
	}
}

func TestLoadConfigRejectsDeviceMissingKlassOrDriver(t *testing.T) {
	path := writeConfigFile(t, `
[machine]
cpus = 1
cores = 1

[device-0]
driver = "ps2"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected an error for a device section missing klass")
	}
}

func TestLoadConfigRejectsUnrecognizedSection(t *testing.T) {
	path := writeConfigFile(t, `
[nonsense]
foo = "bar"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected an error for an unrecognized section")
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestDeviceConfigParamAccessors(t *testing.T) {
	d := DeviceConfig{Params: map[string]string{
		"base": "0x4000",
		"size": "64",
		"name": "rtc0",
	}}

	wordCases := []struct {
		name string
		key  string
		def  Word
		want Word
	}{
		{"hex value", "base", 0, 0x4000},
		{"decimal value", "size", 0, 64},
		{"missing key falls back to default", "missing", 0xABCD, 0xABCD},
	}
	for _, tc := range wordCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, d.ParamWord(tc.key, tc.def))
		})
	}

	stringCases := []struct {
		name string
		key  string
		def  string
		want string
	}{
		{"present value", "name", "x", "rtc0"},
		{"missing key falls back to default", "missing", "fallback", "fallback"},
	}
	for _, tc := range stringCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, d.ParamString(tc.key, tc.def))
		})
	}
}
