// config.go - kebab-case TOML machine configuration (§4.7, §6)
//
// Grounded on go-probe's cmd/gprobe/config.go: a toml.Config{NormFieldName,
// FieldToKey, MissingField} pair feeding NewDecoder(...).Decode(). Ducky's
// document has a twist go-probe's fixed node/probe/metrics schema doesn't:
// section names like [binary-0], [device-3] carry their index in the
// section header itself rather than in a TOML array-of-tables. Decoding
// into a generic map first, then picking off the numbered sections by
// prefix, handles that without inventing a field-name convention the
// format doesn't have.

package ducky

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/naoina/toml"
)

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field %q is not defined in %s", field, rt.String())
	},
}

// MachineConfig is the [machine] section: how many CPUs, how many cores
// each, and the two well-known physical addresses boot fixes in place
// before any core runs: where the HDT lands (§6, default 0x100) and where
// the IVT is installed (default 0x0, distinct from the HDT address so the
// two fixed regions never collide at their shared default).
type MachineConfig struct {
	CPUs    int
	Cores   int
	HDTBase Word
	IVTBase Word
}

// MemoryConfig is the [memory] section.
type MemoryConfig struct {
	Size           Word
	Alignment      Word
	AllowUnaligned bool
}

// CPUConfig is the [cpu] section: the advisory-cache and coprocessor knobs
// §9 calls out as safe to omit without breaking correctness.
type CPUConfig struct {
	Caches       bool
	Coprocessors bool
	FrameChecks  bool
}

// BootloaderConfig is the [bootloader] section.
type BootloaderConfig struct {
	Path string
	Base Word
}

// BinaryConfig is one [binary-N] section: an object/executable to load at
// its declared base (or the base recorded in its own section header, if
// present in the file).
type BinaryConfig struct {
	Index int
	Path  string
	Base  Word
}

// DeviceConfig is one [device-N] section. Klass and Driver are required by
// §9; everything else is driver-specific and left in Params for the
// device's own factory to interpret.
type DeviceConfig struct {
	Index  int
	Klass  string
	Driver string
	Params map[string]string
}

// Config is the fully parsed machine configuration document.
type Config struct {
	Machine    MachineConfig
	Memory     MemoryConfig
	CPU        CPUConfig
	Bootloader BootloaderConfig
	Binaries   []BinaryConfig
	Devices    []DeviceConfig
}

// LoadConfig parses a kebab-case TOML machine configuration file. Parse
// failures are a ConfigurationError (§7): a malformed config is a host
// problem, never something the guest interrupt path should see.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewHostError(ErrConfiguration, err)
	}
	defer f.Close()

	raw := map[string]map[string]interface{}{}
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&raw); err != nil {
		return nil, NewHostError(ErrConfiguration, fmt.Errorf("%s: %w", path, err))
	}

	// A section left out of the file gets the same defaults as an empty one.
	cfg := &Config{
		Machine: MachineConfig{CPUs: 1, Cores: 1, HDTBase: 0x100, IVTBase: 0x0},
		Memory:  MemoryConfig{Alignment: PageSize},
		CPU:     CPUConfig{Caches: true, Coprocessors: true, FrameChecks: true},
	}
	for name, section := range raw {
		switch {
		case name == "machine":
			cfg.Machine = MachineConfig{
				CPUs:    getInt(section, "cpus", 1),
				Cores:   getInt(section, "cores", 1),
				HDTBase: getWordParam(section, "hdt-base", 0x100),
				IVTBase: getWordParam(section, "ivt-base", 0x0),
			}
		case name == "memory":
			cfg.Memory = MemoryConfig{
				Size:           getWordParam(section, "size", 0),
				Alignment:      getWordParam(section, "alignment", PageSize),
				AllowUnaligned: getBool(section, "allow-unaligned", false),
			}
		case name == "cpu":
			cfg.CPU = CPUConfig{
				Caches:       getBool(section, "caches", true),
				Coprocessors: getBool(section, "coprocessors", true),
				FrameChecks:  getBool(section, "frame-checks", true),
			}
		case name == "bootloader":
			cfg.Bootloader = BootloaderConfig{
				Path: getString(section, "path", ""),
				Base: getWordParam(section, "base", 0),
			}
		case strings.HasPrefix(name, "binary-"):
			idx, ok := numberedSuffix(name, "binary-")
			if !ok {
				return nil, NewHostError(ErrConfiguration, fmt.Errorf("bad section name %q", name))
			}
			cfg.Binaries = append(cfg.Binaries, BinaryConfig{
				Index: idx,
				Path:  getString(section, "path", ""),
				Base:  getWordParam(section, "base", 0),
			})
		case strings.HasPrefix(name, "device-"):
			idx, ok := numberedSuffix(name, "device-")
			if !ok {
				return nil, NewHostError(ErrConfiguration, fmt.Errorf("bad section name %q", name))
			}
			klass := getString(section, "klass", "")
			driver := getString(section, "driver", "")
			if klass == "" || driver == "" {
				return nil, NewHostError(ErrConfiguration, fmt.Errorf("%s: klass and driver are required", name))
			}
			cfg.Devices = append(cfg.Devices, DeviceConfig{
				Index:  idx,
				Klass:  klass,
				Driver: driver,
				Params: stringParams(section),
			})
		default:
			return nil, NewHostError(ErrConfiguration, fmt.Errorf("unrecognized section %q", name))
		}
	}

	sort.Slice(cfg.Binaries, func(i, j int) bool { return cfg.Binaries[i].Index < cfg.Binaries[j].Index })
	sort.Slice(cfg.Devices, func(i, j int) bool { return cfg.Devices[i].Index < cfg.Devices[j].Index })
	return cfg, nil
}

func numberedSuffix(name, prefix string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

func getString(m map[string]interface{}, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func getBool(m map[string]interface{}, key string, def bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func getInt(m map[string]interface{}, key string, def int) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func getWordParam(m map[string]interface{}, key string, def Word) Word {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return Word(n)
		case float64:
			return Word(n)
		}
	}
	return def
}

// ParamString returns a device's driver-specific string parameter, or def
// if absent.
func (d DeviceConfig) ParamString(key, def string) string {
	if v, ok := d.Params[key]; ok {
		return v
	}
	return def
}

// ParamWord parses a device's driver-specific parameter as a Word,
// accepting the 0x-hex or decimal forms §6's config grammar allows for
// addresses and IRQ numbers.
func (d DeviceConfig) ParamWord(key string, def Word) Word {
	v, ok := d.Params[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return def
	}
	return Word(n)
}

// ParamInt parses a device's driver-specific parameter as a plain int.
func (d DeviceConfig) ParamInt(key string, def int) int {
	v, ok := d.Params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// stringParams flattens a device section's remaining keys into strings for
// the device factory to parse itself, since each driver's parameters differ
// in shape (addresses, paths, frequencies).
func stringParams(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k == "klass" || k == "driver" {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}
