// snapshot.go - full machine state save/restore (§4.6)
//
// Wire format and framing grounded on the teacher's debug_snapshot.go: a
// fixed magic, a version word, then a sequence of binary.Write-encoded
// sections, with the bulk memory blob gzip-compressed. Ducky's state is
// richer than the teacher's single-CPU register file plus flat memory, so
// this adds a per-core register section and a sparse page list (only
// allocated pages are written, each tagged with its base and flags) in
// place of the teacher's single contiguous memory dump.

package ducky

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	snapshotMagic   = "DKSS"
	snapshotVersion = 1
)

// MachineSnapshot captures every core's registers, every allocated page of
// physical memory, and any device-held state a page can't (the SVGA
// framebuffer), keyed by the device's bus registration key.
type MachineSnapshot struct {
	Cores        []Registers
	Pages        []PageSnapshot
	Framebuffers map[string][]byte
}

// PageSnapshot is one physical page's base, flags, owner, and contents.
type PageSnapshot struct {
	Base  Word
	Flags PageFlags
	Owner int32
	Data  []byte
}

// TakeSnapshot captures a Machine's full state.
func TakeSnapshot(m *Machine) *MachineSnapshot {
	snap := &MachineSnapshot{Cores: make([]Registers, len(m.Cores))}
	for i, c := range m.Cores {
		snap.Cores[i] = c.Regs
	}
	for _, base := range m.Mem.AllocatedBases() {
		data, ok := m.Mem.RawAt(base)
		if !ok {
			continue
		}
		m.Mem.mu.RLock()
		p := m.Mem.pages[base]
		flags, owner := p.Flags, int32(p.Owner)
		m.Mem.mu.RUnlock()
		snap.Pages = append(snap.Pages, PageSnapshot{Base: base, Flags: flags, Owner: owner, Data: data})
	}
	if snapshotters := m.Bus.Snapshotters(); len(snapshotters) > 0 {
		snap.Framebuffers = make(map[string][]byte, len(snapshotters))
		for key, s := range snapshotters {
			snap.Framebuffers[key] = s.Snapshot()
		}
	}
	return snap
}

// RestoreSnapshot replaces a Machine's core registers and physical memory
// with a previously captured snapshot. The core count must match: restoring
// into a machine booted with a different topology is a configuration error,
// not something this call tries to paper over.
func RestoreSnapshot(m *Machine, snap *MachineSnapshot) error {
	if len(snap.Cores) != len(m.Cores) {
		return NewHostError(ErrConfiguration, fmt.Errorf("snapshot: %d core(s) in snapshot, machine has %d", len(snap.Cores), len(m.Cores)))
	}
	for i, regs := range snap.Cores {
		m.Cores[i].Regs = regs
		// Regs.PTBase is just the register's value; the core's MMU caches
		// its own copy and a stale one would keep translating against
		// whatever table the machine had installed before the restore.
		m.Cores[i].mem.SetPageTableBase(regs.PTBase)
	}
	for _, ps := range snap.Pages {
		if err := m.Mem.SetRawAt(ps.Base, int(ps.Owner), ps.Flags, ps.Data); err != nil {
			return err
		}
	}
	if len(snap.Framebuffers) > 0 {
		snapshotters := m.Bus.Snapshotters()
		for key, data := range snap.Framebuffers {
			if s, ok := snapshotters[key]; ok {
				s.Restore(data)
			}
		}
	}
	return nil
}

// SaveSnapshotToFile writes a snapshot to disk with gzip-compressed page
// data, mirroring the teacher's length-prefixed, magic-tagged framing.
func SaveSnapshotToFile(snap *MachineSnapshot, path string) error {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(snapshotVersion))

	binary.Write(&buf, binary.LittleEndian, uint32(len(snap.Cores)))
	for _, r := range snap.Cores {
		if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
			return fmt.Errorf("snapshot: writing registers: %w", err)
		}
	}

	var pageBuf bytes.Buffer
	binary.Write(&pageBuf, binary.LittleEndian, uint32(len(snap.Pages)))
	for _, p := range snap.Pages {
		binary.Write(&pageBuf, binary.LittleEndian, p.Base)
		binary.Write(&pageBuf, binary.LittleEndian, uint8(p.Flags))
		binary.Write(&pageBuf, binary.LittleEndian, p.Owner)
		pageBuf.Write(p.Data)
	}
	binary.Write(&pageBuf, binary.LittleEndian, uint32(len(snap.Framebuffers)))
	for key, data := range snap.Framebuffers {
		binary.Write(&pageBuf, binary.LittleEndian, uint32(len(key)))
		pageBuf.WriteString(key)
		binary.Write(&pageBuf, binary.LittleEndian, uint32(len(data)))
		pageBuf.Write(data)
	}

	binary.Write(&buf, binary.LittleEndian, uint32(pageBuf.Len()))
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(pageBuf.Bytes()); err != nil {
		return fmt.Errorf("snapshot: compressing pages: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("snapshot: closing gzip: %w", err)
	}
	buf.Write(compressed.Bytes())

	return os.WriteFile(path, buf.Bytes(), 0644)
}

// LoadSnapshotFromFile reads and decompresses a snapshot written by
// SaveSnapshotToFile.
func LoadSnapshotFromFile(path string) (*MachineSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("snapshot: reading magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return nil, fmt.Errorf("snapshot: bad magic %q", string(magic))
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("snapshot: reading version: %w", err)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d", version)
	}

	var coreCount uint32
	if err := binary.Read(r, binary.LittleEndian, &coreCount); err != nil {
		return nil, fmt.Errorf("snapshot: reading core count: %w", err)
	}
	cores := make([]Registers, coreCount)
	for i := range cores {
		if err := binary.Read(r, binary.LittleEndian, &cores[i]); err != nil {
			return nil, fmt.Errorf("snapshot: reading registers: %w", err)
		}
	}

	var uncompressedLen uint32
	if err := binary.Read(r, binary.LittleEndian, &uncompressedLen); err != nil {
		return nil, fmt.Errorf("snapshot: reading page section length: %w", err)
	}
	remaining := data[len(data)-r.Len():]
	gz, err := gzip.NewReader(bytes.NewReader(remaining))
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening gzip reader: %w", err)
	}
	defer gz.Close()

	pageData := make([]byte, uncompressedLen)
	if _, err := io.ReadFull(gz, pageData); err != nil {
		return nil, fmt.Errorf("snapshot: decompressing pages: %w", err)
	}

	pr := bytes.NewReader(pageData)
	var pageCount uint32
	if err := binary.Read(pr, binary.LittleEndian, &pageCount); err != nil {
		return nil, fmt.Errorf("snapshot: reading page count: %w", err)
	}
	pages := make([]PageSnapshot, pageCount)
	for i := range pages {
		var base Word
		var flags uint8
		var owner int32
		if err := binary.Read(pr, binary.LittleEndian, &base); err != nil {
			return nil, fmt.Errorf("snapshot: reading page base: %w", err)
		}
		if err := binary.Read(pr, binary.LittleEndian, &flags); err != nil {
			return nil, fmt.Errorf("snapshot: reading page flags: %w", err)
		}
		if err := binary.Read(pr, binary.LittleEndian, &owner); err != nil {
			return nil, fmt.Errorf("snapshot: reading page owner: %w", err)
		}
		buf := make([]byte, PageSize)
		if _, err := io.ReadFull(pr, buf); err != nil {
			return nil, fmt.Errorf("snapshot: reading page data: %w", err)
		}
		pages[i] = PageSnapshot{Base: base, Flags: PageFlags(flags), Owner: owner, Data: buf}
	}

	var fbCount uint32
	if err := binary.Read(pr, binary.LittleEndian, &fbCount); err != nil {
		return nil, fmt.Errorf("snapshot: reading framebuffer count: %w", err)
	}
	var framebuffers map[string][]byte
	if fbCount > 0 {
		framebuffers = make(map[string][]byte, fbCount)
		for i := uint32(0); i < fbCount; i++ {
			var keyLen uint32
			if err := binary.Read(pr, binary.LittleEndian, &keyLen); err != nil {
				return nil, fmt.Errorf("snapshot: reading framebuffer key length: %w", err)
			}
			keyBuf := make([]byte, keyLen)
			if _, err := io.ReadFull(pr, keyBuf); err != nil {
				return nil, fmt.Errorf("snapshot: reading framebuffer key: %w", err)
			}
			var dataLen uint32
			if err := binary.Read(pr, binary.LittleEndian, &dataLen); err != nil {
				return nil, fmt.Errorf("snapshot: reading framebuffer data length: %w", err)
			}
			dataBuf := make([]byte, dataLen)
			if _, err := io.ReadFull(pr, dataBuf); err != nil {
				return nil, fmt.Errorf("snapshot: reading framebuffer data: %w", err)
			}
			framebuffers[string(keyBuf)] = dataBuf
		}
	}

	return &MachineSnapshot{Cores: cores, Pages: pages, Framebuffers: framebuffers}, nil
}

const (
	snapRegPath    Word = 0
	snapRegCommand Word = 256
	snapRegStatus  Word = 260

	snapMMIOSize Word = 264

	snapCmdSave Word = 1
	snapCmdLoad Word = 2

	snapStatusOK    Word = 0
	snapStatusError Word = 1
)

// SnapshotDevice lets the guest trigger a save or load of the whole
// machine to/from a host path it writes byte-by-byte into a fixed buffer,
// matching the file_io.go-style "write a filename, then issue a command"
// convention.
type SnapshotDevice struct {
	m       *Machine
	path    [snapRegCommand]byte
	pathLen int
	status  Word
}

func init() {
	registerDevice("snapshot", func(cfg DeviceConfig, bus *Bus) (Device, error) {
		d := &SnapshotDevice{}
		if err := bus.Register(deviceKey(cfg), d, cfg.ParamWord("mmio-base", 0), snapMMIOSize, 0, 0); err != nil {
			return nil, NewHostError(ErrDeviceInit, err)
		}
		return d, nil
	})
}

// Name identifies the device for HDT enumeration and logging.
func (d *SnapshotDevice) Name() string { return "snapshot" }

// Attach gives the device the machine it will snapshot; called from Boot
// once the Machine value exists, since the device is built before it.
func (d *SnapshotDevice) Attach(m *Machine) { d.m = m }

// OnRead serves back the status of the last command.
func (d *SnapshotDevice) OnRead(offset Word, width AccessWidth) (Word, error) {
	if offset == snapRegStatus {
		return d.status, nil
	}
	return 0, NewFault(TrapProtectionFault, offset, AccessRead, true)
}

// OnWrite accepts path bytes below the command register and, on a write to
// it, performs the save or load synchronously.
func (d *SnapshotDevice) OnWrite(offset Word, width AccessWidth, value Word) error {
	switch {
	case offset < snapRegCommand:
		d.path[offset] = byte(value)
		if value == 0 {
			d.pathLen = int(offset)
		}
		return nil
	case offset == snapRegCommand:
		d.execute(value)
		return nil
	default:
		return NewFault(TrapProtectionFault, offset, AccessWrite, true)
	}
}

func (d *SnapshotDevice) execute(cmd Word) {
	if d.m == nil {
		d.status = snapStatusError
		return
	}
	path := string(d.path[:d.pathLen])
	var err error
	switch cmd {
	case snapCmdSave:
		err = SaveSnapshotToFile(TakeSnapshot(d.m), path)
	case snapCmdLoad:
		var snap *MachineSnapshot
		snap, err = LoadSnapshotFromFile(path)
		if err == nil {
			err = RestoreSnapshot(d.m, snap)
		}
	default:
		err = fmt.Errorf("snapshot: unknown command %d", cmd)
	}
	if err != nil {
		d.status = snapStatusError
		return
	}
	d.status = snapStatusOK
}
