// blockio.go - block storage device (§4.6)
//
// Grounded on the teacher's file_io.go: a command/status register pair
// plus pointer registers, with the actual transfer done as a plain loop
// of byte accesses against the bus rather than a bulk os-level read into
// guest memory directly — here that loop moves bytes between the backing
// host file and guest memory through Memory's DMA-style accessors instead
// of file_io.go's own bus.Read8/Write8, since blocks are addressed by
// index rather than by a guest-supplied filename.

package ducky

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	blkRegStorageID Word = 0
	blkRegIndex     Word = 4
	blkRegBuffer    Word = 8
	blkRegCommand   Word = 12
	blkRegStatus    Word = 16
	blkRegError     Word = 20

	blkMMIOSize  Word = 24
	blockSize    Word = 512

	blkCmdRead  Word = 1
	blkCmdWrite Word = 2

	blkStatusOK    Word = 0
	blkStatusError Word = 1
)

// BlockIODevice backs (storage id, block index) addressed transfers with a
// host file opened at boot.
type BlockIODevice struct {
	bus *Bus
	irq int
	id  Word
	f   *os.File

	storageID Word
	index     Word
	bufferPtr Word
	status    Word
	errCode   Word
}

func init() {
	registerDevice("blockio", func(cfg DeviceConfig, bus *Bus) (Device, error) {
		path := cfg.ParamString("path", "")
		if path == "" {
			return nil, NewHostError(ErrConfiguration, fmt.Errorf("%s: blockio device requires a path", deviceKey(cfg)))
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, NewHostError(ErrIO, err)
		}
		d := &BlockIODevice{
			bus: bus,
			irq: cfg.ParamInt("irq", -1),
			id:  Word(cfg.Index),
			f:   f,
		}
		if err := bus.Register(deviceKey(cfg), d, cfg.ParamWord("mmio-base", 0), blkMMIOSize, 0, 0); err != nil {
			f.Close()
			return nil, NewHostError(ErrDeviceInit, err)
		}
		return d, nil
	})
}

// Name identifies the device for HDT enumeration and logging.
func (d *BlockIODevice) Name() string { return "blockio" }

// OnRead returns the pointer/status registers; the command register is
// write-only.
func (d *BlockIODevice) OnRead(offset Word, width AccessWidth) (Word, error) {
	switch offset {
	case blkRegStorageID:
		return d.storageID, nil
	case blkRegIndex:
		return d.index, nil
	case blkRegBuffer:
		return d.bufferPtr, nil
	case blkRegStatus:
		return d.status, nil
	case blkRegError:
		return d.errCode, nil
	default:
		return 0, NewFault(TrapProtectionFault, offset, AccessRead, true)
	}
}

// OnWrite stages a transfer's parameters and, on a write to the command
// register, performs it synchronously before returning (§4.3: "side
// effects ... performed synchronously within the MMIO call").
func (d *BlockIODevice) OnWrite(offset Word, width AccessWidth, value Word) error {
	switch offset {
	case blkRegStorageID:
		d.storageID = value
	case blkRegIndex:
		d.index = value
	case blkRegBuffer:
		d.bufferPtr = value
	case blkRegCommand:
		d.execute(value)
	default:
		return NewFault(TrapProtectionFault, offset, AccessWrite, true)
	}
	return nil
}

func (d *BlockIODevice) execute(cmd Word) {
	if d.storageID != d.id {
		d.fail(fmt.Errorf("blockio: storage id %d does not address this device (%d)", d.storageID, d.id))
		return
	}
	var err error
	switch cmd {
	case blkCmdRead:
		err = d.doRead()
	case blkCmdWrite:
		err = d.doWrite()
	default:
		err = fmt.Errorf("blockio: unknown command %d", cmd)
	}
	if err != nil {
		d.fail(err)
		return
	}
	d.status = blkStatusOK
	d.errCode = 0
	if d.irq >= 0 {
		d.bus.RaiseIRQ(d.irq)
	}
}

func (d *BlockIODevice) fail(err error) {
	d.status = blkStatusError
	d.errCode = 1
	if d.irq >= 0 {
		d.bus.RaiseIRQ(d.irq)
	}
}

func (d *BlockIODevice) doRead() error {
	buf := make([]byte, blockSize)
	if _, err := d.f.ReadAt(buf, int64(d.index)*int64(blockSize)); err != nil && !isEOFShortRead(err) {
		return err
	}
	mem := d.bus.Memory()
	for i, b := range buf {
		if err := mem.DeviceWriteByte(d.bufferPtr+Word(i), b); err != nil {
			return err
		}
	}
	return nil
}

func (d *BlockIODevice) doWrite() error {
	buf := make([]byte, blockSize)
	mem := d.bus.Memory()
	for i := range buf {
		b, err := mem.DeviceReadByte(d.bufferPtr + Word(i))
		if err != nil {
			return err
		}
		buf[i] = b
	}
	_, err := d.f.WriteAt(buf, int64(d.index)*int64(blockSize))
	return err
}

// isEOFShortRead reports whether a ReadAt error is just a short read past
// the current end of a sparse backing file, which reads as zeros rather
// than failing.
func isEOFShortRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
