// Package eeprom drives a 25LC040 class 4 Kbit SPI EEPROM.
//
// The chip has a 9 bit address space (512 bytes) and a 16 byte write page.
// The ninth address bit is carried in bit 3 of the instruction byte, only the
// low eight bits are clocked out as the address byte.
package eeprom

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
)

// Instruction set.
const (
	WRSR  byte = 0x01 // write status register
	WRITE byte = 0x02
	READ  byte = 0x03
	WRDI  byte = 0x04 // reset the write enable latch
	RDSR  byte = 0x05 // read status register
	WREN  byte = 0x06 // set the write enable latch
)

// Status register bits.
const (
	WIPMask byte = 0x01 // write in progress
	WELMask byte = 0x02 // write enable latch
	BPMask  byte = 0x0C // block protection
)

const (
	PageSize = 16
	Size     = 512
)

var (
	ErrBusFault           = errors.New("eeprom: bus fault")
	ErrSizeExceedsPage    = errors.New("eeprom: write crosses page boundary")
	ErrDeviceUnresponsive = errors.New("eeprom: device still busy")
	ErrAddressRange       = errors.New("eeprom: address out of range")
)

// Opts holds the timing used by Dev.
type Opts struct {
	// PollTimeout bounds the wait for the write-in-progress bit to clear.
	PollTimeout time.Duration
	// PollInterval is the pause between two status reads while busy.
	PollInterval time.Duration
	// EnableSettle is the pause between WREN and the write instruction.
	EnableSettle time.Duration
}

// DefaultOpts suits the 25LC040A, whose write cycle is 5ms max.
var DefaultOpts = Opts{
	PollTimeout:  50 * time.Millisecond,
	PollInterval: 100 * time.Microsecond,
	EnableSettle: 10 * time.Millisecond,
}

// Dev is a handle to the chip. It is safe for concurrent use, only one
// transaction sequence is on the bus at a time.
type Dev struct {
	c    conn.Conn
	opts Opts
	mu   sync.Mutex
}

// New returns a Dev on c. If the block protection bits are set they are
// cleared so the whole array is writable.
func New(c conn.Conn, opts *Opts) (*Dev, error) {
	d := &Dev{c: c, opts: DefaultOpts}
	if opts != nil {
		d.opts = *opts
	}
	status, err := d.ReadStatus()
	if err != nil {
		return nil, err
	}
	if status&BPMask != 0 {
		logger.Infof("EEPROM block protection set [%#02x], clearing", status&BPMask)
		if err := d.WriteStatus(status &^ BPMask); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("25LC040{%s}", d.c)
}

// instruction folds address bit 8 into the opcode.
func instruction(op byte, addr uint16) byte {
	return op | byte((addr&0x0100)>>5)
}

// ReadByteAt returns the byte stored at addr.
func (d *Dev) ReadByteAt(addr uint16) (byte, error) {
	if addr >= Size {
		return 0, ErrAddressRange
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(); err != nil {
		return 0, err
	}
	w := []byte{instruction(READ, addr), byte(addr), 0x00}
	r := make([]byte, len(w))
	if err := d.tx("read", w, r); err != nil {
		return 0, err
	}
	return r[2], nil
}

// WriteByteAt stores b at addr.
func (d *Dev) WriteByteAt(addr uint16, b byte) error {
	if addr >= Size {
		return ErrAddressRange
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(); err != nil {
		return err
	}
	if err := d.enable(); err != nil {
		return err
	}
	return d.tx("write", []byte{instruction(WRITE, addr), byte(addr), b}, nil)
}

// WritePage stores data starting at addr. The whole burst must fit in the
// page that contains addr, otherwise ErrSizeExceedsPage is returned and
// nothing is sent to the chip.
func (d *Dev) WritePage(addr uint16, data []byte) error {
	if addr >= Size {
		return ErrAddressRange
	}
	maxSize := PageSize - int(addr%PageSize)
	if len(data) > maxSize {
		return fmt.Errorf("%w: %d bytes at %#03x, room for %d", ErrSizeExceedsPage, len(data), addr, maxSize)
	}
	if len(data) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(); err != nil {
		return err
	}
	if err := d.enable(); err != nil {
		return err
	}
	w := make([]byte, 2+len(data))
	w[0] = instruction(WRITE, addr)
	w[1] = byte(addr)
	copy(w[2:], data)
	return d.tx("write page", w, nil)
}

// ReadStatus returns the status register.
func (d *Dev) ReadStatus() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readStatus()
}

// WriteStatus writes the status register (only the BP bits are writable).
func (d *Dev) WriteStatus(status byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.waitReady(); err != nil {
		return err
	}
	if err := d.enable(); err != nil {
		return err
	}
	return d.tx("write status", []byte{WRSR, status}, nil)
}

// WriteEnable sets the write enable latch. The latch only holds until the
// next write, so write operations set it themselves.
func (d *Dev) WriteEnable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx("write enable", []byte{WREN}, nil)
}

// WriteDisable resets the write enable latch.
func (d *Dev) WriteDisable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx("write disable", []byte{WRDI}, nil)
}

func (d *Dev) enable() error {
	if err := d.tx("write enable", []byte{WREN}, nil); err != nil {
		return err
	}
	if d.opts.EnableSettle > 0 {
		time.Sleep(d.opts.EnableSettle)
	}
	return nil
}

func (d *Dev) readStatus() (byte, error) {
	r := make([]byte, 2)
	if err := d.tx("read status", []byte{RDSR, 0x00}, r); err != nil {
		return 0, err
	}
	return r[1], nil
}

// waitReady polls the status register until the previous write cycle ends.
func (d *Dev) waitReady() error {
	deadline := time.Now().Add(d.opts.PollTimeout)
	for {
		status, err := d.readStatus()
		if err != nil {
			return err
		}
		if status&WIPMask == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %v", ErrDeviceUnresponsive, d.opts.PollTimeout)
		}
		if d.opts.PollInterval > 0 {
			time.Sleep(d.opts.PollInterval)
		}
	}
}

func (d *Dev) tx(op string, w, r []byte) error {
	if err := d.c.Tx(w, r); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBusFault, op, err)
	}
	return nil
}
