// Package eepromtest emulates a 25LC040 on the SPI wire for tests.
package eepromtest

import (
	"sync"

	"periph.io/x/conn/v3"
)

const (
	size     = 512
	pageSize = 16
)

// Chip is an in-memory 25LC040. It decodes the full duplex frames sent by
// eeprom.Dev and implements conn.Conn.
type Chip struct {
	mu  sync.Mutex
	mem [size]byte
	wel bool
	bp  byte

	busy int

	// BusyPolls is the number of status reads that report WIP after each
	// write cycle.
	BusyPolls int
	// Stuck keeps WIP set forever.
	Stuck bool
	// Fail, when set, is returned by every Tx.
	Fail error

	writes  int
	ignored int
}

// New returns a blank chip (erased to 0xFF like a fresh part).
func New() *Chip {
	c := &Chip{}
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	return c
}

func (c *Chip) String() string { return "eepromtest" }

func (c *Chip) Duplex() conn.Duplex { return conn.Full }

// Tx implements conn.Conn.
func (c *Chip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return c.Fail
	}
	if len(w) == 0 {
		return nil
	}
	op := w[0] &^ 0x08
	a8 := uint16(w[0]&0x08) << 5
	switch op {
	case 0x03: // READ
		if len(w) < 2 {
			return nil
		}
		addr := a8 | uint16(w[1])
		for i := 2; i < len(r); i++ {
			r[i] = c.mem[(int(addr)+i-2)%size]
		}
	case 0x02: // WRITE
		if len(w) < 3 {
			return nil
		}
		if !c.wel || c.busy > 0 || c.Stuck {
			c.ignored++
			return nil
		}
		addr := a8 | uint16(w[1])
		base := int(addr) &^ (pageSize - 1)
		off := int(addr) % pageSize
		for i, b := range w[2:] {
			// the part wraps inside the page
			c.mem[base+(off+i)%pageSize] = b
		}
		c.cycle()
	case 0x05: // RDSR
		status := c.bp
		if c.wel {
			status |= 0x02
		}
		if c.busy > 0 || c.Stuck {
			status |= 0x01
		}
		if c.busy > 0 {
			c.busy--
		}
		if len(r) > 1 {
			r[1] = status
		}
	case 0x06: // WREN
		c.wel = true
	case 0x04: // WRDI
		c.wel = false
	case 0x01: // WRSR
		if !c.wel || len(w) < 2 {
			c.ignored++
			return nil
		}
		c.bp = w[1] & 0x0C
		c.cycle()
	}
	return nil
}

func (c *Chip) cycle() {
	c.wel = false
	c.writes++
	c.busy = c.BusyPolls
}

// Peek returns the stored byte without going through the bus.
func (c *Chip) Peek(addr int) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem[addr%size]
}

// Load writes data at addr without going through the bus.
func (c *Chip) Load(addr int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.mem[addr:], data)
}

// Protect sets the block protection bits.
func (c *Chip) Protect(bp byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bp = bp & 0x0C
}

// Writes is the number of completed write cycles.
func (c *Chip) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Ignored is the number of write instructions dropped because the write
// enable latch was not set or a cycle was in progress.
func (c *Chip) Ignored() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ignored
}

// SetFail sets Fail under the chip lock.
func (c *Chip) SetFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fail = err
}
