// Package moisturelog keeps a day of soil moisture readings on the EEPROM.
//
// Layout:
//
//	0..7     header, little endian uint64 unix seconds of the last Reset
//	8..487   one byte per reading, 0-100 %
//
// The log is append only and bounded, once Capacity readings are stored
// Append fails with ErrFull until the next Reset.
package moisturelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gr-butler/irrigation/eeprom"
	logger "github.com/sirupsen/logrus"
)

const (
	HeaderSize     = 8
	SamplesPerHour = 20 // every 3 minutes
	Capacity       = SamplesPerHour * 24
	DataStart      = HeaderSize
	DataEnd        = DataStart + Capacity

	// SamplePeriod is the spacing of readings the layout is sized for.
	SamplePeriod = time.Hour / SamplesPerHour

	MaxReading = 100
)

var (
	ErrFull           = errors.New("moisture log full")
	ErrNotInitialized = errors.New("moisture log not reset")
	ErrInvalidReading = errors.New("moisture reading out of range")
)

// Chip is the part of the EEPROM driver the log uses.
type Chip interface {
	ReadByteAt(addr uint16) (byte, error)
	WriteByteAt(addr uint16, b byte) error
	WritePage(addr uint16, data []byte) error
}

// Log is the cursor over the chip. Every operation holds the log lock for
// its whole chip sequence.
type Log struct {
	chip   Chip
	period time.Duration

	mu   sync.Mutex
	next int // absolute address of the next free slot, 0 until Reset
}

// New returns a Log on chip. period is the spacing between readings used to
// timestamp them, normally SamplePeriod.
func New(chip Chip, period time.Duration) *Log {
	if period <= 0 {
		period = SamplePeriod
	}
	return &Log{chip: chip, period: period}
}

// Reset stamps the header with ts and zeroes every reading slot. All previous
// readings are lost, it is meant to run once at start up.
func (l *Log) Reset(ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// the cursor only becomes valid again once the whole wipe succeeded
	l.next = 0

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(header, uint64(ts.Unix()))
	if err := l.chip.WritePage(0, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	zeros := make([]byte, eeprom.PageSize)
	for addr := DataStart; addr < DataEnd; {
		n := eeprom.PageSize - addr%eeprom.PageSize
		if addr+n > DataEnd {
			n = DataEnd - addr
		}
		if err := l.chip.WritePage(uint16(addr), zeros[:n]); err != nil {
			return fmt.Errorf("clear readings at %#03x: %w", addr, err)
		}
		addr += n
	}

	l.next = DataStart
	logger.Infof("Moisture log reset at [%v], room for [%v] readings", ts.Format(time.RFC822), Capacity)
	return nil
}

// Append stores v in the next free slot.
func (l *Log) Append(v uint8) error {
	if v > MaxReading {
		return fmt.Errorf("%w: %d", ErrInvalidReading, v)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next < DataStart {
		return ErrNotInitialized
	}
	if l.next >= DataEnd {
		return ErrFull
	}
	if err := l.chip.WriteByteAt(uint16(l.next), v); err != nil {
		return fmt.Errorf("append reading %d: %w", l.next-DataStart, err)
	}
	l.next++
	return nil
}

// Reading returns reading i, counted from the first slot of the data region.
// ok is false for slots that have not been written since the last Reset.
func (l *Log) Reading(i int) (v uint8, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reading(i)
}

func (l *Log) reading(i int) (uint8, bool, error) {
	if i < 0 || DataStart+i >= l.next {
		return 0, false, nil
	}
	b, err := l.chip.ReadByteAt(uint16(DataStart + i))
	if err != nil {
		return 0, false, fmt.Errorf("read reading %d: %w", i, err)
	}
	return b, true, nil
}

// Last returns the most recent reading.
func (l *Log) Last() (uint8, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reading(l.len() - 1)
}

// HeaderTimestamp returns the time of the last Reset. ok is false if the log
// has not been reset in this session.
func (l *Log) HeaderTimestamp() (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header()
}

func (l *Log) header() (time.Time, bool, error) {
	if l.next < DataStart {
		return time.Time{}, false, nil
	}
	buf := make([]byte, HeaderSize)
	for i := range buf {
		b, err := l.chip.ReadByteAt(uint16(i))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("read header: %w", err)
		}
		buf[i] = b
	}
	return time.Unix(int64(binary.LittleEndian.Uint64(buf)), 0), true, nil
}

// Elapsed is the offset of reading i from the header timestamp.
func (l *Log) Elapsed(i int) time.Duration {
	return time.Duration(i) * l.period
}

// Len is the number of readings stored since the last Reset.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.len()
}

func (l *Log) len() int {
	if l.next < DataStart {
		return 0
	}
	return l.next - DataStart
}

// Capacity is the number of readings the log holds.
func (l *Log) Capacity() int {
	return Capacity
}

// Snapshot reads the header and every stored reading in one pass.
func (l *Log) Snapshot() (History, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := History{Period: l.period}
	start, ok, err := l.header()
	if err != nil {
		return h, err
	}
	if !ok {
		return h, ErrNotInitialized
	}
	h.Start = start
	h.Readings = make([]uint8, 0, l.len())
	for i := 0; i < l.len(); i++ {
		v, _, err := l.reading(i)
		if err != nil {
			return h, err
		}
		h.Readings = append(h.Readings, v)
	}
	return h, nil
}
