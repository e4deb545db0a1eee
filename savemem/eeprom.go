package savemem

import (
	"fmt"

	"github.com/Skirmisher/gba/carthw"
)

// Serial EEPROM backup: 512 byte or 8 KiB parts addressed in 8-byte blocks
// through a one-bit-per-halfword stream at the EEPROM window. A request is
// two command bits, a block address (6 or 14 bits depending on density,
// most significant bit first), for writes the 64 data bits, then a stop
// bit. The chip signals readiness on the read line, and like flash it has
// no interrupt, so readiness is a bounded poll.
type eepromMedia struct {
	bus      carthw.Bus
	tm       carthw.Timer
	addrBits int
}

const (
	eepromBlockSize = 8

	eepromReqRead  = 0b11
	eepromReqWrite = 0b10

	// ~16 ms at the CPU/1024 tick rate (16384 Hz); the parts settle in
	// under 10 ms.
	eepromBound = 256
)

func (e *eepromMedia) info() MediaInfo {
	size := 512
	if e.addrBits > 6 {
		size = 8 * 1024
	}
	return MediaInfo{MediaType: mediaForAddrBits(e.addrBits), TotalSize: size, SectorSize: 0}
}

func mediaForAddrBits(bits int) MediaType {
	if bits > 6 {
		return Eeprom8K
	}
	return Eeprom512
}

func (e *eepromMedia) writeBit(b int) {
	e.bus.Write16(carthw.EepromBase, uint16(b&1))
}

func (e *eepromMedia) readBit() int {
	return int(e.bus.Read16(carthw.EepromBase) & 1)
}

// waitReady polls the serial line until the chip reports ready.
func (e *eepromMedia) waitReady() error {
	var w carthw.TimedWait
	w.Start(e.tm, eepromBound)
	for {
		if e.readBit() == 1 {
			return nil
		}
		if w.Expired() {
			return ErrTimeout
		}
	}
}

// request clocks out a command, the block address, and optionally 64 data
// bits, followed by the stop bit.
func (e *eepromMedia) request(cmd int, block int, data []byte) {
	e.writeBit(cmd >> 1)
	e.writeBit(cmd)
	for i := e.addrBits - 1; i >= 0; i-- {
		e.writeBit(block >> uint(i))
	}
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			e.writeBit(int(b) >> uint(i))
		}
	}
	e.writeBit(0)
}

// readBlock fills p (8 bytes) from the given block. The chip clocks out
// four dummy bits before the data once it is ready.
func (e *eepromMedia) readBlock(block int, p []byte) error {
	e.request(eepromReqRead, block, nil)
	if err := e.waitReady(); err != nil {
		return fmt.Errorf("eeprom read block %d: %w", block, err)
	}
	for i := 0; i < 4; i++ {
		e.readBit()
	}
	for i := range p {
		var b int
		for bit := 0; bit < 8; bit++ {
			b = b<<1 | e.readBit()
		}
		p[i] = byte(b)
	}
	return nil
}

func (e *eepromMedia) writeBlock(block int, p []byte) error {
	e.request(eepromReqWrite, block, p)
	if err := e.waitReady(); err != nil {
		return fmt.Errorf("eeprom write block %d: %w", block, err)
	}
	return nil
}

func (e *eepromMedia) read(offset int, p []byte) error {
	var buf [eepromBlockSize]byte
	for len(p) > 0 {
		block, in := offset/eepromBlockSize, offset%eepromBlockSize
		n := eepromBlockSize - in
		if n > len(p) {
			n = len(p)
		}
		if err := e.readBlock(block, buf[:]); err != nil {
			return err
		}
		copy(p[:n], buf[in:in+n])
		offset += n
		p = p[n:]
	}
	return nil
}

func (e *eepromMedia) eraseSector(sector int) error {
	return nil
}

// program writes block-at-a-time; a partial block is read first so the
// untouched bytes survive the block rewrite.
func (e *eepromMedia) program(offset int, p []byte) error {
	var buf [eepromBlockSize]byte
	for len(p) > 0 {
		block, in := offset/eepromBlockSize, offset%eepromBlockSize
		n := eepromBlockSize - in
		if n > len(p) {
			n = len(p)
		}
		if n != eepromBlockSize {
			if err := e.readBlock(block, buf[:]); err != nil {
				return err
			}
		}
		copy(buf[in:], p[:n])
		if err := e.writeBlock(block, buf[:]); err != nil {
			return err
		}
		offset += n
		p = p[n:]
	}
	return nil
}
