// Package carthw_mock simulates the save chips behind a carthw.Bus for
// tests and for running the tooling with no cartridge attached. The flash
// and EEPROM mocks implement the real command state machines, count sector
// erases, and can be wedged into a never-ready state to exercise timeout
// handling.
package carthw_mock

import "github.com/Skirmisher/gba/carthw"

// MockTimer is a free-running tick source that advances by Step on every
// read, so a poll loop consumes a deterministic number of ticks per
// iteration.
type MockTimer struct {
	now  uint32
	Step uint32
}

func NewTimer() *MockTimer {
	return &MockTimer{Step: 1}
}

func (t *MockTimer) Ticks() uint32 {
	v := t.now
	t.now += t.Step
	return v
}

// MockSram is 32 KiB of battery RAM: plain loads and stores in the backup
// window.
type MockSram struct {
	Data [32 * 1024]byte
}

func NewSram() *MockSram {
	return &MockSram{}
}

func (m *MockSram) Read8(addr uint32) byte {
	return m.Data[(addr-carthw.BackupBase)%uint32(len(m.Data))]
}

func (m *MockSram) Write8(addr uint32, value byte) {
	m.Data[(addr-carthw.BackupBase)%uint32(len(m.Data))] = value
}

func (m *MockSram) Read16(addr uint32) uint16 {
	return uint16(m.Read8(addr)) | uint16(m.Read8(addr+1))<<8
}

func (m *MockSram) Write16(addr uint32, value uint16) {
	m.Write8(addr, byte(value))
	m.Write8(addr+1, byte(value>>8))
}

// Flash command interpreter states.
const (
	fReady = iota
	fCmd1  // 0xAA seen at 0x5555
	fCmd2  // 0x55 seen at 0x2AAA, command byte next
	fErase // 0x80 command accepted, second unlock pending
	fEraseCmd1
	fEraseCmd2 // 0x30 at a sector base (or 0x10 chip erase) next
	fProgram   // 0xA0 accepted, data byte next
	fBank      // 0xB0 accepted, bank number next
)

// MockFlash is a 64 KiB or 128 KiB flash chip: AA/55 unlock sequencing,
// 4 KiB sector erase to 0xFF, byte programming that can only clear bits
// (so programming over unerased cells corrupts, as real flash does), chip
// identification mode, and bank switching on the 128 KiB part.
type MockFlash struct {
	Data        []byte
	EraseCounts []int
	StuckBusy   bool // chip never reports completion; reads invert

	banked bool
	bank   int
	state  int
	idMode bool
	vendor [2]byte
}

const mockSectorSize = 4 * 1024

func NewFlash64K() *MockFlash {
	return newFlash(64*1024, false, [2]byte{0x32, 0x1B})
}

func NewFlash128K() *MockFlash {
	return newFlash(128*1024, true, [2]byte{0x62, 0x13})
}

func newFlash(size int, banked bool, vendor [2]byte) *MockFlash {
	f := &MockFlash{
		Data:        make([]byte, size),
		EraseCounts: make([]int, size/mockSectorSize),
		banked:      banked,
		vendor:      vendor,
	}
	for i := range f.Data {
		f.Data[i] = 0xFF
	}
	return f
}

// TotalErases is the erase-count instrumentation hook.
func (f *MockFlash) TotalErases() int {
	n := 0
	for _, c := range f.EraseCounts {
		n += c
	}
	return n
}

func (f *MockFlash) abs(addr uint32) int {
	return f.bank*64*1024 + int((addr-carthw.BackupBase)&0xFFFF)
}

func (f *MockFlash) Read8(addr uint32) byte {
	off := (addr - carthw.BackupBase) & 0xFFFF
	if f.idMode && off < 2 {
		return f.vendor[off]
	}
	b := f.Data[f.abs(addr)]
	if f.StuckBusy {
		// Busy flash serves status, not data; inverting the stored byte
		// guarantees data polling never settles.
		return ^b
	}
	return b
}

func (f *MockFlash) Write8(addr uint32, value byte) {
	off := (addr - carthw.BackupBase) & 0xFFFF

	switch f.state {
	case fReady:
		if off == 0x5555 && value == 0xAA {
			f.state = fCmd1
		}
	case fCmd1:
		if off == 0x2AAA && value == 0x55 {
			f.state = fCmd2
		} else {
			f.state = fReady
		}
	case fCmd2:
		f.state = fReady
		if off != 0x5555 {
			break
		}
		switch value {
		case 0x90:
			f.idMode = true
		case 0xF0:
			f.idMode = false
		case 0x80:
			f.state = fErase
		case 0xA0:
			f.state = fProgram
		case 0xB0:
			if f.banked {
				f.state = fBank
			}
		}
	case fErase:
		if off == 0x5555 && value == 0xAA {
			f.state = fEraseCmd1
		} else {
			f.state = fReady
		}
	case fEraseCmd1:
		if off == 0x2AAA && value == 0x55 {
			f.state = fEraseCmd2
		} else {
			f.state = fReady
		}
	case fEraseCmd2:
		f.state = fReady
		if value == 0x30 && off%mockSectorSize == 0 {
			f.eraseSector(f.abs(addr) / mockSectorSize)
		} else if value == 0x10 && off == 0x5555 {
			for s := range f.EraseCounts {
				f.eraseSector(s)
			}
		}
	case fProgram:
		f.state = fReady
		if !f.StuckBusy {
			// Programming can only pull bits low.
			f.Data[f.abs(addr)] &= value
		}
	case fBank:
		f.state = fReady
		if off == 0 && int(value) < len(f.Data)/(64*1024) {
			f.bank = int(value)
		}
	}
}

func (f *MockFlash) eraseSector(sector int) {
	f.EraseCounts[sector]++
	if f.StuckBusy {
		return
	}
	base := sector * mockSectorSize
	for i := base; i < base+mockSectorSize; i++ {
		f.Data[i] = 0xFF
	}
}

func (f *MockFlash) Read16(addr uint32) uint16 {
	return uint16(f.Read8(addr)) | uint16(f.Read8(addr+1))<<8
}

func (f *MockFlash) Write16(addr uint32, value uint16) {
	f.Write8(addr, byte(value))
}

// EEPROM serial receiver states.
const (
	eIdle = iota
	eReadReady
	eServe
	eWriteDone
	eStuck
)

// MockEeprom is a 512 B or 8 KiB serial EEPROM: it collects the request
// bit stream written to the EEPROM window, then serves the ready bit, four
// dummy bits and the 64 data bits on reads, or commits an 8-byte block for
// write requests.
type MockEeprom struct {
	Data      []byte
	StuckBusy bool

	addrBits   int
	state      int
	nbits      int
	cmd        int
	block      int
	serveBlock int
	wdata      [8]byte
	serveIdx   int
}

func NewEeprom512() *MockEeprom {
	return newEeprom(512, 6)
}

func NewEeprom8K() *MockEeprom {
	return newEeprom(8*1024, 14)
}

func newEeprom(size, addrBits int) *MockEeprom {
	e := &MockEeprom{Data: make([]byte, size), addrBits: addrBits}
	for i := range e.Data {
		e.Data[i] = 0xFF
	}
	return e
}

func (e *MockEeprom) Write16(addr uint32, value uint16) {
	bit := int(value & 1)

	switch {
	case e.nbits < 2:
		e.cmd = e.cmd<<1 | bit
	case e.nbits < 2+e.addrBits:
		e.block = e.block<<1 | bit
	case e.cmd == 0b10 && e.nbits < 2+e.addrBits+64:
		i := e.nbits - 2 - e.addrBits
		e.wdata[i/8] = e.wdata[i/8]<<1 | byte(bit)
	default:
		// stop bit: execute and reset the collector
		e.execute()
		e.nbits, e.cmd, e.block = 0, 0, 0
		return
	}
	e.nbits++
}

func (e *MockEeprom) execute() {
	blocks := len(e.Data) / 8
	e.block %= blocks

	if e.StuckBusy {
		e.state = eStuck
		return
	}
	switch e.cmd {
	case 0b11:
		// latch the address now: the request collector resets before the
		// read is served
		e.serveBlock = e.block
		e.state = eReadReady
	case 0b10:
		copy(e.Data[e.block*8:], e.wdata[:])
		e.state = eWriteDone
	}
}

func (e *MockEeprom) Read16(addr uint32) uint16 {
	switch e.state {
	case eStuck:
		return 0
	case eReadReady:
		e.state = eServe
		e.serveIdx = 0
		return 1
	case eServe:
		i := e.serveIdx
		e.serveIdx++
		if e.serveIdx == 68 {
			e.state = eIdle
		}
		if i < 4 {
			return 0
		}
		i -= 4
		return uint16(e.Data[e.serveBlock*8+i/8]>>(7-uint(i%8))) & 1
	case eWriteDone:
		e.state = eIdle
		return 1
	}
	return 1
}

func (e *MockEeprom) Read8(addr uint32) byte {
	return byte(e.Read16(addr))
}

func (e *MockEeprom) Write8(addr uint32, value byte) {
	e.Write16(addr, uint16(value))
}
