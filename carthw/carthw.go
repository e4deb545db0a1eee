// Package carthw defines the cartridge-bus and timer collaborators that the
// save media layer drives. A Bus is whatever sits between us and the save
// chip: the real memory-mapped cartridge window, a serial flash-kit
// programmer, or a simulated cartridge in tests.
package carthw

const (
	// Backup region of the cartridge bus. SRAM and flash share the
	// 0x0E000000 window; EEPROM is reached through the top of the ROM
	// mirror at 0x0D000000.
	BackupBase uint32 = 0x0E000000
	EepromBase uint32 = 0x0DFFFF00
)

// Bus is byte/halfword access to cartridge-bus addresses. Implementations
// are not safe for concurrent use; the save layer serialises access itself.
type Bus interface {
	Read8(addr uint32) byte
	Write8(addr uint32, value byte)
	Read16(addr uint32) uint16
	Write16(addr uint32, value uint16)
}

// Timer is a free-running tick source. It only has to be monotonic modulo
// uint32 wrap, and it may be shared with other users between polls.
type Timer interface {
	Ticks() uint32
}

// TimedWait bounds a busy-poll loop against a Timer. Start arms the
// deadline; Expired is the tick check the poll loop spins on. Arithmetic is
// wrap-safe as long as the bound is below 2^31 ticks.
type TimedWait struct {
	tm    Timer
	start uint32
	bound uint32
}

func (w *TimedWait) Start(tm Timer, bound uint32) {
	w.tm = tm
	w.start = tm.Ticks()
	w.bound = bound
}

func (w *TimedWait) Expired() bool {
	return w.tm.Ticks()-w.start >= w.bound
}
