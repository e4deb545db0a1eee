package savemem

import (
	"fmt"

	"github.com/Skirmisher/gba/carthw"
)

// Flash backup: 64 KiB single-bank or 128 KiB dual-bank chips behind the
// same window as SRAM. Every erase or program command is gated by the
// vendor unlock sequence (0xAA to 0x5555, 0x55 to 0x2AAA), sectors are
// 4 KiB and must be erased to 0xFF before any byte can be programmed, and
// the chip has no completion interrupt: we data-poll the target address
// until it reads back the expected value or the timer bound runs out.
type flashMedia struct {
	bus    carthw.Bus
	tm     carthw.Timer
	size   int
	banked bool
	bank   int
}

const (
	flashSectorSize = 4 * 1024
	flashBankSize   = 64 * 1024
	flashErasedByte = 0xFF

	flashCmd1 = carthw.BackupBase + 0x5555
	flashCmd2 = carthw.BackupBase + 0x2AAA

	cmdErasePrefix = 0x80
	cmdEraseSector = 0x30
	cmdProgram     = 0xA0
	cmdBankSwitch  = 0xB0

	// Poll bounds in timer ticks at the CPU/1024 rate (16.78 MHz / 1024 =
	// 16384 Hz): one second for a sector erase, ~31 ms per programmed
	// byte. Both are several times the documented worst case for the
	// supported chips.
	flashEraseBound   = 16384
	flashProgramBound = 512
)

func (f *flashMedia) info() MediaInfo {
	mt := Flash64K
	if f.banked {
		mt = Flash128K
	}
	return MediaInfo{MediaType: mt, TotalSize: f.size, SectorSize: flashSectorSize}
}

// unlock issues the two-write command prologue followed by the command byte.
func (f *flashMedia) unlock(cmd byte) {
	f.bus.Write8(flashCmd1, 0xAA)
	f.bus.Write8(flashCmd2, 0x55)
	f.bus.Write8(flashCmd1, cmd)
}

// switchBank selects the 64 KiB bank holding offset on 128 KiB chips and
// returns the in-bank address.
func (f *flashMedia) switchBank(offset int) uint32 {
	if !f.banked {
		return carthw.BackupBase + uint32(offset)
	}
	bank := offset / flashBankSize
	if bank != f.bank {
		f.unlock(cmdBankSwitch)
		f.bus.Write8(carthw.BackupBase, byte(bank))
		f.bank = bank
	}
	return carthw.BackupBase + uint32(offset%flashBankSize)
}

// pollByte spins until addr reads back want, bounded by the given tick
// budget. This is the only completion signal the chip offers.
func (f *flashMedia) pollByte(addr uint32, want byte, bound uint32) error {
	var w carthw.TimedWait
	w.Start(f.tm, bound)
	for {
		if f.bus.Read8(addr) == want {
			return nil
		}
		if w.Expired() {
			return ErrTimeout
		}
	}
}

func (f *flashMedia) read(offset int, p []byte) error {
	for i := range p {
		p[i] = f.bus.Read8(f.switchBank(offset + i))
	}
	return nil
}

func (f *flashMedia) eraseSector(sector int) error {
	base := f.switchBank(sector * flashSectorSize)
	f.unlock(cmdErasePrefix)
	f.bus.Write8(flashCmd1, 0xAA)
	f.bus.Write8(flashCmd2, 0x55)
	f.bus.Write8(base, cmdEraseSector)
	// The erase is done when the sector reads as erased. Polling the last
	// byte is the convention: it is the last one the chip clears.
	if err := f.pollByte(base+flashSectorSize-1, flashErasedByte, flashEraseBound); err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	return nil
}

func (f *flashMedia) program(offset int, p []byte) error {
	for i, b := range p {
		addr := f.switchBank(offset + i)
		f.unlock(cmdProgram)
		f.bus.Write8(addr, b)
		if err := f.pollByte(addr, b, flashProgramBound); err != nil {
			return fmt.Errorf("program at %#x: %w", offset+i, err)
		}
	}
	return f.verify(offset, p)
}

// verify is one read-back pass over the whole programmed buffer. Flash can
// fail a program silently on worn or marginal cells even after data polling
// settles, so mismatches surface as ErrVerifyFailed rather than corrupt
// saves.
func (f *flashMedia) verify(offset int, p []byte) error {
	for i, b := range p {
		if got := f.bus.Read8(f.switchBank(offset + i)); got != b {
			return fmt.Errorf("%w: %#02x != %#02x at %#x", ErrVerifyFailed, got, b, offset+i)
		}
	}
	return nil
}
