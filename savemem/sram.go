package savemem

import "github.com/Skirmisher/gba/carthw"

// Battery-backed SRAM: 32 KiB of plain byte reads and stores through the
// backup window. No command sequences, no erase, no completion polling. The
// data bus to the chip is 8 bits wide, so access is strictly bytewise.
type sramMedia struct {
	bus carthw.Bus
}

const sramSize = 32 * 1024

func (s *sramMedia) info() MediaInfo {
	return MediaInfo{MediaType: Sram, TotalSize: sramSize, SectorSize: 0}
}

func (s *sramMedia) read(offset int, p []byte) error {
	for i := range p {
		p[i] = s.bus.Read8(carthw.BackupBase + uint32(offset+i))
	}
	return nil
}

func (s *sramMedia) eraseSector(sector int) error {
	return nil
}

func (s *sramMedia) program(offset int, p []byte) error {
	for i, b := range p {
		s.bus.Write8(carthw.BackupBase+uint32(offset+i), b)
	}
	return nil
}
