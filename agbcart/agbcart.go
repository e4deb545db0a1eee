// Package agbcart reads GBA cartridge ROM headers and scans ROM images for
// the save-library ID strings, to label dumps and to suggest a -media value.
// The suggestion is only a hint for the operator: the save layer always uses
// the media type it was explicitly configured with.
package agbcart

import (
	"bytes"
	"fmt"

	"github.com/Skirmisher/gba/savemem"
)

const (
	HDR_LEN   int = 192
	TITLE_OFS int = 0xA0
	TITLE_LEN int = 12
	CODE_OFS  int = 0xAC
	CODE_LEN  int = 4
	MAKER_OFS int = 0xB0
	MAKER_LEN int = 2
	FIXED_OFS int = 0xB2 // always 0x96
	CSUM_OFS  int = 0xBD // complement check over 0xA0..0xBC
)

type Header struct {
	Title     string
	GameCode  string
	MakerCode string
}

// ParseHeader reads the cartridge header fields and verifies the fixed byte
// and the complement check.
func ParseHeader(rom []byte) (Header, error) {
	if len(rom) < HDR_LEN {
		return Header{}, fmt.Errorf("agbcart: short ROM header, expected %d, got %d", HDR_LEN, len(rom))
	}
	if rom[FIXED_OFS] != 0x96 {
		return Header{}, fmt.Errorf("agbcart: fixed header byte is %#02x, not 0x96", rom[FIXED_OFS])
	}

	var sum byte
	for i := TITLE_OFS; i < CSUM_OFS; i++ {
		sum += rom[i]
	}
	if want := -(sum + 0x19); rom[CSUM_OFS] != want {
		return Header{}, fmt.Errorf("agbcart: header checksum %#02x, want %#02x", rom[CSUM_OFS], want)
	}

	return Header{
		Title:     cleanField(rom[TITLE_OFS : TITLE_OFS+TITLE_LEN]),
		GameCode:  cleanField(rom[CODE_OFS : CODE_OFS+CODE_LEN]),
		MakerCode: cleanField(rom[MAKER_OFS : MAKER_OFS+MAKER_LEN]),
	}, nil
}

// cleanField trims the zero padding and keeps only filename-safe characters.
func cleanField(raw []byte) string {
	name := make([]byte, 0, len(raw))
	for _, c := range raw {
		switch {
		case c == 0:
			return string(name)
		case c == '/' || c == ':':
			name = append(name, '-')
		case c == ' ' || c == '!' || c == '(' || c == ')' ||
			c == '_' || c == '-' || c == '.' || c == '&' ||
			c >= '0' && c <= '9' ||
			c >= 'A' && c <= 'Z' ||
			c >= 'a' && c <= 'z':
			name = append(name, c)
		}
	}
	return string(name)
}

// Save-library ID strings linked into ROMs that use backup media. The bare
// FLASH_V marker is the older 64 KiB library; EEPROM_V does not encode the
// density, so the 8 KiB part is suggested and the operator decides.
var saveIDs = []struct {
	marker string
	media  savemem.MediaType
}{
	{"FLASH1M_V", savemem.Flash128K},
	{"FLASH512_V", savemem.Flash64K},
	{"FLASH_V", savemem.Flash64K},
	{"SRAM_V", savemem.Sram},
	{"EEPROM_V", savemem.Eeprom8K},
}

// DetectSaveType scans a ROM image for a save-library marker. The second
// return is false when no marker is present.
func DetectSaveType(rom []byte) (savemem.MediaType, bool) {
	for _, id := range saveIDs {
		if bytes.Contains(rom, []byte(id.marker)) {
			return id.media, true
		}
	}
	return 0, false
}
