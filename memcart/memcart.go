// Package memcart presents save media as seekable banks of cartridge
// memory, so file-shaped tooling can stream a save in and out with plain
// io.Copy. The save layer hides flash banking itself, so every medium shows
// up as a single bank.
package memcart

import (
	"fmt"
	"io"

	"github.com/Skirmisher/gba/savemem"
)

type MemCart interface {
	NumBanks() int
	CurrentBank() MemBank
	SwitchBank(int) error
}

type MemBank interface {
	io.ReadWriteSeeker

	Name() string         // Implementation-specific name.
	Size() int64          // Size in bytes.
	AlwaysWritable() bool // True when no erase step gates writes.
}

// saveCart adapts a savemem handle. One bank: the whole medium.
type saveCart struct {
	bank saveBank
}

func NewSaveCart(s *savemem.SaveAccess) MemCart {
	return &saveCart{bank: saveBank{access: s}}
}

func (c *saveCart) NumBanks() int {
	return 1
}

func (c *saveCart) CurrentBank() MemBank {
	return &c.bank
}

func (c *saveCart) SwitchBank(n int) error {
	if n != 0 {
		return fmt.Errorf("memcart: no bank %d on save media", n)
	}
	return nil
}

type saveBank struct {
	access *savemem.SaveAccess
	pos    int64
}

func (b *saveBank) Name() string {
	return b.access.MediaInfo().MediaType.String()
}

func (b *saveBank) Size() int64 {
	return int64(b.access.Len())
}

func (b *saveBank) AlwaysWritable() bool {
	return b.access.MediaInfo().SectorSize == 0
}

func (b *saveBank) Read(p []byte) (int, error) {
	if b.pos >= b.Size() {
		return 0, io.EOF
	}
	n := len(p)
	if rem := int(b.Size() - b.pos); n > rem {
		n = rem
	}
	if err := b.access.Read(int(b.pos), p[:n]); err != nil {
		return 0, err
	}
	b.pos += int64(n)
	return n, nil
}

// Write prepares the covered range itself, so a streamed restore needs no
// separate erase step. Sectors prepared once in the session are not erased
// again as the stream advances.
func (b *saveBank) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.pos >= b.Size() {
		return 0, io.ErrShortWrite
	}
	n := len(p)
	short := false
	if rem := int(b.Size() - b.pos); n > rem {
		n = rem
		short = true
	}
	if err := b.access.PrepareWrite(int(b.pos), int(b.pos)+n); err != nil {
		return 0, err
	}
	if err := b.access.Write(int(b.pos), p[:n]); err != nil {
		return 0, err
	}
	b.pos += int64(n)
	if short {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (b *saveBank) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = b.pos + offset
	case io.SeekEnd:
		pos = b.Size() + offset
	default:
		return b.pos, fmt.Errorf("memcart: bad whence %d", whence)
	}
	if pos < 0 {
		return b.pos, fmt.Errorf("memcart: seek before start of bank")
	}
	b.pos = pos
	return pos, nil
}
