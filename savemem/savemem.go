// Package savemem is a uniform byte-addressable access layer over the save
// media a cartridge can carry: battery-backed SRAM, flash in two capacities,
// or serial EEPROM in two densities. Callers declare the media type once,
// open a SaveAccess handle, and get the same read/write/erase contract no
// matter which chip is behind it.
//
// Flash requires a sector erase before programming; callers must cover the
// full range they intend to write with PrepareWrite before calling Write.
// Every hardware wait is bounded, so a dead or absent chip reports
// ErrTimeout instead of hanging.
package savemem

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Skirmisher/gba/carthw"
)

var (
	ErrOutOfBounds  = errors.New("savemem: range exceeds media size")
	ErrBusy         = errors.New("savemem: another operation holds the medium")
	ErrTimeout      = errors.New("savemem: hardware did not acknowledge in time")
	ErrVerifyFailed = errors.New("savemem: read-back after program did not match")
	ErrUnconfigured = errors.New("savemem: no media type configured")
)

// MediaType identifies which save chip the cartridge declares. It is set
// once and never changes; there is no hot-swap of cartridge media.
type MediaType int

const (
	Sram MediaType = iota
	Flash64K
	Flash128K
	Eeprom512
	Eeprom8K
)

func (m MediaType) String() string {
	switch m {
	case Sram:
		return "sram"
	case Flash64K:
		return "flash64k"
	case Flash128K:
		return "flash128k"
	case Eeprom512:
		return "eeprom512"
	case Eeprom8K:
		return "eeprom8k"
	}
	return fmt.Sprintf("MediaType(%d)", int(m))
}

// ParseMediaType maps the String() form back to a MediaType.
func ParseMediaType(s string) (MediaType, error) {
	for _, m := range []MediaType{Sram, Flash64K, Flash128K, Eeprom512, Eeprom8K} {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("savemem: unknown media type %q", s)
}

// MediaInfo describes the configured medium. SectorSize is 0 for media that
// need no erase before a write (SRAM, EEPROM).
type MediaInfo struct {
	MediaType  MediaType
	TotalSize  int
	SectorSize int
}

// driver is the per-variant protocol: the three raw operations every chip
// kind implements in its own way.
type driver interface {
	info() MediaInfo
	read(offset int, p []byte) error
	eraseSector(sector int) error
	program(offset int, p []byte) error
}

func newDriver(media MediaType, bus carthw.Bus, tm carthw.Timer) driver {
	switch media {
	case Sram:
		return &sramMedia{bus: bus}
	case Flash64K:
		return &flashMedia{bus: bus, tm: tm, size: 64 * 1024, banked: false}
	case Flash128K:
		return &flashMedia{bus: bus, tm: tm, size: 128 * 1024, banked: true}
	case Eeprom512:
		return &eepromMedia{bus: bus, tm: tm, addrBits: 6}
	case Eeprom8K:
		return &eepromMedia{bus: bus, tm: tm, addrBits: 14}
	}
	panic(fmt.Sprintf("savemem: bad media type %d", int(media)))
}

// medium is the state shared by every handle on the same physical chip: the
// resolved driver, the erase session, and the single in-flight flag.
type medium struct {
	drv    driver
	busy   atomic.Bool
	erased map[int]struct{}
}

// SaveAccess is the public handle. It is cheap to construct and holds no
// state of its own; all handles opened over the same medium observe the same
// chip and the same erase session.
type SaveAccess struct {
	m *medium
}

var procMedium *medium

// Configure selects the process-wide media type and hardware. It must be
// called before New, and exactly once: a second call panics, because the
// cartridge cannot change underneath a live handle.
func Configure(media MediaType, bus carthw.Bus, tm carthw.Timer) {
	if procMedium != nil {
		panic("savemem: Configure called twice")
	}
	procMedium = &medium{
		drv:    newDriver(media, bus, tm),
		erased: make(map[int]struct{}),
	}
}

// New returns a handle on the process-wide medium. Fails ErrUnconfigured if
// Configure was never called.
func New() (*SaveAccess, error) {
	if procMedium == nil {
		return nil, ErrUnconfigured
	}
	return &SaveAccess{m: procMedium}, nil
}

// Open constructs a handle over explicitly supplied hardware, bypassing the
// process-wide configuration. Handles from separate Open calls do not share
// an erase session; use it when the caller owns the hardware wiring, such as
// tools and tests.
func Open(media MediaType, bus carthw.Bus, tm carthw.Timer) *SaveAccess {
	return &SaveAccess{m: &medium{
		drv:    newDriver(media, bus, tm),
		erased: make(map[int]struct{}),
	}}
}

// acquire marks the medium in use for one operation. The target environment
// is cooperatively scheduled, but a preemptive host embedding this layer
// still gets a hard ErrBusy instead of interleaved command sequences.
func (m *medium) acquire() error {
	if !m.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (m *medium) release() {
	m.busy.Store(false)
}

// Len returns the total addressable bytes of the configured medium.
func (s *SaveAccess) Len() int {
	return s.m.drv.info().TotalSize
}

// MediaInfo returns the configured media description.
func (s *SaveAccess) MediaInfo() MediaInfo {
	return s.m.drv.info()
}

// Read copies len(p) bytes starting at offset into p.
func (s *SaveAccess) Read(offset int, p []byte) error {
	if err := s.m.acquire(); err != nil {
		return err
	}
	defer s.m.release()
	if err := s.checkRange(offset, len(p)); err != nil {
		return err
	}
	return s.m.drv.read(offset, p)
}

// Write programs len(p) bytes starting at offset. For flash media the whole
// range must have been covered by PrepareWrite first; programming a sector
// that is not in the erased state is a contract violation with undefined
// results at the chip level. A failed write leaves undefined content in the
// remainder of the range.
func (s *SaveAccess) Write(offset int, p []byte) error {
	if err := s.m.acquire(); err != nil {
		return err
	}
	defer s.m.release()
	if err := s.checkRange(offset, len(p)); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	// The touched sectors no longer hold the erased pattern; the next
	// PrepareWrite over them must erase again.
	info := s.m.drv.info()
	if info.SectorSize != 0 {
		for sec := offset / info.SectorSize; sec <= (offset+len(p)-1)/info.SectorSize; sec++ {
			delete(s.m.erased, sec)
		}
	}
	return s.m.drv.program(offset, p)
}

// PrepareWrite erases every sector overlapping the half-open byte range
// [start, end) that is not already erased in the current session. It must be
// called, covering the full intended range, before any Write into that
// range. On media with no erase step it only validates the range.
//
// A failed sector erase aborts the call; sectors erased earlier in the same
// call stay erased, since flash erase cannot be rolled back.
func (s *SaveAccess) PrepareWrite(start, end int) error {
	if err := s.m.acquire(); err != nil {
		return err
	}
	defer s.m.release()
	if start < 0 || end < start || end > s.Len() {
		return fmt.Errorf("%w: prepare %d..%d of %d", ErrOutOfBounds, start, end, s.Len())
	}
	info := s.m.drv.info()
	if info.SectorSize == 0 || start == end {
		return nil
	}
	for sec := start / info.SectorSize; sec <= (end-1)/info.SectorSize; sec++ {
		if _, done := s.m.erased[sec]; done {
			continue
		}
		if err := s.m.drv.eraseSector(sec); err != nil {
			return fmt.Errorf("sector %d: %w", sec, err)
		}
		s.m.erased[sec] = struct{}{}
	}
	return nil
}

func (s *SaveAccess) checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > s.Len() {
		return fmt.Errorf("%w: %d+%d of %d", ErrOutOfBounds, offset, length, s.Len())
	}
	return nil
}
