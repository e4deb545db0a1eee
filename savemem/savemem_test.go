package savemem_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Skirmisher/gba/carthw"
	"github.com/Skirmisher/gba/carthw_mock"
	"github.com/Skirmisher/gba/savemem"
)

func openMock(media savemem.MediaType) (*savemem.SaveAccess, carthw.Bus) {
	var bus carthw.Bus
	switch media {
	case savemem.Sram:
		bus = carthw_mock.NewSram()
	case savemem.Flash64K:
		bus = carthw_mock.NewFlash64K()
	case savemem.Flash128K:
		bus = carthw_mock.NewFlash128K()
	case savemem.Eeprom512:
		bus = carthw_mock.NewEeprom512()
	case savemem.Eeprom8K:
		bus = carthw_mock.NewEeprom8K()
	}
	return savemem.Open(media, bus, carthw_mock.NewTimer()), bus
}

func TestMediaSizes(t *testing.T) {
	sizes := map[savemem.MediaType]int{
		savemem.Sram:      32768,
		savemem.Flash64K:  65536,
		savemem.Flash128K: 131072,
		savemem.Eeprom512: 512,
		savemem.Eeprom8K:  8192,
	}
	for media, want := range sizes {
		s, _ := openMock(media)
		if got := s.Len(); got != want {
			t.Errorf("%v: Len() = %d, want %d", media, got, want)
		}
		info := s.MediaInfo()
		if info.TotalSize != want || info.MediaType != media {
			t.Errorf("%v: MediaInfo = %+v", media, info)
		}
	}
}

func TestSectorSizes(t *testing.T) {
	for _, media := range []savemem.MediaType{savemem.Sram, savemem.Eeprom512, savemem.Eeprom8K} {
		s, _ := openMock(media)
		if ss := s.MediaInfo().SectorSize; ss != 0 {
			t.Errorf("%v: SectorSize = %d, want 0", media, ss)
		}
	}
	for _, media := range []savemem.MediaType{savemem.Flash64K, savemem.Flash128K} {
		s, _ := openMock(media)
		if ss := s.MediaInfo().SectorSize; ss != 4096 {
			t.Errorf("%v: SectorSize = %d, want 4096", media, ss)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, media := range []savemem.MediaType{
		savemem.Sram, savemem.Flash64K, savemem.Flash128K,
		savemem.Eeprom512, savemem.Eeprom8K,
	} {
		s, _ := openMock(media)

		// offset 3 and an odd length cross block boundaries on eeprom
		data := []byte{0x00, 0xFF, 0x12, 0x34, 0xA5, 0x00, 0xFF, 0x81, 0x7E, 0x3C, 0x55}
		if err := s.PrepareWrite(3, 3+len(data)); err != nil {
			t.Fatalf("%v: PrepareWrite: %v", media, err)
		}
		if err := s.Write(3, data); err != nil {
			t.Fatalf("%v: Write: %v", media, err)
		}
		buf := make([]byte, len(data))
		if err := s.Read(3, buf); err != nil {
			t.Fatalf("%v: Read: %v", media, err)
		}
		if !bytes.Equal(buf, data) {
			t.Errorf("%v: read back %x, want %x", media, buf, data)
		}
	}
}

func TestEepromFarBlocks(t *testing.T) {
	// blocks well past the first must read back their own contents
	s, _ := openMock(savemem.Eeprom8K)

	r := rng(42)
	data := make([]byte, 24)
	for i := range data {
		data[i] = r.next()
	}
	const off = 4096 + 8
	if err := s.PrepareWrite(off, off+len(data)); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(off, data); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(data))
	if err := s.Read(off, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("read back %x, want %x", buf, data)
	}

	// the neighbouring blocks are untouched
	edge := make([]byte, 8)
	if err := s.Read(off-8, edge); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(edge, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("block before the write changed: %x", edge)
	}
}

func TestBounds(t *testing.T) {
	for _, media := range []savemem.MediaType{savemem.Sram, savemem.Flash64K, savemem.Eeprom512} {
		s, bus := openMock(media)
		n := s.Len()

		if err := s.Read(n-1, make([]byte, 2)); !errors.Is(err, savemem.ErrOutOfBounds) {
			t.Errorf("%v: Read past end: %v", media, err)
		}
		if err := s.Write(n, []byte{1}); !errors.Is(err, savemem.ErrOutOfBounds) {
			t.Errorf("%v: Write past end: %v", media, err)
		}
		if err := s.PrepareWrite(0, n+1); !errors.Is(err, savemem.ErrOutOfBounds) {
			t.Errorf("%v: PrepareWrite past end: %v", media, err)
		}
		if err := s.Read(-1, make([]byte, 1)); !errors.Is(err, savemem.ErrOutOfBounds) {
			t.Errorf("%v: negative offset: %v", media, err)
		}

		// the failed PrepareWrite must not have touched the chip
		if f, ok := bus.(*carthw_mock.MockFlash); ok && f.TotalErases() != 0 {
			t.Errorf("%v: out-of-bounds PrepareWrite erased %d sectors", media, f.TotalErases())
		}
	}
}

func TestEraseIdempotence(t *testing.T) {
	s, bus := openMock(savemem.Flash64K)
	flash := bus.(*carthw_mock.MockFlash)

	if err := s.PrepareWrite(0, 8192); err != nil {
		t.Fatal(err)
	}
	if got := flash.TotalErases(); got != 2 {
		t.Fatalf("first PrepareWrite erased %d sectors, want 2", got)
	}
	// same range again, and an overlapping one: no further physical erase
	if err := s.PrepareWrite(0, 8192); err != nil {
		t.Fatal(err)
	}
	if err := s.PrepareWrite(4096, 12288); err != nil {
		t.Fatal(err)
	}
	if got := flash.TotalErases(); got != 3 {
		t.Errorf("after overlapping PrepareWrites: %d erases, want 3", got)
	}

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := s.Write(100, data); err != nil {
		t.Fatalf("Write after repeated PrepareWrite: %v", err)
	}
	buf := make([]byte, 4)
	if err := s.Read(100, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("read back %x, want %x", buf, data)
	}
}

func TestWriteInvalidatesEraseSession(t *testing.T) {
	s, bus := openMock(savemem.Flash64K)
	flash := bus.(*carthw_mock.MockFlash)

	if err := s.PrepareWrite(0, 4096); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(0, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	// the written sector no longer holds the erased pattern, so preparing
	// it again must erase again
	if err := s.PrepareWrite(0, 4096); err != nil {
		t.Fatal(err)
	}
	if got := flash.EraseCounts[0]; got != 2 {
		t.Errorf("sector 0 erased %d times, want 2", got)
	}
	if err := s.Write(0, []byte{0xFE}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if err := s.Read(0, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xFE {
		t.Errorf("read back %#x, want 0xFE", buf[0])
	}
}

func TestTimeoutStuckFlash(t *testing.T) {
	s, bus := openMock(savemem.Flash64K)
	bus.(*carthw_mock.MockFlash).StuckBusy = true

	if err := s.PrepareWrite(0, 4096); !errors.Is(err, savemem.ErrTimeout) {
		t.Errorf("stuck erase: %v, want ErrTimeout", err)
	}

	// fresh chip, stuck during programming
	s, bus = openMock(savemem.Flash64K)
	flash := bus.(*carthw_mock.MockFlash)
	if err := s.PrepareWrite(0, 4096); err != nil {
		t.Fatal(err)
	}
	flash.StuckBusy = true
	if err := s.Write(0, []byte{0x12}); !errors.Is(err, savemem.ErrTimeout) {
		t.Errorf("stuck program: %v, want ErrTimeout", err)
	}
}

func TestTimeoutStuckEeprom(t *testing.T) {
	s, bus := openMock(savemem.Eeprom8K)
	bus.(*carthw_mock.MockEeprom).StuckBusy = true

	if err := s.Read(0, make([]byte, 8)); !errors.Is(err, savemem.ErrTimeout) {
		t.Errorf("stuck serial read: %v, want ErrTimeout", err)
	}
	if err := s.Write(0, make([]byte, 8)); !errors.Is(err, savemem.ErrTimeout) {
		t.Errorf("stuck serial write: %v, want ErrTimeout", err)
	}
}

// corruptingBus lets every byte program settle, then flips a bit when the
// same address is read again during the verification pass.
type corruptingBus struct {
	carthw.Bus
	target uint32
	reads  int
}

func (c *corruptingBus) Read8(addr uint32) byte {
	v := c.Bus.Read8(addr)
	if addr == c.target {
		c.reads++
		if c.reads > 1 {
			return v ^ 0x01
		}
	}
	return v
}

func TestVerifyFailed(t *testing.T) {
	flash := carthw_mock.NewFlash64K()
	bus := &corruptingBus{Bus: flash, target: carthw.BackupBase + 40}
	s := savemem.Open(savemem.Flash64K, bus, carthw_mock.NewTimer())

	if err := s.PrepareWrite(0, 4096); err != nil {
		t.Fatal(err)
	}
	err := s.Write(40, []byte{0x6C})
	if !errors.Is(err, savemem.ErrVerifyFailed) {
		t.Errorf("Write over a marginal cell: %v, want ErrVerifyFailed", err)
	}
}

// reentrantBus re-enters the facade from inside a hardware access, the way
// an interrupt handler on a preemptive host might.
type reentrantBus struct {
	carthw.Bus
	s   *savemem.SaveAccess
	err error
	hit bool
}

func (r *reentrantBus) Read8(addr uint32) byte {
	if !r.hit {
		r.hit = true
		r.err = r.s.Read(0, make([]byte, 1))
	}
	return r.Bus.Read8(addr)
}

func TestBusy(t *testing.T) {
	bus := &reentrantBus{Bus: carthw_mock.NewSram()}
	s := savemem.Open(savemem.Sram, bus, carthw_mock.NewTimer())
	bus.s = s

	if err := s.Read(0, make([]byte, 1)); err != nil {
		t.Fatalf("outer Read: %v", err)
	}
	if !errors.Is(bus.err, savemem.ErrBusy) {
		t.Errorf("re-entrant Read: %v, want ErrBusy", bus.err)
	}
}

func TestParseMediaType(t *testing.T) {
	for _, media := range []savemem.MediaType{
		savemem.Sram, savemem.Flash64K, savemem.Flash128K,
		savemem.Eeprom512, savemem.Eeprom8K,
	} {
		got, err := savemem.ParseMediaType(media.String())
		if err != nil || got != media {
			t.Errorf("ParseMediaType(%q) = %v, %v", media.String(), got, err)
		}
	}
	if _, err := savemem.ParseMediaType("flash256k"); err == nil {
		t.Error("ParseMediaType accepted an unknown type")
	}
}

// rng reproduces the self-test generator used by the cartridge harness.
type rng uint32

func (r *rng) next() byte {
	*r = *r*2891336453 + 100001
	return byte(*r>>22) ^ byte(*r)
}

func TestFlash64KScenario(t *testing.T) {
	s, _ := openMock(savemem.Flash64K)
	n := s.Len()
	if n != 65536 {
		t.Fatalf("Len() = %d, want 65536", n)
	}

	if err := s.PrepareWrite(0, n); err != nil {
		t.Fatal(err)
	}

	seed := rng(2000)
	r := seed
	buf := make([]byte, 512)
	for off := 0; off < n; off += len(buf) {
		for i := range buf {
			buf[i] = r.next()
		}
		if err := s.Write(off, buf); err != nil {
			t.Fatalf("Write at %#x: %v", off, err)
		}
	}

	r = seed
	buf = make([]byte, 4096)
	for off := 0; off < n; off += len(buf) {
		if err := s.Read(off, buf); err != nil {
			t.Fatalf("Read at %#x: %v", off, err)
		}
		for i := range buf {
			if want := r.next(); buf[i] != want {
				t.Fatalf("mismatch at %#x: got %#02x, want %#02x", off+i, buf[i], want)
			}
		}
	}
}

func TestFlash128KBankCrossing(t *testing.T) {
	s, _ := openMock(savemem.Flash128K)

	// straddle the 64 KiB bank boundary
	start := 64*1024 - 16
	data := make([]byte, 32)
	r := rng(77)
	for i := range data {
		data[i] = r.next()
	}
	if err := s.PrepareWrite(start, start+len(data)); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(start, data); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(data))
	if err := s.Read(start, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("across bank boundary: read %x, want %x", buf, data)
	}
}

// Process-wide configuration is one-shot, so everything about it lives in a
// single test: New before Configure, New after, and the double-Configure
// panic.
func TestProcessConfiguration(t *testing.T) {
	if _, err := savemem.New(); !errors.Is(err, savemem.ErrUnconfigured) {
		t.Fatalf("New before Configure: %v, want ErrUnconfigured", err)
	}

	savemem.Configure(savemem.Sram, carthw_mock.NewSram(), carthw_mock.NewTimer())
	s, err := savemem.New()
	if err != nil {
		t.Fatalf("New after Configure: %v", err)
	}
	if s.Len() != 32768 {
		t.Errorf("configured Len() = %d, want 32768", s.Len())
	}

	s2, err := savemem.New()
	if err != nil {
		t.Fatal(err)
	}
	// both handles observe the same medium
	if err := s.Write(10, []byte{0x42}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if err := s2.Read(10, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x42 {
		t.Errorf("second handle read %#x, want 0x42", buf[0])
	}

	defer func() {
		if recover() == nil {
			t.Error("second Configure did not panic")
		}
	}()
	savemem.Configure(savemem.Sram, carthw_mock.NewSram(), carthw_mock.NewTimer())
}
