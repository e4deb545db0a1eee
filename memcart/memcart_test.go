package memcart_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/Skirmisher/gba/carthw_mock"
	"github.com/Skirmisher/gba/memcart"
	"github.com/Skirmisher/gba/savemem"
)

func newFlashBank() (memcart.MemBank, *carthw_mock.MockFlash) {
	flash := carthw_mock.NewFlash64K()
	s := savemem.Open(savemem.Flash64K, flash, carthw_mock.NewTimer())
	return memcart.NewSaveCart(s).CurrentBank(), flash
}

func TestBankMeta(t *testing.T) {
	bank, _ := newFlashBank()
	if bank.Size() != 65536 {
		t.Errorf("Size() = %d, want 65536", bank.Size())
	}
	if bank.Name() != "flash64k" {
		t.Errorf("Name() = %q", bank.Name())
	}
	if bank.AlwaysWritable() {
		t.Error("flash reported AlwaysWritable")
	}

	sram := savemem.Open(savemem.Sram, carthw_mock.NewSram(), carthw_mock.NewTimer())
	if !memcart.NewSaveCart(sram).CurrentBank().AlwaysWritable() {
		t.Error("sram did not report AlwaysWritable")
	}
}

func TestSingleBank(t *testing.T) {
	flash := carthw_mock.NewFlash64K()
	s := savemem.Open(savemem.Flash64K, flash, carthw_mock.NewTimer())
	c := memcart.NewSaveCart(s)
	if c.NumBanks() != 1 {
		t.Errorf("NumBanks() = %d, want 1", c.NumBanks())
	}
	if err := c.SwitchBank(0); err != nil {
		t.Errorf("SwitchBank(0): %v", err)
	}
	if err := c.SwitchBank(1); err == nil {
		t.Error("SwitchBank(1) succeeded on single-bank media")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	bank, flash := newFlashBank()

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if _, err := io.Copy(bank, bytes.NewReader(data)); err != nil {
		t.Fatalf("restore stream: %v", err)
	}
	// streamed writes share one erase session: ceil(10000/4096) sectors
	if got := flash.TotalErases(); got != 3 {
		t.Errorf("streaming erased %d sectors, want 3", got)
	}

	if _, err := bank.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(data))
	if _, err := io.ReadFull(bank, buf); err != nil {
		t.Fatalf("dump stream: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Error("streamed bytes did not round-trip")
	}
}

func TestReadStopsAtEnd(t *testing.T) {
	bank, _ := newFlashBank()
	if _, err := bank.Seek(-8, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := bank.Read(buf)
	if n != 8 || err != nil {
		t.Fatalf("Read at tail: n=%d err=%v", n, err)
	}
	if _, err := bank.Read(buf); err != io.EOF {
		t.Errorf("Read past end: %v, want io.EOF", err)
	}
}

func TestWritePastEnd(t *testing.T) {
	bank, _ := newFlashBank()
	if _, err := bank.Seek(-4, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	n, err := bank.Write(make([]byte, 16))
	if n != 4 || err != io.ErrShortWrite {
		t.Errorf("Write across end: n=%d err=%v", n, err)
	}
}
