// Package gbalink drives a serial flash-kit programmer wired to a GBA
// cartridge slot, exposing the cartridge bus as carthw.Bus so the save
// layer runs unchanged against real hardware.
//
// The firmware speaks a one-byte-command protocol: latch an address, then
// issue single byte or halfword accesses against it. Bus methods cannot
// return errors, so serial faults latch into the device and are reported by
// Err after the operation; once a fault latches, later bus calls are no-ops.
package gbalink

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

const (
	CMD_ADDR byte = 0 // + 4 address bytes, high first
	CMD_RD8  byte = 1 // -> 1 data byte
	CMD_WR8  byte = 2 // + 1 data byte
	CMD_RD16 byte = 3 // -> 2 data bytes, low first
	CMD_WR16 byte = 4 // + 2 data bytes, low first
	CMD_ID   byte = 5 // -> 2 ID bytes
)

type Device struct {
	fd  io.ReadWriteCloser
	opt serial.OpenOptions
	err error
}

func New() *Device {
	return &Device{}
}

// NewFromPort wraps an already-open port, for tests and unusual transports.
func NewFromPort(port io.ReadWriteCloser) *Device {
	return &Device{fd: port}
}

func (d *Device) SetOptions(options serial.OpenOptions) {
	d.opt = options
}

// Connect opens the port and verifies the device ID. Flash-kit firmware
// reports an ID whose high and low bytes match; anything else is some other
// device on the port.
func (d *Device) Connect() error {
	f, err := serial.Open(d.opt)
	if err != nil {
		return err
	}
	d.fd = f

	id, err := d.GetID()
	if err != nil {
		d.fd.Close()
		return err
	}
	if id == 0 || (id&0xFF) != (id>>8) {
		d.fd.Close()
		return fmt.Errorf("gbalink: unknown device ID %#04x", id)
	}
	return nil
}

func (d *Device) Disconnect() error {
	if d.fd == nil {
		return nil
	}
	err := d.fd.Close()
	d.fd = nil
	return err
}

func (d *Device) GetID() (int, error) {
	buf := make([]byte, 2)
	d.writeFull([]byte{CMD_ID})
	d.readFull(buf)
	if d.err != nil {
		return 0, d.err
	}
	return int(buf[0])<<8 | int(buf[1]), nil
}

// Err reports the first serial fault since the last ClearErr.
func (d *Device) Err() error {
	return d.err
}

func (d *Device) ClearErr() {
	d.err = nil
}

// writeFull and readFull carry the latched error through a command
// sequence, so callers check once per operation instead of per transfer.
func (d *Device) writeFull(p []byte) {
	if d.err != nil {
		return
	}
	n, err := d.fd.Write(p)
	if err == nil && n < len(p) {
		err = fmt.Errorf("gbalink: short write: %d of %d bytes", n, len(p))
	}
	d.err = err
}

func (d *Device) readFull(p []byte) {
	if d.err != nil {
		return
	}
	for got := 0; got < len(p); {
		n, err := d.fd.Read(p[got:])
		got += n
		if err != nil {
			d.err = err
			return
		}
		if n == 0 {
			d.err = errors.New("gbalink: zero-byte read")
			return
		}
	}
}

func (d *Device) setAddr(addr uint32) {
	d.writeFull([]byte{
		CMD_ADDR,
		byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr),
	})
}

func (d *Device) Read8(addr uint32) byte {
	d.setAddr(addr)
	d.writeFull([]byte{CMD_RD8})
	buf := make([]byte, 1)
	d.readFull(buf)
	if d.err != nil {
		return 0xFF
	}
	return buf[0]
}

func (d *Device) Write8(addr uint32, value byte) {
	d.setAddr(addr)
	d.writeFull([]byte{CMD_WR8, value})
}

func (d *Device) Read16(addr uint32) uint16 {
	d.setAddr(addr)
	d.writeFull([]byte{CMD_RD16})
	buf := make([]byte, 2)
	d.readFull(buf)
	if d.err != nil {
		return 0xFFFF
	}
	return uint16(buf[0]) | uint16(buf[1])<<8
}

func (d *Device) Write16(addr uint32, value uint16) {
	d.setAddr(addr)
	d.writeFull([]byte{CMD_WR16, byte(value), byte(value >> 8)})
}

// Clock is the timer collaborator when polling runs host-side: ticks at the
// same 16384 Hz rate a CPU/1024 cartridge timer would, derived from wall
// time, so the per-variant timeout bounds mean the same durations on either
// side of the link.
type Clock struct {
	start time.Time
}

func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) Ticks() uint32 {
	return uint32(time.Since(c.start) * 16384 / time.Second)
}
