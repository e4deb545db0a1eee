// sfagb reads, writes and exercises GBA cartridge save media through a
// serial flash-kit programmer, or against a simulated cartridge with -mock.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math/bits"
	"os"

	"github.com/jacobsa/go-serial/serial"

	"github.com/Skirmisher/gba/agbcart"
	"github.com/Skirmisher/gba/carthw"
	"github.com/Skirmisher/gba/carthw_mock"
	"github.com/Skirmisher/gba/gbalink"
	"github.com/Skirmisher/gba/memcart"
	"github.com/Skirmisher/gba/savemem"
)

var (
	elog *log.Logger //Always output to stderr
	ilog *log.Logger //Verbose output
	dlog *log.Logger //Debug output
)

func usage() {
	fmt.Println("sfagb usage:")
	flag.PrintDefaults()
	os.Exit(-1)
}

// rng matches the generator in the cartridge-side self-test ROM, so a
// medium written by one can be verified by the other.
type rng uint32

func (r *rng) next() byte {
	*r = *r*2891336453 + 100001
	return byte(*r>>22) ^ byte(*r)
}

func (r *rng) nextUnder(under uint32) uint32 {
	*r = *r*2891336453 + 100001
	scale := uint(31 - bits.LeadingZeros32(under))
	return ((uint32(*r) >> scale) ^ uint32(*r)) % under
}

const maxBlockSize = 4 * 1024

// selfTestPass clears, writes and verifies one range of the medium with
// generator data in blockSize chunks.
func selfTestPass(s *savemem.SaveAccess, seed rng, offset, length, blockSize int) error {
	buf := make([]byte, blockSize)

	ilog.Println(" - Clearing media...")
	if err := s.PrepareWrite(offset, offset+length); err != nil {
		return err
	}

	ilog.Println(" - Writing media...")
	r := seed
	for cur, end := offset, offset+length; cur < end; {
		n := end - cur
		if n > blockSize {
			n = blockSize
		}
		for i := 0; i < n; i++ {
			buf[i] = r.next()
		}
		if err := s.Write(cur, buf[:n]); err != nil {
			return err
		}
		cur += n
	}

	ilog.Println(" - Validating media...")
	r = seed
	for cur, end := offset, offset+length; cur < end; {
		n := end - cur
		if n > blockSize {
			n = blockSize
		}
		if err := s.Read(cur, buf[:n]); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if want := r.next(); buf[i] != want {
				return fmt.Errorf("mismatch at %#06x: read %#02x, want %#02x", cur+i, buf[i], want)
			}
		}
		cur += n
	}

	ilog.Println(" - Done!")
	return nil
}

func selfTest(s *savemem.SaveAccess) error {
	n := s.Len()

	if n >= 4096 {
		elog.Println("[ Full write, 4KiB blocks ]")
		if err := selfTestPass(s, rng(2000), 0, n, 4*1024); err != nil {
			return err
		}
	}

	elog.Println("[ Full write, 0.5KiB blocks ]")
	if err := selfTestPass(s, rng(1000), 0, n, 512); err != nil {
		return err
	}

	r := rng(12345)
	for i := 0; i < 8; i++ {
		length := int(r.nextUnder(uint32(n>>1))) + 50
		offset := int(r.nextUnder(uint32(n - length)))
		bs := length >> 2
		if bs > maxBlockSize-100 {
			bs = maxBlockSize - 100
		}
		bs = int(r.nextUnder(uint32(bs))) + 50

		elog.Printf("[ Partial, offset = %#06x, len = %d, bs = %d ]", offset, length, bs)
		if err := selfTestPass(s, rng(uint32(i)*10000), offset, length, bs); err != nil {
			return err
		}
	}
	return nil
}

func readSave(bank memcart.MemBank, savefile string) error {
	f := os.Stdout
	if savefile != "-" {
		var err error
		f, err = os.Create(savefile)
		if err != nil {
			return err
		}
		defer f.Close()
		ilog.Println("Opened", savefile, "for writing")
	}

	if _, err := bank.Seek(0, io.SeekStart); err != nil {
		return err
	}
	n, err := io.Copy(f, bank)
	if err != nil {
		return err
	}
	ilog.Printf("Read %d bytes of %s", n, bank.Name())
	return nil
}

func writeSave(bank memcart.MemBank, savefile string) error {
	f := os.Stdin
	if savefile != "-" {
		var err error
		f, err = os.Open(savefile)
		if err != nil {
			return err
		}
		defer f.Close()
		ilog.Println("Opened", savefile, "for reading")
	}

	buf, err := ioutil.ReadAll(f)
	if err != nil {
		return err
	}
	if int64(len(buf)) > bank.Size() {
		return fmt.Errorf("save data is %d bytes, media holds %d", len(buf), bank.Size())
	}

	if _, err := bank.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := bank.Write(buf); err != nil {
		return err
	}

	ilog.Println("Verify...")
	if _, err := bank.Seek(0, io.SeekStart); err != nil {
		return err
	}
	check := make([]byte, len(buf))
	if _, err := io.ReadFull(bank, check); err != nil {
		return err
	}
	for i := range buf {
		if check[i] != buf[i] {
			return fmt.Errorf("failed verification at byte %d", i)
		}
	}
	ilog.Println("OK")
	return nil
}

func romInfo(romfile string) error {
	buf, err := ioutil.ReadFile(romfile)
	if err != nil {
		return err
	}
	hdr, err := agbcart.ParseHeader(buf)
	if err != nil {
		return err
	}
	fmt.Println("ROM title:", hdr.Title)
	fmt.Println("Game code:", hdr.GameCode)
	fmt.Println("Maker code:", hdr.MakerCode)
	if media, ok := agbcart.DetectSaveType(buf); ok {
		fmt.Println("Save library:", media, "(pass this as -media)")
	} else {
		fmt.Println("Save library: none found")
	}
	return nil
}

func main() {
	//options
	port := flag.String("port", "/dev/ttyUSB0", "serial port to use (/dev/ttyUSB0, etc)")
	baud := flag.Uint("baud", 9600, "Baud rate")
	mock := flag.Bool("mock", false, "Use a simulated cartridge instead of a serial device")
	media := flag.String("media", "", "Save media type: sram, flash64k, flash128k, eeprom512, eeprom8k")

	selftest := flag.Bool("selftest", false, "Erase the medium and run the write/verify sweep")
	readsave := flag.String("readsave", "", "File to save cartridge save data to (- for stdout)")
	writesave := flag.String("writesave", "", "File to write to cartridge save media (- for stdin)")
	rominfoFile := flag.String("rominfo", "", "Print header info and save type of a ROM file")

	verbose := flag.Bool("v", false, "Verbose output")
	debug := flag.Bool("debug", false, "Debug output")

	flag.Parse()

	elog = log.New(os.Stderr, "", 0)
	ilog = log.New(ioutil.Discard, "", 0)
	dlog = log.New(ioutil.Discard, "", 0)
	if *verbose {
		ilog = log.New(os.Stderr, "", 0)
	}
	if *debug {
		dlog = log.New(os.Stderr, "debug: ", log.Lmicroseconds)
	}

	if *rominfoFile != "" {
		if err := romInfo(*rominfoFile); err != nil {
			elog.Println(err)
			os.Exit(-1)
		}
		return
	}

	if *readsave != "" && *writesave != "" {
		fmt.Println("Can't read and write save media in one invocation")
		usage()
	}
	if !*selftest && *readsave == "" && *writesave == "" {
		fmt.Println("No action specified")
		usage()
	}
	if *media == "" {
		fmt.Println("Must specify -media")
		usage()
	}
	mediaType, err := savemem.ParseMediaType(*media)
	if err != nil {
		fmt.Println(err)
		usage()
	}

	var (
		bus carthw.Bus
		tm  carthw.Timer
		dev *gbalink.Device
	)
	if *mock {
		dlog.Println("using simulated cartridge")
		switch mediaType {
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
		tm = carthw_mock.NewTimer()
	} else {
		if *port == "" {
			fmt.Println("Must specify port")
			usage()
		}
		dev = gbalink.New()
		dev.SetOptions(serial.OpenOptions{
			PortName:              *port,
			BaudRate:              *baud,
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       1,
			InterCharacterTimeout: 200,
			ParityMode:            serial.PARITY_NONE,
		})
		if err := dev.Connect(); err != nil {
			elog.Println("Error opening serial port:", err)
			os.Exit(-1)
		}
		defer dev.Disconnect()
		bus, tm = dev, gbalink.NewClock()
	}

	access := savemem.Open(mediaType, bus, tm)
	info := access.MediaInfo()
	elog.Printf("Media: %s, %d bytes, sector size %d", info.MediaType, info.TotalSize, info.SectorSize)

	bank := memcart.NewSaveCart(access).CurrentBank()

	if *selftest {
		err = selfTest(access)
	} else if *readsave != "" {
		err = readSave(bank, *readsave)
	} else {
		err = writeSave(bank, *writesave)
	}
	if err == nil && dev != nil {
		err = dev.Err()
	}
	if err != nil {
		elog.Println(err)
		os.Exit(-1)
	}
}
