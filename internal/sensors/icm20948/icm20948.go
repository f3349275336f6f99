package icm20948

import (
	"fmt"
	"time"

	"fallguard/internal/i2c"
)

var sleep = time.Sleep

// Accelerometer-only ICM-20948 driver. The gyro is powered down; fall
// detection only needs the acceleration vector.
//
// WHO_AM_I at 0x00 must return 0xEA.

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	regPwrMgmt2   = 0x07
	bitReset      = 0x80
	clkAuto       = 0x01
	gyroOff       = 0x07 // DISABLE_GYRO x/y/z, accel stays on
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D

	// Bank 2.
	bank2           = 2
	regAccelSmplrt1 = 0x10
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	baseRateHz = 1125

	// StandardGravity converts G to m/s².
	StandardGravity = 9.80665
)

// Range is the accelerometer full scale in G.
type Range int

const (
	Range2G  Range = 2
	Range4G  Range = 4
	Range8G  Range = 8
	Range16G Range = 16
)

func (r Range) fsSel() (byte, bool) {
	switch r {
	case Range2G:
		return 0, true
	case Range4G:
		return 1, true
	case Range8G:
		return 2, true
	case Range16G:
		return 3, true
	}
	return 0, false
}

type Options struct {
	// Range defaults to 8 g so that impacts above 25 m/s² do not clip.
	Range Range
	// RateHz defaults to 60.
	RateHz int
}

// Sample is one accelerometer reading in m/s², gravity included.
type Sample struct {
	Time       time.Time
	Ax, Ay, Az float64
}

type Device struct {
	dev regIO

	curBank byte
	scale   float64 // m/s² per LSB
	rateHz  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev, opts)
}

func newWithIO(dev regIO, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	if opts.Range == 0 {
		opts.Range = Range8G
	}
	if opts.RateHz <= 0 {
		opts.RateHz = 60
	}
	if _, ok := opts.Range.fsSel(); !ok {
		return nil, fmt.Errorf("icm20948: unsupported range %dg", opts.Range)
	}
	if opts.RateHz > baseRateHz {
		return nil, fmt.Errorf("icm20948: rate %d Hz above %d Hz", opts.RateHz, baseRateHz)
	}

	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(opts); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init(opts Options) error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset returns the bank register to 0.
	d.curBank = 0

	if err := d.dev.WriteReg(regPwrMgmt1, clkAuto); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := d.dev.WriteReg(regPwrMgmt2, gyroOff); err != nil {
		return fmt.Errorf("icm20948: gyro power down failed: %w", err)
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}
	// ODR = 1125 / (1 + div), 12-bit divider split over two registers.
	div := uint16(baseRateHz/opts.RateHz - 1)
	if err := d.dev.WriteReg(regAccelSmplrt1, byte(div>>8)&0x0F); err != nil {
		return fmt.Errorf("icm20948: accel rate failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelSmplrt2, byte(div)); err != nil {
		return fmt.Errorf("icm20948: accel rate failed: %w", err)
	}
	fs, _ := opts.Range.fsSel()
	if err := d.dev.WriteReg(regAccelConfig, fs<<1); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scale = float64(opts.Range) / 32768.0 * StandardGravity
	d.rateHz = float64(baseRateHz) / float64(div+1)
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// RateHz is the configured output data rate.
func (d *Device) RateHz() float64 {
	if d == nil {
		return 0
	}
	return d.rateHz
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}

	var buf [6]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read accel failed: %w", err)
	}

	ax := int16(buf[0])<<8 | int16(buf[1])
	ay := int16(buf[2])<<8 | int16(buf[3])
	az := int16(buf[4])<<8 | int16(buf[5])

	return Sample{
		Time: time.Now(),
		Ax:   float64(ax) * d.scale,
		Ay:   float64(ay) * d.scale,
		Az:   float64(az) * d.scale,
	}, nil
}
