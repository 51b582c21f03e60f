package adc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// AFE register map (dual-channel delta-sigma converter).
const (
	regGain      = 0x04
	regChop      = 0x06
	regOffsetCal = 0x10 // +2 per channel
	regGainCal   = 0x14 // +2 per channel
	regSelfCal   = 0x1a
	regCoilSet   = 0x1c
	regCoilCtl   = 0x1d
)

// coil control register values.
const (
	coilCtlOff       = 0
	coilCtlOn        = 1
	coilCtlSoftStart = 2
)

// frame status word bits.
const (
	statusPhaseOn = 1 << 0
	statusValid   = 1 << 1
)

// SPI is a front end driving the dual-channel AFE directly over SPI
// on SBC-hosted controller builds.
type SPI struct {
	dev      string
	rateHz   int
	bufSize  int
	portC    spi.PortCloser
	conn     spi.Conn
	samples  chan RawSample
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	connOpen bool
}

var _ SampleSource = (*SPI)(nil)
var _ CoilDriver = (*SPI)(nil)

// NewSPI creates an SPI front end on the named device (e.g.
// "/dev/spidev0.0").
func NewSPI(dev string, sampleRateHz, bufSize int) *SPI {
	if sampleRateHz <= 0 {
		sampleRateHz = 16000
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SPI{
		dev:     dev,
		rateHz:  sampleRateHz,
		bufSize: bufSize,
		samples: make(chan RawSample, bufSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect initializes the periph host, opens the SPI port and starts
// the conversion reader.
func (d *SPI) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connOpen {
		return fmt.Errorf("already connected")
	}
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	p, err := spireg.Open(d.dev)
	if err != nil {
		return fmt.Errorf("open SPI port %s: %w", d.dev, err)
	}
	conn, err := p.Connect(8*physic.MegaHertz, spi.Mode1, 8)
	if err != nil {
		p.Close()
		return fmt.Errorf("connect SPI device %s: %w", d.dev, err)
	}
	d.portC = p
	d.conn = conn
	d.connOpen = true
	go d.readFrames()
	return nil
}

// Close stops the reader and releases the SPI port.
func (d *SPI) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connOpen {
		return nil
	}
	d.cancel()
	if d.portC != nil {
		if err := d.portC.Close(); err != nil {
			log.Printf("Error closing SPI port: %v", err)
		}
		d.portC = nil
	}
	d.connOpen = false
	close(d.samples)
	return nil
}

// Samples returns the conversion stream.
func (d *SPI) Samples() <-chan RawSample {
	return d.samples
}

// IsConnected reports whether the port is open.
func (d *SPI) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connOpen
}

// SetGain writes the channel PGA field.
func (d *SPI) SetGain(ch Channel, step GainStep) error {
	if step > MaxGainStep {
		return fmt.Errorf("gain step %d out of range", step)
	}
	return d.writeReg(regGain+uint8(ch), uint32(step))
}

// EnableGlobalChop toggles the converter's global chop mode.
func (d *SPI) EnableGlobalChop(enable bool) error {
	v := uint32(0)
	if enable {
		v = 1
	}
	return d.writeReg(regChop, v)
}

// AutoOffsetCal runs the converter's self offset calibration.
func (d *SPI) AutoOffsetCal(ch Channel, n int) error {
	if n <= 0 {
		return fmt.Errorf("sample count must be positive")
	}
	if err := d.writeReg(regSelfCal, uint32(ch)<<16|uint32(n)); err != nil {
		return err
	}
	// The converter needs n conversion periods to finish.
	time.Sleep(time.Duration(n) * time.Second / time.Duration(d.rateHz))
	return nil
}

// OffsetCal reads the channel offset register.
func (d *SPI) OffsetCal(ch Channel) (int32, error) {
	v, err := d.readReg(regOffsetCal + 2*uint8(ch))
	if err != nil {
		return 0, err
	}
	return signExtend24(v), nil
}

// SetOffsetCal writes the channel offset register.
func (d *SPI) SetOffsetCal(ch Channel, word int32) error {
	return d.writeReg(regOffsetCal+2*uint8(ch), uint32(word)&0xffffff)
}

// GainCal reads the channel gain register.
func (d *SPI) GainCal(ch Channel) (uint32, error) {
	return d.readReg(regGainCal + 2*uint8(ch))
}

// SetGainCal writes the channel gain register.
func (d *SPI) SetGainCal(ch Channel, word uint32) error {
	return d.writeReg(regGainCal+2*uint8(ch), word&0xffffff)
}

// ReadSample performs one immediate framed conversion read.
func (d *SPI) ReadSample() (RawSample, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connOpen {
		return RawSample{}, fmt.Errorf("not connected")
	}
	return d.readFrame()
}

// SetTargetCurrent writes the coil regulator setpoint in mA.
func (d *SPI) SetTargetCurrent(mA float32) error {
	if mA <= 0 {
		return fmt.Errorf("target current must be positive")
	}
	return d.writeReg(regCoilSet, uint32(mA))
}

// Enable turns the coil driver on.
func (d *SPI) Enable() error { return d.writeReg(regCoilCtl, coilCtlOn) }

// Disable turns the coil driver off.
func (d *SPI) Disable() error { return d.writeReg(regCoilCtl, coilCtlOff) }

// SoftStart ramps the coil to the setpoint.
func (d *SPI) SoftStart() error { return d.writeReg(regCoilCtl, coilCtlSoftStart) }

// readFrames polls conversion frames at the configured rate.
func (d *SPI) readFrames() {
	interval := time.Second / time.Duration(d.rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.mu.RLock()
			if !d.connOpen {
				d.mu.RUnlock()
				return
			}
			s, err := d.readFrame()
			d.mu.RUnlock()
			if err != nil {
				log.Printf("SPI frame read: %v", err)
				continue
			}
			select {
			case d.samples <- s:
			case <-d.ctx.Done():
				return
			default:
				log.Printf("Samples channel full, dropping sample")
			}
		}
	}
}

// readFrame transfers one 9-byte conversion frame:
// status[3] | electrode[3] | coil[3], MSB first.
func (d *SPI) readFrame() (RawSample, error) {
	w := make([]byte, 9)
	r := make([]byte, 9)
	if err := d.conn.Tx(w, r); err != nil {
		return RawSample{}, fmt.Errorf("frame transfer: %w", err)
	}
	status := uint32(r[0])<<16 | uint32(r[1])<<8 | uint32(r[2])
	electrode := signExtend24(uint32(r[3])<<16 | uint32(r[4])<<8 | uint32(r[5]))
	coil := signExtend24(uint32(r[6])<<16 | uint32(r[7])<<8 | uint32(r[8]))

	phase := PhaseOff
	if status&statusPhaseOn != 0 {
		phase = PhaseOn
	}
	return RawSample{
		Electrode: electrode,
		Coil:      coil,
		Phase:     phase,
		Valid:     status&statusValid != 0,
	}, nil
}

// writeReg writes a 24-bit register: 0x40|addr, then 3 data bytes.
func (d *SPI) writeReg(addr uint8, v uint32) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connOpen {
		return fmt.Errorf("not connected")
	}
	w := []byte{0x40 | addr, byte(v >> 16), byte(v >> 8), byte(v)}
	r := make([]byte, len(w))
	if err := d.conn.Tx(w, r); err != nil {
		return fmt.Errorf("write register 0x%02x: %w", addr, err)
	}
	return nil
}

// readReg reads a 24-bit register: 0x20|addr, then 3 clocked bytes.
func (d *SPI) readReg(addr uint8) (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connOpen {
		return 0, fmt.Errorf("not connected")
	}
	w := []byte{0x20 | addr, 0, 0, 0}
	r := make([]byte, len(w))
	if err := d.conn.Tx(w, r); err != nil {
		return 0, fmt.Errorf("read register 0x%02x: %w", addr, err)
	}
	return uint32(r[1])<<16 | uint32(r[2])<<8 | uint32(r[3]), nil
}

// signExtend24 widens a 24-bit two's-complement value to int32.
func signExtend24(v uint32) int32 {
	v &= 0xffffff
	if v&0x800000 != 0 {
		v |= 0xff000000
	}
	return int32(v)
}
