package adc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the bench probe's UART rate.
	DefaultBaudRate = 921600
	// DefaultBufferSize is the default sample channel depth.
	DefaultBufferSize = 256
)

// Port describes an available serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	result := make([]Port, 0, len(names))
	for _, name := range names {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial is a front end attached over a serial link to the bench
// probe MCU, which streams framed conversions and accepts register
// commands.
type Serial struct {
	port     string
	baudRate int
	bufSize  int

	conn      serial.Port
	samples   chan RawSample
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
}

var _ SampleSource = (*Serial)(nil)
var _ CoilDriver = (*Serial)(nil)

// NewSerial creates a serial front end on the named port.
func NewSerial(port string, baudRate, bufSize int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Serial{
		port:     port,
		baudRate: baudRate,
		bufSize:  bufSize,
		samples:  make(chan RawSample, bufSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect opens the port and starts the reader goroutine.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}
	d.conn = conn
	d.connected = true
	go d.readSamples()
	return nil
}

// Close stops the reader and closes the port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.cancel()
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("Error closing serial port: %v", err)
		}
		d.conn = nil
	}
	d.connected = false
	close(d.samples)
	return nil
}

// Samples returns the sample stream.
func (d *Serial) Samples() <-chan RawSample {
	return d.samples
}

// IsConnected reports whether the port is open.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// SetGain sends a PGA register command to the probe.
func (d *Serial) SetGain(ch Channel, step GainStep) error {
	if step > MaxGainStep {
		return fmt.Errorf("gain step %d out of range", step)
	}
	return d.command(fmt.Sprintf("G%d,%d", ch, step))
}

// EnableGlobalChop toggles the converter's global chop mode.
func (d *Serial) EnableGlobalChop(enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return d.command(fmt.Sprintf("C%d", v))
}

// AutoOffsetCal triggers the inputs-shorted offset calibration.
func (d *Serial) AutoOffsetCal(ch Channel, n int) error {
	if n <= 0 {
		return fmt.Errorf("sample count must be positive")
	}
	return d.command(fmt.Sprintf("A%d,%d", ch, n))
}

// OffsetCal is not readable over the streaming link.
func (d *Serial) OffsetCal(ch Channel) (int32, error) {
	return 0, fmt.Errorf("offset register readback not supported on serial link")
}

// SetOffsetCal writes the channel offset register.
func (d *Serial) SetOffsetCal(ch Channel, word int32) error {
	return d.command(fmt.Sprintf("O%d,%d", ch, word))
}

// GainCal is not readable over the streaming link.
func (d *Serial) GainCal(ch Channel) (uint32, error) {
	return 0, fmt.Errorf("gain register readback not supported on serial link")
}

// SetGainCal writes the channel gain register.
func (d *Serial) SetGainCal(ch Channel, word uint32) error {
	return d.command(fmt.Sprintf("F%d,%d", ch, word))
}

// ReadSample blocks for the next streamed conversion. Good enough for
// calibration averaging, which only needs rate-paced single reads.
func (d *Serial) ReadSample() (RawSample, error) {
	select {
	case s, ok := <-d.samples:
		if !ok {
			return RawSample{}, fmt.Errorf("sample stream closed")
		}
		return s, nil
	case <-time.After(time.Second):
		return RawSample{}, fmt.Errorf("timed out waiting for sample")
	}
}

// SetTargetCurrent sets the probe's coil current regulator setpoint.
func (d *Serial) SetTargetCurrent(mA float32) error {
	if mA <= 0 {
		return fmt.Errorf("target current must be positive")
	}
	return d.command(fmt.Sprintf("T%d", int(mA)))
}

// Enable turns the coil driver on.
func (d *Serial) Enable() error { return d.command("E1") }

// Disable turns the coil driver off.
func (d *Serial) Disable() error { return d.command("E0") }

// SoftStart ramps the coil to target current.
func (d *Serial) SoftStart() error { return d.command("E2") }

// command writes one newline-terminated command to the probe.
func (d *Serial) command(cmd string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return fmt.Errorf("not connected")
	}
	if _, err := d.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("failed to send command %q: %w", cmd, err)
	}
	return nil
}

// readSamples reads lines from the port and parses them into RawSamples.
func (d *Serial) readSamples() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in readSamples: %v", r)
		}
	}()

	scanner := bufio.NewScanner(d.conn)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil && err != io.EOF {
					log.Printf("Error reading from serial port: %v", err)
				}
				return
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			s, err := parseLine(line)
			if err != nil {
				log.Printf("Failed to parse line '%s': %v", line, err)
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

// parseLine parses one probe line into a RawSample.
// Format: electrode,coil,phase,valid
// Example: -10452,83886,1,1
func parseLine(line string) (RawSample, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return RawSample{}, fmt.Errorf("invalid line format: expected 4 comma-separated values, got %d", len(parts))
	}

	electrode, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return RawSample{}, fmt.Errorf("invalid electrode counts: %w", err)
	}
	coil, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return RawSample{}, fmt.Errorf("invalid coil counts: %w", err)
	}
	phaseVal, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil || phaseVal > 1 {
		return RawSample{}, fmt.Errorf("invalid phase flag: %q", parts[2])
	}
	validVal, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil || validVal > 1 {
		return RawSample{}, fmt.Errorf("invalid validity flag: %q", parts[3])
	}

	phase := PhaseOff
	if phaseVal == 1 {
		phase = PhaseOn
	}
	return RawSample{
		Electrode: int32(electrode),
		Coil:      int32(coil),
		Phase:     phase,
		Valid:     validVal == 1,
	}, nil
}
