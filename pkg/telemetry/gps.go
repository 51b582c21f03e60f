package telemetry

import (
	"bufio"
	"context"
	"log"
	"strings"
	"sync"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
)

// GPSReader tracks the last valid RMC fix from a serial NMEA receiver.
// Field installations use it to geotag reports; indoor benches run
// without one.
type GPSReader struct {
	port string
	baud int

	mu     sync.RWMutex
	lat    float64
	lon    float64
	hasFix bool

	conn   serial.Port
	cancel context.CancelFunc
}

// NewGPSReader creates a reader for the named port.
func NewGPSReader(port string, baud int) *GPSReader {
	if baud == 0 {
		baud = 9600
	}
	return &GPSReader{port: port, baud: baud}
}

// Start opens the port and begins parsing sentences in the background.
func (g *GPSReader) Start() error {
	conn, err := serial.Open(g.port, &serial.Mode{BaudRate: g.baud})
	if err != nil {
		return err
	}
	g.conn = conn
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.readLoop(ctx)
	log.Printf("GPS receiver opened on %s at %d baud", g.port, g.baud)
	return nil
}

// Stop closes the port.
func (g *GPSReader) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	if g.conn != nil {
		g.conn.Close()
	}
}

// LastFix returns the most recent valid position.
func (g *GPSReader) LastFix() (lat, lon float64, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lat, g.lon, g.hasFix
}

func (g *GPSReader) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(g.conn)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "$") {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			// Noisy receivers emit partial sentences; skip them.
			continue
		}

		if sentence.DataType() != nmea.TypeRMC {
			continue
		}
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			continue
		}

		g.mu.Lock()
		g.lat = m.Latitude
		g.lon = m.Longitude
		g.hasFix = true
		g.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		log.Printf("GPS read error: %v", err)
	}
}
