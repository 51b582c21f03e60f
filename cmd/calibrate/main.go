// Command calibrate is an interactive field calibration tool. Run it
// on the bench or at the installation with the pipe full: it starts
// the measurement engine on the configured front end and walks the
// operator through zero, span, coil and converter calibration.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/ccroswhite/agsys-control-sub002/pkg/adc"
	"github.com/ccroswhite/agsys-control-sub002/pkg/cal"
	"github.com/ccroswhite/agsys-control-sub002/pkg/config"
	"github.com/ccroswhite/agsys-control-sub002/pkg/flow"
	"github.com/ccroswhite/agsys-control-sub002/pkg/store"
)

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use the simulated front end regardless of config")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *mockFlag {
		cfg.Source.Mode = "mock"
	}

	st, err := store.NewFileStore(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open persistent store: %v", err)
	}

	source, coil, err := buildSource(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := source.Connect(); err != nil {
		log.Fatalf("Failed to connect front end: %v", err)
	}
	defer source.Close()

	clock := adc.NewSystemClock()
	mgr := cal.NewManager(st, source, coil, clock)
	if !mgr.LoadFlowCalibration() {
		pipe, _ := cal.ParsePipeSize(cfg.Measurement.PipeSize)
		mgr.ApplyDefaults(pipe)
		fmt.Printf("No stored calibration, starting from %s defaults\n", pipe)
	}
	ambient := float32(cfg.Measurement.AmbientC)
	if err := mgr.AdcPrepare(ambient); err != nil {
		log.Fatalf("Converter setup failed: %v", err)
	}

	engine := flow.NewEngine(flow.Params{
		SampleRateHz: cfg.Measurement.SampleRateHz,
		ExcitationHz: cfg.Measurement.ExcitationHz,
		WindowSize:   cfg.Measurement.WindowSize,
		InitialGain:  adc.GainStep(cfg.Measurement.InitialGain),
		AutoZero:     flow.DefaultAutoZeroConfig(),
	})
	if err := engine.Init(source, clock); err != nil {
		log.Fatalf("Engine init failed: %v", err)
	}
	engine.SetCalibration(mgr.FlowCalibration())
	engine.SetAmbientTemperature(ambient)
	engine.OnCalibrationUpdate(func(c cal.FlowCalibration) {
		if err := mgr.CommitFieldCalibration(c); err != nil {
			fmt.Printf("WARNING: calibration not persisted: %v\n", err)
		} else {
			fmt.Println("Calibration saved")
		}
	})
	if err := engine.Start(); err != nil {
		log.Fatalf("Engine start failed: %v", err)
	}
	defer engine.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx, source.Samples())

	runMenu(bufio.NewReader(os.Stdin), engine, mgr, ambient)
}

func runMenu(in *bufio.Reader, engine *flow.Engine, mgr *cal.Manager, ambient float32) {
	for {
		fmt.Println()
		fmt.Println("--- Flow Meter Calibration ---")
		fmt.Println("  1) Show live measurement")
		fmt.Println("  2) Zero calibration (no flow, pipe full)")
		fmt.Println("  3) Span calibration (known reference flow)")
		fmt.Println("  4) Measure coil resistance")
		fmt.Println("  5) Full converter calibration")
		fmt.Println("  6) Detect hardware tier")
		fmt.Println("  q) Quit")
		fmt.Print("> ")

		choice, err := in.ReadString('\n')
		if err != nil {
			return
		}
		switch strings.TrimSpace(choice) {
		case "1":
			printSnapshot(engine)
		case "2":
			zeroCal(engine)
		case "3":
			spanCal(in, engine)
		case "4":
			coilCheck(mgr)
		case "5":
			converterCal(engine, mgr, ambient)
		case "6":
			tierDetect(in, mgr)
		case "q", "Q":
			return
		}
	}
}

func printSnapshot(engine *flow.Engine) {
	s := engine.Snapshot()
	if !s.WindowFull {
		fmt.Println("Measurement window not full yet, wait a moment")
		return
	}
	c := engine.Calibration()
	fmt.Printf("Flow:      %8.2f L/min  (%.2f GPM)\n", s.FlowLPM, s.FlowGPM)
	fmt.Printf("Velocity:  %8.3f m/s\n", s.VelocityMPS)
	fmt.Printf("Total:     %8.1f L\n", s.TotalLiters)
	fmt.Printf("Signal:    %8.2f uV  (raw %.2f uV, noise %.2f uV)\n", s.SignalUV, s.RawUV, s.NoiseUV)
	fmt.Printf("Coil:      %8.1f mA  (target %.0f mA)\n", s.CoilCurrentMA, c.TargetCoilMA)
	fmt.Printf("Quality:   %8d %%\n", s.Quality)
	fmt.Printf("Zero:      %8.2f uV   Span: %.1f uV/(m/s)   Pipe: %s\n",
		c.ZeroOffsetUV, c.SpanUVPerMPS, c.PipeSize)
	if s.CoilFault {
		fmt.Println("WARNING: coil current out of range")
	}
	if s.ReverseFlow {
		fmt.Println("NOTE: reverse flow")
	}
}

func zeroCal(engine *flow.Engine) {
	fmt.Println("Make sure the pipe is full and the flow is fully stopped.")
	if err := engine.ZeroCalibrate(); err != nil {
		fmt.Printf("Zero calibration failed: %v\n", err)
		return
	}
	fmt.Printf("Zero committed at %.2f uV\n", engine.Calibration().ZeroOffsetUV)
}

func spanCal(in *bufio.Reader, engine *flow.Engine) {
	fmt.Print("Reference flow rate in L/min: ")
	line, err := in.ReadString('\n')
	if err != nil {
		return
	}
	lpm, err := strconv.ParseFloat(strings.TrimSpace(line), 32)
	if err != nil {
		fmt.Printf("Not a number: %v\n", err)
		return
	}
	if err := engine.SpanCalibrate(float32(lpm)); err != nil {
		fmt.Printf("Span calibration failed: %v\n", err)
		return
	}
	fmt.Printf("Span committed: %.1f uV/(m/s)\n", engine.Calibration().SpanUVPerMPS)
}

func coilCheck(mgr *cal.Manager) {
	fmt.Println("Measuring coil resistance (drives a test current)...")
	ohms := mgr.MeasureCoilResistance()
	if ohms == 0 {
		fmt.Println("Measurement failed: no plausible coil current")
		return
	}
	c := mgr.FlowCalibration()
	fmt.Printf("Coil resistance: %.1f ohm (nominal for tier %s)\n", ohms, c.Tier)
}

// converterCal stops the engine for the duration of the self
// calibration: the converter cannot stream samples while calibrating.
func converterCal(engine *flow.Engine, mgr *cal.Manager, ambient float32) {
	fmt.Println("Full converter calibration, measurement pauses for a few seconds.")
	engine.Stop()
	err := mgr.AdcCalibrate(ambient)
	if startErr := engine.Start(); startErr != nil {
		fmt.Printf("WARNING: engine did not restart: %v\n", startErr)
	}
	if err != nil {
		fmt.Printf("Converter calibration failed: %v\n", err)
		return
	}
	a := mgr.AdcCalibration()
	fmt.Printf("Converter calibrated: offsets %d/%d, gains %#x/%#x at %.1f C\n",
		a.OffsetElectrode, a.OffsetCoil, a.GainElectrode, a.GainCoil, a.CalTempC)
}

func tierDetect(in *bufio.Reader, mgr *cal.Manager) {
	fmt.Print("Tier ID pin voltage in mV: ")
	line, err := in.ReadString('\n')
	if err != nil {
		return
	}
	mv, err := strconv.ParseFloat(strings.TrimSpace(line), 32)
	if err != nil {
		fmt.Printf("Not a number: %v\n", err)
		return
	}
	tier := mgr.DetectTier(float32(mv))
	if tier == cal.TierUnknown {
		fmt.Println("Voltage outside every tier window, nothing changed")
		return
	}
	mgr.ApplyTierDefaults(tier)
	if err := mgr.SaveFlowCalibration(); err != nil {
		fmt.Printf("WARNING: not persisted: %v\n", err)
	}
	fmt.Printf("Tier %s drive defaults applied\n", tier)
}

func buildSource(cfg *config.Config) (adc.SampleSource, adc.CoilDriver, error) {
	switch cfg.Source.Mode {
	case "mock":
		m := adc.NewMock(adc.MockConfig{
			SampleRateHz:   cfg.Measurement.SampleRateHz,
			SamplesPerHalf: cfg.Measurement.SampleRateHz / (2 * cfg.Measurement.ExcitationHz),
			SignalUV:       float32(cfg.Mock.SignalUV),
			BaselineUV:     float32(cfg.Mock.BaselineUV),
			NoiseUV:        float32(cfg.Mock.NoiseUV),
			CoilCurrentMA:  float32(cfg.Mock.CoilMA),
		})
		return m, m, nil
	case "serial":
		s := adc.NewSerial(cfg.Source.SerialPort, cfg.Source.BaudRate, 0)
		return s, s, nil
	case "spi":
		s := adc.NewSPI(cfg.Source.SPIDevice, cfg.Measurement.SampleRateHz, 0)
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown source mode %q", cfg.Source.Mode)
	}
}
