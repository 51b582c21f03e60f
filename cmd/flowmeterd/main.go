// Command flowmeterd runs the flow measurement engine on a hosted
// controller: it boots the calibration records, starts the engine on
// the configured front end and publishes snapshots to the gateway
// broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccroswhite/agsys-control-sub002/pkg/adc"
	"github.com/ccroswhite/agsys-control-sub002/pkg/cal"
	"github.com/ccroswhite/agsys-control-sub002/pkg/config"
	"github.com/ccroswhite/agsys-control-sub002/pkg/flow"
	"github.com/ccroswhite/agsys-control-sub002/pkg/store"
	"github.com/ccroswhite/agsys-control-sub002/pkg/telemetry"
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

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	st, err := store.NewFileStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open persistent store: %w", err)
	}

	source, coil, err := buildSource(cfg)
	if err != nil {
		return err
	}
	if err := source.Connect(); err != nil {
		return fmt.Errorf("connect front end: %w", err)
	}
	defer source.Close()

	clock := adc.NewSystemClock()
	mgr := cal.NewManager(st, source, coil, clock)

	// Boot sequence: trusted record, or defaults + tier detection.
	if mgr.LoadFlowCalibration() {
		if mgr.IsCalibrated() {
			log.Printf("loaded field calibration, tier %s", mgr.FlowCalibration().Tier)
		} else {
			log.Printf("loaded defaults-only calibration record")
		}
	} else {
		pipe, ok := cal.ParsePipeSize(cfg.Measurement.PipeSize)
		if !ok {
			log.Printf("unknown pipe size %q, using %s", cfg.Measurement.PipeSize, pipe)
		}
		mgr.ApplyDefaults(pipe)
		tier := mgr.DetectTier(float32(cfg.Measurement.TierIDMv))
		if tier == cal.TierUnknown {
			log.Printf("tier ID %.0f mV outside all windows, keeping conservative defaults", cfg.Measurement.TierIDMv)
		} else {
			mgr.ApplyTierDefaults(tier)
			log.Printf("detected hardware tier %s", tier)
		}
		if err := mgr.SaveFlowCalibration(); err != nil {
			log.Printf("could not persist default calibration: %v", err)
		}
	}

	// The device must not report fabricated flow data on an
	// unverified converter, so this one is fatal.
	if err := mgr.AdcPrepare(float32(cfg.Measurement.AmbientC)); err != nil {
		return fmt.Errorf("adc prepare: %w", err)
	}

	engine := flow.NewEngine(flow.Params{
		SampleRateHz: cfg.Measurement.SampleRateHz,
		ExcitationHz: cfg.Measurement.ExcitationHz,
		WindowSize:   cfg.Measurement.WindowSize,
		InitialGain:  adc.GainStep(cfg.Measurement.InitialGain),
		AutoZero: flow.AutoZeroConfig{
			Enabled:       cfg.AutoZero.Enabled,
			StabilityUV:   float32(cfg.AutoZero.StabilityUV),
			NoiseUV:       float32(cfg.AutoZero.NoiseUV),
			StableTimeMs:  cfg.AutoZero.StableTime.Milliseconds(),
			MinIntervalMs: cfg.AutoZero.MinInterval.Milliseconds(),
		},
	})
	if err := engine.Init(source, clock); err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	engine.SetCalibration(mgr.FlowCalibration())
	engine.SetAmbientTemperature(float32(cfg.Measurement.AmbientC))
	engine.OnCalibrationUpdate(func(c cal.FlowCalibration) {
		if err := mgr.CommitFieldCalibration(c); err != nil {
			log.Printf("could not persist calibration update: %v", err)
		}
	})

	if err := engine.Start(); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	defer engine.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx, source.Samples())

	var pub *telemetry.Publisher
	if cfg.MQTT.Broker != "" {
		pub, err = telemetry.NewPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic)
		if err != nil {
			log.Printf("telemetry disabled: %v", err)
			pub = nil
		} else {
			defer pub.Close()
		}
	}

	var gps *telemetry.GPSReader
	if cfg.GPS.Enabled {
		gps = telemetry.NewGPSReader(cfg.GPS.Port, cfg.GPS.BaudRate)
		if err := gps.Start(); err != nil {
			log.Printf("GPS disabled: %v", err)
			gps = nil
		} else {
			defer gps.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	serial := mgr.FlowCalibration().Serial
	housekeeping := time.NewTicker(100 * time.Millisecond)
	defer housekeeping.Stop()

	var lastAutoZero, lastPublish, lastLog time.Time
	for {
		select {
		case <-sigCh:
			log.Println("shutting down")
			return nil
		case now := <-housekeeping.C:
			if now.Sub(lastAutoZero) >= time.Second {
				lastAutoZero = now
				engine.AutoZeroTick()
			}
			if pub != nil && now.Sub(lastPublish) >= cfg.MQTT.Interval {
				lastPublish = now
				r := telemetry.Report{
					Timestamp: now,
					Serial:    serial,
					State:     engine.Snapshot(),
				}
				if gps != nil {
					r.Latitude, r.Longitude, r.HasFix = gps.LastFix()
				}
				if err := pub.Publish(r); err != nil {
					log.Printf("publish: %v", err)
				}
			}
			if now.Sub(lastLog) >= 10*time.Second {
				lastLog = now
				s := engine.Snapshot()
				log.Printf("flow %.2f L/min  vel %.3f m/s  total %.1f L  quality %d%%  noise %.2f uV",
					s.FlowLPM, s.VelocityMPS, s.TotalLiters, s.Quality, s.NoiseUV)
			}
		}
	}
}

// buildSource creates the configured front end. All front ends also
// drive the excitation coil over the same link.
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
