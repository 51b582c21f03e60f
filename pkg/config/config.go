// Package config holds the device configuration for hosted builds:
// front end selection, measurement geometry, persistence path and
// telemetry endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the device configuration.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Measurement MeasurementConfig `yaml:"measurement"`
	AutoZero    AutoZeroConfig    `yaml:"auto_zero"`
	Store       StoreConfig       `yaml:"store"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	GPS         GPSConfig         `yaml:"gps"`
	Mock        MockConfig        `yaml:"mock"`
}

// SourceConfig selects and parameterizes the analog front end.
type SourceConfig struct {
	Mode       string `yaml:"mode"` // "mock", "serial" or "spi"
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	SPIDevice  string `yaml:"spi_device"`
}

// MeasurementConfig contains the sampling geometry and meter body.
type MeasurementConfig struct {
	SampleRateHz int     `yaml:"sample_rate_hz"`
	ExcitationHz int     `yaml:"excitation_hz"`
	WindowSize   int     `yaml:"window_size"`
	InitialGain  int     `yaml:"initial_gain"` // PGA step, gain = 2^step
	PipeSize     string  `yaml:"pipe_size"`
	TierIDMv     float64 `yaml:"tier_id_mv"` // tier pin voltage on boards without the mux
	AmbientC     float64 `yaml:"ambient_c"`  // fallback board temperature
}

// AutoZeroConfig tunes the automatic zero recommit.
type AutoZeroConfig struct {
	Enabled     bool          `yaml:"enabled"`
	StabilityUV float64       `yaml:"stability_uv"`
	NoiseUV     float64       `yaml:"noise_uv"`
	StableTime  time.Duration `yaml:"stable_time"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// StoreConfig locates the persistent store image.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig contains the telemetry uplink settings.
type MQTTConfig struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	Interval time.Duration `yaml:"interval"`
}

// GPSConfig contains the optional position receiver settings.
type GPSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// MockConfig parameterizes the simulated front end.
type MockConfig struct {
	SignalUV   float64 `yaml:"signal_uv"`
	BaselineUV float64 `yaml:"baseline_uv"`
	NoiseUV    float64 `yaml:"noise_uv"`
	CoilMA     float64 `yaml:"coil_ma"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Mode:       "mock",
			SerialPort: "/dev/ttyACM0",
			BaudRate:   921600,
			SPIDevice:  "/dev/spidev0.0",
		},
		Measurement: MeasurementConfig{
			SampleRateHz: 16000,
			ExcitationHz: 2000,
			WindowSize:   32,
			InitialGain:  5,
			PipeSize:     "2in",
			TierIDMv:     1500,
			AmbientC:     25,
		},
		AutoZero: AutoZeroConfig{
			Enabled:     true,
			StabilityUV: 10,
			NoiseUV:     5,
			StableTime:  30 * time.Second,
			MinInterval: time.Hour,
		},
		Store: StoreConfig{
			Path: "fram.img",
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "flowmeter",
			Topic:    "field/flow/state",
			Interval: 5 * time.Second,
		},
		GPS: GPSConfig{
			Enabled:  false,
			Port:     "/dev/ttyUSB0",
			BaudRate: 9600,
		},
		Mock: MockConfig{
			SignalUV: 200,
			NoiseUV:  1,
			CoilMA:   250,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist
// or fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()
	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ensureDefaults ensures that required fields have default values if
// missing from the file.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Source.Mode == "" {
		c.Source.Mode = def.Source.Mode
	}
	if c.Source.BaudRate == 0 {
		c.Source.BaudRate = def.Source.BaudRate
	}

	if c.Measurement.SampleRateHz == 0 {
		c.Measurement.SampleRateHz = def.Measurement.SampleRateHz
	}
	if c.Measurement.ExcitationHz == 0 {
		c.Measurement.ExcitationHz = def.Measurement.ExcitationHz
	}
	if c.Measurement.WindowSize == 0 {
		c.Measurement.WindowSize = def.Measurement.WindowSize
	}
	if c.Measurement.PipeSize == "" {
		c.Measurement.PipeSize = def.Measurement.PipeSize
	}
	if c.Measurement.AmbientC == 0 {
		c.Measurement.AmbientC = def.Measurement.AmbientC
	}

	if c.AutoZero.StabilityUV == 0 {
		c.AutoZero.StabilityUV = def.AutoZero.StabilityUV
	}
	if c.AutoZero.NoiseUV == 0 {
		c.AutoZero.NoiseUV = def.AutoZero.NoiseUV
	}
	if c.AutoZero.StableTime == 0 {
		c.AutoZero.StableTime = def.AutoZero.StableTime
	}
	if c.AutoZero.MinInterval == 0 {
		c.AutoZero.MinInterval = def.AutoZero.MinInterval
	}

	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = def.MQTT.Broker
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}
	if c.MQTT.Interval == 0 {
		c.MQTT.Interval = def.MQTT.Interval
	}

	if c.GPS.BaudRate == 0 {
		c.GPS.BaudRate = def.GPS.BaudRate
	}

	if c.Mock.SignalUV == 0 {
		c.Mock.SignalUV = def.Mock.SignalUV
	}
	if c.Mock.CoilMA == 0 {
		c.Mock.CoilMA = def.Mock.CoilMA
	}
}
