package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "mock", cfg.Source.Mode)
	assert.Equal(t, 921600, cfg.Source.BaudRate)
	assert.Equal(t, 16000, cfg.Measurement.SampleRateHz)
	assert.Equal(t, 2000, cfg.Measurement.ExcitationHz)
	assert.Equal(t, 32, cfg.Measurement.WindowSize)
	assert.Equal(t, 5, cfg.Measurement.InitialGain)
	assert.Equal(t, "2in", cfg.Measurement.PipeSize)
	assert.True(t, cfg.AutoZero.Enabled)
	assert.Equal(t, 30*time.Second, cfg.AutoZero.StableTime)
	assert.Equal(t, time.Hour, cfg.AutoZero.MinInterval)
	assert.Equal(t, "fram.img", cfg.Store.Path)
	assert.Equal(t, 5*time.Second, cfg.MQTT.Interval)
	assert.False(t, cfg.GPS.Enabled)
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_PartialFileGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
source:
  mode: serial
  serial_port: /dev/ttyACM1
measurement:
  pipe_size: 3in
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "serial", cfg.Source.Mode)
	assert.Equal(t, "/dev/ttyACM1", cfg.Source.SerialPort)
	assert.Equal(t, "3in", cfg.Measurement.PipeSize)

	// Everything unspecified falls back to defaults.
	assert.Equal(t, 921600, cfg.Source.BaudRate)
	assert.Equal(t, 16000, cfg.Measurement.SampleRateHz)
	assert.Equal(t, 32, cfg.Measurement.WindowSize)
	assert.Equal(t, 30*time.Second, cfg.AutoZero.StableTime)
	assert.Equal(t, "fram.img", cfg.Store.Path)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Source.Mode = "spi"
	cfg.Measurement.PipeSize = "4in"
	cfg.Measurement.TierIDMv = 2500
	cfg.MQTT.Broker = "tcp://gateway:1883"
	cfg.GPS.Enabled = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
