package adc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    RawSample
		wantErr bool
	}{
		{
			name: "valid line - on phase",
			line: "-10452,83886,1,1",
			want: RawSample{Electrode: -10452, Coil: 83886, Phase: PhaseOn, Valid: true},
		},
		{
			name: "valid line - off phase",
			line: "21474,0,0,1",
			want: RawSample{Electrode: 21474, Coil: 0, Phase: PhaseOff, Valid: true},
		},
		{
			name: "valid line - flagged conversion",
			line: "0,0,1,0",
			want: RawSample{Phase: PhaseOn, Valid: false},
		},
		{
			name:    "invalid - wrong number of fields",
			line:    "-10452,83886,1",
			wantErr: true,
		},
		{
			name:    "invalid - too many fields",
			line:    "-10452,83886,1,1,9",
			wantErr: true,
		},
		{
			name:    "invalid - non-numeric electrode",
			line:    "abc,83886,1,1",
			wantErr: true,
		},
		{
			name:    "invalid - non-numeric coil",
			line:    "-10452,abc,1,1",
			wantErr: true,
		},
		{
			name:    "invalid - phase out of range",
			line:    "-10452,83886,2,1",
			wantErr: true,
		},
		{
			name:    "invalid - validity out of range",
			line:    "-10452,83886,1,7",
			wantErr: true,
		},
		{
			name:    "invalid - electrode overflows int32",
			line:    "99999999999,0,1,1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNewSerial(t *testing.T) {
	dev := NewSerial("/dev/ttyACM0", 115200, 100)
	assert.NotNil(t, dev)
	assert.False(t, dev.IsConnected())
}

func TestNewSerial_Defaults(t *testing.T) {
	dev := NewSerial("/dev/ttyACM0", 0, 0)
	assert.Equal(t, DefaultBaudRate, dev.baudRate)
	assert.Equal(t, DefaultBufferSize, dev.bufSize)
}
