package display

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptions_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{name: "defaults", in: PortOptions{}, want: PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}},
		{name: "even long form", in: PortOptions{BaudRate: 19200, Parity: " even "}, want: PortOptions{BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "E"}},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 115200, StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	_, err = PortOptions{Parity: "x"}.SerialMode()
	assert.Error(t, err)
}

func TestSerialDisplay_Protocol(t *testing.T) {
	port := &TestablePort{}
	opener := &MockOpener{Port: port}

	d, err := OpenSerialDisplay("/dev/ttyDISPLAY", PortOptions{}, opener.Open, nil)
	require.NoError(t, err)
	require.Len(t, opener.Calls, 1)
	assert.Equal(t, "/dev/ttyDISPLAY", opener.Calls[0].Path)
	assert.Equal(t, 9600, opener.Calls[0].Mode.BaudRate)

	require.NoError(t, d.SetAccidentAlert(true))
	require.NoError(t, d.UpdateSpeedLimit(50))
	require.NoError(t, d.UpdateLaneStatus(0, "blocked"))
	require.NoError(t, d.UpdateLaneStatus(1, " up "))
	require.NoError(t, d.SetAccidentAlert(false))
	require.NoError(t, d.Reset())
	assert.Error(t, d.UpdateLaneStatus(2, "half open"))

	assert.Equal(t, []string{
		"ALERT ON",
		"SPEED 50",
		"LANE 0 blocked",
		"LANE 1 up",
		"ALERT OFF",
		"RESET",
	}, port.Lines())

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, port.Closed)
	assert.Error(t, d.Reset())
}

func TestSerialDisplay_WriteFailures(t *testing.T) {
	port := &TestablePort{WriteError: errors.New("EIO")}
	d := NewSerialDisplay(port, nil)

	assert.EqualError(t, d.Reset(), "EIO")

	port.ShortWrite = true
	assert.ErrorIs(t, d.Reset(), ErrWriteFailed)

	assert.NoError(t, d.Reset())
}

func TestOpenSerialDisplay_Errors(t *testing.T) {
	_, err := OpenSerialDisplay("/dev/null", PortOptions{DataBits: 4}, (&MockOpener{}).Open, nil)
	assert.Error(t, err)

	opener := &MockOpener{Error: errors.New("no such device")}
	_, err = OpenSerialDisplay("/dev/ttyX", PortOptions{}, opener.Open, nil)
	assert.ErrorContains(t, err, "no such device")
}
