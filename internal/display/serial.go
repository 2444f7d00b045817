package display

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/safespace/internal/monitoring"
)

var ErrWriteFailed = errors.New("short write to display port")

// PortOptions are the serial parameters of the display controller.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills in defaults (9600 8N1).
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Port is the part of a serial port the display writes to.
type Port interface {
	io.Writer
	io.Closer
}

// Opener opens a serial port. Tests replace it.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerialPort opens a real port with go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// SerialDisplay drives a display controller with a line protocol:
//
//	LANE <index> <status>
//	SPEED <limit>
//	ALERT ON|OFF
//	RESET
type SerialDisplay struct {
	port Port
	log  *monitoring.Logger

	mu     sync.Mutex
	closed bool
}

// OpenSerialDisplay opens path with open (OpenSerialPort when nil).
func OpenSerialDisplay(path string, opts PortOptions, open Opener, log *monitoring.Logger) (*SerialDisplay, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = OpenSerialPort
	}
	port, err := open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open display port %s: %w", path, err)
	}
	return NewSerialDisplay(port, log), nil
}

// NewSerialDisplay wraps an already open port.
func NewSerialDisplay(port Port, log *monitoring.Logger) *SerialDisplay {
	return &SerialDisplay{port: port, log: log.Named("serial-display")}
}

func (d *SerialDisplay) UpdateLaneStatus(lane int, status string) error {
	status = strings.TrimSpace(status)
	if status == "" || strings.ContainsAny(status, " \r\n") {
		return fmt.Errorf("invalid lane status %q", status)
	}
	return d.SendCommand(fmt.Sprintf("LANE %d %s", lane, status))
}

func (d *SerialDisplay) UpdateSpeedLimit(limit int) error {
	return d.SendCommand(fmt.Sprintf("SPEED %d", limit))
}

func (d *SerialDisplay) SetAccidentAlert(active bool) error {
	if active {
		return d.SendCommand("ALERT ON")
	}
	return d.SendCommand("ALERT OFF")
}

func (d *SerialDisplay) Reset() error {
	return d.SendCommand("RESET")
}

// SendCommand writes one newline-terminated command.
func (d *SerialDisplay) SendCommand(command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("display port closed")
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := d.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	d.log.Tracef("sent %q", strings.TrimSpace(command))
	return nil
}

// Close closes the port. Further commands fail.
func (d *SerialDisplay) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.port.Close()
}
