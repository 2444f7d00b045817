package display

import (
	"bytes"
	"errors"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// TestablePort is a Port with configurable failures for tests.
type TestablePort struct {
	mu sync.Mutex

	// WriteBuffer captures data written to the port.
	WriteBuffer bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error

	// ShortWrite makes the next Write report one byte fewer than given.
	ShortWrite bool

	// Closed indicates whether Close was called.
	Closed bool

	WriteCalls int
}

func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		t.ShortWrite = false
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// Lines returns the commands written so far.
func (t *TestablePort) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimRight(t.WriteBuffer.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// MockOpener returns an Opener that hands out port and records each call.
type MockOpener struct {
	mu    sync.Mutex
	Port  Port
	Error error
	Calls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode serial.Mode
}

func (m *MockOpener) Open(path string, mode *serial.Mode) (Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockOpenCall{Path: path, Mode: *mode})
	if m.Error != nil {
		return nil, m.Error
	}
	return m.Port, nil
}
