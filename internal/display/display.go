// Package display drives the roadside status board from DisplayUpdate events.
package display

import (
	"errors"
	"sync"

	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/monitoring"
)

// Display is a status board. Implementations must be safe for concurrent use.
type Display interface {
	UpdateLaneStatus(lane int, status string) error
	UpdateSpeedLimit(limit int) error
	SetAccidentAlert(active bool) error
	Reset() error
}

// Board is a snapshot of what a display is showing.
type Board struct {
	Lanes      []string `json:"lanes"`
	SpeedLimit int      `json:"speed_limit,omitempty"`
	Alert      bool     `json:"alert"`
}

// LogDisplay is a headless display. It logs every command and keeps the
// current board so it can be inspected over the admin routes.
type LogDisplay struct {
	log *monitoring.Logger

	mu    sync.Mutex
	board Board
}

// NewLogDisplay returns an empty board.
func NewLogDisplay(log *monitoring.Logger) *LogDisplay {
	return &LogDisplay{log: log.Named("display")}
}

func (d *LogDisplay) UpdateLaneStatus(lane int, status string) error {
	if lane < 0 {
		return errors.New("negative lane index")
	}
	d.mu.Lock()
	for len(d.board.Lanes) <= lane {
		d.board.Lanes = append(d.board.Lanes, events.LaneDefaultStatus)
	}
	d.board.Lanes[lane] = status
	d.mu.Unlock()
	d.log.Diagf("lane %d: %s", lane, status)
	return nil
}

func (d *LogDisplay) UpdateSpeedLimit(limit int) error {
	d.mu.Lock()
	d.board.SpeedLimit = limit
	d.mu.Unlock()
	d.log.Diagf("speed limit: %d", limit)
	return nil
}

func (d *LogDisplay) SetAccidentAlert(active bool) error {
	d.mu.Lock()
	d.board.Alert = active
	d.mu.Unlock()
	d.log.Diagf("accident alert: %t", active)
	return nil
}

// Reset clears the alert and returns every known lane to its default.
func (d *LogDisplay) Reset() error {
	d.mu.Lock()
	for i := range d.board.Lanes {
		d.board.Lanes[i] = events.LaneDefaultStatus
	}
	d.board.SpeedLimit = 0
	d.board.Alert = false
	d.mu.Unlock()
	d.log.Diagf("reset")
	return nil
}

// Board returns a copy of the current board.
func (d *LogDisplay) Board() Board {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.board
	b.Lanes = append([]string(nil), d.board.Lanes...)
	return b
}

// multi fans every command out to several displays.
type multi []Display

// Multi returns a Display that forwards to each of ds in order. Every display
// is driven even when an earlier one fails; the errors are joined.
func Multi(ds ...Display) Display {
	var m multi
	for _, d := range ds {
		if d != nil {
			m = append(m, d)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) each(fn func(Display) error) error {
	var errs []error
	for _, d := range m {
		if err := fn(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) UpdateLaneStatus(lane int, status string) error {
	return m.each(func(d Display) error { return d.UpdateLaneStatus(lane, status) })
}

func (m multi) UpdateSpeedLimit(limit int) error {
	return m.each(func(d Display) error { return d.UpdateSpeedLimit(limit) })
}

func (m multi) SetAccidentAlert(active bool) error {
	return m.each(func(d Display) error { return d.SetAccidentAlert(active) })
}

func (m multi) Reset() error {
	return m.each(func(d Display) error { return d.Reset() })
}
