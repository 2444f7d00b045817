// Package failures classifies recurring node errors and raises a resilience
// alert when one kind recurs too often within a trailing window. The tracker
// is observational: it never stops or restarts anything itself.
package failures

import (
	"sync"
	"time"

	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/timeutil"
)

const (
	DefaultThreshold  = 5
	DefaultWindow     = 300 * time.Second
	DefaultMaxHistory = 100
)

// Failure is one recorded occurrence.
type Failure struct {
	Kind     Kind      `json:"kind"`
	Critical bool      `json:"critical"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Sink receives every recorded failure, outside the tracker lock.
type Sink interface {
	RecordFailure(Failure) error
}

// Config tunes the tracker. Zero fields take the defaults.
type Config struct {
	Threshold  int
	Window     time.Duration
	MaxHistory int
}

// Tracker counts failures per kind over a sliding window.
type Tracker struct {
	cfg   Config
	clock timeutil.Clock
	log   *monitoring.Logger
	sink  Sink

	mu      sync.Mutex
	times   map[Kind][]time.Time
	history []Failure
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, for tests.
func WithClock(c timeutil.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithSink forwards every failure to s.
func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config, log *monitoring.Logger, opts ...Option) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	t := &Tracker{
		cfg:   cfg,
		clock: timeutil.RealClock{},
		log:   log.Named("failures"),
		times: make(map[Kind][]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record notes one failure of kind. Once the number of failures inside the
// window reaches the threshold a resilience alert is logged on every
// further record.
func (t *Tracker) Record(kind Kind, critical bool, msg string) {
	now := t.clock.Now()
	f := Failure{Kind: kind, Critical: critical, Message: msg, At: now}

	t.mu.Lock()
	t.times[kind] = t.prune(append(t.times[kind], now), now)
	count := len(t.times[kind])
	t.history = append(t.history, f)
	if over := len(t.history) - t.cfg.MaxHistory; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}
	t.mu.Unlock()

	if critical {
		t.log.Opsf("CRITICAL: failure detected: %s - %s", kind, msg)
	} else {
		t.log.Opsf("failure detected: %s - %s", kind, msg)
	}
	if count >= t.cfg.Threshold {
		t.log.Opsf("resilience alert: %s exceeded threshold (%d in %s)", kind, t.cfg.Threshold, t.cfg.Window)
	}

	if t.sink != nil {
		if err := t.sink.RecordFailure(f); err != nil {
			t.log.Diagf("failure sink: %v", err)
		}
	}
}

// RecordError classifies err and records it.
func (t *Tracker) RecordError(err error) {
	if err == nil {
		return
	}
	kind, critical := Classify(err)
	msg := err.Error()
	if fe, ok := err.(*Error); ok {
		msg = fe.Msg
	}
	t.Record(kind, critical, msg)
}

// Exceeded reports whether kind has reached the threshold within the
// window ending now.
func (t *Tracker) Exceeded(kind Kind) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.times[kind]
	if !ok {
		return false
	}
	ts = t.prune(ts, now)
	t.times[kind] = ts
	return len(ts) >= t.cfg.Threshold
}

// Counts returns the in-window count per kind.
func (t *Tracker) Counts() map[Kind]int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Kind]int, len(t.times))
	for k, ts := range t.times {
		ts = t.prune(ts, now)
		t.times[k] = ts
		out[k] = len(ts)
	}
	return out
}

// Recent returns up to n of the most recent failures, oldest first.
func (t *Tracker) Recent(n int) []Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(t.history) {
		n = len(t.history)
	}
	return append([]Failure(nil), t.history[len(t.history)-n:]...)
}

// Clear forgets every failure.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.times = make(map[Kind][]time.Time)
	t.history = nil
	t.mu.Unlock()
	t.log.Diagf("failure history cleared")
}

// prune drops timestamps that are no longer strictly inside the window.
// Timestamps are appended in order, so the survivors are a suffix.
func (t *Tracker) prune(ts []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= t.cfg.Window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
