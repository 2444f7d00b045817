package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/queue"
	"github.com/banshee-data/safespace/internal/timeutil"
	"github.com/banshee-data/safespace/internal/vision"
)

// CaptureState is the lifecycle state of the capture stage.
type CaptureState int32

const (
	CaptureStarting CaptureState = iota
	CaptureReady
	CaptureCapturing
	CaptureDegraded
	CaptureStopped
)

func (s CaptureState) String() string {
	switch s {
	case CaptureStarting:
		return "starting"
	case CaptureReady:
		return "ready"
	case CaptureCapturing:
		return "capturing"
	case CaptureDegraded:
		return "degraded"
	case CaptureStopped:
		return "stopped"
	}
	return fmt.Sprintf("CaptureState(%d)", int32(s))
}

const (
	DefaultMaxInvalidFrames = 50
	DefaultGlitchPause      = 100 * time.Millisecond
)

// CaptureConfig configures a CaptureStage.
type CaptureConfig struct {
	// FPS is the target frame rate. Zero disables pacing.
	FPS    int
	Source vision.SourceKind
	// Loop restarts a finite source when it runs out of frames.
	Loop bool
	// Expected frame shape; zero fields accept any value.
	Width, Height, Channels int
	MaxInvalidFrames        int
	GlitchPause             time.Duration
}

// ErrSourceStart is returned by Run when the source cannot be opened.
var ErrSourceStart = errors.New("frame source failed to start")

// CaptureStage pulls frames from a FrameSource and offers them to the frame
// queue.
type CaptureStage struct {
	cfg     CaptureConfig
	source  FrameSource
	out     *queue.Bounded[vision.Frame]
	latest  *LatestFrame
	tracker *failures.Tracker
	clock   timeutil.Clock
	log     *monitoring.Logger

	state    atomic.Int32
	stopOnce sync.Once

	captured atomic.Uint64
	dropped  atomic.Uint64
	invalid  atomic.Uint64
	reinits  atomic.Uint64
}

// CaptureStats counts capture activity.
type CaptureStats struct {
	State    string `json:"state"`
	Captured uint64 `json:"captured"`
	Dropped  uint64 `json:"dropped"`
	Invalid  uint64 `json:"invalid"`
	Reinits  uint64 `json:"reinits"`
}

// NewCaptureStage creates a stage. latest and tracker may be nil.
func NewCaptureStage(cfg CaptureConfig, source FrameSource, out *queue.Bounded[vision.Frame], latest *LatestFrame, tracker *failures.Tracker, clock timeutil.Clock, log *monitoring.Logger) *CaptureStage {
	if cfg.MaxInvalidFrames <= 0 {
		cfg.MaxInvalidFrames = DefaultMaxInvalidFrames
	}
	if cfg.GlitchPause <= 0 {
		cfg.GlitchPause = DefaultGlitchPause
	}
	if cfg.Source == "" {
		cfg.Source = vision.SourceCamera
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &CaptureStage{
		cfg:     cfg,
		source:  source,
		out:     out,
		latest:  latest,
		tracker: tracker,
		clock:   clock,
		log:     log.Named("capture"),
	}
}

// State reports the current lifecycle state.
func (c *CaptureStage) State() CaptureState {
	return CaptureState(c.state.Load())
}

func (c *CaptureStage) setState(s CaptureState) {
	if prev := CaptureState(c.state.Swap(int32(s))); prev != s {
		c.log.Diagf("state %s -> %s", prev, s)
	}
}

// Stats returns the capture counters.
func (c *CaptureStage) Stats() CaptureStats {
	return CaptureStats{
		State:    c.State().String(),
		Captured: c.captured.Load(),
		Dropped:  c.dropped.Load(),
		Invalid:  c.invalid.Load(),
		Reinits:  c.reinits.Load(),
	}
}

// Run captures frames until ctx is cancelled or the source is exhausted or
// unrecoverable. The source is stopped exactly once on return.
func (c *CaptureStage) Run(ctx context.Context) error {
	defer c.stopSource()
	defer c.setState(CaptureStopped)

	c.setState(CaptureStarting)
	if err := c.source.Start(); err != nil {
		c.recordSource(true, "start: %v", err)
		return fmt.Errorf("%w: %v", ErrSourceStart, err)
	}
	c.setState(CaptureReady)

	var interval time.Duration
	if c.cfg.FPS > 0 {
		interval = time.Second / time.Duration(c.cfg.FPS)
	}
	c.log.Diagf("running (%s, %d fps target)", c.cfg.Source, c.cfg.FPS)
	c.setState(CaptureCapturing)

	invalid := 0
	for ctx.Err() == nil {
		start := c.clock.Now()

		img, ok := c.source.ReadFrame()
		switch {
		case !ok && c.cfg.Source.Finite():
			if !c.cfg.Loop {
				c.log.Diagf("video playback finished")
				return nil
			}
			c.log.Diagf("video ended, looping back to start")
			if err := c.restart(); err != nil {
				c.recordSource(true, "restart video: %v", err)
				return err
			}
			continue

		case !ok:
			c.log.Tracef("no frame from camera, retrying in %s", c.cfg.GlitchPause)
			if !timeutil.Sleep(c.clock, c.cfg.GlitchPause, ctx.Done()) {
				return nil
			}
			continue

		case !c.valid(img):
			invalid++
			c.invalid.Add(1)
			c.log.Tracef("invalid frame %d/%d", invalid, c.cfg.MaxInvalidFrames)
			if invalid >= c.cfg.MaxInvalidFrames {
				c.setState(CaptureDegraded)
				c.log.Opsf("%d consecutive invalid frames, reinitialising source", invalid)
				if err := c.restart(); err != nil {
					c.recordSource(true, "reinitialise after %d invalid frames: %v", invalid, err)
					return err
				}
				c.reinits.Add(1)
				invalid = 0
				c.setState(CaptureCapturing)
			}

		default:
			invalid = 0
			frame := vision.Frame{Image: img, Timestamp: c.clock.Now(), Source: c.cfg.Source}
			c.captured.Add(1)
			if c.latest != nil {
				c.latest.Set(frame)
			}
			if n, err := c.out.Offer(frame); err != nil {
				c.log.Diagf("frame queue: %v", err)
			} else if n > 0 {
				c.dropped.Add(uint64(n))
				c.log.Tracef("dropped %d stale frame(s)", n)
			}
		}

		if interval > 0 {
			if !timeutil.Sleep(c.clock, interval-c.clock.Since(start), ctx.Done()) {
				return nil
			}
		}
	}
	return nil
}

func (c *CaptureStage) valid(img vision.Image) bool {
	return !img.Empty() &&
		img.ShapeOK(c.cfg.Width, c.cfg.Height, c.cfg.Channels) &&
		!img.Blank()
}

func (c *CaptureStage) restart() error {
	if err := c.source.Stop(); err != nil {
		c.log.Diagf("stop before restart: %v", err)
	}
	return c.source.Start()
}

func (c *CaptureStage) stopSource() {
	c.stopOnce.Do(func() {
		if err := c.source.Stop(); err != nil {
			c.log.Opsf("stop source: %v", err)
		}
		c.log.Diagf("capture stage stopped")
	})
}

func (c *CaptureStage) recordSource(critical bool, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.log.Opsf("%s", msg)
	if c.tracker != nil {
		c.tracker.Record(failures.SourceError, critical, msg)
	}
}
