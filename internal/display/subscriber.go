package display

import (
	"sync/atomic"

	"github.com/banshee-data/safespace/internal/eventbus"
	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/monitoring"
)

// Subscriber applies DisplayUpdate events to a Display. Handlers run on the
// publisher's goroutine, so display calls should be quick.
type Subscriber struct {
	bus     *eventbus.Bus
	display Display
	tracker *failures.Tracker
	log     *monitoring.Logger
	id      eventbus.ID

	applied atomic.Uint64
	failed  atomic.Uint64
	unknown atomic.Uint64
}

// SubscriberStats counts handled updates.
type SubscriberStats struct {
	Applied uint64 `json:"applied"`
	Failed  uint64 `json:"failed"`
	Unknown uint64 `json:"unknown"`
}

// NewSubscriber subscribes to DisplayUpdate on bus. tracker may be nil.
func NewSubscriber(bus *eventbus.Bus, d Display, tracker *failures.Tracker, log *monitoring.Logger) *Subscriber {
	s := &Subscriber{
		bus:     bus,
		display: d,
		tracker: tracker,
		log:     log.Named("display"),
	}
	s.id = eventbus.On(bus, s.handle)
	return s
}

// Close unsubscribes from the bus.
func (s *Subscriber) Close() {
	s.bus.Unsubscribe(events.KindDisplayUpdate, s.id)
}

func (s *Subscriber) handle(u events.DisplayUpdate) error {
	var err error
	switch u.Action {
	case events.ActionLaneStatus:
		err = s.display.UpdateLaneStatus(u.LaneIndex, u.Status)
	case events.ActionSpeedLimit:
		err = s.display.UpdateSpeedLimit(u.SpeedLimit)
	case events.ActionAccidentAlert:
		err = s.display.SetAccidentAlert(u.AlertActive)
	case events.ActionReset:
		err = s.display.Reset()
	default:
		s.unknown.Add(1)
		s.log.Diagf("ignoring unknown display action %q", u.Action)
		return nil
	}
	if err != nil {
		s.failed.Add(1)
		ferr := failures.Errorf(failures.DisplayError, false, "%s failed: %w", u.Action, err)
		if s.tracker != nil {
			s.tracker.RecordError(ferr)
		}
		// The bus logs handler errors.
		return ferr
	}
	s.applied.Add(1)
	return nil
}

// Stats returns counters since creation.
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Applied: s.applied.Load(),
		Failed:  s.failed.Load(),
		Unknown: s.unknown.Load(),
	}
}
