package db

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/failures"
)

func TestJournal_IncidentLifecycle(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.IncidentRaised(events.IncidentDetected{
		Meta:       events.Meta{At: base},
		ID:         "inc-1",
		Lane:       "1",
		MediaPaths: []string{"/snapshots/ai_detection_1.jpg"},
		AIDetected: true,
		ModelName:  "accident_detection_v1",
	}))
	require.NoError(t, db.IncidentRaised(events.IncidentDetected{
		Meta: events.Meta{At: base.Add(time.Minute)},
		ID:   "inc-2",
		Lane: "1",
	}))
	assert.Error(t, db.IncidentRaised(events.IncidentDetected{ID: "inc-1"}), "duplicate id")
	assert.Error(t, db.IncidentRaised(events.IncidentDetected{}), "missing id")

	require.NoError(t, db.IncidentReported("inc-1", nil))
	require.NoError(t, db.IncidentReported("inc-2", errors.New("post report: 503")))
	assert.ErrorIs(t, db.IncidentReported("nope", nil), ErrUnknownIncident)

	got, err := db.Incidents(10)
	require.NoError(t, err)
	want := []Incident{
		{ID: "inc-2", DetectedAt: base.Add(time.Minute), Lane: "1", Media: []string{}, Status: StatusFailed, ReportError: "post report: 503"},
		{ID: "inc-1", DetectedAt: base, Lane: "1", AIDetected: true, ModelName: "accident_detection_v1",
			Media: []string{"/snapshots/ai_detection_1.jpg"}, Status: StatusReported},
	}
	opts := cmp.Options{
		cmpopts.IgnoreFields(Incident{}, "ReportedAt"),
		cmpopts.EquateApproxTime(time.Millisecond),
	}
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("incidents mismatch (-want +got):\n%s", diff)
	}
	for _, inc := range got {
		assert.NotNil(t, inc.ReportedAt, inc.ID)
	}

	counts, err := db.IncidentCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StatusReported: 1, StatusFailed: 1}, counts)

	limited, err := db.Incidents(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "inc-2", limited[0].ID)
}

func TestJournal_PendingUntilReported(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.IncidentRaised(events.IncidentDetected{Meta: events.Now(), ID: "inc-1"}))

	got, err := db.Incidents(0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusPending, got[0].Status)
	assert.Nil(t, got[0].ReportedAt)
}

func TestJournal_AsFailureSink(t *testing.T) {
	db := newTestDB(t)
	tracker := failures.NewTracker(failures.Config{}, nil, failures.WithSink(db))

	tracker.Record(failures.NetworkError, false, "heartbeat failed")
	tracker.Record(failures.SourceError, true, "camera failed to reinitialise")

	recs, err := db.Failures(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, failures.SourceError, recs[0].Kind)
	assert.True(t, recs[0].Critical)
	assert.Equal(t, "camera failed to reinitialise", recs[0].Message)
	assert.Equal(t, failures.NetworkError, recs[1].Kind)
	assert.False(t, recs[1].Critical)
}
