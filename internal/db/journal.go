package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/failures"
)

// Incident report states.
const (
	StatusPending  = "pending"
	StatusReported = "reported"
	StatusFailed   = "failed"
)

// ErrUnknownIncident is returned when an outcome refers to an incident that
// was never journaled.
var ErrUnknownIncident = errors.New("unknown incident")

// Incident is a journaled IncidentDetected and its report outcome.
type Incident struct {
	ID          string     `json:"id"`
	DetectedAt  time.Time  `json:"detected_at"`
	Lane        string     `json:"lane"`
	AIDetected  bool       `json:"ai_detected"`
	ModelName   string     `json:"model_name,omitempty"`
	Media       []string   `json:"media"`
	Status      string     `json:"status"`
	ReportError string     `json:"report_error,omitempty"`
	ReportedAt  *time.Time `json:"reported_at,omitempty"`
}

// FailureRecord is a journaled failures.Failure.
type FailureRecord struct {
	ID       int64         `json:"id"`
	Kind     failures.Kind `json:"kind"`
	Critical bool          `json:"critical"`
	Message  string        `json:"message"`
	At       time.Time     `json:"at"`
}

// IncidentRaised records a newly published incident as pending.
func (db *DB) IncidentRaised(e events.IncidentDetected) error {
	if e.ID == "" {
		return errors.New("incident has no id")
	}
	media := e.MediaPaths
	if media == nil {
		media = []string{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return err
	}
	at := e.Time()
	if at.IsZero() {
		at = time.Now()
	}
	_, err = db.Exec(`INSERT INTO incidents (incident_id, detected_at, lane, ai_detected, model_name, media, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, at.UnixMilli(), e.Lane, e.AIDetected, e.ModelName, string(mediaJSON), StatusPending)
	if err != nil {
		return fmt.Errorf("insert incident %s: %w", e.ID, err)
	}
	return nil
}

// IncidentReported stores the outcome of the report for incident id. A nil
// reportErr marks it reported.
func (db *DB) IncidentReported(id string, reportErr error) error {
	status, msg := StatusReported, ""
	if reportErr != nil {
		status, msg = StatusFailed, reportErr.Error()
	}
	res, err := db.Exec(`UPDATE incidents SET status = ?, report_error = ?, reported_at = ? WHERE incident_id = ?`,
		status, msg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update incident %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	return nil
}

// RecordFailure implements failures.Sink.
func (db *DB) RecordFailure(f failures.Failure) error {
	_, err := db.Exec(`INSERT INTO failures (kind, critical, message, occurred_at) VALUES (?, ?, ?, ?)`,
		string(f.Kind), f.Critical, f.Message, f.At.UnixMilli())
	return err
}

// Incidents returns the most recent incidents, newest first.
func (db *DB) Incidents(limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT incident_id, detected_at, lane, ai_detected, model_name, media, status,
			report_error, reported_at FROM incidents ORDER BY detected_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var (
			inc        Incident
			detectedAt int64
			media      string
			reportedAt sql.NullInt64
		)
		if err := rows.Scan(&inc.ID, &detectedAt, &inc.Lane, &inc.AIDetected, &inc.ModelName, &media,
			&inc.Status, &inc.ReportError, &reportedAt); err != nil {
			return nil, err
		}
		inc.DetectedAt = time.UnixMilli(detectedAt)
		if err := json.Unmarshal([]byte(media), &inc.Media); err != nil {
			return nil, fmt.Errorf("incident %s media: %w", inc.ID, err)
		}
		if reportedAt.Valid {
			t := time.UnixMilli(reportedAt.Int64)
			inc.ReportedAt = &t
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// IncidentCounts returns the number of incidents per report status.
func (db *DB) IncidentCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Failures returns the most recent failures, newest first.
func (db *DB) Failures(limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT failure_id, kind, critical, message, occurred_at FROM failures
		ORDER BY occurred_at DESC, failure_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var (
			rec  FailureRecord
			kind string
			at   int64
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Critical, &rec.Message, &at); err != nil {
			return nil, err
		}
		rec.Kind = failures.Kind(kind)
		rec.At = time.UnixMilli(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}
