package ledger

import (
	"fmt"
	"time"

	"neurorun/internal/stage"
)

// Status is the lifecycle state of one stage for one participant.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Key identifies one ledger record.
type Key struct {
	ParticipantID string
	SessionID     string
	Stage         stage.Stage
}

func (k Key) String() string {
	return fmt.Sprintf("%s/ses-%s/%s", k.ParticipantID, k.SessionID, k.Stage)
}

func (k Key) valid() bool {
	return k.ParticipantID != "" && k.SessionID != "" && k.Stage != ""
}

// Record is one persisted run record.
type Record struct {
	ParticipantID string      `json:"participant_id"`
	SessionID     string      `json:"session_id"`
	Stage         stage.Stage `json:"stage"`
	Status        Status      `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
	ExitCode      int         `json:"exit_code"`
	LogPath       string      `json:"log_path,omitempty"`
	StderrLogPath string      `json:"stderr_log_path,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Attempts      int         `json:"attempts"`
	RunID         string      `json:"run_id,omitempty"`
}

// Key returns the identity of r.
func (r Record) Key() Key {
	return Key{ParticipantID: r.ParticipantID, SessionID: r.SessionID, Stage: r.Stage}
}

// Entry is an upsert request for one record.
type Entry struct {
	Key           Key
	Status        Status
	ExitCode      int
	LogPath       string
	StderrLogPath string
	Reason        string
	RunID         string
}

// Counts tallies records for one stage. Running records count as pending.
type Counts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// Total returns the number of keys tallied.
func (c Counts) Total() int {
	return c.Success + c.Failed + c.Pending
}

func (c *Counts) add(status Status) {
	switch status {
	case StatusSuccess:
		c.Success++
	case StatusFailed:
		c.Failed++
	default:
		c.Pending++
	}
}

// apply builds the record that results from applying e on top of prev.
// Attempts count transitions into running; a record first written in a
// terminal state counts as one attempt.
func apply(prev Record, exists bool, e Entry, now time.Time) Record {
	rec := Record{
		ParticipantID: e.Key.ParticipantID,
		SessionID:     e.Key.SessionID,
		Stage:         e.Key.Stage,
		Status:        e.Status,
		Timestamp:     now.UTC(),
		ExitCode:      e.ExitCode,
		LogPath:       e.LogPath,
		StderrLogPath: e.StderrLogPath,
		Reason:        e.Reason,
		RunID:         e.RunID,
	}
	switch {
	case !exists:
		rec.Attempts = 1
	case e.Status == StatusRunning:
		rec.Attempts = prev.Attempts + 1
	default:
		rec.Attempts = prev.Attempts
	}
	return rec
}
