package batch

import (
	"time"

	"neurorun/internal/ledger"
	"neurorun/internal/stage"
)

// Skip reasons reported in Outcome.SkipReason.
const (
	SkipAlreadySucceeded = "already_succeeded"
	SkipPreviousFailure  = "previous_failure"
	SkipNotStarted       = "not_started"
)

// Outcome is what happened to one participant during a batch.
type Outcome struct {
	ParticipantID string
	SessionID     string
	Status        ledger.Status
	Skipped       bool
	SkipReason    string
	ExitCode      int
	Reason        string
	LogPath       string
	StderrLogPath string
	Attempts      int
	Duration      time.Duration
	Err           error
}

// Launched reports whether a stage was started for this participant.
func (o Outcome) Launched() bool {
	return !o.Skipped
}

// Report summarizes a batch. Counts reflect the ledger state of every
// selected participant after the batch, so skipped participants are
// included.
type Report struct {
	RunID      string
	Stage      stage.Stage
	Mode       Mode
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
	Counts     ledger.Counts
}

// Launched returns how many stages were started.
func (r Report) Launched() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Launched() {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that ended in failure during this batch.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Launched() && o.Status == ledger.StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Duration returns the wall-clock time of the batch.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
