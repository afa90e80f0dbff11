package batch

import (
	"context"
	"log/slog"
	"time"

	"neurorun/internal/layout"
	"neurorun/internal/metrics"
	"neurorun/internal/stage"
	"neurorun/internal/stageexec"
)

// Mode selects which participants a batch covers.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeTestRun Mode = "test_run"
)

// Options control one RunBatch call.
type Options struct {
	Mode Mode
	// Force reruns participants whose ledger status is already success.
	Force bool
	// SkipFailed leaves participants with a failed record alone.
	SkipFailed bool
	// SessionID limits a full batch to one session. Empty means all sessions.
	SessionID string
	// Participants limits a full batch to the listed ids.
	Participants []string
	// Concurrency bounds the number of stages running at once. Zero uses the
	// configured batch.concurrency.
	Concurrency int
	Flags       stageexec.Flags
}

// StageRunner executes one stage for one participant. *stageexec.Runner
// satisfies it.
type StageRunner interface {
	Run(ctx context.Context, st stage.Stage, ps layout.PathSet, flags stageexec.Flags) (stageexec.Result, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunner replaces the stage runner (primarily for tests).
func WithRunner(r StageRunner) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.runner = r
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics shares a metrics collector with the caller.
func WithMetrics(m *metrics.Batch) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLayout overrides the layout derived from the configuration.
func WithLayout(l layout.Layout) Option {
	return func(o *Orchestrator) {
		o.layout = l
		o.layoutSet = true
	}
}

// WithClock overrides the time source used in reports.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}
