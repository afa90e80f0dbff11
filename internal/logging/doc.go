// Package logging assembles structured slog loggers and formatting helpers used
// across neurorun.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so stage code can automatically
// tag log lines with participant, session, stage, and run identifiers. The
// package also provides a no-op logger for tests and stage log retention.
package logging
