// Package logs reads the per-run stage logs written under
// <log_dir>/<stage>/.
//
// It finds the newest log for a participant, returns its last lines with
// bounded memory, and follows appended output while a stage is still
// running. Callers pass a context so follow mode stops when the CLI exits.
package logs
