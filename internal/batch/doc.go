// Package batch runs one stage across the participants of a dataset
// manifest.
//
// The Orchestrator selects targets (the whole manifest or, in test-run mode,
// only the configured sample participant), resolves every path before any
// tool is launched, and then drives the stage runner through a bounded worker
// pool. Every transition is written to the status ledger as it happens:
//
//	pending -> running -> success | failed
//
// Per-participant failures are recorded and reported; only configuration and
// ledger errors stop a batch.
package batch
