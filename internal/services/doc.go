// Package services defines shared utilities consumed by the stage runner, the
// ledger, and the batch orchestrator.
//
// Key responsibilities:
//   - Context helpers that stamp participant IDs, session IDs, stage names,
//     batch run IDs, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     into the configuration / external tool / stage failure / corrupt ledger
//     taxonomy used to decide whether a run aborts or continues.
//
// Use these helpers when wiring new stage logic so operational behaviour
// (error handling, observability) stays uniform across the pipeline.
package services
