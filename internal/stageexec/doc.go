// Package stageexec runs one pipeline stage for one participant as an
// isolated child process.
//
// A Runner turns a resolved layout.PathSet into a container invocation,
// streams the tool's stdout and stderr into per-run log files, and checks the
// stage's output marker once the process exits. The Runner never retries and
// never writes the ledger: a non-zero exit or missing marker is reported in
// the Result for the caller to record.
package stageexec
