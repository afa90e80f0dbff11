// Package ledger persists per-(participant, session, stage) run status.
//
// The ledger is a cache of what exists on disk: a record marked success
// claims the stage's output marker was present when the record was written.
// Two backends are available. The default stores one JSON object per line
// so the file can be read and edited by hand; a path ending in .db or
// .sqlite selects a SQLite database instead.
//
// Writes are serialized in-process by a mutex. The JSON Lines backend takes
// an advisory lock on <path>.lock, re-reads the file, merges the change, and
// atomically replaces the file, so processes writing disjoint keys never lose
// each other's records. The SQLite backend relies on its own transactions.
package ledger
