// Package main hosts the neurorun CLI entrypoint and command graph.
//
// The Cobra-based command tree loads the dataset configuration once, then
// hands off to the internal packages: single-participant stage runs, batch
// runs over the manifest, ledger inspection and backups, stage log viewing,
// dataset bootstrap, and environment checks. Keep this package lean: add behaviour to the
// internal packages first, then surface it through a command or flag here.
package main
