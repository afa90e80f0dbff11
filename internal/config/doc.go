// Package config loads, normalizes, and validates the neurorun global
// configuration.
//
// The global configuration describes one study dataset: its root directory,
// the subdirectory conventions for DICOM, BIDS, derivatives, logs, and test
// data, the container runtime and images used for each pipeline, the
// designated test-run sample, and batch/logging knobs. Files may be TOML
// (preferred), JSON, or YAML; the format is chosen by file extension.
//
// Relative paths are resolved against the dataset root and tilde shortcuts are
// expanded, so downstream packages always receive absolute, cleaned paths.
// Validation failures are tagged with services.ErrConfiguration.
package config
