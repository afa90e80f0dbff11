package preflight

import (
	"neurorun/internal/config"
	"neurorun/internal/stage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll checks every configured dataset directory.
func RunAll(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckDirectoryAccess("Dataset root", cfg.Dataset.Root))
	results = append(results, CheckReadableDirectory("Raw DICOM directory", cfg.Paths.RawDICOMDir))

	for _, dir := range []struct{ name, path string }{
		{"BIDS directory", cfg.Paths.BIDSDir},
		{"Derivatives directory", cfg.Paths.DerivativesDir},
		{"Log directory", cfg.Paths.LogDir},
		{"Work directory", cfg.Paths.WorkDir},
	} {
		results = append(results, CheckDirectoryAccess(dir.name, dir.path))
	}

	if cfg.Paths.TestDataDir != "" {
		results = append(results, CheckDirectoryAccess("Test data directory", cfg.Paths.TestDataDir))
	}
	return results
}

// ForStage checks only the directories st reads or writes.
func ForStage(cfg *config.Config, st stage.Stage, testRun bool) []Result {
	if cfg == nil {
		return nil
	}
	var results []Result
	for _, loc := range st.Requires() {
		switch loc {
		case stage.LocRawDICOM:
			results = append(results, CheckReadableDirectory("Raw DICOM directory", cfg.Paths.RawDICOMDir))
		case stage.LocLogs:
			results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
		case stage.LocBIDS:
			if testRun {
				results = append(results, CheckDirectoryAccess("Test data directory", cfg.Paths.TestDataDir))
				continue
			}
			if st == stage.BIDSStage1 || st == stage.BIDSStage2 {
				results = append(results, CheckDirectoryAccess("BIDS directory", cfg.Paths.BIDSDir))
			} else {
				results = append(results, CheckReadableDirectory("BIDS directory", cfg.Paths.BIDSDir))
			}
		case stage.LocDerivatives:
			if !testRun {
				results = append(results, CheckDirectoryAccess("Derivatives directory", cfg.Paths.DerivativesDir))
			}
		}
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
