// Package layout maps a dataset configuration onto the concrete paths one
// stage needs for one participant. Everything here is pure: no filesystem
// access, no environment lookups.
package layout

import (
	"maps"
	"path/filepath"
	"strings"

	"neurorun/internal/config"
	"neurorun/internal/services"
	"neurorun/internal/stage"
)

// Layout is the read-only view of dataset locations used by Resolve.
type Layout struct {
	DatasetRoot string
	Runtime     string
	BindPaths   []string

	locations map[stage.Location]string
	pipelines map[string]config.Pipeline
	images    map[string]string
	testRun   bool
}

// FromConfig builds a Layout from a loaded configuration. Empty config
// values leave the corresponding location unset.
func FromConfig(cfg *config.Config) Layout {
	l := Layout{
		locations: make(map[stage.Location]string),
		pipelines: make(map[string]config.Pipeline),
		images:    make(map[string]string),
	}
	if cfg == nil {
		return l
	}
	l.DatasetRoot = cfg.Dataset.Root
	l.Runtime = cfg.RuntimeBinary()
	l.BindPaths = append([]string(nil), cfg.Containers.BindPaths...)

	for loc, value := range map[stage.Location]string{
		stage.LocRawDICOM:          cfg.Paths.RawDICOMDir,
		stage.LocBIDS:              cfg.Paths.BIDSDir,
		stage.LocDerivatives:       cfg.Paths.DerivativesDir,
		stage.LocTestData:          cfg.Paths.TestDataDir,
		stage.LocLogs:              cfg.Paths.LogDir,
		stage.LocWork:              cfg.Paths.WorkDir,
		stage.LocTemplateFlow:      cfg.Containers.TemplateFlowDir,
		stage.LocFreeSurferLicense: cfg.Containers.FreeSurferLicense,
		stage.LocHeuristic:         cfg.Paths.HeuristicFile,
		stage.LocBIDSFilter:        cfg.Paths.BIDSFilterFile,
	} {
		if value = strings.TrimSpace(value); value != "" {
			l.locations[loc] = value
		}
	}
	for _, name := range cfg.PipelineNames() {
		l.pipelines[name] = cfg.Pipelines[name]
		if image, ok := cfg.ContainerImage(name); ok {
			l.images[name] = image
		}
	}
	return l
}

// Location returns the configured path for loc.
func (l Layout) Location(loc stage.Location) (string, bool) {
	value, ok := l.locations[loc]
	return value, ok && value != ""
}

// With returns a copy of l with loc set to path. An empty path unsets it.
func (l Layout) With(loc stage.Location, path string) Layout {
	cp := l.clone()
	if path = strings.TrimSpace(path); path == "" {
		delete(cp.locations, loc)
	} else {
		cp.locations[loc] = path
	}
	return cp
}

// Pipeline returns the version and container settings for name.
func (l Layout) Pipeline(name string) (config.Pipeline, bool) {
	p, ok := l.pipelines[name]
	return p, ok
}

// Image returns the container image path for a pipeline.
func (l Layout) Image(pipeline string) (string, bool) {
	image, ok := l.images[pipeline]
	return image, ok && image != ""
}

// IsTestRun reports whether l was produced by ForTestRun.
func (l Layout) IsTestRun() bool {
	return l.testRun
}

// ForTestRun returns a copy whose BIDS and derivatives locations live under
// the test data directory, so a trial run never writes into the dataset's
// real outputs.
func (l Layout) ForTestRun() (Layout, error) {
	testData, ok := l.Location(stage.LocTestData)
	if !ok {
		return Layout{}, services.Wrap(services.ErrConfiguration, "layout", "test run", "paths.test_data_dir is not set", nil)
	}
	if l.testRun {
		return l.clone(), nil
	}
	cp := l.clone()
	cp.locations[stage.LocBIDS] = filepath.Join(testData, "bids")
	cp.locations[stage.LocDerivatives] = filepath.Join(testData, "derivatives")
	cp.testRun = true
	return cp, nil
}

func (l Layout) clone() Layout {
	cp := l
	cp.BindPaths = append([]string(nil), l.BindPaths...)
	cp.locations = maps.Clone(l.locations)
	cp.pipelines = maps.Clone(l.pipelines)
	cp.images = maps.Clone(l.images)
	if cp.locations == nil {
		cp.locations = make(map[stage.Location]string)
	}
	return cp
}
