package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neurorun/internal/config"
	"neurorun/internal/services"
	"neurorun/internal/stage"
	"neurorun/internal/stageexec"
)

// bidsFilterFromConfig is the value --bids_filter takes when given without a
// path: use paths.bids_filter_file from the configuration.
const bidsFilterFromConfig = "configured"

// stageFlags are the flags shared by run and batch.
type stageFlags struct {
	stage      string
	testRun    bool
	bidsFilter string
	anatOnly   bool
	timeout    time.Duration
}

// register adds the flags to cmd. Without multiStage, --stage is required
// and names exactly one stage.
func (f *stageFlags) register(cmd *cobra.Command, multiStage bool) {
	flags := cmd.Flags()
	if multiStage {
		flags.StringVar(&f.stage, "stage", "", "Comma separated stages to run in order (default batch.stages)")
	} else {
		flags.StringVar(&f.stage, "stage", "", "Stage to run: 1, 2, bids_validate, fmriprep, or mriqc")
	}
	flags.BoolVar(&f.testRun, "test_run", false, "Run only the configured sample participant, writing under test_data")
	flags.StringVar(&f.bidsFilter, "bids_filter", "", "BIDS filter JSON for fmriprep/mriqc (bare flag uses paths.bids_filter_file)")
	flags.Lookup("bids_filter").NoOptDefVal = bidsFilterFromConfig
	flags.BoolVar(&f.anatOnly, "anat_only", false, "Run only the anatomical workflow (fmriprep/mriqc)")
	flags.DurationVar(&f.timeout, "timeout", 0, "Per-participant timeout, e.g. 12h (default batch.timeout_seconds)")
	if !multiStage {
		_ = cmd.MarkFlagRequired("stage")
	}
}

// resolveStages parses a comma separated --stage, falling back to
// batch.stages from the configuration.
func (f *stageFlags) resolveStages(cfg *config.Config) ([]stage.Stage, stageexec.Flags, error) {
	names := cfg.Batch.Stages
	if strings.TrimSpace(f.stage) != "" {
		names = strings.Split(f.stage, ",")
	}
	var stages []stage.Stage
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		st, err := stage.Parse(name)
		if err != nil {
			return nil, stageexec.Flags{}, err
		}
		stages = append(stages, st)
	}
	if len(stages) == 0 {
		return nil, stageexec.Flags{}, services.Wrap(services.ErrConfiguration, "cli", "stages", "--stage is required when batch.stages is empty", nil)
	}
	flags, err := f.execFlags(cfg)
	if err != nil {
		return nil, stageexec.Flags{}, err
	}
	return stages, flags, nil
}

func (f *stageFlags) resolve(cfg *config.Config) (stage.Stage, stageexec.Flags, error) {
	st, err := stage.Parse(f.stage)
	if err != nil {
		return "", stageexec.Flags{}, err
	}
	flags, err := f.execFlags(cfg)
	if err != nil {
		return "", stageexec.Flags{}, err
	}
	return st, flags, nil
}

func (f *stageFlags) execFlags(cfg *config.Config) (stageexec.Flags, error) {
	filter, err := resolveBIDSFilter(cfg, f.bidsFilter)
	if err != nil {
		return stageexec.Flags{}, err
	}
	return stageexec.Flags{
		AnatOnly:   f.anatOnly,
		BIDSFilter: filter,
		Timeout:    f.timeout,
	}, nil
}

func resolveBIDSFilter(cfg *config.Config, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch value {
	case "":
		return "", nil
	case bidsFilterFromConfig:
		if strings.TrimSpace(cfg.Paths.BIDSFilterFile) == "" {
			return "", services.Wrap(services.ErrConfiguration, "cli", "bids filter", "--bids_filter given without a path and paths.bids_filter_file is not set", nil)
		}
		return cfg.Paths.BIDSFilterFile, nil
	}
	expanded, err := config.ExpandPath(value)
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "cli", "bids filter", value, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve bids filter path: %w", err)
	}
	return abs, nil
}
