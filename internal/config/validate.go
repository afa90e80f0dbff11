package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"neurorun/internal/stage"
)

var supportedRuntimes = []string{"singularity", "apptainer"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDataset(); err != nil {
		return err
	}
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateContainers(); err != nil {
		return err
	}
	if err := c.validatePipelines(); err != nil {
		return err
	}
	if err := c.validateTestRun(); err != nil {
		return err
	}
	if c.Batch.Concurrency <= 0 {
		return errors.New("batch.concurrency must be positive")
	}
	return c.validateBatchStages()
}

func (c *Config) validateBatchStages() error {
	seen := make(map[stage.Stage]struct{}, len(c.Batch.Stages))
	for i, name := range c.Batch.Stages {
		st, err := stage.Parse(name)
		if err != nil {
			return fmt.Errorf("batch.stages[%d]: %w", i, err)
		}
		if _, dup := seen[st]; dup {
			return fmt.Errorf("batch.stages lists %s twice", st)
		}
		seen[st] = struct{}{}
	}
	return nil
}

func (c *Config) validateDataset() error {
	if strings.TrimSpace(c.Dataset.Root) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/neurorun/global_config.toml"
		}
		return fmt.Errorf("dataset.root is required. Set NEURORUN_DATASET_ROOT or edit %s (create with 'neurorun config init')", defaultPath)
	}
	return nil
}

func (c *Config) validatePaths() error {
	for key, value := range map[string]string{
		"paths.bids_dir":        c.Paths.BIDSDir,
		"paths.derivatives_dir": c.Paths.DerivativesDir,
		"paths.log_dir":         c.Paths.LogDir,
		"paths.ledger_path":     c.Paths.LedgerPath,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	return nil
}

func (c *Config) validateContainers() error {
	runtime := c.Containers.Runtime
	if strings.ContainsRune(runtime, '/') {
		// absolute runtime binary path, e.g. SINGULARITY_PATH
		return nil
	}
	if !slices.Contains(supportedRuntimes, runtime) {
		return fmt.Errorf("containers.runtime must be one of %s, got %q", strings.Join(supportedRuntimes, ", "), runtime)
	}
	return nil
}

func (c *Config) validatePipelines() error {
	for _, name := range c.PipelineNames() {
		if strings.TrimSpace(c.Pipelines[name].Version) == "" {
			return fmt.Errorf("pipelines.%s.version must be set", name)
		}
	}
	return nil
}

func (c *Config) validateTestRun() error {
	if c.TestRun.SessionID != "" && c.TestRun.ParticipantID == "" {
		return errors.New("test_run.participant_id must be set when test_run.session_id is set")
	}
	if len(c.Dataset.Sessions) > 0 && c.TestRun.SessionID != "" && !slices.Contains(c.Dataset.Sessions, c.TestRun.SessionID) {
		return fmt.Errorf("test_run.session_id %q is not listed in dataset.sessions", c.TestRun.SessionID)
	}
	return nil
}
