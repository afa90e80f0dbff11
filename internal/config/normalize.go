package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeDataset(); err != nil {
		return err
	}
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeContainers(); err != nil {
		return err
	}
	c.normalizePipelines()
	c.normalizeTestRun()
	c.normalizeBatch()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeDataset() error {
	c.Dataset.Root = strings.TrimSpace(c.Dataset.Root)
	if c.Dataset.Root == "" {
		if value, ok := os.LookupEnv("NEURORUN_DATASET_ROOT"); ok {
			c.Dataset.Root = strings.TrimSpace(value)
		}
	}
	var err error
	if c.Dataset.Root, err = expandPath(c.Dataset.Root); err != nil {
		return fmt.Errorf("dataset.root: %w", err)
	}
	if strings.TrimSpace(c.Dataset.Manifest) == "" {
		c.Dataset.Manifest = defaultManifest
	}
	if c.Dataset.Manifest, err = resolveUnder(c.Dataset.Root, c.Dataset.Manifest); err != nil {
		return fmt.Errorf("dataset.manifest: %w", err)
	}
	sessions := make([]string, 0, len(c.Dataset.Sessions))
	seen := make(map[string]struct{}, len(c.Dataset.Sessions))
	for _, session := range c.Dataset.Sessions {
		normalized := strings.TrimPrefix(strings.TrimSpace(session), "ses-")
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		sessions = append(sessions, normalized)
	}
	c.Dataset.Sessions = sessions
	return nil
}

func (c *Config) normalizePaths() error {
	root := c.Dataset.Root
	fields := []struct {
		key   string
		value *string
	}{
		{"paths.raw_dicom_dir", &c.Paths.RawDICOMDir},
		{"paths.bids_dir", &c.Paths.BIDSDir},
		{"paths.derivatives_dir", &c.Paths.DerivativesDir},
		{"paths.test_data_dir", &c.Paths.TestDataDir},
		{"paths.log_dir", &c.Paths.LogDir},
		{"paths.work_dir", &c.Paths.WorkDir},
		{"paths.ledger_path", &c.Paths.LedgerPath},
		{"paths.backup_dir", &c.Paths.BackupDir},
		{"paths.heuristic_file", &c.Paths.HeuristicFile},
		{"paths.bids_filter_file", &c.Paths.BIDSFilterFile},
	}
	for _, field := range fields {
		resolved, err := resolveUnder(root, *field.value)
		if err != nil {
			return fmt.Errorf("%s: %w", field.key, err)
		}
		*field.value = resolved
	}
	return nil
}

func (c *Config) normalizeContainers() error {
	c.Containers.Runtime = strings.TrimSpace(c.Containers.Runtime)
	if !strings.ContainsRune(c.Containers.Runtime, '/') {
		c.Containers.Runtime = strings.ToLower(c.Containers.Runtime)
	}
	if c.Containers.Runtime == "" {
		if value, ok := os.LookupEnv("SINGULARITY_PATH"); ok && strings.TrimSpace(value) != "" {
			c.Containers.Runtime = strings.TrimSpace(value)
		} else {
			c.Containers.Runtime = defaultContainerRuntime
		}
	}
	root := c.Dataset.Root
	var err error
	if c.Containers.StoreDir, err = resolveUnder(root, c.Containers.StoreDir); err != nil {
		return fmt.Errorf("containers.store_dir: %w", err)
	}
	if c.Containers.TemplateFlowDir, err = resolveUnder(root, c.Containers.TemplateFlowDir); err != nil {
		return fmt.Errorf("containers.templateflow_dir: %w", err)
	}
	if c.Containers.FreeSurferLicense, err = resolveUnder(root, c.Containers.FreeSurferLicense); err != nil {
		return fmt.Errorf("containers.freesurfer_license: %w", err)
	}
	binds := make([]string, 0, len(c.Containers.BindPaths))
	for _, bind := range c.Containers.BindPaths {
		if trimmed := strings.TrimSpace(bind); trimmed != "" {
			binds = append(binds, trimmed)
		}
	}
	c.Containers.BindPaths = binds
	return nil
}

func (c *Config) normalizePipelines() {
	defaults := defaultPipelines()
	if c.Pipelines == nil {
		c.Pipelines = defaults
		return
	}
	for name, p := range c.Pipelines {
		p.Version = strings.TrimPrefix(strings.TrimSpace(p.Version), "v")
		p.Container = strings.TrimSpace(p.Container)
		if def, ok := defaults[name]; ok {
			if p.Version == "" {
				p.Version = def.Version
			}
			if p.Container == "" {
				p.Container = def.Container
			}
		}
		c.Pipelines[name] = p
	}
	for name, def := range defaults {
		if _, ok := c.Pipelines[name]; !ok {
			c.Pipelines[name] = def
		}
	}
}

func (c *Config) normalizeTestRun() {
	c.TestRun.ParticipantID = strings.TrimSpace(c.TestRun.ParticipantID)
	c.TestRun.SessionID = strings.TrimPrefix(strings.TrimSpace(c.TestRun.SessionID), "ses-")
}

func (c *Config) normalizeBatch() {
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = defaultConcurrency
	}
	if c.Batch.TimeoutSeconds < 0 {
		c.Batch.TimeoutSeconds = 0
	}
	if c.Batch.KillGraceSeconds <= 0 {
		c.Batch.KillGraceSeconds = defaultKillGraceSeconds
	}
	stages := c.Batch.Stages[:0]
	for _, name := range c.Batch.Stages {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			stages = append(stages, name)
		}
	}
	c.Batch.Stages = stages
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
