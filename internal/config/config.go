package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"neurorun/internal/services"
)

//go:embed sample_config.toml
var sampleConfig string

// Dataset identifies the study dataset and its manifest.
type Dataset struct {
	Name     string   `toml:"name" json:"name" yaml:"name"`
	Root     string   `toml:"root" json:"root" yaml:"root"`
	Manifest string   `toml:"manifest" json:"manifest" yaml:"manifest"`
	Sessions []string `toml:"sessions" json:"sessions" yaml:"sessions"`
}

// Paths maps logical dataset locations to directories. Relative values are
// resolved against Dataset.Root.
type Paths struct {
	RawDICOMDir    string `toml:"raw_dicom_dir" json:"raw_dicom_dir" yaml:"raw_dicom_dir"`
	BIDSDir        string `toml:"bids_dir" json:"bids_dir" yaml:"bids_dir"`
	DerivativesDir string `toml:"derivatives_dir" json:"derivatives_dir" yaml:"derivatives_dir"`
	TestDataDir    string `toml:"test_data_dir" json:"test_data_dir" yaml:"test_data_dir"`
	LogDir         string `toml:"log_dir" json:"log_dir" yaml:"log_dir"`
	WorkDir        string `toml:"work_dir" json:"work_dir" yaml:"work_dir"`
	LedgerPath     string `toml:"ledger_path" json:"ledger_path" yaml:"ledger_path"`
	BackupDir      string `toml:"backup_dir" json:"backup_dir" yaml:"backup_dir"`
	HeuristicFile  string `toml:"heuristic_file" json:"heuristic_file" yaml:"heuristic_file"`
	BIDSFilterFile string `toml:"bids_filter_file" json:"bids_filter_file" yaml:"bids_filter_file"`
}

// Containers describes the container runtime and shared mounts.
type Containers struct {
	Runtime           string   `toml:"runtime" json:"runtime" yaml:"runtime"`
	StoreDir          string   `toml:"store_dir" json:"store_dir" yaml:"store_dir"`
	TemplateFlowDir   string   `toml:"templateflow_dir" json:"templateflow_dir" yaml:"templateflow_dir"`
	FreeSurferLicense string   `toml:"freesurfer_license" json:"freesurfer_license" yaml:"freesurfer_license"`
	BindPaths         []string `toml:"bind_paths" json:"bind_paths" yaml:"bind_paths"`
}

// Pipeline pins one containerized tool. Container is a file name inside
// Containers.StoreDir (or an absolute path) and may contain a {version}
// placeholder.
type Pipeline struct {
	Version   string   `toml:"version" json:"version" yaml:"version"`
	Container string   `toml:"container" json:"container" yaml:"container"`
	ExtraArgs []string `toml:"extra_args" json:"extra_args" yaml:"extra_args"`
}

// TestRun designates the sample participant used to validate a new heuristic
// or configuration before running the full dataset.
type TestRun struct {
	ParticipantID string `toml:"participant_id" json:"participant_id" yaml:"participant_id"`
	SessionID     string `toml:"session_id" json:"session_id" yaml:"session_id"`
}

// Batch contains worker pool and process supervision settings.
type Batch struct {
	Concurrency      int `toml:"concurrency" json:"concurrency" yaml:"concurrency"`
	TimeoutSeconds   int `toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
	KillGraceSeconds int `toml:"kill_grace_seconds" json:"kill_grace_seconds" yaml:"kill_grace_seconds"`
	// Stages is the workflow "neurorun batch" runs, in order, when no
	// --stage is given.
	Stages []string `toml:"stages" json:"stages" yaml:"stages"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format" json:"format" yaml:"format"`
	Level         string `toml:"level" json:"level" yaml:"level"`
	RetentionDays int    `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// Config encapsulates all configuration values for one dataset.
//
// Configuration sections:
//   - Dataset: root directory, manifest, allowed sessions
//   - Paths: layout locations relative to the dataset root
//   - Containers: runtime binary, image store, shared mounts
//   - Pipelines: per-tool version and container image
//   - TestRun: designated sample participant/session
//   - Batch: concurrency bound, per-stage timeout, default stage sequence
//   - Logging: log format, level, and stage log retention
type Config struct {
	Dataset    Dataset             `toml:"dataset" json:"dataset" yaml:"dataset"`
	Paths      Paths               `toml:"paths" json:"paths" yaml:"paths"`
	Containers Containers          `toml:"containers" json:"containers" yaml:"containers"`
	Pipelines  map[string]Pipeline `toml:"pipelines" json:"pipelines" yaml:"pipelines"`
	TestRun    TestRun             `toml:"test_run" json:"test_run" yaml:"test_run"`
	Batch      Batch               `toml:"batch" json:"batch" yaml:"batch"`
	Logging    Logging             `toml:"logging" json:"logging" yaml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/neurorun/global_config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. Errors are tagged with services.ErrConfiguration.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, services.Wrap(services.ErrConfiguration, "config", "resolve", path, err)
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, services.Wrap(services.ErrConfiguration, "config", "open", resolvedPath, err)
		}
		defer file.Close()

		if err := decode(file, resolvedPath, &cfg); err != nil {
			return nil, "", false, services.Wrap(services.ErrConfiguration, "config", "parse", resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, services.Wrap(services.ErrConfiguration, "config", "normalize", resolvedPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, services.Wrap(services.ErrConfiguration, "config", "validate", resolvedPath, err)
	}

	return &cfg, resolvedPath, exists, nil
}

func decode(r io.Reader, path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.NewDecoder(r).Decode(cfg)
	case ".yaml", ".yml":
		return yaml.NewDecoder(r).Decode(cfg)
	default:
		return toml.NewDecoder(r).Decode(cfg)
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("global_config.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories neurorun writes into. Input
// locations (DICOM, BIDS) are left to the bootstrap command.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.LogDir, c.Paths.WorkDir, c.Paths.BackupDir}
	if c.Paths.LedgerPath != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.LedgerPath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RuntimeBinary returns the container runtime executable name.
func (c *Config) RuntimeBinary() string {
	return c.Containers.Runtime
}

// PipelineNames returns the configured pipeline names in sorted order.
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContainerImage returns the absolute image path for a pipeline with the
// {version} placeholder substituted. The second return is false when the
// pipeline or its container is not configured.
func (c *Config) ContainerImage(pipeline string) (string, bool) {
	p, ok := c.Pipelines[pipeline]
	if !ok || strings.TrimSpace(p.Container) == "" {
		return "", false
	}
	name := strings.ReplaceAll(p.Container, "{version}", p.Version)
	if filepath.IsAbs(name) {
		return filepath.Clean(name), true
	}
	if strings.TrimSpace(c.Containers.StoreDir) == "" {
		return "", false
	}
	return filepath.Join(c.Containers.StoreDir, name), true
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// resolveUnder expands value and anchors relative paths at root.
func resolveUnder(root, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if !strings.HasPrefix(value, "~") && !filepath.IsAbs(value) && root != "" {
		value = filepath.Join(root, value)
	}
	return expandPath(value)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
