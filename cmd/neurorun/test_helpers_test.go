package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"neurorun/internal/config"
	"neurorun/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
}

// setupCLITestEnv writes a dataset config whose container runtime is a
// script that prints its subcommand and exits with $FAKE_EXIT (default 0).
func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FAKE_EXIT", "0")

	runtime := testsupport.WriteScript(t, filepath.Join(home, "bin"), "fake-apptainer", "echo \"runtime $1\"\necho \"warning\" >&2\nexit \"${FAKE_EXIT:-0}\"")
	opts = append([]testsupport.ConfigOption{
		testsupport.WithRuntime(runtime),
		testsupport.WithContainerImages(),
		testsupport.WithManifest("participant_id,session", "MNI01,01", "MNI02,01"),
	}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Logging.Level = "error"

	configPath := filepath.Join(home, ".config", "neurorun", "global_config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--global_config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// markBIDSSession creates the directory that proves BIDS conversion of one
// participant session.
func (e *cliTestEnv) markBIDSSession(t *testing.T, pid, sid string) {
	t.Helper()
	testsupport.MakeDir(t, filepath.Join(e.cfg.Paths.BIDSDir, "sub-"+pid, "ses-"+sid))
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
