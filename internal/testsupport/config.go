package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"neurorun/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config whose dataset root is a unique temp directory.
// Every path is absolute so the config can be used without config.Load.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Dataset.Name = "test_study"
	cfgVal.Dataset.Root = base
	cfgVal.Dataset.Manifest = filepath.Join(base, "tabular", "manifest.csv")
	cfgVal.Paths = config.Paths{
		RawDICOMDir:    filepath.Join(base, "dicom"),
		BIDSDir:        filepath.Join(base, "bids"),
		DerivativesDir: filepath.Join(base, "derivatives"),
		TestDataDir:    filepath.Join(base, "test_data"),
		LogDir:         filepath.Join(base, "scratch", "logs"),
		WorkDir:        filepath.Join(base, "scratch", "work"),
		LedgerPath:     filepath.Join(base, "scratch", "run_ledger.jsonl"),
		BackupDir:      filepath.Join(base, "scratch", "backups"),
		HeuristicFile:  filepath.Join(base, "proc", "heuristic.py"),
	}
	cfgVal.Containers.StoreDir = filepath.Join(base, "proc", "containers")
	cfgVal.Containers.FreeSurferLicense = filepath.Join(base, "proc", "license.txt")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithTestRun designates the sample participant used by test-run mode.
func WithTestRun(participantID, sessionID string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.TestRun.ParticipantID = participantID
		b.cfg.TestRun.SessionID = sessionID
	}
}

// WithLedgerPath places the ledger at name under the scratch directory. A
// .db or .sqlite name selects the SQLite backend.
func WithLedgerPath(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.LedgerPath = filepath.Join(b.baseDir, "scratch", name)
	}
}

// WithManifest writes a manifest.csv with the given rows, the first being the
// header.
func WithManifest(rows ...string) ConfigOption {
	return func(b *configBuilder) {
		content := strings.Join(rows, "\n") + "\n"
		WriteText(b.t, b.cfg.Dataset.Manifest, content)
	}
}

// WithRuntime points the container runtime at an executable path.
func WithRuntime(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Containers.Runtime = path
	}
}

// WithContainerImages creates placeholder image files for every configured
// pipeline plus the heuristic and license files stages expect to exist.
func WithContainerImages() ConfigOption {
	return func(b *configBuilder) {
		for _, name := range b.cfg.PipelineNames() {
			image, ok := b.cfg.ContainerImage(name)
			if !ok {
				continue
			}
			WriteText(b.t, image, "sif\n")
		}
		WriteText(b.t, b.cfg.Paths.HeuristicFile, "def infotodict(seqinfo):\n    return {}\n")
		WriteText(b.t, b.cfg.Containers.FreeSurferLicense, "license\n")
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the container runtimes are
// stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"singularity", "apptainer"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}
