package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"neurorun/internal/config"
	"neurorun/internal/fileutil"
)

const manifestTemplate = "participant_id,visit,session,datatype\n"

// BootstrapResult lists what Bootstrap created.
type BootstrapResult struct {
	CreatedDirs     []string
	ManifestCreated bool
}

// Bootstrap creates the standard dataset tree for cfg and writes an empty
// manifest with the expected header when none exists. Existing files are
// never overwritten.
func Bootstrap(cfg *config.Config) (BootstrapResult, error) {
	var result BootstrapResult
	if cfg == nil {
		return result, errors.New("config is required")
	}

	dirs := []string{
		cfg.Dataset.Root,
		cfg.Paths.RawDICOMDir,
		cfg.Paths.BIDSDir,
		cfg.Paths.DerivativesDir,
		cfg.Paths.TestDataDir,
		cfg.Paths.LogDir,
		cfg.Paths.WorkDir,
		cfg.Paths.BackupDir,
		cfg.Containers.StoreDir,
		filepath.Dir(cfg.Dataset.Manifest),
	}
	if cfg.Paths.HeuristicFile != "" {
		dirs = append(dirs, filepath.Dir(cfg.Paths.HeuristicFile))
	}
	if cfg.Paths.LedgerPath != "" {
		dirs = append(dirs, filepath.Dir(cfg.Paths.LedgerPath))
	}

	seen := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" || dir == "." {
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return result, fmt.Errorf("create %s: %w", dir, err)
		}
		result.CreatedDirs = append(result.CreatedDirs, dir)
	}

	if manifest := strings.TrimSpace(cfg.Dataset.Manifest); manifest != "" {
		_, err := os.Stat(manifest)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := fileutil.WriteFileAtomic(manifest, []byte(manifestTemplate), 0o644); err != nil {
				return result, fmt.Errorf("write manifest template: %w", err)
			}
			result.ManifestCreated = true
		case err != nil:
			return result, fmt.Errorf("stat manifest: %w", err)
		}
	}
	return result, nil
}
