package logging

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RetentionTarget specifies a directory and filename patterns to prune.
// Recursive targets also walk subdirectories, which is how per-stage log
// folders under log_dir are covered by a single target.
type RetentionTarget struct {
	Dir       string
	Patterns  []string
	Exclude   []string
	Recursive bool
}

// CleanupOldLogs removes files matching the provided targets that are older
// than retentionDays and returns how many were removed. A retentionDays value
// of 0 disables pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, targets ...RetentionTarget) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	exclusions := make(map[string]struct{})
	for _, target := range targets {
		for _, path := range target.Exclude {
			if trimmed := strings.TrimSpace(path); trimmed != "" {
				if abs, err := filepath.Abs(trimmed); err == nil {
					exclusions[abs] = struct{}{}
				}
			}
		}
	}

	removed := 0
	for _, target := range targets {
		dir := strings.TrimSpace(target.Dir)
		if dir == "" {
			continue
		}
		_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if entry.IsDir() {
				if path != dir && !target.Recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if !matchesAny(target.Patterns, entry.Name()) {
				return nil
			}
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			if _, skip := exclusions[path]; skip {
				return nil
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				return nil
			}
			if err := os.Remove(path); err != nil {
				WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
					String("path", path),
					Error(err),
					String(FieldErrorHint, "check file permissions and log_dir ownership"),
					String(FieldImpact, "old log file remains on disk"),
				)
				return nil
			}
			removed++
			if logger != nil {
				logger.Debug("log pruned",
					String("path", path),
					String(FieldEventType, "log_pruned"),
				)
			}
			return nil
		})
	}
	return removed
}

func matchesAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if pat = strings.TrimSpace(pat); pat == "" {
			continue
		}
		if matched, err := filepath.Match(pat, name); err == nil && matched {
			return true
		}
	}
	return false
}
