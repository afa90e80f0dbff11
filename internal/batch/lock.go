package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"neurorun/internal/stage"
)

// ErrBatchInProgress is returned when another process holds the batch lock
// for the same ledger and stage.
var ErrBatchInProgress = errors.New("batch already in progress")

func batchLockPath(ledgerPath string, st stage.Stage) string {
	dir := filepath.Dir(ledgerPath)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.batch.lock", filepath.Base(ledgerPath), st))
}

// acquireBatchLock takes a non-blocking exclusive lock so two batches never
// launch the same stage for the same ledger concurrently. Records left in
// running state by a crashed batch are therefore stale once the lock is held.
func acquireBatchLock(ledgerPath string, st stage.Stage) (*flock.Flock, error) {
	path := batchLockPath(ledgerPath, st)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire batch lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s holds %s", ErrBatchInProgress, st, path)
	}
	return lock, nil
}
