package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"neurorun/internal/fileutil"
	"neurorun/internal/services"
)

const (
	lockRetryDelay = 25 * time.Millisecond
	maxLineBytes   = 1 << 20
)

type jsonlBackend struct {
	path string
	lock *flock.Flock
}

func newJSONLBackend(path string) *jsonlBackend {
	return &jsonlBackend{path: path, lock: flock.New(path + ".lock")}
}

func (b *jsonlBackend) load(ctx context.Context) (map[Key]Record, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[Key]Record), nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrCorruptLedger, "ledger", "read", b.path, err)
	}
	return decodeJSONL(b.path, data)
}

func decodeJSONL(path string, data []byte) (map[Key]Record, error) {
	records := make(map[Key]Record)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, services.Wrap(services.ErrCorruptLedger, "ledger", "decode", fmt.Sprintf("%s line %d", path, line), err)
		}
		if !rec.Key().valid() || !rec.Status.Valid() {
			return nil, services.Wrap(services.ErrCorruptLedger, "ledger", "decode", fmt.Sprintf("%s line %d: incomplete record", path, line), nil)
		}
		// later lines win so hand-appended corrections take effect
		records[rec.Key()] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, services.Wrap(services.ErrCorruptLedger, "ledger", "decode", path, err)
	}
	return records, nil
}

func encodeJSONL(records map[Key]Record) ([]byte, error) {
	list := make([]Record, 0, len(records))
	for _, rec := range records {
		list = append(list, rec)
	}
	sortRecords(list)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range list {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode %s: %w", rec.Key(), err)
		}
	}
	return buf.Bytes(), nil
}

func (b *jsonlBackend) upsert(ctx context.Context, e Entry, now time.Time) (Record, map[Key]Record, error) {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return Record{}, nil, fmt.Errorf("create ledger directory: %w", err)
	}
	locked, err := b.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return Record{}, nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !locked {
		return Record{}, nil, fmt.Errorf("acquire ledger lock: %w", ctx.Err())
	}
	defer func() { _ = b.lock.Unlock() }()

	records, err := b.load(ctx)
	if err != nil {
		return Record{}, nil, err
	}
	prev, exists := records[e.Key]
	rec := apply(prev, exists, e, now)
	records[e.Key] = rec

	data, err := encodeJSONL(records)
	if err != nil {
		return Record{}, nil, err
	}
	if err := fileutil.WriteFileAtomic(b.path, data, 0o644); err != nil {
		return Record{}, nil, fmt.Errorf("write ledger: %w", err)
	}
	return rec, records, nil
}

func (b *jsonlBackend) backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(b.path); errors.Is(err, fs.ErrNotExist) {
		return fileutil.WriteFileAtomic(dest, nil, 0o644)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	locked, err := b.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire ledger lock: %w", ctx.Err())
	}
	defer func() { _ = b.lock.Unlock() }()
	return fileutil.CopyFileVerified(b.path, dest)
}

func (b *jsonlBackend) ext() string {
	if ext := filepath.Ext(b.path); ext != "" {
		return ext
	}
	return ".jsonl"
}

func (b *jsonlBackend) close() error {
	return nil
}
