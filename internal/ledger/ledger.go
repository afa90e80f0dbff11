package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"neurorun/internal/services"
	"neurorun/internal/stage"
)

type backend interface {
	load(ctx context.Context) (map[Key]Record, error)
	// upsert applies e atomically and returns the resulting record plus,
	// when the backend re-read persisted state, the full current snapshot.
	upsert(ctx context.Context, e Entry, now time.Time) (Record, map[Key]Record, error)
	backup(ctx context.Context, dest string) error
	ext() string
	close() error
}

// Ledger is the status ledger for one dataset.
type Ledger struct {
	path    string
	backend backend

	mu      sync.Mutex
	records map[Key]Record
	now     func() time.Time
}

// Open loads the ledger at path. A missing file yields an empty ledger; an
// unreadable one fails with services.ErrCorruptLedger.
func Open(path string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, services.Wrap(services.ErrConfiguration, "ledger", "open", "ledger path is empty", nil)
	}

	var (
		b   backend
		err error
	)
	if isSQLitePath(path) {
		b, err = openSQLite(path)
	} else {
		b = newJSONLBackend(path)
	}
	if err != nil {
		return nil, err
	}

	records, err := b.load(context.Background())
	if err != nil {
		_ = b.close()
		return nil, err
	}
	return &Ledger{path: path, backend: b, records: records, now: time.Now}, nil
}

func isSQLitePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	default:
		return false
	}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Close releases backend resources.
func (l *Ledger) Close() error {
	if l == nil || l.backend == nil {
		return nil
	}
	return l.backend.close()
}

// Refresh reloads persisted state, picking up writes from other processes.
func (l *Ledger) Refresh(ctx context.Context) error {
	records, err := l.backend.load(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.records = records
	l.mu.Unlock()
	return nil
}

// Get returns the status for a key, or StatusPending when no record exists.
func (l *Ledger) Get(participantID, sessionID string, st stage.Stage) Status {
	rec, ok := l.Lookup(Key{ParticipantID: participantID, SessionID: sessionID, Stage: st})
	if !ok {
		return StatusPending
	}
	return rec.Status
}

// Lookup returns the full record for key.
func (l *Ledger) Lookup(key Key) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	return rec, ok
}

// Record upserts one run record and persists it before returning.
func (l *Ledger) Record(ctx context.Context, e Entry) (Record, error) {
	if !e.Key.valid() {
		return Record{}, fmt.Errorf("ledger record requires participant, session, and stage: %s", e.Key)
	}
	if !e.Status.Valid() {
		return Record{}, fmt.Errorf("invalid ledger status %q", e.Status)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, snapshot, err := l.backend.upsert(ctx, e, l.now())
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", e.Key, err)
	}
	if snapshot != nil {
		l.records = snapshot
	}
	l.records[rec.Key()] = rec
	return rec, nil
}

// List returns all records ordered by stage, session, and participant.
func (l *Ledger) List() []Record {
	l.mu.Lock()
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	l.mu.Unlock()
	sortRecords(out)
	return out
}

// Summary tallies every record per stage.
func (l *Ledger) Summary() map[stage.Stage]Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[stage.Stage]Counts)
	for _, rec := range l.records {
		c := out[rec.Stage]
		c.add(rec.Status)
		out[rec.Stage] = c
	}
	return out
}

// SummaryFor tallies the given keys; keys without a record count as pending.
func (l *Ledger) SummaryFor(keys []Key) map[stage.Stage]Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[stage.Stage]Counts)
	seen := make(map[Key]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		status := StatusPending
		if rec, ok := l.records[key]; ok {
			status = rec.Status
		}
		c := out[key.Stage]
		c.add(status)
		out[key.Stage] = c
	}
	return out
}

// Backup writes a dated copy of the ledger into dir and returns its path.
func (l *Ledger) Backup(ctx context.Context, dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("backup directory is required")
	}
	base := strings.TrimSuffix(filepath.Base(l.path), filepath.Ext(l.path))
	stamp := l.now().UTC().Format("20060102T150405Z")
	dest := filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, stamp, l.backend.ext()))

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.backend.backup(ctx, dest); err != nil {
		return "", fmt.Errorf("backup ledger: %w", err)
	}
	return dest, nil
}

func sortRecords(records []Record) {
	order := make(map[stage.Stage]int)
	for i, st := range stage.All() {
		order[st] = i
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Stage != b.Stage {
			oa, okA := order[a.Stage]
			if !okA {
				oa = len(order)
			}
			ob, okB := order[b.Stage]
			if !okB {
				ob = len(order)
			}
			if oa != ob {
				return oa < ob
			}
			return a.Stage < b.Stage
		}
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		return a.ParticipantID < b.ParticipantID
	})
}
