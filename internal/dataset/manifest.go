package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"neurorun/internal/services"
)

// Column names recognised in the manifest header.
const (
	ColumnParticipantID = "participant_id"
	ColumnSession       = "session"
	ColumnSessionID     = "session_id"
	ColumnVisit         = "visit"
	ColumnDatatype      = "datatype"
)

// Participant is one manifest row.
type Participant struct {
	ID         string
	SessionID  string
	Attributes map[string]string
}

// Key returns the participant/session identity used for duplicate checks.
func (p Participant) Key() string {
	return p.ID + "/" + p.SessionID
}

// Attribute returns a manifest column value, or "" when absent.
func (p Participant) Attribute(name string) string {
	if p.Attributes == nil {
		return ""
	}
	return p.Attributes[name]
}

// Manifest is the ordered participant list of a dataset.
type Manifest struct {
	Path         string
	Participants []Participant
}

// ParseOptions controls how session ids are resolved while parsing.
type ParseOptions struct {
	// DefaultSession is used for manifests without a session column.
	DefaultSession string
	// AllowedSessions, when non-empty, rejects rows with other sessions.
	AllowedSessions []string
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string, opts ParseOptions) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "manifest", "open", path, err)
	}
	defer file.Close()

	manifest, err := ParseManifest(file, opts)
	if err != nil {
		return nil, err
	}
	manifest.Path = path
	return manifest, nil
}

// ParseManifest parses manifest CSV content. Rows with an empty participant
// id or an empty session are skipped. A duplicate participant/session pair is
// a configuration error.
func ParseManifest(r io.Reader, opts ParseOptions) (*Manifest, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, services.Wrap(services.ErrConfiguration, "manifest", "parse", "manifest is empty", nil)
		}
		return nil, services.Wrap(services.ErrConfiguration, "manifest", "parse header", "", err)
	}
	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	}

	idIdx := slices.Index(columns, ColumnParticipantID)
	if idIdx < 0 {
		return nil, services.Wrap(services.ErrConfiguration, "manifest", "parse header", "missing participant_id column", nil)
	}
	sessionIdx := slices.Index(columns, ColumnSessionID)
	if sessionIdx < 0 {
		sessionIdx = slices.Index(columns, ColumnSession)
	}
	defaultSession := NormalizeSession(opts.DefaultSession)
	if sessionIdx < 0 && defaultSession == "" {
		return nil, services.Wrap(services.ErrConfiguration, "manifest", "parse header", "no session column and no session id given", nil)
	}

	allowed := make(map[string]struct{}, len(opts.AllowedSessions))
	for _, session := range opts.AllowedSessions {
		if normalized := NormalizeSession(session); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	manifest := &Manifest{}
	seen := make(map[string]int)
	// BIDS label -> first raw id, since ids differing only in punctuation
	// share one sub-<label> tree.
	labels := make(map[string]string)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "manifest", "parse", fmt.Sprintf("line %d", line), err)
		}

		id := cell(record, idIdx)
		if id == "" {
			continue
		}
		session := defaultSession
		if sessionIdx >= 0 {
			session = NormalizeSession(cell(record, sessionIdx))
		}
		if session == "" {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[session]; !ok {
				return nil, services.Wrap(
					services.ErrConfiguration,
					"manifest",
					"validate",
					fmt.Sprintf("line %d: session %q is not listed in dataset.sessions", line, session),
					nil,
				)
			}
		}

		participant := Participant{ID: id, SessionID: session, Attributes: make(map[string]string)}
		for i, name := range columns {
			if i == idIdx || i == sessionIdx || name == "" {
				continue
			}
			if value := cell(record, i); value != "" {
				participant.Attributes[name] = value
			}
		}
		if prev, dup := seen[participant.Key()]; dup {
			return nil, services.Wrap(
				services.ErrConfiguration,
				"manifest",
				"validate",
				fmt.Sprintf("line %d: duplicate participant %s session %s (first seen on line %d)", line, id, session, prev),
				nil,
			)
		}
		label := ParticipantLabel(id)
		if first, ok := labels[label]; ok && label != "" && first != id {
			return nil, services.Wrap(
				services.ErrConfiguration,
				"manifest",
				"validate",
				fmt.Sprintf("line %d: participant ids %s and %s both map to sub-%s", line, first, id, label),
				nil,
			)
		}
		labels[label] = id
		seen[participant.Key()] = line
		manifest.Participants = append(manifest.Participants, participant)
	}
	return manifest, nil
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// Find returns the participant with the given id and session.
func (m *Manifest) Find(participantID, sessionID string) (Participant, bool) {
	if m == nil {
		return Participant{}, false
	}
	sessionID = NormalizeSession(sessionID)
	for _, p := range m.Participants {
		if p.ID == participantID && p.SessionID == sessionID {
			return p, true
		}
	}
	return Participant{}, false
}

// Filter returns the participants matching session (all sessions when
// empty) and, when ids is non-empty, whose id is in ids. Manifest order is
// preserved.
func (m *Manifest) Filter(sessionID string, ids []string) []Participant {
	if m == nil {
		return nil
	}
	sessionID = NormalizeSession(sessionID)
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = struct{}{}
		}
	}
	out := make([]Participant, 0, len(m.Participants))
	for _, p := range m.Participants {
		if sessionID != "" && p.SessionID != sessionID {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[p.ID]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// Sessions returns the distinct sessions in manifest order.
func (m *Manifest) Sessions() []string {
	if m == nil {
		return nil
	}
	var sessions []string
	for _, p := range m.Participants {
		if !slices.Contains(sessions, p.SessionID) {
			sessions = append(sessions, p.SessionID)
		}
	}
	return sessions
}
