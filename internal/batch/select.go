package batch

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"neurorun/internal/config"
	"neurorun/internal/dataset"
	"neurorun/internal/layout"
	"neurorun/internal/ledger"
	"neurorun/internal/services"
	"neurorun/internal/stage"
	"neurorun/internal/stageexec"
)

type target struct {
	participantID string
	sessionID     string
	paths         layout.PathSet
}

func (t target) key(st stage.Stage) ledger.Key {
	return ledger.Key{ParticipantID: t.participantID, SessionID: t.sessionID, Stage: st}
}

// selectParticipants returns the (participant, session) pairs a batch covers.
func selectParticipants(cfg *config.Config, manifest *dataset.Manifest, opts Options) ([][2]string, error) {
	if opts.Mode == ModeTestRun {
		pid := strings.TrimSpace(cfg.TestRun.ParticipantID)
		sid := dataset.NormalizeSession(cfg.TestRun.SessionID)
		if pid == "" || sid == "" {
			return nil, services.Wrap(services.ErrConfiguration, "batch", "select", "test_run.participant_id and test_run.session_id must be set for a test run", nil)
		}
		return [][2]string{{pid, sid}}, nil
	}

	if manifest == nil {
		return nil, services.Wrap(services.ErrConfiguration, "batch", "select", "manifest is required for a full batch", nil)
	}
	selected := manifest.Filter(opts.SessionID, opts.Participants)
	if len(opts.Participants) > 0 {
		var missing []string
		for _, id := range opts.Participants {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			found := slices.ContainsFunc(selected, func(p dataset.Participant) bool { return p.ID == id })
			if !found && !slices.Contains(missing, id) {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, services.Wrap(services.ErrConfiguration, "batch", "select", fmt.Sprintf("participants not in manifest %s: %s", manifest.Path, strings.Join(missing, ", ")), nil)
		}
	}
	pairs := make([][2]string, 0, len(selected))
	for _, p := range selected {
		pairs = append(pairs, [2]string{p.ID, p.SessionID})
	}
	return pairs, nil
}

// resolveTargets resolves and validates every command before anything runs,
// so configuration problems abort the batch with nothing launched.
func resolveTargets(l layout.Layout, pairs [][2]string, st stage.Stage, flags stageexec.Flags) ([]target, error) {
	targets := make([]target, 0, len(pairs))
	filterChecked := false
	for _, pair := range pairs {
		ps, err := layout.Resolve(l, pair[0], pair[1], st)
		if err != nil {
			return nil, err
		}
		if _, err := stageexec.BuildCommand(ps, flags); err != nil {
			return nil, err
		}
		if ps.SessionFilter != "" && !filterChecked {
			if _, err := stageexec.SessionFilter(ps.SessionID, flags.BIDSFilter); err != nil {
				return nil, err
			}
			filterChecked = true
		}
		targets = append(targets, target{participantID: pair[0], sessionID: pair[1], paths: ps})
	}
	return targets, nil
}

// subjectLocks returns one mutex per BIDS subject for stages whose output
// tree is shared by every session of a subject. Other stages get nil.
func subjectLocks(targets []target, st stage.Stage) map[string]*sync.Mutex {
	if st != stage.FMRIPrep {
		return nil
	}
	locks := make(map[string]*sync.Mutex)
	for _, t := range targets {
		if _, ok := locks[t.paths.BIDSParticipant]; !ok {
			locks[t.paths.BIDSParticipant] = &sync.Mutex{}
		}
	}
	return locks
}

// eligibility decides whether t should run. The ledger is a cache of the
// output marker: a success whose marker has disappeared runs again.
func eligibility(led *ledger.Ledger, t target, st stage.Stage, opts Options) (bool, string) {
	if opts.Force {
		return true, ""
	}
	rec, ok := led.Lookup(t.key(st))
	if !ok {
		return true, ""
	}
	switch rec.Status {
	case ledger.StatusSuccess:
		if markerExists(t.paths.Marker) {
			return false, SkipAlreadySucceeded
		}
		return true, ""
	case ledger.StatusFailed:
		if opts.SkipFailed {
			return false, SkipPreviousFailure
		}
	}
	return true, ""
}

func markerExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
