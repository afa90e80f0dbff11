package stageexec

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"neurorun/internal/fileutil"
	"neurorun/internal/layout"
	"neurorun/internal/services"
)

// fmriprepQueries are the BIDS query names fMRIPrep accepts in a filter file.
var fmriprepQueries = []string{"bold", "sbref", "fmap", "t1w", "t2w", "flair", "roi"}

// SessionFilter returns a BIDS filter that limits every fMRIPrep query to
// session. Queries from userFilter, when given, are kept and have their
// session entity replaced.
func SessionFilter(session, userFilter string) ([]byte, error) {
	session = strings.TrimPrefix(strings.TrimSpace(session), "ses-")
	if session == "" {
		return nil, services.Wrap(services.ErrConfiguration, "fmriprep", "session filter", "session id is required", nil)
	}

	queries := make(map[string]map[string]any)
	if path := strings.TrimSpace(userFilter); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "fmriprep", "session filter", path, err)
		}
		if err := json.Unmarshal(data, &queries); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "fmriprep", "session filter", fmt.Sprintf("%s is not a BIDS filter object", path), err)
		}
	}
	for _, name := range fmriprepQueries {
		if queries[name] == nil {
			queries[name] = make(map[string]any)
		}
	}
	for _, query := range queries {
		query["session"] = session
	}
	data, err := json.MarshalIndent(queries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session filter: %w", err)
	}
	return append(data, '\n'), nil
}

func writeSessionFilter(ps layout.PathSet, flags Flags) error {
	if ps.SessionFilter == "" {
		return nil
	}
	data, err := SessionFilter(ps.SessionID, flags.BIDSFilter)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(ps.SessionFilter, data, 0o644)
}
