package deps

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Requirement defines an external binary neurorun relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// FileRequirement defines a file or directory a stage reads from disk, such
// as a container image or the FreeSurfer license.
type FileRequirement struct {
	Name        string
	Path        string
	Description string
	Optional    bool
	Dir         bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		resolved, err := exec.LookPath(cmd)
		if err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		if resolved != cmd {
			status.Detail = resolved
		}
		results = append(results, status)
	}
	return results
}

// CheckFiles reports whether each required path exists with the expected
// kind. The path is reported in Status.Command.
func CheckFiles(requirements []FileRequirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		path := strings.TrimSpace(req.Path)
		status := Status{
			Name:        req.Name,
			Command:     path,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		switch info, err := os.Stat(path); {
		case path == "":
			status.Detail = "path not configured"
		case err != nil && os.IsNotExist(err):
			status.Detail = "not found"
		case err != nil:
			status.Detail = fmt.Sprintf("stat: %v", err)
		case req.Dir && !info.IsDir():
			status.Detail = "is not a directory"
		case !req.Dir && info.IsDir():
			status.Detail = "is a directory"
		case !req.Dir && info.Size() == 0:
			status.Available = true
			status.Detail = "empty file"
		default:
			status.Available = true
		}
		results = append(results, status)
	}
	return results
}

// Missing returns the required dependencies that are unavailable.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}
