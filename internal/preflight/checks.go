package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"neurorun/internal/config"
	"neurorun/internal/deps"
	"neurorun/internal/stage"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.W_OK|unix.X_OK, "read/write ok")
}

// CheckReadableDirectory verifies that the directory exists and can be listed.
func CheckReadableDirectory(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.X_OK, "read ok")
}

func checkDirectory(name, path string, mode uint32, okDetail string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist; run 'neurorun init')", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, okDetail)}
}

// CheckSystemDeps evaluates the container runtime and every file a stage
// mounts into its container.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	statuses := deps.CheckBinaries([]deps.Requirement{runtimeRequirement(cfg)})

	var files []deps.FileRequirement
	for _, name := range cfg.PipelineNames() {
		image, ok := cfg.ContainerImage(name)
		if !ok {
			continue
		}
		files = append(files, deps.FileRequirement{
			Name:        name + " image",
			Path:        image,
			Description: fmt.Sprintf("%s %s container", name, cfg.Pipelines[name].Version),
		})
	}
	files = append(files,
		deps.FileRequirement{
			Name:        "Heuristic",
			Path:        cfg.Paths.HeuristicFile,
			Description: "Required by bids_stage_2",
			Optional:    true,
		},
		deps.FileRequirement{
			Name:        "FreeSurfer license",
			Path:        cfg.Containers.FreeSurferLicense,
			Description: "Required by fmriprep",
			Optional:    true,
		},
	)
	if dir := strings.TrimSpace(cfg.Containers.TemplateFlowDir); dir != "" {
		files = append(files, deps.FileRequirement{
			Name:        "TemplateFlow",
			Path:        dir,
			Description: "Template cache for fmriprep and mriqc",
			Optional:    true,
			Dir:         true,
		})
	}
	if filter := strings.TrimSpace(cfg.Paths.BIDSFilterFile); filter != "" {
		files = append(files, deps.FileRequirement{
			Name:        "BIDS filter",
			Path:        filepath.Clean(filter),
			Description: "Used with --bids_filter",
			Optional:    true,
		})
	}
	return append(statuses, deps.CheckFiles(files)...)
}

// StageDeps checks what st needs to launch: the container runtime, the
// stage's image, and the files it mounts. Unlike CheckSystemDeps nothing
// here is optional.
func StageDeps(cfg *config.Config, st stage.Stage) []deps.Status {
	statuses := deps.CheckBinaries([]deps.Requirement{runtimeRequirement(cfg)})

	var files []deps.FileRequirement
	pipeline := st.Pipeline()
	if image, ok := cfg.ContainerImage(pipeline); ok {
		files = append(files, deps.FileRequirement{
			Name:        pipeline + " image",
			Path:        image,
			Description: fmt.Sprintf("%s %s container", pipeline, cfg.Pipelines[pipeline].Version),
		})
	}
	for _, loc := range st.Requires() {
		switch loc {
		case stage.LocHeuristic:
			files = append(files, deps.FileRequirement{Name: "Heuristic", Path: cfg.Paths.HeuristicFile, Description: "heudiconv heuristic"})
		case stage.LocFreeSurferLicense:
			files = append(files, deps.FileRequirement{Name: "FreeSurfer license", Path: cfg.Containers.FreeSurferLicense, Description: "fmriprep license file"})
		}
	}
	return append(statuses, deps.CheckFiles(files)...)
}

func runtimeRequirement(cfg *config.Config) deps.Requirement {
	return deps.Requirement{
		Name:        "Container runtime",
		Command:     cfg.RuntimeBinary(),
		Description: "Runs every pipeline stage (singularity or apptainer)",
	}
}
