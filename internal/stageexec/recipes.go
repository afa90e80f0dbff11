package stageexec

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"neurorun/internal/layout"
	"neurorun/internal/services"
	"neurorun/internal/stage"
)

// Mount points inside the container.
const (
	mountDICOM      = "/data/dicom"
	mountBIDS       = "/data/bids"
	mountOutput     = "/data/output"
	mountWork       = "/work"
	mountTemplates  = "/templateflow"
	mountLicense    = "/opt/freesurfer/license.txt"
	mountHeuristic  = "/heuristic.py"
	mountBIDSFilter = "/bids_filter.json"
)

// Flags are per-invocation switches that alter a stage's arguments.
type Flags struct {
	// TestRun marks a trial on the sample participant. fMRIPrep runs with
	// --sloppy so the trial finishes quickly.
	TestRun bool
	// AnatOnly restricts fMRIPrep and MRIQC to anatomical data.
	AnatOnly bool
	// BIDSFilter is a host path to a BIDS filter JSON file.
	BIDSFilter string
	// Timeout bounds the run; zero disables it.
	Timeout time.Duration
}

// For returns f without the switches st does not accept, so one set of flags
// can drive a sequence of stages.
func (f Flags) For(st stage.Stage) Flags {
	if !supportsFilter(st) {
		f.AnatOnly = false
		f.BIDSFilter = ""
	}
	return f
}

type mount struct {
	host      string
	container string
	readOnly  bool
}

func (m mount) String() string {
	spec := m.host + ":" + m.container
	if m.readOnly {
		spec += ":ro"
	}
	return spec
}

// BuildCommand assembles the container invocation for ps. The argument list
// is bounded: it depends only on the stage, the PathSet, and flags.
func BuildCommand(ps layout.PathSet, flags Flags) (Command, error) {
	if strings.TrimSpace(ps.Runtime) == "" {
		return Command{}, services.Wrap(services.ErrConfiguration, string(ps.Stage), "build command", "container runtime is not set", nil)
	}
	if strings.TrimSpace(ps.ContainerImage) == "" {
		return Command{}, services.Wrap(services.ErrConfiguration, string(ps.Stage), "build command", "container image is not set", nil)
	}
	filter := strings.TrimSpace(flags.BIDSFilter)
	if filter != "" && !supportsFilter(ps.Stage) {
		return Command{}, services.Wrap(services.ErrConfiguration, string(ps.Stage), "build command", "bids filter is only supported by fmriprep and mriqc", nil)
	}
	if flags.AnatOnly && !supportsFilter(ps.Stage) {
		return Command{}, services.Wrap(services.ErrConfiguration, string(ps.Stage), "build command", "anat_only is only supported by fmriprep and mriqc", nil)
	}

	var (
		mounts []mount
		args   []string
		env    []string
	)
	label := ps.ParticipantLabel()
	session := strings.TrimPrefix(ps.BIDSSession, "ses-")

	switch ps.Stage {
	case stage.BIDSStage1, stage.BIDSStage2:
		mounts = append(mounts,
			mount{host: filepath.Dir(ps.DICOMDir), container: mountDICOM, readOnly: true},
			mount{host: ps.BIDSDir, container: mountBIDS},
		)
		args = append(args,
			"-d", mountDICOM+"/{subject}/*",
			"-s", label,
			"--ses", session,
			"-o", mountBIDS,
			"--overwrite",
		)
		if ps.Stage == stage.BIDSStage1 {
			args = append(args, "-c", "none", "-f", "convertall")
		} else {
			mounts = append(mounts, mount{host: ps.HeuristicFile, container: mountHeuristic, readOnly: true})
			args = append(args, "-c", "dcm2niix", "-f", mountHeuristic, "-b")
		}
	case stage.BIDSValidate:
		mounts = append(mounts, mount{host: ps.BIDSDir, container: mountBIDS, readOnly: true})
		args = append(args, mountBIDS, "--verbose")
	case stage.FMRIPrep, stage.MRIQC:
		mounts = append(mounts,
			mount{host: ps.BIDSDir, container: mountBIDS, readOnly: true},
			mount{host: ps.OutputDir, container: mountOutput},
			mount{host: ps.WorkDir, container: mountWork},
		)
		args = append(args, mountBIDS, mountOutput, "participant", "--participant-label", label, "-w", mountWork)
		if ps.Stage == stage.FMRIPrep {
			// fMRIPrep has no session argument; the generated filter carries
			// the session and any user filter merged into it.
			if ps.SessionFilter == "" {
				return Command{}, services.Wrap(services.ErrConfiguration, string(ps.Stage), "build command", "no session filter path (work_dir unset)", nil)
			}
			mounts = append(mounts,
				mount{host: ps.FreeSurferLicense, container: mountLicense, readOnly: true},
				mount{host: ps.SessionFilter, container: mountBIDSFilter, readOnly: true},
			)
			args = append(args, "--fs-license-file", mountLicense, "--bids-filter-file", mountBIDSFilter, "--skip-bids-validation")
			if flags.AnatOnly {
				args = append(args, "--anat-only")
			}
			if flags.TestRun {
				args = append(args, "--sloppy")
			}
		} else {
			args = append(args, "--session-id", session, "--no-sub")
			if flags.AnatOnly {
				args = append(args, "-m", "T1w")
			}
			if filter != "" {
				mounts = append(mounts, mount{host: filter, container: mountBIDSFilter, readOnly: true})
				args = append(args, "--bids-filter-file", mountBIDSFilter)
			}
		}
		if ps.TemplateFlowDir != "" {
			mounts = append(mounts, mount{host: ps.TemplateFlowDir, container: mountTemplates})
			env = append(env,
				"SINGULARITYENV_TEMPLATEFLOW_HOME="+mountTemplates,
				"APPTAINERENV_TEMPLATEFLOW_HOME="+mountTemplates,
			)
		}
	default:
		return Command{}, services.Wrap(services.ErrConfiguration, string(ps.Stage), "build command", fmt.Sprintf("no recipe for stage %q", ps.Stage), nil)
	}
	args = append(args, ps.ExtraArgs...)

	runtimeArgs := []string{"run", "--cleanenv"}
	for _, m := range mounts {
		if m.host == "" || m.host == "." {
			return Command{}, services.Wrap(services.ErrConfiguration, string(ps.Stage), "build command", fmt.Sprintf("no host path for %s", m.container), nil)
		}
		runtimeArgs = append(runtimeArgs, "-B", m.String())
	}
	for _, bind := range ps.BindPaths {
		runtimeArgs = append(runtimeArgs, "-B", bind)
	}
	runtimeArgs = append(runtimeArgs, ps.ContainerImage)
	runtimeArgs = append(runtimeArgs, args...)

	return Command{
		Binary: ps.Runtime,
		Args:   runtimeArgs,
		Env:    env,
		Dir:    ps.DatasetRoot,
	}, nil
}

func supportsFilter(st stage.Stage) bool {
	return st == stage.FMRIPrep || st == stage.MRIQC
}
