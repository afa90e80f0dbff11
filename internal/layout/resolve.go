package layout

import (
	"fmt"
	"path/filepath"
	"strings"

	"neurorun/internal/dataset"
	"neurorun/internal/services"
	"neurorun/internal/stage"
)

// PathSet is every absolute path one stage run needs.
type PathSet struct {
	Stage stage.Stage

	ParticipantID   string
	SessionID       string
	BIDSParticipant string
	BIDSSession     string

	DatasetRoot string
	DICOMDir    string
	BIDSDir     string
	// OutputDir is where the tool writes: the BIDS dir for conversion
	// stages, <derivatives>/<pipeline>/v<version>/output otherwise.
	OutputDir string
	WorkDir   string
	LogDir    string

	Runtime         string
	ContainerImage  string
	PipelineVersion string
	ExtraArgs       []string
	BindPaths       []string

	TemplateFlowDir   string
	FreeSurferLicense string
	HeuristicFile     string
	BIDSFilterFile    string
	// SessionFilter is the generated BIDS filter that restricts a
	// whole-subject tool to SessionID. Empty for stages that take a session
	// argument directly.
	SessionFilter string

	// Marker is the file or directory whose presence proves the stage
	// produced output.
	Marker  string
	TestRun bool
}

// ParticipantLabel returns the BIDS subject label without the "sub-" prefix.
func (p PathSet) ParticipantLabel() string {
	return strings.TrimPrefix(p.BIDSParticipant, "sub-")
}

// Resolve computes the PathSet for one participant, session, and stage. It
// fails with a configuration error when the layout lacks a location the
// stage requires.
func Resolve(l Layout, participantID, sessionID string, st stage.Stage) (PathSet, error) {
	if !st.Valid() {
		return PathSet{}, services.Wrap(services.ErrConfiguration, string(st), "resolve", fmt.Sprintf("unknown stage %q", st), nil)
	}
	participantID = strings.TrimSpace(participantID)
	sessionID = dataset.NormalizeSession(sessionID)
	if participantID == "" {
		return PathSet{}, services.Wrap(services.ErrConfiguration, string(st), "resolve", "participant id is required", nil)
	}
	if sessionID == "" {
		return PathSet{}, services.Wrap(services.ErrConfiguration, string(st), "resolve", "session id is required", nil)
	}
	if dataset.ParticipantLabel(participantID) == "" {
		return PathSet{}, services.Wrap(services.ErrConfiguration, string(st), "resolve", fmt.Sprintf("participant id %q has no alphanumeric characters", participantID), nil)
	}

	pipelineName := st.Pipeline()
	for _, loc := range st.Requires() {
		var ok bool
		if loc == stage.LocContainerImage {
			_, ok = l.Image(pipelineName)
		} else {
			_, ok = l.Location(loc)
		}
		if !ok {
			return PathSet{}, services.Wrap(
				services.ErrConfiguration,
				string(st),
				"resolve",
				fmt.Sprintf("layout does not define %s", loc),
				nil,
			)
		}
	}

	pipeline, _ := l.Pipeline(pipelineName)
	image, _ := l.Image(pipelineName)
	ps := PathSet{
		Stage:             st,
		ParticipantID:     participantID,
		SessionID:         sessionID,
		BIDSParticipant:   dataset.BIDSParticipantID(participantID),
		BIDSSession:       dataset.BIDSSessionID(sessionID),
		DatasetRoot:       l.DatasetRoot,
		Runtime:           l.Runtime,
		ContainerImage:    image,
		PipelineVersion:   pipeline.Version,
		ExtraArgs:         append([]string(nil), pipeline.ExtraArgs...),
		BindPaths:         append([]string(nil), l.BindPaths...),
		TemplateFlowDir:   l.locations[stage.LocTemplateFlow],
		FreeSurferLicense: l.locations[stage.LocFreeSurferLicense],
		HeuristicFile:     l.locations[stage.LocHeuristic],
		BIDSFilterFile:    l.locations[stage.LocBIDSFilter],
		BIDSDir:           l.locations[stage.LocBIDS],
		TestRun:           l.testRun,
	}
	label := ps.ParticipantLabel()

	if dicom, ok := l.Location(stage.LocRawDICOM); ok {
		ps.DICOMDir = filepath.Join(dicom, ps.BIDSSession, label)
	}
	if logs, ok := l.Location(stage.LocLogs); ok {
		ps.LogDir = filepath.Join(logs, string(st))
	}
	if work, ok := l.Location(stage.LocWork); ok {
		ps.WorkDir = filepath.Join(work, pipelineName, "v"+pipeline.Version, ps.BIDSParticipant+"_"+ps.BIDSSession)
	}
	if deriv, ok := l.Location(stage.LocDerivatives); ok && isDerivativeStage(st) {
		ps.OutputDir = filepath.Join(deriv, pipelineName, "v"+pipeline.Version, "output")
	} else {
		ps.OutputDir = ps.BIDSDir
	}

	if st == stage.FMRIPrep && ps.WorkDir != "" {
		ps.SessionFilter = filepath.Join(ps.WorkDir, "bids_filter.json")
	}
	ps.Marker = markerPath(ps)
	return ps, nil
}

func isDerivativeStage(st stage.Stage) bool {
	return st == stage.FMRIPrep || st == stage.MRIQC
}

func markerPath(ps PathSet) string {
	label := ps.ParticipantLabel()
	switch ps.Stage {
	case stage.BIDSStage1:
		return filepath.Join(ps.BIDSDir, ".heudiconv", label, ps.BIDSSession, "info", "dicominfo_"+ps.BIDSSession+".tsv")
	case stage.BIDSStage2, stage.BIDSValidate:
		return filepath.Join(ps.BIDSDir, ps.BIDSParticipant, ps.BIDSSession)
	case stage.FMRIPrep:
		return filepath.Join(ps.OutputDir, ps.BIDSParticipant, ps.BIDSSession)
	case stage.MRIQC:
		return filepath.Join(ps.OutputDir, ps.BIDSParticipant+"_"+ps.BIDSSession+"_T1w.html")
	default:
		return ""
	}
}
