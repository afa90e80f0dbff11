// Package stage enumerates the pipeline stages neurorun can run and the
// dataset locations each stage needs.
package stage

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"neurorun/internal/services"
)

// Stage identifies one discrete pipeline step.
type Stage string

const (
	BIDSStage1   Stage = "bids_stage_1"
	BIDSStage2   Stage = "bids_stage_2"
	BIDSValidate Stage = "bids_validate"
	FMRIPrep     Stage = "fmriprep"
	MRIQC        Stage = "mriqc"
)

var allStages = []Stage{BIDSStage1, BIDSStage2, BIDSValidate, FMRIPrep, MRIQC}

// Location names a logical dataset location a stage may require.
type Location string

const (
	LocRawDICOM          Location = "raw_dicom_dir"
	LocBIDS              Location = "bids_dir"
	LocDerivatives       Location = "derivatives_dir"
	LocTestData          Location = "test_data_dir"
	LocLogs              Location = "log_dir"
	LocWork              Location = "work_dir"
	LocContainerImage    Location = "container_image"
	LocTemplateFlow      Location = "templateflow_dir"
	LocFreeSurferLicense Location = "freesurfer_license"
	LocHeuristic         Location = "heuristic_file"
	LocBIDSFilter        Location = "bids_filter_file"
)

type definition struct {
	pipeline string
	requires []Location
}

var definitions = map[Stage]definition{
	BIDSStage1: {
		pipeline: "heudiconv",
		requires: []Location{LocRawDICOM, LocBIDS, LocLogs, LocContainerImage},
	},
	BIDSStage2: {
		pipeline: "heudiconv",
		requires: []Location{LocRawDICOM, LocBIDS, LocLogs, LocContainerImage, LocHeuristic},
	},
	BIDSValidate: {
		pipeline: "bids_validator",
		requires: []Location{LocBIDS, LocLogs, LocContainerImage},
	},
	FMRIPrep: {
		pipeline: "fmriprep",
		requires: []Location{LocBIDS, LocDerivatives, LocWork, LocLogs, LocContainerImage, LocFreeSurferLicense},
	},
	MRIQC: {
		pipeline: "mriqc",
		requires: []Location{LocBIDS, LocDerivatives, LocWork, LocLogs, LocContainerImage},
	},
}

// All returns the known stages in pipeline order.
func All() []Stage {
	cp := make([]Stage, len(allStages))
	copy(cp, allStages)
	return cp
}

// Parse converts CLI input into a Stage. The BIDS conversion sub-steps may be
// given as "1" and "2"; hyphens and case are ignored.
func Parse(value string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "1":
		return BIDSStage1, nil
	case "2":
		return BIDSStage2, nil
	}
	candidate := Stage(normalized)
	if _, ok := definitions[candidate]; ok {
		return candidate, nil
	}
	return "", services.Wrap(services.ErrConfiguration, "stage", "parse", fmt.Sprintf("unknown stage %q", value), nil)
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := definitions[s]
	return ok
}

// Pipeline returns the [pipelines] key whose container runs this stage.
func (s Stage) Pipeline() string {
	return definitions[s].pipeline
}

// Requires returns the locations a layout must define to run this stage.
func (s Stage) Requires() []Location {
	def := definitions[s]
	cp := make([]Location, len(def.requires))
	copy(cp, def.requires)
	return cp
}

// Label returns a human readable stage name, e.g. "Bids Stage 1".
func (s Stage) Label() string {
	words := strings.ReplaceAll(string(s), "_", " ")
	return cases.Title(language.English).String(words)
}

func (s Stage) String() string {
	return string(s)
}
