package config

const (
	defaultManifest          = "tabular/manifest.csv"
	defaultRawDICOMDir       = "dicom"
	defaultBIDSDir           = "bids"
	defaultDerivativesDir    = "derivatives"
	defaultTestDataDir       = "test_data"
	defaultLogDir            = "scratch/logs"
	defaultWorkDir           = "scratch/work"
	defaultLedgerPath        = "scratch/run_ledger.jsonl"
	defaultBackupDir         = "scratch/backups"
	defaultHeuristicFile     = "proc/heuristic.py"
	defaultContainerRuntime  = "singularity"
	defaultContainerStoreDir = "proc/containers"
	defaultConcurrency       = 1
	defaultKillGraceSeconds  = 30
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 90
)

// Pipeline keys used in the [pipelines] table.
const (
	PipelineHeuDiConv     = "heudiconv"
	PipelineBIDSValidator = "bids_validator"
	PipelineFMRIPrep      = "fmriprep"
	PipelineMRIQC         = "mriqc"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Dataset: Dataset{
			Manifest: defaultManifest,
		},
		Paths: Paths{
			RawDICOMDir:    defaultRawDICOMDir,
			BIDSDir:        defaultBIDSDir,
			DerivativesDir: defaultDerivativesDir,
			TestDataDir:    defaultTestDataDir,
			LogDir:         defaultLogDir,
			WorkDir:        defaultWorkDir,
			LedgerPath:     defaultLedgerPath,
			BackupDir:      defaultBackupDir,
			HeuristicFile:  defaultHeuristicFile,
		},
		Containers: Containers{
			Runtime:  defaultContainerRuntime,
			StoreDir: defaultContainerStoreDir,
		},
		Pipelines: defaultPipelines(),
		Batch: Batch{
			Concurrency:      defaultConcurrency,
			KillGraceSeconds: defaultKillGraceSeconds,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}

func defaultPipelines() map[string]Pipeline {
	return map[string]Pipeline{
		PipelineHeuDiConv:     {Version: "0.11.6", Container: "heudiconv_{version}.sif"},
		PipelineBIDSValidator: {Version: "1.9.9", Container: "bids_validator_{version}.sif"},
		PipelineFMRIPrep:      {Version: "23.1.3", Container: "fmriprep_{version}.sif"},
		PipelineMRIQC:         {Version: "23.1.0", Container: "mriqc_{version}.sif"},
	}
}
