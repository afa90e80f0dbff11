// Package dataset reads the participant manifest and owns the naming rules
// that map study identifiers to BIDS labels.
//
// The manifest is a CSV file with a participant_id column and an optional
// session (or session_id) column. Extra columns are kept as attributes so
// status reports can show them without neurorun interpreting them.
package dataset
