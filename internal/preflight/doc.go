// Package preflight provides readiness checks for the dataset directories,
// the container runtime, and the container images neurorun depends on.
//
// These checks run in two contexts:
//   - "neurorun doctor" reports every check so an operator can fix the
//     environment before a long batch.
//   - The batch command calls ForStage and refuses to start when a required
//     directory for that stage is unusable, rather than recording the same
//     failure against every participant.
package preflight
