package domain

// RunStatus represents the lifecycle state of a backup run
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunExporting  RunStatus = "exporting"
	RunArchiving  RunStatus = "archiving"
	RunUploading  RunStatus = "uploading"
	RunCleaningUp RunStatus = "cleaning_up"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
)

// nextStatus is the single forward step out of each non-terminal state.
var nextStatus = map[RunStatus]RunStatus{
	RunPending:    RunExporting,
	RunExporting:  RunArchiving,
	RunArchiving:  RunUploading,
	RunUploading:  RunCleaningUp,
	RunCleaningUp: RunSucceeded,
}

// IsTerminal reports whether no further transition is possible
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// CanTransition reports whether a run in state s may move to to.
// Runs only move forward one step, or to failed from any non-terminal state.
func (s RunStatus) CanTransition(to RunStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if to == RunFailed {
		return true
	}
	return nextStatus[s] == to
}
