package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
)

// ActivityStatus represents the lifecycle state of an activity.
type ActivityStatus string

const (
	ActivityStatusInProgress ActivityStatus = "in_progress"
	ActivityStatusCompleted  ActivityStatus = "completed"
	ActivityStatusFailed     ActivityStatus = "failed"
)

// ValidRunTransitions is the allowed state machine for workflow runs.
// Succeeded and Failed are terminal.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusInProgress: {RunStatusSucceeded, RunStatusFailed},
	RunStatusSucceeded:  {},
	RunStatusFailed:     {},
}

// IsValidRunTransition reports whether a run may move from one status to another.
func IsValidRunTransition(from, to RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the run status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return len(ValidRunTransitions[s]) == 0 && s != ""
}

// Caller-supplied outcome strings accepted by the status commands.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// RunStatusFromOutcome translates a caller-supplied outcome string into a
// stored run status. The second return is false for unknown outcomes.
func RunStatusFromOutcome(outcome string) (RunStatus, bool) {
	switch outcome {
	case OutcomeSucceeded:
		return RunStatusSucceeded, true
	case OutcomeFailed:
		return RunStatusFailed, true
	default:
		return "", false
	}
}

// ActivityStatusFromOutcome translates a caller-supplied outcome string into a
// stored activity status.
func ActivityStatusFromOutcome(outcome string) (ActivityStatus, bool) {
	switch outcome {
	case OutcomeSucceeded:
		return ActivityStatusCompleted, true
	case OutcomeFailed:
		return ActivityStatusFailed, true
	default:
		return "", false
	}
}
