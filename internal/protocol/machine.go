// Package protocol implements the pure state machine that maps a task's
// current TaskState and the outcome of its most recent step to a new
// TaskState and the step that should run next. It performs no I/O, holds
// no globals, and knows nothing about retry caps — the gardener owns
// those decisions.
package protocol

// TaskState is the observable lifecycle stage of a task, derived by the
// state reader from commit trailers — never assigned directly.
type TaskState string

const (
	StatePending     TaskState = "pending"
	StateImplementing TaskState = "implementing"
	StateTesting     TaskState = "testing"
	StateReviewing   TaskState = "reviewing"
	StateComplete    TaskState = "complete"
	StateFailed      TaskState = "failed"
)

// Step names a unit of work the gardener can ask a step executor to run.
type Step string

const (
	StepImplement Step = "implement"
	StepTest      Step = "test"
	StepReview    Step = "review"
	// StepNone means no further step should be driven — the task is
	// terminal (complete or failed).
	StepNone Step = ""
)

// Result carries the outcome of the most recently executed step.
type Result struct {
	Step    Step
	Success bool
}

// Transition applies the transition table from the kernel's protocol
// specification to (current, result) and returns the resulting state and
// the next step to drive. It is a pure function: identical inputs always
// yield identical outputs.
func Transition(current TaskState, result Result) (TaskState, Step) {
	switch current {
	case StatePending:
		return StatePending, StepImplement

	case StateImplementing:
		if result.Success {
			return StateTesting, StepTest
		}
		return StatePending, StepImplement

	case StateTesting:
		if result.Success {
			return StateReviewing, StepReview
		}
		return StatePending, StepImplement

	case StateReviewing:
		if result.Success {
			return StateComplete, StepNone
		}
		return StatePending, StepImplement

	case StateComplete:
		return StateComplete, StepNone

	case StateFailed:
		return StateFailed, StepNone

	default:
		// An unrecognized state is a defect in the state reader, not a
		// protocol event this machine can model; treat conservatively as
		// pending so the gardener retries from the start rather than
		// wedging on an unknown value.
		return StatePending, StepImplement
	}
}

// NextStep returns the step that should run for a freshly observed state,
// with no step result yet available (e.g. right after materialization).
// The gardener does not call it; it picks steps through Transition.
func NextStep(current TaskState) Step {
	switch current {
	case StatePending:
		return StepImplement
	case StateImplementing:
		return StepImplement
	case StateTesting:
		return StepTest
	case StateReviewing:
		return StepReview
	default:
		return StepNone
	}
}

// IsTerminal reports whether s is a state from which the gardener drives
// no further steps.
func IsTerminal(s TaskState) bool {
	return s == StateComplete || s == StateFailed
}
