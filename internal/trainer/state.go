package trainer

import "math"

// State is the controller's position in the training state machine.
// Evaluating and Checkpointing are transient, re-entered from Training
// at their intervals; Completed and Aborted are terminal.
type State int

const (
	StateWarmingUp State = iota
	StateTraining
	StateEvaluating
	StateCheckpointing
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateWarmingUp:
		return "warming_up"
	case StateTraining:
		return "training"
	case StateEvaluating:
		return "evaluating"
	case StateCheckpointing:
		return "checkpointing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RunState is the only mutable state the controller owns. It is
// created at run start and mutated exclusively by the controller.
type RunState struct {
	GlobalStep         int
	MicroStep          int
	Epoch              int
	BestEvalLoss       float64
	LastCheckpointStep int
}

// NewRunState returns the step-zero state with no best loss recorded.
func NewRunState() RunState {
	return RunState{
		BestEvalLoss:       math.Inf(1),
		LastCheckpointStep: -1,
	}
}
