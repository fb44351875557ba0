package executor

import "fmt"

// Stage is where a pipeline step currently is.
type Stage int

const (
	StageProving Stage = iota
	StageSubmitting
	StageConfirmed
)

func (s Stage) String() string {
	switch s {
	case StageProving:
		return "proving"
	case StageSubmitting:
		return "submitting"
	case StageConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// StepKind is what a pipeline step does.
type StepKind string

const (
	KindDeposit     StepKind = "deposit"
	KindConsolidate StepKind = "consolidate"
	KindTransfer    StepKind = "transfer"
	KindWithdraw    StepKind = "withdraw"
)

// ProgressEvent reports one stage change. StepIndex is 1-based.
type ProgressEvent struct {
	OperationID string
	StepIndex   int
	StepCount   int
	Stage       Stage
	Kind        StepKind
	BatchSize   int
}

func (e ProgressEvent) String() string {
	id := e.OperationID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("[%s] step %d/%d %s %s (%d inputs)", id, e.StepIndex, e.StepCount, e.Kind, e.Stage, e.BatchSize)
}
