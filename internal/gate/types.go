package gate

import "github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"

// #region gate-decision
// GateDecision is the output of one best-checkpoint evaluation.
type GateDecision struct {
	Action   string // logging.DecisionCommit | DecisionReject | DecisionNoOp
	Reason   string
	Metric   *float64 // nil when the epoch produced no comparable metric
	Previous float64  // best value before this decision, -Inf if none
}

// Commit reports whether a best checkpoint should be written.
func (d GateDecision) Commit() bool {
	return d.Action == logging.DecisionCommit
}

// #endregion gate-decision
