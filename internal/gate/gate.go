package gate

import (
	"fmt"
	"math"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
)

// #region gate
// Gate holds the best target metric seen in a run and decides whether a new
// value earns a best checkpoint. Only strict improvements commit; a commit
// raises the stored best, nothing else changes it.
type Gate struct {
	best float64
}

// NewGate starts below every valid metric.
func NewGate() *Gate {
	return &Gate{best: math.Inf(-1)}
}

// Restore starts from a value recorded in a resumed checkpoint. A nil value
// behaves like NewGate.
func Restore(best *float64) *Gate {
	g := NewGate()
	if best != nil && !math.IsNaN(*best) {
		g.best = *best
	}
	return g
}

// Best returns the current best value, -Inf before the first commit.
func (g *Gate) Best() float64 {
	return g.best
}

// BestPtr returns the best value for persistence, nil before the first commit.
func (g *Gate) BestPtr() *float64 {
	if math.IsInf(g.best, -1) {
		return nil
	}
	v := g.best
	return &v
}

// Evaluate compares metric against the best so far. A nil metric means the
// epoch produced nothing to compare and yields a no-op. NaN never commits.
func (g *Gate) Evaluate(metric *float64) GateDecision {
	prev := g.best
	if metric == nil {
		return GateDecision{
			Action:   logging.DecisionNoOp,
			Reason:   "no target metric this epoch",
			Previous: prev,
		}
	}

	m := *metric
	if m > prev {
		g.best = m
		return GateDecision{
			Action:   logging.DecisionCommit,
			Reason:   fmt.Sprintf("%.4f > %.4f", m, prev),
			Metric:   &m,
			Previous: prev,
		}
	}
	return GateDecision{
		Action:   logging.DecisionReject,
		Reason:   fmt.Sprintf("%.4f <= %.4f", m, prev),
		Metric:   &m,
		Previous: prev,
	}
}

// #endregion gate
