package gate

import (
	"math"
	"testing"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
)

func f64(v float64) *float64 { return &v }

func TestGateFirstMetricCommits(t *testing.T) {
	g := NewGate()

	decision := g.Evaluate(f64(0))

	if decision.Action != logging.DecisionCommit {
		t.Fatalf("expected commit, got %s: %s", decision.Action, decision.Reason)
	}
	if !math.IsInf(decision.Previous, -1) {
		t.Fatalf("expected -Inf previous, got %v", decision.Previous)
	}
	if g.Best() != 0 {
		t.Fatalf("expected best 0, got %v", g.Best())
	}
}

func TestGateTieRejects(t *testing.T) {
	g := NewGate()
	g.Evaluate(f64(0.5))

	decision := g.Evaluate(f64(0.5))

	if decision.Commit() {
		t.Fatal("a tie must not commit")
	}
	if decision.Action != logging.DecisionReject {
		t.Fatalf("expected reject, got %s", decision.Action)
	}
}

func TestGateNilMetricIsNoOp(t *testing.T) {
	g := Restore(f64(0.3))

	decision := g.Evaluate(nil)

	if decision.Action != logging.DecisionNoOp || decision.Metric != nil {
		t.Fatalf("expected no-op, got %+v", decision)
	}
	if g.Best() != 0.3 {
		t.Fatalf("no-op must not change best, got %v", g.Best())
	}
}

func TestGateNaNNeverCommits(t *testing.T) {
	g := NewGate()
	if g.Evaluate(f64(math.NaN())).Commit() {
		t.Fatal("NaN must not commit")
	}
	if !math.IsInf(g.Best(), -1) {
		t.Fatal("NaN must not change best")
	}
}

func TestGateRestore(t *testing.T) {
	if Restore(nil).BestPtr() != nil {
		t.Fatal("expected nil best for a fresh gate")
	}
	g := Restore(f64(0.7))
	if g.Evaluate(f64(0.6)).Commit() {
		t.Fatal("value below restored best must not commit")
	}
	if !g.Evaluate(f64(0.71)).Commit() {
		t.Fatal("value above restored best must commit")
	}
	if p := g.BestPtr(); p == nil || *p != 0.71 {
		t.Fatalf("unexpected best %v", p)
	}
}

// A commit happens at index i iff m_i > max(m_0..m_{i-1}).
func TestGateStrictMonotonicity(t *testing.T) {
	sequences := [][]float64{
		{0.1, 0.2, 0.3},
		{0.3, 0.2, 0.1},
		{0.5, 0.5, 0.6, 0.6, 0.4, 0.7},
		{0, 0, 0},
		{-1, -2, -0.5},
	}
	for _, seq := range sequences {
		g := NewGate()
		runMax := math.Inf(-1)
		for i, m := range seq {
			want := m > runMax
			got := g.Evaluate(f64(m)).Commit()
			if got != want {
				t.Fatalf("seq %v index %d: commit=%v, want %v", seq, i, got, want)
			}
			runMax = math.Max(runMax, m)
			if g.Best() != runMax {
				t.Fatalf("seq %v index %d: best=%v, want %v", seq, i, g.Best(), runMax)
			}
		}
	}
}
