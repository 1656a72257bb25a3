package replay

import (
	"fmt"
	"io"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/registry"
)

// #region compare

// Row pairs one replayed decision with the recorded one.
type Row struct {
	Epoch    int
	Expected string // empty when nothing was recorded for the epoch
	Replayed string
	Match    bool
}

// Compare lines replayed results up with recorded decisions by epoch. A
// replayed epoch without a recorded decision is a divergence, and so is a
// recorded decision the replay never produced.
func Compare(results []Result, recorded []logging.DecisionEntry) []Row {
	byEpoch := make(map[int]string, len(recorded))
	order := make([]int, 0, len(recorded))
	for _, d := range recorded {
		if _, ok := byEpoch[d.Epoch]; !ok {
			order = append(order, d.Epoch)
		}
		byEpoch[d.Epoch] = d.Decision
	}

	rows := make([]Row, 0, len(results))
	replayed := make(map[int]bool, len(results))
	for _, r := range results {
		exp := byEpoch[r.Epoch]
		replayed[r.Epoch] = true
		rows = append(rows, Row{Epoch: r.Epoch, Expected: exp, Replayed: r.Action, Match: exp == r.Action})
	}
	for _, e := range order {
		if !replayed[e] {
			rows = append(rows, Row{Epoch: e, Expected: byEpoch[e]})
		}
	}
	return rows
}

// RunWindow keeps the results from the first epoch a run recorded onwards.
// log.txt keeps growing across resumes, so the full log is replayed to
// rebuild the gate and only the run's own epochs are compared. A run with
// no recorded decisions has an empty window.
func RunWindow(results []Result, recorded []logging.DecisionEntry) []Result {
	if len(recorded) == 0 {
		return nil
	}
	first := recorded[0].Epoch
	for _, d := range recorded[1:] {
		if d.Epoch < first {
			first = d.Epoch
		}
	}
	var out []Result
	for _, r := range results {
		if r.Epoch >= first {
			out = append(out, r)
		}
	}
	return out
}

// BestEpochsMatch checks that the best checkpoints the registry indexed were
// written at exactly the replayed commit epochs.
func BestEpochsMatch(results []Result, best []registry.Record) bool {
	var commits []int
	for _, r := range results {
		if r.Action == logging.DecisionCommit {
			commits = append(commits, r.Epoch)
		}
	}
	if len(commits) != len(best) {
		return false
	}
	for i := range commits {
		if commits[i] != best[i].Epoch {
			return false
		}
	}
	return true
}

// PrintComparison writes a comparison table to w and returns the number of
// diverging rows.
func PrintComparison(w io.Writer, rows []Row) int {
	fmt.Fprintf(w, "%-8s| %-10s| %-10s| %s\n", "Epoch", "Expected", "Replayed", "Match")
	fmt.Fprintf(w, "%-8s+%-11s+%-11s+%s\n", "--------", "-----------", "-----------", "------")

	diverge := 0
	for _, r := range rows {
		match := "OK"
		if !r.Match {
			match = "DIFF"
			diverge++
		}
		exp, got := r.Expected, r.Replayed
		if exp == "" {
			exp = "-"
		}
		if got == "" {
			got = "-"
		}
		fmt.Fprintf(w, "%-8d| %-10s| %-10s| %s\n", r.Epoch, exp, got, match)
	}
	fmt.Fprintf(w, "\nSummary: %d total, %d match, %d diverge\n", len(rows), len(rows)-diverge, diverge)
	return diverge
}

// #endregion compare
