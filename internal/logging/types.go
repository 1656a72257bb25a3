package logging

import "time"

// #region decision
// Decision values recorded for every best-checkpoint comparison.
const (
	DecisionCommit = "commit" // strict improvement, best checkpoint written
	DecisionReject = "reject" // metric did not beat the running best
	DecisionNoOp   = "no_op"  // no comparable metric this epoch
)

// #endregion decision

// #region decision-entry
// DecisionEntry is a single row in the decision_log table.
type DecisionEntry struct {
	RunID     string
	Epoch     int
	VersionID string // checkpoint version written on commit, empty otherwise
	Metric    *float64
	Previous  *float64
	Decision  string // "commit" | "reject" | "no_op"
	Reason    string
	StatsJSON string
	CreatedAt time.Time
}

// #endregion decision-entry

// #region epoch-record
// EpochRecord is one line of log.txt: train_/test_ prefixed stats plus bookkeeping.
type EpochRecord map[string]any

// NewEpochRecord merges prefixed training and evaluation stats with the epoch
// index and parameter count. Pass epoch < 0 to omit the epoch key (eval-only runs).
func NewEpochRecord(train, test map[string]any, epoch int, nParameters int64) EpochRecord {
	rec := make(EpochRecord, len(train)+len(test)+2)
	for k, v := range train {
		rec["train_"+k] = v
	}
	for k, v := range test {
		rec["test_"+k] = v
	}
	if epoch >= 0 {
		rec["epoch"] = epoch
	}
	rec["n_parameters"] = nParameters
	return rec
}

// #endregion epoch-record
