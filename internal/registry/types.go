package registry

import "time"

// #region kind
// Kind classifies a checkpoint artifact by its retention policy.
type Kind string

const (
	KindLatest   Kind = "latest"   // overwritten every epoch
	KindPeriodic Kind = "periodic" // epoch-numbered, retained
	KindBest     Kind = "best"     // best target metric so far, retained per start epoch
)

// #endregion kind

// #region record
// Record is one written checkpoint file. Records with the same Name form a
// chain through ParentID; the newest is the one the pointer table names.
type Record struct {
	VersionID string
	ParentID  string
	RunID     string
	Name      string
	Path      string
	Kind      Kind
	Epoch     int
	Metric    *float64
	SizeBytes int64
	SHA256    string
	CreatedAt time.Time
}

// #endregion record
