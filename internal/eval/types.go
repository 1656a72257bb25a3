package eval

import (
	"context"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/metrics"
)

// #region evaluator
// Evaluator names a dataset-specific scorer the worker runs after inference.
// Its Name is also the key its result is reported under.
type Evaluator struct {
	Name     string
	IoUTypes []string
}

// #endregion evaluator

// #region dataset
// Dataset is one entry of the validation suite.
type Dataset struct {
	Name       string
	Loader     string // worker-side loader handle
	BaseRef    string // worker-side ground-truth reference, may be empty
	Evaluators []Evaluator
}

// PrecisionKeys returns the result keys that may carry a precision triple.
func (d Dataset) PrecisionKeys() []string {
	keys := make([]string, len(d.Evaluators))
	for i, e := range d.Evaluators {
		keys[i] = e.Name
	}
	return keys
}

// #endregion dataset

// #region runner
// Request asks the worker to evaluate one dataset.
type Request struct {
	Dataset    string
	Loader     string
	BaseRef    string
	Evaluators []Evaluator
}

// Runner runs one evaluation pass over one dataset and returns its flat
// statistics. The worker client implements it.
type Runner interface {
	Evaluate(ctx context.Context, req Request) (map[string]any, error)
}

// #endregion runner

// #region result
// Result is one evaluation pass over the whole suite.
type Result struct {
	Stats []metrics.EvalStats
	// Flat holds every statistic keyed "<dataset>_<key>", the layout of the
	// run log.
	Flat map[string]any
}

// #endregion result

// #region target
// Target is the metric the best-checkpoint decision is made on. Defined is
// false when no dataset produced a comparable value.
type Target struct {
	Value   float64
	Defined bool
	// Sources maps each contributing dataset to its value.
	Sources map[string]float64
}

// #endregion target
