package checkpoint

import (
	"fmt"
	"sort"
)

// MatchReport lists the keys that did not line up between a model and a
// checkpoint. Both are warnings, not failures.
type MatchReport struct {
	Missing    []string // in the model, absent from the checkpoint
	Unexpected []string // in the checkpoint, unknown to the model
}

// Clean reports whether every key matched.
func (r MatchReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0
}

// MatchStateDict overlays loaded onto current. Keys only current knows keep
// their current value, keys only loaded knows are dropped, and a shared key
// whose shapes disagree fails the whole match with a *SchemaError.
func MatchStateDict(current, loaded StateDict) (StateDict, MatchReport, error) {
	var report MatchReport
	merged := make(StateDict, len(current))

	for _, name := range current.Names() {
		cur := current[name]
		got, ok := loaded[name]
		if !ok {
			report.Missing = append(report.Missing, name)
			merged[name] = cur
			continue
		}
		if !cur.SameShape(got) {
			return nil, MatchReport{}, &SchemaError{Key: name, Want: cur.Shape, Got: got.Shape}
		}
		if err := got.Validate(); err != nil {
			return nil, MatchReport{}, fmt.Errorf("%w: tensor %q: %v", ErrCheckpointLoad, name, err)
		}
		merged[name] = got
	}
	for name := range loaded {
		if _, ok := current[name]; !ok {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	sort.Strings(report.Unexpected)
	return merged, report, nil
}
