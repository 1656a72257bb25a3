package metrics

import (
	"context"
	"errors"
	"strings"
)

// #region sink

// Sink receives named scalars indexed by epoch.
type Sink interface {
	Emit(ctx context.Context, name string, value float64, step int) error
	Close() error
}

// Discard drops every scalar. Non-coordinating processes use it.
type Discard struct{}

func (Discard) Emit(context.Context, string, float64, int) error { return nil }
func (Discard) Close() error                                      { return nil }

// MultiSink forwards each scalar to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, name string, value float64, step int) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, name, value, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// #endregion sink

// #region experiment-name

// ExperimentName picks the directory scalars are grouped under. Evaluating a
// loaded checkpoint files them under the checkpoint's run, i.e. the part of
// the load path between its first and last slash; training files them under
// the last element of the output directory.
func ExperimentName(evalOnly bool, loadPath, outputDir string) string {
	if evalOnly && loadPath != "" {
		first := strings.Index(loadPath, "/")
		last := strings.LastIndex(loadPath, "/")
		if first >= 0 && last > first {
			return loadPath[first+1 : last]
		}
		return ""
	}
	trimmed := strings.TrimRight(outputDir, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// #endregion experiment-name
