package logging

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// LogFileName is the append-only per-run log inside the output directory.
const LogFileName = "log.txt"

// #region run-log

// RunLog appends one JSON object per line to <dir>/log.txt.
type RunLog struct {
	path string
}

// NewRunLog returns a RunLog writing under dir.
func NewRunLog(dir string) *RunLog {
	return &RunLog{path: filepath.Join(dir, LogFileName)}
}

// Path returns the log file location.
func (l *RunLog) Path() string {
	return l.path
}

// Append writes rec as a single line. The file is opened per call so a crash
// never leaves a buffered line behind.
func (l *RunLog) Append(rec EpochRecord) error {
	data, err := rec.JSON()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append run log: %w", err)
	}
	return f.Close()
}

// JSON encodes the record on one line. NaN and infinite values become null.
func (r EpochRecord) JSON() ([]byte, error) {
	clean := make(map[string]any, len(r))
	for k, v := range r {
		clean[k] = finite(v)
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal log record: %w", err)
	}
	return data, nil
}

// #endregion run-log

// #region helpers

// finite replaces NaN and ±Inf, which encoding/json rejects, with null.
func finite(v any) any {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = finite(f)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = finite(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = finite(item)
		}
		return out
	}
	return v
}

// #endregion helpers
