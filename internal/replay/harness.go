// Package replay re-derives best-checkpoint decisions from a run's log.txt.
//
// Every evaluated epoch in the log carries the flattened validation
// statistics. Replaying them through a fresh gate reproduces the decisions the
// driver made, which can then be compared with the decision log and the best
// checkpoints the registry indexed.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/eval"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/gate"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/metrics"
)

// #region types

// Config describes how the logged run evaluated.
type Config struct {
	DoQA        bool
	NoDetection bool
	Masks       bool
	// Datasets are the validation dataset names. When empty they are inferred
	// from the "test_<dataset>_loss" keys of the log.
	Datasets []string
	// StartBest seeds the gate, as a resumed run does from its checkpoint.
	StartBest *float64
}

// Result is the replayed decision for one evaluated epoch.
type Result struct {
	Epoch    int
	Action   string // "commit" | "reject" | "no_op"
	Reason   string
	Metric   *float64
	Decision gate.GateDecision
}

// Summary counts replayed actions.
type Summary struct {
	Evaluated int
	Commits   int
	Rejects   int
	NoOps     int
	Best      *float64
}

// #endregion types

// #region read-log

// ReadLog parses log.txt, one JSON object per line. Blank lines are skipped.
func ReadLog(r io.Reader) ([]logging.EpochRecord, error) {
	var out []logging.EpochRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec logging.EpochRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return out, nil
}

// ReadLogFile is ReadLog on a file path.
func ReadLogFile(path string) ([]logging.EpochRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()
	return ReadLog(f)
}

// InferDatasets lists the datasets whose loss appears in any record.
func InferDatasets(records []logging.EpochRecord) []string {
	seen := map[string]bool{}
	for _, rec := range records {
		for k := range rec {
			if !strings.HasPrefix(k, "test_") || !strings.HasSuffix(k, "_loss") {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(k, "test_"), "_loss")
			if name != "" {
				seen[name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// #endregion read-log

// #region replay

// Replay runs every evaluated record through a gate. Records without any
// statistics of the configured datasets were skipped epochs and produce no
// result. Records without an epoch key come from evaluation-only runs and
// are ignored.
func Replay(records []logging.EpochRecord, cfg Config) ([]Result, error) {
	datasets := cfg.Datasets
	if len(datasets) == 0 {
		datasets = InferDatasets(records)
	}
	g := gate.Restore(cfg.StartBest)

	var out []Result
	for i, rec := range records {
		epoch, ok := epochOf(rec)
		if !ok {
			continue
		}
		stats, err := statsOf(rec, datasets, cfg)
		if err != nil {
			return nil, fmt.Errorf("record %d (epoch %d): %w", i, epoch, err)
		}
		if len(stats) == 0 {
			continue
		}
		target, err := eval.TargetMetric(stats, cfg.DoQA)
		if err != nil {
			return nil, fmt.Errorf("record %d (epoch %d): %w", i, epoch, err)
		}
		var m *float64
		if target.Defined {
			v := target.Value
			m = &v
		}
		dec := g.Evaluate(m)
		out = append(out, Result{
			Epoch:    epoch,
			Action:   dec.Action,
			Reason:   dec.Reason,
			Metric:   dec.Metric,
			Decision: dec,
		})
	}
	return out, nil
}

// Summarize counts the actions of a replay.
func Summarize(results []Result) Summary {
	s := Summary{Evaluated: len(results)}
	for _, r := range results {
		switch r.Action {
		case logging.DecisionCommit:
			s.Commits++
			v := *r.Metric
			s.Best = &v
		case logging.DecisionReject:
			s.Rejects++
		case logging.DecisionNoOp:
			s.NoOps++
		}
	}
	return s
}

func epochOf(rec logging.EpochRecord) (int, bool) {
	switch v := rec["epoch"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// statsOf rebuilds the per-dataset statistics from the "test_<dataset>_"
// keys of a record, in the configured dataset order.
func statsOf(rec logging.EpochRecord, datasets []string, cfg Config) ([]metrics.EvalStats, error) {
	var out []metrics.EvalStats
	for _, ds := range datasets {
		prefix := "test_" + ds + "_"
		raw := map[string]any{}
		for k, v := range rec {
			if strings.HasPrefix(k, prefix) {
				raw[strings.TrimPrefix(k, prefix)] = v
			}
		}
		if len(raw) == 0 {
			continue
		}
		d := eval.Dataset{Name: ds, Evaluators: eval.BuildEvaluators(ds, cfg.NoDetection, cfg.Masks)}
		es, err := metrics.ParseEval(ds, raw, d.PrecisionKeys(), metrics.PoseLayout{})
		if err != nil {
			return nil, err
		}
		out = append(out, es)
	}
	return out, nil
}

// #endregion replay
