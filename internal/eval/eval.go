package eval

import (
	"context"
	"fmt"
	"strings"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/config"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/metrics"
)

// QADataset is the dataset whose answer accuracy is the target metric of a
// question-answering run.
const QADataset = "gqa"

// #region evaluators
// BuildEvaluators returns the evaluator set for a dataset. Runs without a
// detection head get none; yourefit datasets are scored by box precision.
func BuildEvaluators(dataset string, noDetection, masks bool) []Evaluator {
	if noDetection {
		return nil
	}
	iou := []string{"bbox"}
	if masks {
		iou = append(iou, "segm")
	}
	var out []Evaluator
	if strings.Contains(dataset, "yourefit") {
		out = append(out, Evaluator{Name: "yourefit", IoUTypes: iou})
	}
	return out
}

// #endregion evaluators

// #region suite
// Suite is the ordered, read-only list of validation datasets.
type Suite struct {
	datasets []Dataset
	pose     metrics.PoseLayout
	logger   logging.Logger
}

// NewSuite builds a suite. An empty dataset list is a configuration error.
func NewSuite(datasets []Dataset, pose metrics.PoseLayout, logger logging.Logger) (*Suite, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("%w: no validation datasets configured", config.ErrConfiguration)
	}
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Suite{
		datasets: append([]Dataset(nil), datasets...),
		pose:     pose,
		logger:   logger,
	}, nil
}

// Run evaluates every dataset in order. The first failure stops the pass.
func (s *Suite) Run(ctx context.Context, r Runner) (Result, error) {
	res := Result{Flat: make(map[string]any)}
	for _, d := range s.datasets {
		s.logger.Info("evaluating", "dataset", d.Name)
		raw, err := r.Evaluate(ctx, Request{
			Dataset:    d.Name,
			Loader:     d.Loader,
			BaseRef:    d.BaseRef,
			Evaluators: d.Evaluators,
		})
		if err != nil {
			return Result{}, fmt.Errorf("evaluate %s: %w", d.Name, err)
		}
		stats, err := metrics.ParseEval(d.Name, raw, d.PrecisionKeys(), s.pose)
		if err != nil {
			return Result{}, err
		}
		res.Stats = append(res.Stats, stats)
		for k, v := range raw {
			res.Flat[d.Name+"_"+k] = v
		}
	}
	return res, nil
}

// #endregion suite

// #region target-metric
// TargetMetric derives the best-checkpoint metric from one evaluation pass.
// A question-answering run uses the QA dataset's answer accuracy, which must
// be present. Otherwise the metric is the mean strictest-threshold precision
// over every dataset that reported a precision triple; with none, the target
// is undefined.
func TargetMetric(stats []metrics.EvalStats, doQA bool) (Target, error) {
	if doQA {
		for _, es := range stats {
			if es.Dataset != QADataset {
				continue
			}
			v, ok := es.AnswerAccuracy.Get()
			if !ok {
				break
			}
			return Target{Value: v, Defined: true, Sources: map[string]float64{es.Dataset: v}}, nil
		}
		return Target{}, &metrics.MissingMetricError{Source: QADataset, Key: metrics.AnswerAccuracyKey}
	}

	t := Target{Sources: make(map[string]float64)}
	var sum float64
	for _, es := range stats {
		if es.Precision == nil {
			continue
		}
		v := es.Precision.Strictest()
		t.Sources[es.Dataset] = v
		sum += v
	}
	if len(t.Sources) == 0 {
		return t, nil
	}
	t.Value = sum / float64(len(t.Sources))
	t.Defined = true
	return t, nil
}

// #endregion target-metric
