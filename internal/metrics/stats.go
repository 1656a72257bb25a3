// Package metrics turns the flat statistics a worker reports for an epoch into
// typed records and fans curated scalars out to sinks.
package metrics

import (
	"errors"
	"fmt"
	"math"
)

// ErrMissingMetric is matched by every MissingMetricError.
var ErrMissingMetric = errors.New("missing metric")

// MissingMetricError is returned when a statistic the worker is required to
// report is absent or has the wrong type.
type MissingMetricError struct {
	Source string // "train" or the validation dataset name
	Key    string
}

func (e *MissingMetricError) Error() string {
	return fmt.Sprintf("%s stats: missing or malformed %q", e.Source, e.Key)
}

func (e *MissingMetricError) Is(target error) bool { return target == ErrMissingMetric }

// #region optional

// Optional is a scalar that a configuration may not produce.
type Optional struct {
	value float64
	ok    bool
}

// Present wraps a reported value.
func Present(v float64) Optional { return Optional{value: v, ok: true} }

// NotApplicable marks a scalar the run does not produce.
func NotApplicable() Optional { return Optional{} }

// Get returns the value and whether it is present.
func (o Optional) Get() (float64, bool) { return o.value, o.ok }


// #endregion optional

// #region groups

// PoseLayout says whether pose losses are reported and under which decoder
// layer index the last layer's losses appear.
type PoseLayout struct {
	Enabled   bool
	LastLayer int
}

func (p PoseLayout) armKey() string      { return fmt.Sprintf("arm_loss_%d_unscaled", p.LastLayer) }
func (p PoseLayout) armScoreKey() string { return fmt.Sprintf("arm_score_loss_%d_unscaled", p.LastLayer) }

const armBoxAlignKey = "arm_box_aligned_loss_unscaled"

// PoseLosses are the unscaled arm losses of the last pose decoder layer.
type PoseLosses struct {
	Arm         float64
	ArmScore    float64
	ArmBoxAlign float64
}

// Precision holds the fraction of referred boxes found at IoU 0.25, 0.5 and 0.75.
type Precision struct {
	At25 float64
	At50 float64
	At75 float64
}

// Strictest returns the precision at the highest IoU threshold.
func (p Precision) Strictest() float64 { return p.At75 }

// #endregion groups

// #region train-stats

// TrainStats is one epoch of training statistics.
type TrainStats struct {
	LR               float64
	Loss             float64
	CE               float64
	GIoU             float64
	BBox             float64
	ContrastiveAlign Optional
	Pose             *PoseLosses
	Raw              map[string]any
}

// ParseTrain reads the statistics returned by a training pass.
func ParseTrain(raw map[string]any, pose PoseLayout) (TrainStats, error) {
	r := reader{src: "train", raw: raw}
	ts := TrainStats{
		LR:               r.required("lr"),
		Loss:             r.required("loss"),
		CE:               r.required("loss_ce_unscaled"),
		GIoU:             r.required("loss_giou_unscaled"),
		BBox:             r.required("loss_bbox_unscaled"),
		ContrastiveAlign: r.optional("loss_contrastive_align_unscaled"),
		Raw:              raw,
	}
	if pose.Enabled {
		ts.Pose = &PoseLosses{
			Arm:         r.required(pose.armKey()),
			ArmScore:    r.required(pose.armScoreKey()),
			ArmBoxAlign: r.required(armBoxAlignKey),
		}
	}
	if r.err != nil {
		return TrainStats{}, r.err
	}
	return ts, nil
}

// #endregion train-stats

// #region eval-stats

// AnswerAccuracyKey is the question-answering accuracy reported by QA datasets.
const AnswerAccuracyKey = "accuracy_answer_total_unscaled"

// EvalStats is one validation dataset's statistics for one evaluation pass.
type EvalStats struct {
	Dataset          string
	Loss             Optional
	CE               Optional
	GIoU             Optional
	BBox             Optional
	ContrastiveAlign Optional
	AnswerAccuracy   Optional
	Pose             *PoseLosses
	Precision        *Precision
	Raw              map[string]any
}

// ParseEval reads the statistics of one validation dataset. precisionKeys are
// the result keys of the dataset's evaluators; the first one that is present
// must hold a precision triple. Pose losses are all-or-nothing.
func ParseEval(dataset string, raw map[string]any, precisionKeys []string, pose PoseLayout) (EvalStats, error) {
	r := reader{src: dataset, raw: raw}
	es := EvalStats{
		Dataset:          dataset,
		Loss:             r.optional("loss"),
		CE:               r.optional("loss_ce_unscaled"),
		GIoU:             r.optional("loss_giou_unscaled"),
		BBox:             r.optional("loss_bbox_unscaled"),
		ContrastiveAlign: r.optional("loss_contrastive_align_unscaled"),
		AnswerAccuracy:   r.optional(AnswerAccuracyKey),
		Raw:              raw,
	}

	for _, key := range precisionKeys {
		if _, ok := raw[key]; !ok {
			continue
		}
		vals, ok := toFloats(raw[key])
		if !ok || len(vals) != 3 {
			return EvalStats{}, &MissingMetricError{Source: dataset, Key: key}
		}
		es.Precision = &Precision{At25: vals[0], At50: vals[1], At75: vals[2]}
		break
	}

	if pose.Enabled {
		keys := []string{pose.armKey(), pose.armScoreKey(), armBoxAlignKey}
		n := 0
		for _, k := range keys {
			if _, ok := raw[k]; ok {
				n++
			}
		}
		if n > 0 {
			es.Pose = &PoseLosses{
				Arm:         r.required(keys[0]),
				ArmScore:    r.required(keys[1]),
				ArmBoxAlign: r.required(keys[2]),
			}
		}
	}
	if r.err != nil {
		return EvalStats{}, r.err
	}
	return es, nil
}

// #endregion eval-stats

// #region reader
type reader struct {
	src string
	raw map[string]any
	err error
}

func (r *reader) required(key string) float64 {
	v, ok := toFloat(r.raw[key])
	if !ok && r.err == nil {
		r.err = &MissingMetricError{Source: r.src, Key: key}
	}
	return v
}

func (r *reader) optional(key string) Optional {
	v, ok := toFloat(r.raw[key])
	if !ok {
		return NotApplicable()
	}
	return Present(v)
}

// toFloat accepts the numeric forms a JSON or protobuf Struct decode yields.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// toFloats reads a numeric list. A null element, which the run log writes
// for NaN, reads back as NaN.
func toFloats(v any) ([]float64, bool) {
	switch t := v.(type) {
	case []float64:
		return t, true
	case []any:
		out := make([]float64, len(t))
		for i, item := range t {
			if item == nil {
				out[i] = math.NaN()
				continue
			}
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

// #endregion reader
