package metrics

import (
	"context"
	"fmt"
)

// Scalar is one named value destined for a sink.
type Scalar struct {
	Name  string
	Value float64
}

// Coefficients are the loss weights logged next to the training losses.
type Coefficients struct {
	ArmLoss         float64
	ArmScoreLoss    float64
	ArmBoxAlignLoss float64
	EOS             float64
	// FixedOffset is present only when the arm/box alignment loss is offset
	// by the ground truth.
	FixedOffset Optional
}

// #region train-scalars

// TrainScalars lists the curated scalars of a training pass.
func TrainScalars(ts TrainStats, coef Coefficients) []Scalar {
	out := []Scalar{
		{"Misc_train/lr", ts.LR},
		{"Misc_train/ARM_LOSS_COEF", coef.ArmLoss},
		{"Misc_train/ARM_SCORE_LOSS_COEF", coef.ArmScoreLoss},
		{"Misc_train/ARM_BOX_ALIGN_LOSS_COEF", coef.ArmBoxAlignLoss},
	}
	if v, ok := coef.FixedOffset.Get(); ok {
		// tag spelling matches the scalars of earlier runs
		out = append(out, Scalar{"Misc_train/ARM_BOX_ALIGH_FIXED_OFFSET", v})
	}
	out = append(out,
		Scalar{"Misc_train/eos_coef", coef.EOS},
		Scalar{"Loss/train_total", ts.Loss},
	)
	return append(out, lossScalars("Loss_train_unscaled", ts.CE, ts.GIoU, ts.BBox, ts.ContrastiveAlign, ts.Pose)...)
}

// #endregion train-scalars

// #region valid-scalars

// ValidScalars lists the curated scalars of one validation dataset. Groups
// the dataset did not report are left out.
func ValidScalars(es EvalStats) []Scalar {
	var out []Scalar
	if p := es.Precision; p != nil {
		out = append(out,
			Scalar{"Precision/precision_at_0.25", p.At25},
			Scalar{"Precision/precision_at_0.50", p.At50},
			Scalar{"Precision/precision_at_0.75", p.At75},
		)
	}
	if v, ok := es.Loss.Get(); ok {
		out = append(out, Scalar{"Loss/valid_total", v})
	}
	for _, s := range []struct {
		name string
		v    Optional
	}{
		{"ce", es.CE},
		{"giou", es.GIoU},
		{"box", es.BBox},
		{"contrastive_align", es.ContrastiveAlign},
	} {
		if v, ok := s.v.Get(); ok {
			out = append(out, Scalar{"Loss_valid_unscaled/" + s.name, v})
		}
	}
	if es.Pose != nil {
		out = append(out, poseScalars("Loss_valid_unscaled", es.Pose)...)
	}
	return out
}

// #endregion valid-scalars

// #region helpers
func lossScalars(prefix string, ce, giou, bbox float64, align Optional, pose *PoseLosses) []Scalar {
	out := []Scalar{
		{prefix + "/ce", ce},
		{prefix + "/giou", giou},
		{prefix + "/box", bbox},
	}
	if v, ok := align.Get(); ok {
		out = append(out, Scalar{prefix + "/contrastive_align", v})
	}
	if pose != nil {
		out = append(out, poseScalars(prefix, pose)...)
	}
	return out
}

func poseScalars(prefix string, p *PoseLosses) []Scalar {
	return []Scalar{
		{prefix + "/arm", p.Arm},
		{prefix + "/arm_score", p.ArmScore},
		{prefix + "/arm_box_align", p.ArmBoxAlign},
	}
}

// EmitAll writes every scalar at step and stops at the first failure.
func EmitAll(ctx context.Context, sink Sink, scalars []Scalar, step int) error {
	for _, s := range scalars {
		if err := sink.Emit(ctx, s.Name, s.Value, step); err != nil {
			return fmt.Errorf("emit %s: %w", s.Name, err)
		}
	}
	return nil
}

// #endregion helpers
