// Package trainer drives a training run epoch by epoch: it builds the model,
// optimizer and loaders through the worker, restores checkpoints, and for
// every epoch trains, evaluates, writes checkpoints and logs.
package trainer

import (
	"fmt"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/config"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/metrics"
)

// #region settings

// Settings is the typed view of the run configuration the driver needs.
// Everything else in the configuration is forwarded to the worker unread.
type Settings struct {
	RunName   string
	OutputDir string
	RunsDir   string

	DoQA        bool
	NoDetection bool
	Masks       bool

	TrainDatasets []string
	ValDatasets   []string
	Test          bool
	TestType      string
	BatchSize     int

	LR            float64
	LRBackbone    float64
	TextEncoderLR float64
	WeightDecay   float64
	Optimizer     string
	AMSGrad       bool
	ClipMaxNorm   float64

	Epochs              int
	StartEpoch          int
	LRDrop              int
	EvalSkip            int
	CheckpointFrequency int

	EMA           bool
	FrozenWeights string
	Resume        string
	Load          string
	EvalOnly      bool
	Seed          int

	Pose         bool
	Coefficients metrics.Coefficients
}

// FromConfig extracts Settings. This is the first read of every key it
// touches, so a key absent from the merged configuration fails here.
func FromConfig(cfg *config.Config) (Settings, error) {
	r := cfg.Reader()
	s := Settings{
		RunName:   r.String("run_name"),
		OutputDir: r.String("output_dir"),
		RunsDir:   r.String("runs_dir"),

		DoQA:        r.Bool("do_qa"),
		NoDetection: r.Bool("no_detection"),
		Masks:       r.Bool("masks"),

		TrainDatasets: r.Strings("combine_datasets"),
		ValDatasets:   r.Strings("combine_datasets_val"),
		Test:          r.Bool("test"),
		TestType:      r.String("test_type"),
		BatchSize:     r.Int("batch_size"),

		LR:            r.Float("lr"),
		LRBackbone:    r.Float("lr_backbone"),
		TextEncoderLR: r.Float("text_encoder_lr"),
		WeightDecay:   r.Float("weight_decay"),
		Optimizer:     r.String("optimizer"),
		AMSGrad:       r.Bool("amsgrad"),
		ClipMaxNorm:   r.Float("clip_max_norm"),

		Epochs:              r.Int("epochs"),
		StartEpoch:          r.Int("start_epoch"),
		LRDrop:              r.Int("lr_drop"),
		EvalSkip:            r.Int("eval_skip"),
		CheckpointFrequency: r.Int("checkpoint_frequency"),

		EMA:           r.Bool("ema"),
		FrozenWeights: r.String("frozen_weights"),
		Resume:        r.String("resume"),
		Load:          r.String("load"),
		EvalOnly:      r.Bool("eval"),
		Seed:          r.Int("seed"),

		Pose: r.Bool("pose"),
		Coefficients: metrics.Coefficients{
			ArmLoss:         r.Float("arm_loss_coef"),
			ArmScoreLoss:    r.Float("arm_score_loss_coef"),
			ArmBoxAlignLoss: r.Float("arm_box_align_loss_coef"),
			EOS:             r.Float("eos_coef"),
		},
	}
	if r.Bool("arm_box_align_offset_by_gt") {
		s.Coefficients.FixedOffset = metrics.Present(r.Float("arm_box_align_fixed_offset"))
	}
	if err := r.Err(); err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if s.EvalSkip <= 0 {
		return Settings{}, fmt.Errorf("%w: eval_skip must be positive, got %d", config.ErrConfiguration, s.EvalSkip)
	}
	return s, nil
}

// #endregion settings
