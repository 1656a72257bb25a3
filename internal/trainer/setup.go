package trainer

import (
	"context"
	"fmt"
	"strings"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/checkpoint"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/config"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/dist"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/eval"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/metrics"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/worker"
)

// #region engine

// Engine is everything the driver asks of the worker. *worker.Client
// implements it.
type Engine interface {
	checkpoint.Target
	eval.Runner
	BuildModel(ctx context.Context, args map[string]any) (worker.ModelInfo, error)
	ConfigureOptimizer(ctx context.Context, spec worker.OptimizerSpec) error
	BuildDataset(ctx context.Context, req worker.DatasetRequest) ([]worker.DatasetHandle, error)
	TrainOneEpoch(ctx context.Context, req worker.TrainRequest) (map[string]any, error)
	EMAState(ctx context.Context) (checkpoint.StateDict, error)
	OptimizerState(ctx context.Context) ([]byte, error)
}

// #endregion engine

// #region optimizer

// SupportedOptimizers are the optimizer kinds the worker can build.
var SupportedOptimizers = []string{"sgd", "adam", "adamw"}

// sgdMomentum is the momentum used with plain SGD.
const sgdMomentum = 0.9

// OptimizerFor builds the optimizer spec. Parameters are split into three
// groups: backbone parameters train at lr_backbone, text encoder parameters
// at text_encoder_lr, everything else at lr. A name matching both backbone
// and text encoder goes to the backbone group.
func OptimizerFor(paramNames []string, s Settings) (worker.OptimizerSpec, error) {
	kind := strings.ToLower(s.Optimizer)
	supported := false
	for _, k := range SupportedOptimizers {
		if k == kind {
			supported = true
		}
	}
	if !supported {
		return worker.OptimizerSpec{}, fmt.Errorf("%w: Unsupported optimizer %s", config.ErrConfiguration, s.Optimizer)
	}

	def := worker.ParamGroup{Name: "default", LR: s.LR, Params: []string{}}
	backbone := worker.ParamGroup{Name: "backbone", LR: s.LRBackbone, Params: []string{}}
	text := worker.ParamGroup{Name: "text_encoder", LR: s.TextEncoderLR, Params: []string{}}
	for _, n := range paramNames {
		switch {
		case strings.Contains(n, "backbone"):
			backbone.Params = append(backbone.Params, n)
		case strings.Contains(n, "text_encoder"):
			text.Params = append(text.Params, n)
		default:
			def.Params = append(def.Params, n)
		}
	}

	spec := worker.OptimizerSpec{
		Kind:        kind,
		WeightDecay: s.WeightDecay,
		AMSGrad:     s.AMSGrad,
		Groups:      []worker.ParamGroup{def, backbone, text},
	}
	if kind == "sgd" {
		spec.Momentum = sgdMomentum
	}
	return spec, nil
}

// #endregion optimizer

// #region setup

// Setup is the result of building the model, optimizer and loaders.
type Setup struct {
	Model       worker.ModelInfo
	TrainLoader string // empty in evaluation-only runs
	Suite       *eval.Suite
	Pose        metrics.PoseLayout
}

// Prepare builds the model, optimizer and loaders through the worker. A
// missing train dataset list (outside evaluation-only runs), a missing
// validation dataset list, an unsupported optimizer and a model with no
// criterion are configuration errors raised before any epoch runs.
func Prepare(ctx context.Context, eng Engine, cfg *config.Config, s Settings, d dist.Context, logger logging.Logger) (*Setup, error) {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if !s.EvalOnly && len(s.TrainDatasets) == 0 {
		return nil, fmt.Errorf("%w: combine_datasets must name at least one train dataset", config.ErrConfiguration)
	}
	if len(s.ValDatasets) == 0 {
		return nil, fmt.Errorf("%w: combine_datasets_val must name at least one validation dataset", config.ErrConfiguration)
	}
	if _, err := OptimizerFor(nil, s); err != nil {
		return nil, err
	}

	args := cfg.Snapshot()
	args["seed"] = s.Seed + d.Rank
	args["rank"] = d.Rank
	args["world_size"] = d.WorldSize
	info, err := eng.BuildModel(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	if !info.HasCriterion && !info.HasQACriterion {
		return nil, fmt.Errorf("%w: model has neither a detection nor a QA criterion", config.ErrConfiguration)
	}
	logger.Info("model built", "n_parameters", info.NumParameters)

	spec, err := OptimizerFor(info.ParamNames, s)
	if err != nil {
		return nil, err
	}
	if err := eng.ConfigureOptimizer(ctx, spec); err != nil {
		return nil, fmt.Errorf("configure optimizer: %w", err)
	}

	out := &Setup{
		Model: info,
		Pose:  metrics.PoseLayout{Enabled: s.Pose, LastLayer: info.PoseLastLayer},
	}

	if !s.EvalOnly {
		handles, err := eng.BuildDataset(ctx, worker.DatasetRequest{
			Split:     "train",
			Names:     s.TrainDatasets,
			BatchSize: s.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("build train dataset: %w", err)
		}
		if len(handles) == 0 {
			return nil, fmt.Errorf("build train dataset: worker returned no loader")
		}
		out.TrainLoader = handles[0].Loader
	}

	handles, err := eng.BuildDataset(ctx, worker.DatasetRequest{
		Split:     "val",
		Names:     s.ValDatasets,
		BatchSize: s.BatchSize,
		Test:      s.Test,
		TestType:  s.TestType,
	})
	if err != nil {
		return nil, fmt.Errorf("build validation dataset: %w", err)
	}
	datasets := make([]eval.Dataset, len(handles))
	for i, h := range handles {
		datasets[i] = eval.Dataset{
			Name:       h.Name,
			Loader:     h.Loader,
			BaseRef:    h.BaseRef,
			Evaluators: eval.BuildEvaluators(h.Name, s.NoDetection, s.Masks),
		}
	}
	out.Suite, err = eval.NewSuite(datasets, out.Pose, logging.With(logger, "component", "eval"))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion setup
