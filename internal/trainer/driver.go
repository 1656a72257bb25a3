package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/checkpoint"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/dist"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/eval"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/gate"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/metrics"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/registry"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/worker"
)

// #region run-state

// RunState is the mutable state of one run. Only the driver of the
// coordinating process writes it.
type RunState struct {
	RunID      string
	StartEpoch int
	Best       *gate.Gate
}

// #endregion run-state

// #region driver

// Deps are the collaborators a Driver writes to. RunLog and Decisions may be
// nil: without an output directory nothing is persisted.
type Deps struct {
	Engine      Engine
	Checkpoints *checkpoint.Manager
	Decisions   DecisionLog
	RunLog      *logging.RunLog
	Sink        metrics.Sink
	Logger      logging.Logger
	Dist        dist.Context
}

// DecisionLog records best-checkpoint decisions. *registry.Store's database
// is wrapped by NewDecisionLog.
type DecisionLog interface {
	LogDecision(entry logging.DecisionEntry) error
}

// Driver runs the epoch loop.
type Driver struct {
	s     Settings
	setup *Setup
	state *RunState
	args  map[string]any
	deps  Deps
}

// NewDriver wires a driver. args is the configuration snapshot embedded in
// every checkpoint.
func NewDriver(s Settings, setup *Setup, state *RunState, args map[string]any, deps Deps) *Driver {
	if deps.Logger == nil {
		deps.Logger = logging.NoOp{}
	}
	if deps.Sink == nil {
		deps.Sink = metrics.Discard{}
	}
	if state.Best == nil {
		state.Best = gate.NewGate()
	}
	return &Driver{s: s, setup: setup, state: state, args: args, deps: deps}
}

// #endregion driver

// #region run

// Run trains from the start epoch up to, not including, Settings.Epochs.
// The first failure ends the run; it is resumed from the latest checkpoint.
func (d *Driver) Run(ctx context.Context) error {
	d.deps.Logger.Info("start training", "start_epoch", d.state.StartEpoch, "epochs", d.s.Epochs)
	start := time.Now()
	for epoch := d.state.StartEpoch; epoch < d.s.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.runEpoch(ctx, epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	d.deps.Logger.Info("training time", "elapsed", time.Since(start).Round(time.Second).String())
	return nil
}

func (d *Driver) runEpoch(ctx context.Context, epoch int) error {
	isMain := d.deps.Dist.IsMain()
	d.deps.Logger.Info("starting epoch", "epoch", epoch)

	// training pass
	raw, err := d.deps.Engine.TrainOneEpoch(ctx, worker.TrainRequest{
		Epoch:   epoch,
		Loader:  d.setup.TrainLoader,
		MaxNorm: d.s.ClipMaxNorm,
	})
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	train, err := metrics.ParseTrain(raw, d.setup.Pose)
	if err != nil {
		return err
	}
	if isMain {
		d.emit(ctx, metrics.TrainScalars(train, d.s.Coefficients), epoch)
	}

	// evaluation pass, or an empty result on skipped epochs
	evaluated := epoch%d.s.EvalSkip == 0
	var res eval.Result
	if evaluated {
		res, err = d.setup.Suite.Run(ctx, d.deps.Engine)
		if err != nil {
			return err
		}
		if isMain {
			d.emitValid(ctx, res, epoch)
		}
	}

	if isMain {
		if err := d.checkpointAndLog(ctx, epoch, train, res, evaluated); err != nil {
			return err
		}
	}
	return nil
}

// checkpointAndLog runs on the coordinating process only: best-metric
// decision, checkpoint writes, then the log line.
func (d *Driver) checkpointAndLog(ctx context.Context, epoch int, train metrics.TrainStats, res eval.Result, evaluated bool) error {
	var decision *gate.GateDecision
	var target eval.Target
	if evaluated {
		var err error
		target, err = eval.TargetMetric(res.Stats, d.s.DoQA)
		if err != nil {
			return err
		}
		var m *float64
		if target.Defined {
			m = &target.Value
		}
		dec := d.state.Best.Evaluate(m)
		decision = &dec
	}

	var bestVersion string
	if d.s.OutputDir != "" {
		bundle, err := d.snapshot(ctx, epoch)
		if err != nil {
			return err
		}
		paths := []string{checkpoint.LatestPath(d.s.OutputDir)}
		if checkpoint.NumberedDue(epoch, d.s.LRDrop, d.s.CheckpointFrequency) {
			paths = append(paths, checkpoint.NumberedPath(d.s.OutputDir, epoch))
		}
		if decision != nil && decision.Commit() {
			paths = append(paths, checkpoint.BestPath(d.s.OutputDir, d.state.StartEpoch))
		}
		for _, p := range paths {
			rec, err := d.deps.Checkpoints.Save(bundle, p)
			if err != nil {
				return err
			}
			if rec != nil && rec.Kind == registry.KindBest {
				bestVersion = rec.VersionID
			}
		}
	}

	if decision != nil {
		d.logDecision(epoch, *decision, target, bestVersion)
	}

	if d.deps.RunLog != nil {
		rec := logging.NewEpochRecord(train.Raw, res.Flat, epoch, d.setup.Model.NumParameters)
		if err := d.deps.RunLog.Append(rec); err != nil {
			return err
		}
	}
	return nil
}

// #endregion run

// #region eval-only

// EvalOnly runs one evaluation pass per validation dataset and returns the
// record to print. The epoch loop is never entered.
func (d *Driver) EvalOnly(ctx context.Context) (logging.EpochRecord, error) {
	res, err := d.setup.Suite.Run(ctx, d.deps.Engine)
	if err != nil {
		return nil, err
	}
	if d.deps.Dist.IsMain() {
		d.emitValid(ctx, res, checkpoint.EpochFromPath(d.s.Load))
	}
	return logging.NewEpochRecord(nil, res.Flat, -1, d.setup.Model.NumParameters), nil
}

// #endregion eval-only

// #region helpers
func (d *Driver) snapshot(ctx context.Context, epoch int) (*checkpoint.Bundle, error) {
	model, err := d.deps.Engine.ModelState(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot model: %w", err)
	}
	var ema checkpoint.StateDict
	if d.s.EMA {
		if ema, err = d.deps.Engine.EMAState(ctx); err != nil {
			return nil, fmt.Errorf("snapshot ema: %w", err)
		}
	}
	opt, err := d.deps.Engine.OptimizerState(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot optimizer: %w", err)
	}
	return &checkpoint.Bundle{
		Model:      model,
		ModelEMA:   ema,
		Optimizer:  opt,
		Epoch:      epoch,
		HasEpoch:   true,
		Args:       d.args,
		BestMetric: d.state.Best.BestPtr(),
	}, nil
}

// emitValid writes the validation scalars when exactly one dataset is
// evaluated. A dataset without a precision triple only loses the precision
// scalars.
func (d *Driver) emitValid(ctx context.Context, res eval.Result, step int) {
	if len(res.Stats) != 1 {
		return
	}
	es := res.Stats[0]
	if es.Precision == nil {
		d.deps.Logger.Warn("no precision reported, skipping precision scalars", "dataset", es.Dataset)
	}
	d.emit(ctx, metrics.ValidScalars(es), step)
}

func (d *Driver) emit(ctx context.Context, scalars []metrics.Scalar, step int) {
	if err := metrics.EmitAll(ctx, d.deps.Sink, scalars, step); err != nil {
		d.deps.Logger.Warn("scalar sink error", "error", err)
	}
}

func (d *Driver) logDecision(epoch int, dec gate.GateDecision, target eval.Target, versionID string) {
	d.deps.Logger.Info("best checkpoint decision",
		"epoch", epoch, "decision", dec.Action, "reason", dec.Reason)
	if d.deps.Decisions == nil {
		return
	}
	var prev *float64
	if !math.IsInf(dec.Previous, 0) {
		p := dec.Previous
		prev = &p
	}
	metric := dec.Metric
	if metric != nil && math.IsNaN(*metric) {
		metric = nil
	}
	var statsJSON string
	if len(target.Sources) > 0 {
		b, _ := json.Marshal(target.Sources)
		statsJSON = string(b)
	}
	err := d.deps.Decisions.LogDecision(logging.DecisionEntry{
		RunID:     d.state.RunID,
		Epoch:     epoch,
		VersionID: versionID,
		Metric:    metric,
		Previous:  prev,
		Decision:  dec.Action,
		Reason:    dec.Reason,
		StatsJSON: statsJSON,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		d.deps.Logger.Warn("decision log error", "error", err)
	}
}

// #endregion helpers
