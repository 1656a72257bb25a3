package checkpoint

import (
	"context"
	"fmt"
)

// #region target

// Target is the model holder a checkpoint is restored into. The worker
// client implements it.
type Target interface {
	ModelState(ctx context.Context) (StateDict, error)
	LoadModelState(ctx context.Context, sd StateDict) error
	LoadEMAState(ctx context.Context, sd StateDict) error
	CopyModelToEMA(ctx context.Context) error
	LoadOptimizerState(ctx context.Context, state []byte) error
}

// RestoreOptions tells the manager which parts of a bundle to apply.
type RestoreOptions struct {
	EvalOnly bool // never restore optimizer state or the epoch counter
	EMA      bool // the model keeps an EMA copy
}

// Restored summarizes what a restore applied.
type Restored struct {
	StartEpoch        int
	OptimizerRestored bool
	EMAFromModel      bool
	BestMetric        *float64
	Report            MatchReport
	Args              map[string]any
}

// #endregion target

// #region resume

// Resume restores full training state from path. Model weights are matched
// partially. Optimizer state and the epoch counter are restored together, and
// only when the bundle carries both and the run is not evaluation-only; the
// next epoch to run is then epoch+1. A bundle without EMA weights re-seeds
// the EMA copy from the freshly loaded model.
func (m *Manager) Resume(ctx context.Context, t Target, path string, opts RestoreOptions) (Restored, error) {
	b, err := m.Load(ctx, path)
	if err != nil {
		return Restored{}, err
	}

	current, err := t.ModelState(ctx)
	if err != nil {
		return Restored{}, fmt.Errorf("read model state: %w", err)
	}
	report, err := m.applyModel(ctx, t, current, b.Model, path)
	if err != nil {
		return Restored{}, err
	}

	out := Restored{Report: report, Args: b.Args, BestMetric: b.BestMetric}
	if !opts.EvalOnly && b.Resumable() {
		if err := t.LoadOptimizerState(ctx, b.Optimizer); err != nil {
			return Restored{}, fmt.Errorf("load optimizer state: %w", err)
		}
		out.OptimizerRestored = true
		out.StartEpoch = b.Epoch + 1
	}

	if opts.EMA {
		if !b.HasEMA() {
			m.logger.Warn("ema model not found in checkpoint, resetting to current model", "path", path)
			if err := t.CopyModelToEMA(ctx); err != nil {
				return Restored{}, fmt.Errorf("reset ema: %w", err)
			}
			out.EMAFromModel = true
		} else {
			ema, _, err := MatchStateDict(current, b.ModelEMA)
			if err != nil {
				return Restored{}, fmt.Errorf("match ema state from %s: %w", path, err)
			}
			if err := t.LoadEMAState(ctx, ema); err != nil {
				return Restored{}, fmt.Errorf("load ema state: %w", err)
			}
		}
	}

	m.logger.Info("resumed from checkpoint",
		"path", path, "start_epoch", out.StartEpoch, "optimizer", out.OptimizerRestored)
	return out, nil
}

// #endregion resume

// #region weights

// LoadWeights loads model weights only, preferring the EMA weights when the
// bundle has them. Training starts from epoch 0 with a fresh optimizer.
func (m *Manager) LoadWeights(ctx context.Context, t Target, path string, ema bool) (Restored, error) {
	return m.loadWeightsOnly(ctx, t, path, ema)
}

// LoadFrozen loads the frozen detector weights that a segmentation head is
// trained on top of. Keys outside the stored detector are reported missing.
func (m *Manager) LoadFrozen(ctx context.Context, t Target, path string, ema bool) (Restored, error) {
	return m.loadWeightsOnly(ctx, t, path, ema)
}

func (m *Manager) loadWeightsOnly(ctx context.Context, t Target, path string, ema bool) (Restored, error) {
	m.logger.Info("loading weights", "path", path)
	b, err := m.Load(ctx, path)
	if err != nil {
		return Restored{}, err
	}

	src := b.Model
	if b.HasEMA() {
		src = b.ModelEMA
	}
	current, err := t.ModelState(ctx)
	if err != nil {
		return Restored{}, fmt.Errorf("read model state: %w", err)
	}
	report, err := m.applyModel(ctx, t, current, src, path)
	if err != nil {
		return Restored{}, err
	}

	out := Restored{Report: report, Args: b.Args}
	if ema {
		if err := t.CopyModelToEMA(ctx); err != nil {
			return Restored{}, fmt.Errorf("copy model to ema: %w", err)
		}
		out.EMAFromModel = true
	}
	return out, nil
}

// #endregion weights

// #region apply
func (m *Manager) applyModel(ctx context.Context, t Target, current, loaded StateDict, path string) (MatchReport, error) {
	merged, report, err := MatchStateDict(current, loaded)
	if err != nil {
		return MatchReport{}, fmt.Errorf("match model state from %s: %w", path, err)
	}
	if report.Clean() {
		m.logger.Info("all checkpoint keys matched", "path", path, "tensors", len(merged))
	} else {
		if len(report.Missing) > 0 {
			m.logger.Warn("missing keys in checkpoint", "path", path, "keys", report.Missing)
		}
		if len(report.Unexpected) > 0 {
			m.logger.Warn("unexpected keys in checkpoint", "path", path, "keys", report.Unexpected)
		}
	}
	if err := t.LoadModelState(ctx, merged); err != nil {
		return MatchReport{}, fmt.Errorf("load model state: %w", err)
	}
	return report, nil
}

// #endregion apply
