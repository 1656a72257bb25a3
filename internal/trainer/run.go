package trainer

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/checkpoint"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/config"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/dist"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/gate"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/metrics"
	"github.com/google/uuid"
)

// #region decision-log
type sqlDecisionLog struct {
	db *sql.DB
}

func (l sqlDecisionLog) LogDecision(entry logging.DecisionEntry) error {
	return logging.LogDecision(l.db, entry)
}

// NewDecisionLog records decisions in the decision_log table of db.
func NewDecisionLog(db *sql.DB) DecisionLog {
	return sqlDecisionLog{db: db}
}

// #endregion decision-log

// #region start

// Options carries the process-level collaborators of a run.
type Options struct {
	Dist dist.Context
	// Recorder indexes checkpoints; the same database holds the decision log
	// when Decisions is set.
	Recorder     checkpoint.Recorder
	Decisions    DecisionLog
	Sink         metrics.Sink
	Logger       logging.Logger
	CheckpointIO []checkpoint.Option
	// Stdout receives the evaluation record of an evaluation-only run.
	Stdout io.Writer
	RunID  string
}

// Start runs a complete training or evaluation-only run against eng:
// settings, model/optimizer/loader setup, checkpoint restore, then the epoch
// loop or the single evaluation pass.
func Start(ctx context.Context, cfg *config.Config, eng Engine, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NoOp{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	s, err := FromConfig(cfg)
	if err != nil {
		return err
	}
	setup, err := Prepare(ctx, eng, cfg, s, opts.Dist, logging.With(logger, "component", "setup"))
	if err != nil {
		return err
	}

	mopts := append([]checkpoint.Option(nil), opts.CheckpointIO...)
	if opts.Recorder != nil {
		mopts = append(mopts, checkpoint.WithRecorder(opts.Recorder, runID))
	}
	ckpt := checkpoint.NewManager(opts.Dist, logging.With(logger, "component", "checkpoint"), mopts...)

	state := &RunState{RunID: runID, StartEpoch: s.StartEpoch}
	best, err := restore(ctx, ckpt, eng, s, state)
	if err != nil {
		return err
	}
	state.Best = gate.Restore(best)

	deps := Deps{
		Engine:      eng,
		Checkpoints: ckpt,
		Decisions:   opts.Decisions,
		Sink:        opts.Sink,
		Logger:      logging.With(logger, "component", "driver"),
		Dist:        opts.Dist,
	}
	if s.OutputDir != "" && opts.Dist.IsMain() {
		deps.RunLog = logging.NewRunLog(s.OutputDir)
	}
	driver := NewDriver(s, setup, state, cfg.Snapshot(), deps)

	if s.EvalOnly {
		rec, err := driver.EvalOnly(ctx)
		if err != nil {
			return err
		}
		if opts.Dist.IsMain() {
			line, err := rec.JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.Stdout, string(line))
		}
		return nil
	}
	return driver.Run(ctx)
}

// restore applies --frozen_weights, --load and --resume in that order and
// returns the best metric a resumed checkpoint recorded.
func restore(ctx context.Context, m *checkpoint.Manager, eng Engine, s Settings, state *RunState) (*float64, error) {
	if s.FrozenWeights != "" {
		if _, err := m.LoadFrozen(ctx, eng, s.FrozenWeights, s.EMA); err != nil {
			return nil, fmt.Errorf("load frozen weights: %w", err)
		}
	}
	if s.Load != "" {
		if _, err := m.LoadWeights(ctx, eng, s.Load, s.EMA); err != nil {
			return nil, fmt.Errorf("load weights: %w", err)
		}
	}
	if s.Resume == "" {
		return nil, nil
	}
	r, err := m.Resume(ctx, eng, s.Resume, checkpoint.RestoreOptions{EvalOnly: s.EvalOnly, EMA: s.EMA})
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	if r.OptimizerRestored {
		state.StartEpoch = r.StartEpoch
	}
	return r.BestMetric, nil
}

// #endregion start
