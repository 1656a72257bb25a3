package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/config"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/dist"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/metrics"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/registry"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/trainer"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/worker"
)

// #region main
func main() {
	if err := run(); err != nil {
		log.Fatalf("train: %v", err)
	}
}

// #endregion main

// #region run
func run() error {
	cfg, err := config.Resolve(os.Args[1:], config.DefaultOptions())
	if err != nil {
		return err
	}
	d, err := dist.FromEnv(nil)
	if err != nil {
		return fmt.Errorf("distributed init: %w", err)
	}

	r := cfg.Reader()
	outputDir := r.String("output_dir")
	runsDir := r.String("runs_dir")
	workerAddr := r.String("worker_addr")
	redisAddr := r.String("metrics_redis")
	runName := r.String("run_name")
	evalOnly := r.Bool("eval")
	loadPath := r.String("load")
	logger := logging.New(logging.Config{Format: r.String("log_format"), Level: r.String("log_level"), Rank: d.Rank})
	if err := r.Err(); err != nil {
		return err
	}

	if d.Distributed() {
		logger.Info("distributed mode", "rank", d.Rank, "world_size", d.WorldSize, "local_rank", d.LocalRank)
	} else {
		logger.Info("not using distributed mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := trainer.Options{Dist: d, Logger: logger, RunID: runName, Sink: metrics.Discard{}}

	// Only the coordinating process owns the output directory and the sinks.
	if d.IsMain() {
		if outputDir != "" {
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			store, err := registry.NewStore(filepath.Join(outputDir, registry.DBFileName))
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer store.Close()
			opts.Recorder = store
			opts.Decisions = trainer.NewDecisionLog(store.DB())
		}

		experiment := metrics.ExperimentName(evalOnly, loadPath, outputDir)
		sqliteSink, err := metrics.NewSQLiteSink(runsDir, experiment)
		if err != nil {
			return fmt.Errorf("open scalar store: %w", err)
		}
		sinks := metrics.MultiSink{sqliteSink}
		if redisAddr != "" {
			redisSink, err := metrics.NewRedisSink(ctx, redisAddr, experiment)
			if err != nil {
				sinks.Close()
				return fmt.Errorf("connect to redis at %s: %w", redisAddr, err)
			}
			sinks = append(sinks, redisSink)
		}
		defer sinks.Close()
		opts.Sink = sinks
	}

	client, err := worker.NewClient(workerAddr)
	if err != nil {
		return fmt.Errorf("connect to worker at %s: %w", workerAddr, err)
	}
	defer client.Close()

	logger.Info("worker connected", "addr", workerAddr, "world_size", d.WorldSize)
	return trainer.Start(ctx, cfg, client, opts)
}

// #endregion run
