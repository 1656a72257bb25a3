package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/registry"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/replay"
)

// #region main

func main() {
	dir := flag.String("dir", "", "run output directory holding log.txt and registry.db")
	runID := flag.String("run", "", "export decisions of this run only")
	last := flag.Int("last", 0, "keep only the N most recent log records (0 keeps all)")
	doQA := flag.Bool("do_qa", false, "the run used question-answering accuracy as its target")
	datasets := flag.String("datasets", "", "comma separated validation datasets (default: inferred)")
	desc := flag.String("description", "", "fixture description")
	outPath := flag.String("out", "", "output fixture JSON path")
	flag.Parse()

	if *dir == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --dir path/to/output_dir --out path/to/fixture.json [--run id] [--last N]")
		os.Exit(2)
	}

	cfg := replay.Config{DoQA: *doQA}
	if *datasets != "" {
		cfg.Datasets = strings.Split(*datasets, ",")
	}
	if err := run(*dir, *runID, *last, *desc, cfg, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dir, runID string, last int, desc string, cfg replay.Config, outPath string) error {
	records, err := replay.ReadLogFile(filepath.Join(dir, logging.LogFileName))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no records in %s", logging.LogFileName)
	}

	store, err := registry.NewStore(filepath.Join(dir, registry.DBFileName))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	decisions, err := logging.ListDecisions(store.DB(), runID)
	if err != nil {
		return err
	}

	// Trimming the log drops earlier commits, so the gate starts from the best
	// recorded before the kept window.
	if last > 0 && last < len(records) {
		firstEpoch := epochAt(records, len(records)-last)
		cfg.StartBest = bestBefore(decisions, firstEpoch)
		records = records[len(records)-last:]
		decisions = decisionsFrom(decisions, firstEpoch)
	}
	if len(cfg.Datasets) == 0 {
		cfg.Datasets = replay.InferDatasets(records)
	}

	fmt.Printf("Found %d records, %d decisions\n", len(records), len(decisions))
	if desc == "" {
		desc = fmt.Sprintf("exported from %s", dir)
	}
	if err := replay.WriteFixture(outPath, replay.NewFixture(desc, cfg, records, decisions)); err != nil {
		return err
	}
	fmt.Printf("Fixture written to %s\n", outPath)
	return nil
}

// #endregion extract

// #region window

func epochAt(records []logging.EpochRecord, i int) int {
	for ; i < len(records); i++ {
		if v, ok := records[i]["epoch"].(float64); ok {
			return int(v)
		}
	}
	return 0
}

func bestBefore(decisions []logging.DecisionEntry, epoch int) *float64 {
	var best *float64
	for _, d := range decisions {
		if d.Epoch >= epoch || d.Decision != logging.DecisionCommit || d.Metric == nil {
			continue
		}
		if best == nil || *d.Metric > *best {
			v := *d.Metric
			best = &v
		}
	}
	return best
}

func decisionsFrom(decisions []logging.DecisionEntry, epoch int) []logging.DecisionEntry {
	var out []logging.DecisionEntry
	for _, d := range decisions {
		if d.Epoch >= epoch {
			out = append(out, d)
		}
	}
	return out
}

// #endregion window
