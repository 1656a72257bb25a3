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
	dir := flag.String("dir", "", "run output directory holding log.txt (and registry.db)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	runID := flag.String("run", "", "compare against decisions of this run only")
	doQA := flag.Bool("do_qa", false, "the run used question-answering accuracy as its target")
	noDetection := flag.Bool("no_detection", false, "the run had no detection evaluators")
	datasets := flag.String("datasets", "", "comma separated validation datasets (default: inferred from log.txt)")
	flag.Parse()

	if (*dir == "" && *fixturePath == "") || (*dir != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --dir path/to/output_dir [--run id] [--do_qa] [--datasets a,b]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath)
	} else {
		cfg := replay.Config{DoQA: *doQA, NoDetection: *noDetection}
		if *datasets != "" {
			cfg.Datasets = strings.Split(*datasets, ",")
		}
		exitCode = runDirMode(*dir, *runID, cfg)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region dir-mode

func runDirMode(dir, runID string, cfg replay.Config) int {
	records, err := replay.ReadLogFile(filepath.Join(dir, logging.LogFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read log: %v\n", err)
		return 2
	}
	results, err := replay.Replay(records, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	dbPath := filepath.Join(dir, registry.DBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		// Nothing recorded to compare with; print the replayed decisions.
		printResults(results)
		return 0
	}

	store, err := registry.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer store.Close()

	recorded, err := logging.ListDecisions(store.DB(), runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list decisions: %v\n", err)
		return 2
	}
	best, err := store.ListKind(runID, registry.KindBest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list best checkpoints: %v\n", err)
		return 2
	}

	if runID != "" {
		results = replay.RunWindow(results, recorded)
	}

	diverge := replay.PrintComparison(os.Stdout, replay.Compare(results, recorded))
	if !replay.BestEpochsMatch(results, best) {
		fmt.Printf("best checkpoints: registry has %d, replay commits differ\n", len(best))
		diverge++
	}
	if diverge > 0 {
		return 1
	}
	return 0
}

// #endregion dir-mode

// #region fixture-mode

func runFixtureMode(path string) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}
	results, err := replay.Replay(f.Records, f.Config.ToConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}
	if replay.PrintComparison(os.Stdout, replay.Compare(results, f.Decisions())) > 0 {
		return 1
	}
	return 0
}

// #endregion fixture-mode

// #region output

func printResults(results []replay.Result) {
	fmt.Printf("%-8s| %-10s| %s\n", "Epoch", "Replayed", "Reason")
	for _, r := range results {
		fmt.Printf("%-8d| %-10s| %s\n", r.Epoch, r.Action, r.Reason)
	}
	s := replay.Summarize(results)
	fmt.Printf("\nSummary: %d evaluated, %d commit, %d reject, %d no_op\n", s.Evaluated, s.Commits, s.Rejects, s.NoOps)
}

// #endregion output
