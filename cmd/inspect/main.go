package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/checkpoint"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/dist"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/registry"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to registry.db")
	last := flag.Int("last", 20, "show N most recent checkpoint versions")
	version := flag.String("version", "", "show single version detail")
	decisions := flag.String("decisions", "", "list best-checkpoint decisions of a run (\"all\" for every run)")
	ckptPath := flag.String("checkpoint", "", "describe a checkpoint file (path or URL)")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" && *ckptPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/registry.db [--last N] [--version id] [--decisions run_id] [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --checkpoint path/to/checkpoint.pth [--json]")
		os.Exit(2)
	}

	if *ckptPath != "" {
		if err := runCheckpointMode(*ckptPath, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	store, err := registry.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case *version != "":
		err = runDetailMode(store, *version, *jsonOut)
	case *decisions != "":
		err = runDecisionMode(store, *decisions, *jsonOut)
	default:
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type versionRow struct {
	VersionID string   `json:"version_id"`
	ParentID  string   `json:"parent_id,omitempty"`
	RunID     string   `json:"run_id"`
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Kind      string   `json:"kind"`
	Epoch     int      `json:"epoch"`
	Metric    *float64 `json:"metric,omitempty"`
	SizeBytes int64    `json:"size_bytes"`
	SHA256    string   `json:"sha256"`
	CreatedAt string   `json:"created_at"`
}

func toRow(r registry.Record) versionRow {
	return versionRow{
		VersionID: r.VersionID,
		ParentID:  r.ParentID,
		RunID:     r.RunID,
		Name:      r.Name,
		Path:      r.Path,
		Kind:      string(r.Kind),
		Epoch:     r.Epoch,
		Metric:    r.Metric,
		SizeBytes: r.SizeBytes,
		SHA256:    r.SHA256,
		CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

func runListMode(store *registry.Store, last int, jsonOut bool) error {
	versions, err := store.ListVersions(last)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(os.Stderr, "no versions found")
		return nil
	}

	// store returns newest first, print chronologically
	rows := make([]versionRow, len(versions))
	for i, v := range versions {
		rows[len(versions)-1-i] = toRow(v)
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-10s  %-30s  %-8s  %5s  %8s  %10s  %s\n",
		"Version", "Name", "Kind", "Epoch", "Metric", "Size", "Time")
	fmt.Printf("%-10s+-%-30s+-%-8s+-%5s+-%8s+-%10s+-%s\n",
		"----------", "------------------------------", "--------", "-----", "--------", "----------", "--------------------")
	for _, r := range rows {
		fmt.Printf("%-10s  %-30s  %-8s  %5d  %8s  %10d  %s\n",
			shortID(r.VersionID), r.Name, r.Kind, r.Epoch, fmtMetric(r.Metric), r.SizeBytes, r.CreatedAt)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

func runDetailMode(store *registry.Store, versionID string, jsonOut bool) error {
	rec, err := store.GetVersion(versionID)
	if err != nil {
		return err
	}
	row := toRow(rec)
	if jsonOut {
		return printJSON(row)
	}

	fmt.Printf("Version:  %s\n", row.VersionID)
	fmt.Printf("Parent:   %s\n", row.ParentID)
	fmt.Printf("Run:      %s\n", row.RunID)
	fmt.Printf("Path:     %s\n", row.Path)
	fmt.Printf("Kind:     %s\n", row.Kind)
	fmt.Printf("Epoch:    %d\n", row.Epoch)
	fmt.Printf("Metric:   %s\n", fmtMetric(row.Metric))
	fmt.Printf("Size:     %d bytes\n", row.SizeBytes)
	fmt.Printf("SHA256:   %s\n", row.SHA256)
	fmt.Printf("Created:  %s\n", row.CreatedAt)
	return nil
}

// #endregion detail-mode

// #region decision-mode

func runDecisionMode(store *registry.Store, runID string, jsonOut bool) error {
	if runID == "all" {
		runID = ""
	}
	entries, err := logging.ListDecisions(store.DB(), runID)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	fmt.Printf("%-10s  %5s  %-8s  %8s  %8s  %-10s  %s\n",
		"Run", "Epoch", "Decision", "Metric", "Previous", "Version", "Reason")
	for _, e := range entries {
		fmt.Printf("%-10s  %5d  %-8s  %8s  %8s  %-10s  %s\n",
			shortID(e.RunID), e.Epoch, e.Decision, fmtMetric(e.Metric), fmtMetric(e.Previous), shortID(e.VersionID), e.Reason)
	}
	return nil
}

// #endregion decision-mode

// #region checkpoint-mode

type checkpointOutput struct {
	Path          string   `json:"path"`
	Epoch         *int     `json:"epoch,omitempty"`
	Resumable     bool     `json:"resumable"`
	NumParameters int64    `json:"n_parameters"`
	NumTensors    int      `json:"n_tensors"`
	HasEMA        bool     `json:"has_ema"`
	OptimizerSize int      `json:"optimizer_bytes"`
	BestMetric    *float64 `json:"best_metric,omitempty"`
	ArgKeys       []string `json:"arg_keys"`
}

func runCheckpointMode(path string, jsonOut bool) error {
	m := checkpoint.NewManager(dist.Single(), nil)
	b, err := m.Load(context.Background(), path)
	if err != nil {
		return err
	}

	out := checkpointOutput{
		Path:          path,
		Resumable:     b.Resumable(),
		NumParameters: b.Model.NumParameters(),
		NumTensors:    len(b.Model),
		HasEMA:        b.HasEMA(),
		OptimizerSize: len(b.Optimizer),
		BestMetric:    b.BestMetric,
		ArgKeys:       make([]string, 0, len(b.Args)),
	}
	if b.HasEpoch {
		e := b.Epoch
		out.Epoch = &e
	}
	for k := range b.Args {
		out.ArgKeys = append(out.ArgKeys, k)
	}
	sort.Strings(out.ArgKeys)

	if jsonOut {
		return printJSON(out)
	}
	epoch := "-"
	if out.Epoch != nil {
		epoch = fmt.Sprintf("%d", *out.Epoch)
	}
	fmt.Printf("Path:        %s\n", out.Path)
	fmt.Printf("Epoch:       %s\n", epoch)
	fmt.Printf("Resumable:   %v\n", out.Resumable)
	fmt.Printf("Parameters:  %d in %d tensors\n", out.NumParameters, out.NumTensors)
	fmt.Printf("EMA:         %v\n", out.HasEMA)
	fmt.Printf("Optimizer:   %d bytes\n", out.OptimizerSize)
	fmt.Printf("Best metric: %s\n", fmtMetric(out.BestMetric))
	fmt.Printf("Args:        %d keys\n", len(out.ArgKeys))
	return nil
}

// #endregion checkpoint-mode

// #region output

func fmtMetric(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
