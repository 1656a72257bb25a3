package logging

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"math"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Exec(DecisionSchema); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func f64(v float64) *float64 { return &v }

// #endregion helpers

// #region log-decision-tests
func TestLogDecision_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := DecisionEntry{
		RunID:     "run-1",
		Epoch:     4,
		VersionID: "v1",
		Metric:    f64(0.52),
		Previous:  f64(0.41),
		Decision:  DecisionCommit,
		Reason:    "0.5200 > 0.4100",
		StatsJSON: `{"yourefit":[0.8,0.7,0.52]}`,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := LogDecision(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ListDecisions(db, "run-1")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].VersionID != "v1" || got[0].Decision != DecisionCommit || got[0].Epoch != 4 {
		t.Errorf("unexpected row %+v", got[0])
	}
	if got[0].Metric == nil || *got[0].Metric != 0.52 {
		t.Errorf("expected metric 0.52, got %v", got[0].Metric)
	}
}

func TestLogDecision_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC()
	if err := LogDecision(db, DecisionEntry{RunID: "r", Decision: DecisionNoOp}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var createdAtStr string
	db.QueryRow("SELECT created_at FROM decision_log").Scan(&createdAtStr)
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestLogDecision_NullOptionalFields(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	if err := LogDecision(db, DecisionEntry{RunID: "r", Epoch: 1, Decision: DecisionNoOp}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var versionID, reason sql.NullString
	var metric sql.NullFloat64
	db.QueryRow("SELECT version_id, reason, metric FROM decision_log").Scan(&versionID, &reason, &metric)
	if versionID.Valid || reason.Valid || metric.Valid {
		t.Error("expected NULL optional columns")
	}

	got, _ := ListDecisions(db, "")
	if len(got) != 1 || got[0].Metric != nil {
		t.Fatalf("expected nil metric on read back, got %+v", got)
	}
}

func TestLogDecision_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := LogDecision(db, DecisionEntry{RunID: "r", Decision: DecisionCommit}); err == nil {
		t.Fatal("expected error on closed db")
	}
}

func TestListDecisionsFiltersRun(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	LogDecision(db, DecisionEntry{RunID: "a", Epoch: 0, Decision: DecisionCommit})
	LogDecision(db, DecisionEntry{RunID: "b", Epoch: 0, Decision: DecisionNoOp})
	LogDecision(db, DecisionEntry{RunID: "a", Epoch: 1, Decision: DecisionReject})

	got, err := ListDecisions(db, "a")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 2 || got[1].Decision != DecisionReject {
		t.Fatalf("unexpected decisions %+v", got)
	}
}

// #endregion log-decision-tests

// #region run-log-tests
func TestRunLogAppendsLines(t *testing.T) {
	dir := t.TempDir()
	rl := NewRunLog(dir)

	rec1 := NewEpochRecord(map[string]any{"loss": 1.0}, nil, 0, 10)
	rec2 := NewEpochRecord(map[string]any{"loss": 0.5}, map[string]any{"yourefit_yourefit": []float64{0.1, 0.2, 0.3}}, 1, 10)
	if err := rl.Append(rec1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := rl.Append(rec2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(rl.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1]["epoch"] != float64(1) || lines[1]["train_loss"] != 0.5 {
		t.Errorf("unexpected second line %v", lines[1])
	}
	if _, ok := lines[1]["test_yourefit_yourefit"]; !ok {
		t.Error("expected test_ prefixed key")
	}
}

func TestRunLogNonFiniteBecomesNull(t *testing.T) {
	rl := NewRunLog(t.TempDir())

	rec := NewEpochRecord(map[string]any{"loss": math.NaN()}, nil, 2, 1)
	if err := rl.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	data, _ := os.ReadFile(rl.Path())
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := m["train_loss"]; !ok || v != nil {
		t.Fatalf("expected null train_loss, got %v", v)
	}
}

func TestNewEpochRecordOmitsNegativeEpoch(t *testing.T) {
	rec := NewEpochRecord(nil, map[string]any{"x": 1}, -1, 5)
	if _, ok := rec["epoch"]; ok {
		t.Fatal("expected no epoch key")
	}
	if rec["n_parameters"] != int64(5) {
		t.Fatalf("unexpected n_parameters %v", rec["n_parameters"])
	}
}

// #endregion run-log-tests

// #region null-if-empty-tests
func TestNullIfEmpty_Empty(t *testing.T) {
	if result := nullIfEmpty(""); result != nil {
		t.Errorf("expected nil for empty string, got %v", result)
	}
}

func TestNullIfEmpty_NonEmpty(t *testing.T) {
	if result := nullIfEmpty("hello"); result != "hello" {
		t.Errorf("expected 'hello', got %v", result)
	}
}

// #endregion null-if-empty-tests
