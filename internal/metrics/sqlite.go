package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ScalarsFileName is the scalar database inside an experiment directory.
const ScalarsFileName = "scalars.db"

const scalarSchema = `
CREATE TABLE IF NOT EXISTS scalars (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	step       INTEGER NOT NULL,
	value      REAL,
	wall_time  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scalars_name_step ON scalars(name, step);
`

// #region sqlite-sink

// SQLiteSink stores scalars in <runs_dir>/<experiment>/scalars.db.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the scalar database for experiment.
func NewSQLiteSink(runsDir, experiment string) (*SQLiteSink, error) {
	dir := filepath.Join(runsDir, experiment)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, ScalarsFileName))
	if err != nil {
		return nil, fmt.Errorf("open scalars db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(scalarSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate scalars: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Emit appends one scalar. NaN values are stored as NULL.
func (s *SQLiteSink) Emit(ctx context.Context, name string, value float64, step int) error {
	var v any = value
	if math.IsNaN(value) {
		v = nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scalars (name, step, value, wall_time) VALUES (?, ?, ?, ?)`,
		name, step, v, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("emit scalar %s: %w", name, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// #endregion sqlite-sink

// #region read

// Point is one stored scalar.
type Point struct {
	Step  int
	Value *float64
}

// Series returns every stored value of name in step order.
func (s *SQLiteSink) Series(ctx context.Context, name string) ([]Point, error) {
	return readSeries(ctx, s.db, name)
}

func readSeries(ctx context.Context, db *sql.DB, name string) ([]Point, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT step, value FROM scalars WHERE name = ? ORDER BY step ASC, id ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("read scalar %s: %w", name, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		var v sql.NullFloat64
		if err := rows.Scan(&p.Step, &v); err != nil {
			return nil, fmt.Errorf("scan scalar: %w", err)
		}
		if v.Valid {
			f := v.Float64
			p.Value = &f
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// #endregion read
