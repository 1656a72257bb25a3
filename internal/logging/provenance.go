package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region schema

// DecisionSchema creates the decision_log table. The registry runs it as part of
// its own migrations; tests may run it directly.
const DecisionSchema = `
CREATE TABLE IF NOT EXISTS decision_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	epoch       INTEGER NOT NULL,
	version_id  TEXT,
	metric      REAL,
	previous    REAL,
	decision    TEXT NOT NULL,
	reason      TEXT,
	stats_json  TEXT,
	created_at  TEXT NOT NULL
);
`

// #endregion schema

// #region log-decision
// LogDecision writes a best-checkpoint decision to the decision_log table.
func LogDecision(db *sql.DB, entry DecisionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO decision_log (run_id, epoch, version_id, metric, previous, decision, reason, stats_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Epoch,
		nullIfEmpty(entry.VersionID),
		nullIfNil(entry.Metric),
		nullIfNil(entry.Previous),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		nullIfEmpty(entry.StatsJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns decisions for runID in epoch order. An empty runID lists all runs.
func ListDecisions(db *sql.DB, runID string) ([]DecisionEntry, error) {
	query := `SELECT run_id, epoch, version_id, metric, previous, decision, reason, stats_json, created_at
		 FROM decision_log`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionEntry
	for rows.Next() {
		var e DecisionEntry
		var versionID, reason, statsJSON sql.NullString
		var metric, previous sql.NullFloat64
		var createdStr string
		if err := rows.Scan(&e.RunID, &e.Epoch, &versionID, &metric, &previous, &e.Decision, &reason, &statsJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.VersionID = versionID.String
		e.Reason = reason.String
		e.StatsJSON = statsJSON.String
		if metric.Valid {
			v := metric.Float64
			e.Metric = &v
		}
		if previous.Valid {
			v := previous.Float64
			e.Previous = &v
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-decisions

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNil(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// #endregion helpers
