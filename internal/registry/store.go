package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DBFileName is the registry database inside the output directory.
const DBFileName = "registry.db"

// ErrNotFound is returned when no version matches a lookup.
var ErrNotFound = errors.New("checkpoint version not found")

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS checkpoint_versions (
	version_id  TEXT PRIMARY KEY,
	parent_id   TEXT,
	run_id      TEXT NOT NULL,
	name        TEXT NOT NULL,
	path        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	epoch       INTEGER NOT NULL,
	metric      REAL,
	size_bytes  INTEGER NOT NULL,
	sha256      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES checkpoint_versions(version_id)
);

CREATE TABLE IF NOT EXISTS current_versions (
	name        TEXT PRIMARY KEY,
	version_id  TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES checkpoint_versions(version_id)
);
`

// #endregion schema

// #region store-struct
// Store indexes written checkpoints in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	// foreign_keys is per connection, so it goes in the DSN and every pooled
	// connection gets it.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := db.Exec(logging.DecisionSchema); err != nil {
		return nil, fmt.Errorf("migrate decisions: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region record
// Record inserts a new version and moves the name's current pointer to it
// atomically. The previous current version of the same name becomes the parent.
// An empty VersionID is filled with a fresh UUID; the stored record is returned.
func (s *Store) Record(rec Record) (Record, error) {
	if rec.VersionID == "" {
		rec.VersionID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRow(`SELECT version_id FROM current_versions WHERE name = ?`, rec.Name).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("get current: %w", err)
	}
	rec.ParentID = parent.String

	var parentPtr interface{}
	if rec.ParentID != "" {
		parentPtr = rec.ParentID
	}
	var metricPtr interface{}
	if rec.Metric != nil {
		metricPtr = *rec.Metric
	}

	_, err = tx.Exec(
		`INSERT INTO checkpoint_versions (version_id, parent_id, run_id, name, path, kind, epoch, metric, size_bytes, sha256, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parentPtr, rec.RunID, rec.Name, rec.Path, string(rec.Kind), rec.Epoch,
		metricPtr, rec.SizeBytes, rec.SHA256, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO current_versions (name, version_id) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET version_id = excluded.version_id`,
		rec.Name, rec.VersionID,
	)
	if err != nil {
		return Record{}, fmt.Errorf("set current: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion record

// #region get-current
// Current returns the newest version written under name.
func (s *Store) Current(name string) (Record, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM current_versions WHERE name = ?`, name).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("current %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get current: %w", err)
	}
	return s.GetVersion(versionID)
}

// #endregion get-current

// #region get-version
// GetVersion retrieves a specific version by ID.
func (s *Store) GetVersion(id string) (Record, error) {
	row := s.db.QueryRow(
		`SELECT version_id, parent_id, run_id, name, path, kind, epoch, metric, size_bytes, sha256, created_at
		 FROM checkpoint_versions WHERE version_id = ?`, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("get version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get-version

// #region list-versions
// ListVersions returns the most recent versions, newest first.
func (s *Store) ListVersions(limit int) ([]Record, error) {
	return s.query(
		`SELECT version_id, parent_id, run_id, name, path, kind, epoch, metric, size_bytes, sha256, created_at
		 FROM checkpoint_versions ORDER BY created_at DESC LIMIT ?`, limit,
	)
}

// ListKind returns every version of the given kind for runID in write order.
// An empty runID matches all runs.
func (s *Store) ListKind(runID string, kind Kind) ([]Record, error) {
	if runID == "" {
		return s.query(
			`SELECT version_id, parent_id, run_id, name, path, kind, epoch, metric, size_bytes, sha256, created_at
			 FROM checkpoint_versions WHERE kind = ? ORDER BY created_at ASC`, string(kind),
		)
	}
	return s.query(
		`SELECT version_id, parent_id, run_id, name, path, kind, epoch, metric, size_bytes, sha256, created_at
		 FROM checkpoint_versions WHERE kind = ? AND run_id = ? ORDER BY created_at ASC`, string(kind), runID,
	)
}

func (s *Store) query(q string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-versions

// #region scan
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var parentID sql.NullString
	var kind, createdStr string
	var metric sql.NullFloat64

	err := sc.Scan(&rec.VersionID, &parentID, &rec.RunID, &rec.Name, &rec.Path, &kind,
		&rec.Epoch, &metric, &rec.SizeBytes, &rec.SHA256, &createdStr)
	if err != nil {
		return Record{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	rec.Kind = Kind(kind)
	if metric.Valid {
		v := metric.Float64
		rec.Metric = &v
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion scan
