package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/dist"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/registry"
)

// #region manager

// Recorder indexes written checkpoints. *registry.Store satisfies it.
type Recorder interface {
	Record(rec registry.Record) (registry.Record, error)
}

// Manager reads and writes checkpoint bundles for one process of a run.
type Manager struct {
	dist     dist.Context
	logger   logging.Logger
	recorder Recorder
	runID    string
	cacheDir string
	client   *http.Client
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder indexes every write under runID.
func WithRecorder(r Recorder, runID string) Option {
	return func(m *Manager) {
		m.recorder = r
		m.runID = runID
	}
}

// WithCacheDir sets where remote checkpoints are downloaded to.
func WithCacheDir(dir string) Option {
	return func(m *Manager) { m.cacheDir = dir }
}

// WithHTTPClient replaces the client used for remote checkpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// NewManager creates a Manager for the process described by d.
func NewManager(d dist.Context, logger logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NoOp{}
	}
	m := &Manager{
		dist:     d,
		logger:   logger,
		cacheDir: filepath.Join(os.TempDir(), "grounding-checkpoints"),
		client:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// #endregion manager

// #region save

// Save writes b to path. Every process may call it; only the coordinating
// process writes, the others return (nil, nil). The file is written to a
// temporary sibling, synced and renamed so readers never observe a partial
// bundle. The returned record is the registry entry when a recorder is set.
func (m *Manager) Save(b *Bundle, path string) (*registry.Record, error) {
	if !m.dist.IsMain() {
		return nil, nil
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return nil, fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}
	if err := Encode(cw, b); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sync checkpoint %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close checkpoint %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("rename checkpoint %s: %w", path, err)
	}
	m.logger.Debug("checkpoint written", "path", path, "bytes", cw.n)

	if m.recorder == nil {
		return nil, nil
	}
	rec := registry.Record{
		RunID:     m.runID,
		Name:      filepath.Base(path),
		Path:      path,
		Kind:      KindOf(path),
		Epoch:     b.Epoch,
		SizeBytes: cw.n,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
	}
	if rec.Kind == registry.KindBest {
		rec.Metric = b.BestMetric
	}
	stored, err := m.recorder.Record(rec)
	if err != nil {
		return nil, fmt.Errorf("index checkpoint %s: %w", path, err)
	}
	return &stored, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// #endregion save

// #region load

// Load reads the bundle at path. http:// and https:// locations are
// downloaded into the cache first.
func (m *Manager) Load(ctx context.Context, path string) (*Bundle, error) {
	local := path
	if isRemote(path) {
		var err error
		local, err = m.fetch(ctx, path)
		if err != nil {
			return nil, err
		}
	}

	f, err := os.Open(local)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Path: path, Err: err}
	}
	if err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	defer f.Close()

	b, err := Decode(f)
	if err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	return b, nil
}

// #endregion load
