package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/checkpoint"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/config"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/dist"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/eval"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/registry"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fake-engine

// fakeEngine is an in-process worker. Every evaluation of a dataset returns
// the next precision from precisions[dataset]; the last value repeats.
type fakeEngine struct {
	info       worker.ModelInfo
	model      checkpoint.StateDict
	ema        checkpoint.StateDict
	optimizer  []byte
	precisions map[string][]float64

	trained     []int
	evaluated   []string
	optSpec     *worker.OptimizerSpec
	buildArgs   map[string]any
	optRestored []byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		info: worker.ModelInfo{
			NumParameters: 7,
			ParamNames:    []string{"backbone.conv.weight", "transformer.text_encoder.bias", "head.weight"},
			HasCriterion:  true,
		},
		model: checkpoint.StateDict{
			"backbone.conv.weight": checkpoint.NewTensor([]int{2, 2}, []float32{1, 2, 3, 4}),
			"head.weight":          checkpoint.NewTensor([]int{3}, []float32{0, 0, 0}),
		},
		optimizer:  []byte("adam-state"),
		precisions: map[string][]float64{},
	}
}

func (f *fakeEngine) BuildModel(_ context.Context, args map[string]any) (worker.ModelInfo, error) {
	f.buildArgs = args
	return f.info, nil
}

func (f *fakeEngine) ConfigureOptimizer(_ context.Context, spec worker.OptimizerSpec) error {
	f.optSpec = &spec
	return nil
}

func (f *fakeEngine) BuildDataset(_ context.Context, req worker.DatasetRequest) ([]worker.DatasetHandle, error) {
	if req.Split == "train" {
		return []worker.DatasetHandle{{Name: strings.Join(req.Names, "+"), Loader: "train-loader"}}, nil
	}
	out := make([]worker.DatasetHandle, len(req.Names))
	for i, n := range req.Names {
		out[i] = worker.DatasetHandle{Name: n, Loader: "val-" + n}
	}
	return out, nil
}

func (f *fakeEngine) TrainOneEpoch(_ context.Context, req worker.TrainRequest) (map[string]any, error) {
	f.trained = append(f.trained, req.Epoch)
	return map[string]any{
		"lr":                 1e-4,
		"loss":               1.5,
		"loss_ce_unscaled":   0.5,
		"loss_giou_unscaled": 0.4,
		"loss_bbox_unscaled": 0.3,
	}, nil
}

func (f *fakeEngine) Evaluate(_ context.Context, req eval.Request) (map[string]any, error) {
	f.evaluated = append(f.evaluated, req.Dataset)
	out := map[string]any{"loss": 2.0}
	seq := f.precisions[req.Dataset]
	if len(seq) > 0 {
		n := 0
		for _, d := range f.evaluated {
			if d == req.Dataset {
				n++
			}
		}
		i := n - 1
		if i >= len(seq) {
			i = len(seq) - 1
		}
		for _, e := range req.Evaluators {
			out[e.Name] = []any{0.9, 0.8, seq[i]}
		}
	}
	return out, nil
}

func (f *fakeEngine) ModelState(context.Context) (checkpoint.StateDict, error) {
	return f.model.Clone(), nil
}
func (f *fakeEngine) EMAState(context.Context) (checkpoint.StateDict, error) {
	return f.ema.Clone(), nil
}
func (f *fakeEngine) OptimizerState(context.Context) ([]byte, error) { return f.optimizer, nil }
func (f *fakeEngine) LoadModelState(_ context.Context, sd checkpoint.StateDict) error {
	f.model = sd
	return nil
}
func (f *fakeEngine) LoadEMAState(_ context.Context, sd checkpoint.StateDict) error {
	f.ema = sd
	return nil
}
func (f *fakeEngine) CopyModelToEMA(context.Context) error {
	f.ema = f.model.Clone()
	return nil
}
func (f *fakeEngine) LoadOptimizerState(_ context.Context, state []byte) error {
	f.optRestored = state
	return nil
}

var _ Engine = (*fakeEngine)(nil)
var _ Engine = (*worker.Client)(nil)

// #endregion fake-engine

// #region fixtures
type memRecorder struct {
	records []registry.Record
}

func (m *memRecorder) Record(rec registry.Record) (registry.Record, error) {
	rec.VersionID = rec.Name + "@" + string(rune('a'+len(m.records)))
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memRecorder) kind(k registry.Kind) []registry.Record {
	var out []registry.Record
	for _, r := range m.records {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

type memDecisions struct {
	entries []logging.DecisionEntry
}

func (m *memDecisions) LogDecision(e logging.DecisionEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

type memSink struct {
	points map[string][]float64
	steps  map[string][]int
}

func newMemSink() *memSink {
	return &memSink{points: map[string][]float64{}, steps: map[string][]int{}}
}

func (s *memSink) Emit(_ context.Context, name string, value float64, step int) error {
	s.points[name] = append(s.points[name], value)
	s.steps[name] = append(s.steps[name], step)
	return nil
}
func (s *memSink) Close() error { return nil }

// testConfig is a resolved configuration with every key the driver reads.
func testConfig(t *testing.T, overrides map[string]any) *config.Config {
	t.Helper()
	values := map[string]any{
		"run_name":                   "",
		"output_dir":                 t.TempDir(),
		"runs_dir":                   t.TempDir(),
		"do_qa":                      false,
		"no_detection":               false,
		"masks":                      false,
		"combine_datasets":           []string{"yourefit"},
		"combine_datasets_val":       []string{"yourefit"},
		"test":                       false,
		"test_type":                  "test",
		"batch_size":                 2,
		"lr":                         1e-4,
		"lr_backbone":                1e-5,
		"text_encoder_lr":            5e-5,
		"weight_decay":               1e-4,
		"optimizer":                  "adam",
		"amsgrad":                    false,
		"clip_max_norm":              0.1,
		"epochs":                     3,
		"start_epoch":                0,
		"lr_drop":                    100,
		"eval_skip":                  1,
		"checkpoint_frequency":       100,
		"ema":                        false,
		"frozen_weights":             "",
		"resume":                     "",
		"load":                       "",
		"eval":                       false,
		"seed":                       42,
		"pose":                       false,
		"arm_loss_coef":              1.0,
		"arm_score_loss_coef":        1.0,
		"arm_box_align_loss_coef":    1.0,
		"arm_box_align_offset_by_gt": false,
		"arm_box_align_fixed_offset": 0.0,
		"eos_coef":                   0.1,
	}
	for k, v := range overrides {
		values[k] = v
	}
	return config.New(values)
}

type harness struct {
	cfg       *config.Config
	eng       *fakeEngine
	recorder  *memRecorder
	decisions *memDecisions
	sink      *memSink
	stdout    *bytes.Buffer
}

func newHarness(t *testing.T, overrides map[string]any) *harness {
	return &harness{
		cfg:       testConfig(t, overrides),
		eng:       newFakeEngine(),
		recorder:  &memRecorder{},
		decisions: &memDecisions{},
		sink:      newMemSink(),
		stdout:    &bytes.Buffer{},
	}
}

func (h *harness) start(d dist.Context) error {
	return Start(context.Background(), h.cfg, h.eng, Options{
		Dist:      d,
		Recorder:  h.recorder,
		Decisions: h.decisions,
		Sink:      h.sink,
		Stdout:    h.stdout,
		RunID:     "run-1",
	})
}

func (h *harness) outputDir(t *testing.T) string {
	t.Helper()
	dir, err := h.cfg.String("output_dir")
	require.NoError(t, err)
	return dir
}

func readLogLines(t *testing.T, dir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, logging.LogFileName))
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

// #endregion fixtures

// #region run-tests
func TestRunWritesBestOnlyOnStrictImprovement(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.precisions["yourefit"] = []float64{0.5, 0.6, 0.6}

	require.NoError(t, h.start(dist.Single()))

	assert.Equal(t, []int{0, 1, 2}, h.eng.trained)
	best := h.recorder.kind(registry.KindBest)
	require.Len(t, best, 2)
	assert.Equal(t, 0, best[0].Epoch)
	assert.Equal(t, 1, best[1].Epoch)
	require.NotNil(t, best[1].Metric)
	assert.InDelta(t, 0.6, *best[1].Metric, 1e-9)
	assert.Len(t, h.recorder.kind(registry.KindLatest), 3)
	assert.Empty(t, h.recorder.kind(registry.KindPeriodic))

	require.Len(t, h.decisions.entries, 3)
	assert.Equal(t, logging.DecisionCommit, h.decisions.entries[0].Decision)
	assert.Equal(t, logging.DecisionCommit, h.decisions.entries[1].Decision)
	assert.Equal(t, logging.DecisionReject, h.decisions.entries[2].Decision)
	assert.Equal(t, best[1].VersionID, h.decisions.entries[1].VersionID)
	assert.Empty(t, h.decisions.entries[2].VersionID)
	assert.Nil(t, h.decisions.entries[0].Previous)

	dir := h.outputDir(t)
	assert.FileExists(t, filepath.Join(dir, "BEST_checkpoint_since0.pth"))
	assert.FileExists(t, filepath.Join(dir, checkpoint.LatestName))

	lines := readLogLines(t, dir)
	require.Len(t, lines, 3)
	for i, l := range lines {
		assert.EqualValues(t, i, l["epoch"])
		assert.EqualValues(t, 7, l["n_parameters"])
		assert.Contains(t, l, "train_loss")
		assert.Contains(t, l, "test_yourefit_loss")
	}

	assert.Equal(t, []float64{0.5, 0.6, 0.6}, h.sink.points["Precision/precision_at_0.75"])
	assert.Equal(t, []int{0, 1, 2}, h.sink.steps["Loss/train_total"])
}

func TestRunThreeEpochScenario(t *testing.T) {
	h := newHarness(t, map[string]any{"epochs": 3, "eval_skip": 1, "lr_drop": 2})
	h.eng.precisions["yourefit"] = []float64{0.3, 0.5, 0.4}

	require.NoError(t, h.start(dist.Single()))

	best := h.recorder.kind(registry.KindBest)
	require.Len(t, best, 2)
	assert.Equal(t, 0, best[0].Epoch)
	assert.Equal(t, 1, best[1].Epoch)

	periodic := h.recorder.kind(registry.KindPeriodic)
	require.Len(t, periodic, 1)
	assert.Equal(t, 1, periodic[0].Epoch)
}

func TestRunLatestCheckpointResumable(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.precisions["yourefit"] = []float64{0.3}
	require.NoError(t, h.start(dist.Single()))

	m := checkpoint.NewManager(dist.Single(), nil)
	b, err := m.Load(context.Background(), checkpoint.LatestPath(h.outputDir(t)))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Epoch)
	assert.True(t, b.Resumable())
	require.NotNil(t, b.BestMetric)
	assert.InDelta(t, 0.3, *b.BestMetric, 1e-9)
	assert.Equal(t, "adam", b.Args["optimizer"])
}

func TestRunEvalSkip(t *testing.T) {
	h := newHarness(t, map[string]any{"epochs": 4, "eval_skip": 2})
	h.eng.precisions["yourefit"] = []float64{0.1, 0.2}

	require.NoError(t, h.start(dist.Single()))

	assert.Equal(t, []int{0, 1, 2, 3}, h.eng.trained)
	assert.Len(t, h.eng.evaluated, 2)
	assert.Len(t, h.decisions.entries, 2)
	assert.Equal(t, 0, h.decisions.entries[0].Epoch)
	assert.Equal(t, 2, h.decisions.entries[1].Epoch)

	lines := readLogLines(t, h.outputDir(t))
	require.Len(t, lines, 4)
	assert.NotContains(t, lines[1], "test_yourefit_loss")
	assert.Contains(t, lines[2], "test_yourefit_loss")
}

func TestRunNumberedCheckpoints(t *testing.T) {
	h := newHarness(t, map[string]any{"epochs": 4, "checkpoint_frequency": 2, "lr_drop": 3})
	require.NoError(t, h.start(dist.Single()))

	var epochs []int
	for _, r := range h.recorder.kind(registry.KindPeriodic) {
		epochs = append(epochs, r.Epoch)
	}
	assert.Equal(t, []int{1, 2, 3}, epochs)
	assert.FileExists(t, checkpoint.NumberedPath(h.outputDir(t), 2))
}

func TestRunUndefinedTargetIsNoOp(t *testing.T) {
	h := newHarness(t, map[string]any{"epochs": 1})

	require.NoError(t, h.start(dist.Single()))

	require.Len(t, h.decisions.entries, 1)
	assert.Equal(t, logging.DecisionNoOp, h.decisions.entries[0].Decision)
	assert.Empty(t, h.recorder.kind(registry.KindBest))
	_, ok := h.sink.points["Precision/precision_at_0.75"]
	assert.False(t, ok)
}

func TestRunNonMainRankWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.precisions["yourefit"] = []float64{0.5, 0.6, 0.7}

	require.NoError(t, h.start(dist.Context{Rank: 1, WorldSize: 2, LocalRank: 1}))

	assert.Equal(t, []int{0, 1, 2}, h.eng.trained)
	assert.Empty(t, h.recorder.records)
	assert.Empty(t, h.decisions.entries)
	assert.Empty(t, h.sink.points)
	entries, err := os.ReadDir(h.outputDir(t))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.EqualValues(t, 43, h.eng.buildArgs["seed"])
}

func TestRunQATarget(t *testing.T) {
	h := newHarness(t, map[string]any{
		"do_qa":                true,
		"epochs":               1,
		"combine_datasets_val": []string{"gqa"},
	})
	h.eng.info.HasCriterion = false
	h.eng.info.HasQACriterion = true

	err := h.start(dist.Single())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epoch 0")
	assert.Contains(t, err.Error(), "accuracy_answer_total_unscaled")
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Start(ctx, h.cfg, h.eng, Options{Dist: dist.Single(), Stdout: h.stdout})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.eng.trained)
}

// #endregion run-tests

// #region resume-tests
func TestResumeStartsAfterStoredEpoch(t *testing.T) {
	first := newHarness(t, map[string]any{"epochs": 2})
	first.eng.precisions["yourefit"] = []float64{0.4, 0.7}
	require.NoError(t, first.start(dist.Single()))
	latest := checkpoint.LatestPath(first.outputDir(t))

	second := newHarness(t, map[string]any{"epochs": 4, "resume": latest})
	second.eng.precisions["yourefit"] = []float64{0.65, 0.8}
	require.NoError(t, second.start(dist.Single()))

	assert.Equal(t, []int{2, 3}, second.eng.trained)
	assert.Equal(t, []byte("adam-state"), second.eng.optRestored)
	require.Len(t, second.decisions.entries, 2)
	// 0.65 does not beat the restored best of 0.7
	assert.Equal(t, logging.DecisionReject, second.decisions.entries[0].Decision)
	assert.Equal(t, logging.DecisionCommit, second.decisions.entries[1].Decision)
	assert.FileExists(t, filepath.Join(second.outputDir(t), "BEST_checkpoint_since2.pth"))
}

func TestResumeWithEMAFallsBackToModel(t *testing.T) {
	first := newHarness(t, map[string]any{"epochs": 1})
	require.NoError(t, first.start(dist.Single()))

	second := newHarness(t, map[string]any{"epochs": 2, "ema": true, "resume": checkpoint.LatestPath(first.outputDir(t))})
	require.NoError(t, second.start(dist.Single()))
	assert.Equal(t, []int{1}, second.eng.trained)
	assert.Equal(t, second.eng.model.Names(), second.eng.ema.Names())
}

func TestResumeMissingCheckpoint(t *testing.T) {
	h := newHarness(t, map[string]any{"resume": filepath.Join(t.TempDir(), "nope.pth")})
	err := h.start(dist.Single())
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointLoad)
	assert.Empty(t, h.eng.trained)
}

// #endregion resume-tests

// #region eval-only-tests
func TestEvalOnlyNeverTrains(t *testing.T) {
	first := newHarness(t, map[string]any{"epochs": 2, "checkpoint_frequency": 2})
	require.NoError(t, first.start(dist.Single()))
	numbered := checkpoint.NumberedPath(first.outputDir(t), 1)

	h := newHarness(t, map[string]any{
		"eval":                 true,
		"load":                 numbered,
		"combine_datasets":     []string{},
		"combine_datasets_val": []string{"yourefit_val"},
	})
	h.eng.precisions["yourefit_val"] = []float64{0.55}

	require.NoError(t, h.start(dist.Single()))

	assert.Empty(t, h.eng.trained)
	assert.Equal(t, []string{"yourefit_val"}, h.eng.evaluated)
	assert.Nil(t, h.eng.optRestored)
	assert.Equal(t, []int{1}, h.sink.steps["Precision/precision_at_0.75"])

	var rec map[string]any
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &rec))
	assert.NotContains(t, rec, "epoch")
	assert.Contains(t, rec, "test_yourefit_val_yourefit")
	assert.Empty(t, h.recorder.records)
}

func TestEvalOnlyMultipleDatasetsSkipsScalars(t *testing.T) {
	h := newHarness(t, map[string]any{
		"eval":                 true,
		"combine_datasets_val": []string{"yourefit", "yourefit_test"},
	})
	require.NoError(t, h.start(dist.Single()))
	assert.Equal(t, []string{"yourefit", "yourefit_test"}, h.eng.evaluated)
	assert.Empty(t, h.sink.points)
}

// #endregion eval-only-tests

// #region setup-tests
func TestPrepareConfigurationErrors(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		mutate    func(*fakeEngine)
	}{
		{name: "no train datasets", overrides: map[string]any{"combine_datasets": []string{}}},
		{name: "no val datasets", overrides: map[string]any{"combine_datasets_val": []string{}}},
		{name: "unsupported optimizer", overrides: map[string]any{"optimizer": "lion"}},
		{name: "no criterion", mutate: func(f *fakeEngine) { f.info.HasCriterion = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.overrides)
			if tt.mutate != nil {
				tt.mutate(h.eng)
			}
			err := h.start(dist.Single())
			assert.True(t, errors.Is(err, config.ErrConfiguration), "got %v", err)
			assert.Empty(t, h.eng.trained)
		})
	}
}

func TestOptimizerForGroups(t *testing.T) {
	s := Settings{Optimizer: "SGD", LR: 1, LRBackbone: 2, TextEncoderLR: 3, WeightDecay: 0.5}
	spec, err := OptimizerFor([]string{
		"backbone.0.body.conv1.weight",
		"transformer.text_encoder.embeddings.weight",
		"backbone.text_encoder.mixed",
		"class_embed.bias",
	}, s)
	require.NoError(t, err)

	assert.Equal(t, "sgd", spec.Kind)
	assert.Equal(t, 0.9, spec.Momentum)
	require.Len(t, spec.Groups, 3)
	assert.Equal(t, []string{"class_embed.bias"}, spec.Groups[0].Params)
	assert.Equal(t, 1.0, spec.Groups[0].LR)
	assert.Equal(t, []string{"backbone.0.body.conv1.weight", "backbone.text_encoder.mixed"}, spec.Groups[1].Params)
	assert.Equal(t, 2.0, spec.Groups[1].LR)
	assert.Equal(t, []string{"transformer.text_encoder.embeddings.weight"}, spec.Groups[2].Params)
	assert.Equal(t, 3.0, spec.Groups[2].LR)
}

func TestOptimizerForAdamHasNoMomentum(t *testing.T) {
	spec, err := OptimizerFor(nil, Settings{Optimizer: "adamw", AMSGrad: true})
	require.NoError(t, err)
	assert.Zero(t, spec.Momentum)
	assert.True(t, spec.AMSGrad)
}

func TestFromConfig(t *testing.T) {
	cfg := testConfig(t, map[string]any{
		"arm_box_align_offset_by_gt": true,
		"arm_box_align_fixed_offset": 0.25,
		"epochs":                     float64(12),
	})
	s, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 12, s.Epochs)
	v, ok := s.Coefficients.FixedOffset.Get()
	assert.True(t, ok)
	assert.Equal(t, 0.25, v)

	s, err = FromConfig(testConfig(t, nil))
	require.NoError(t, err)
	_, ok = s.Coefficients.FixedOffset.Get()
	assert.False(t, ok)
}

func TestFromConfigErrors(t *testing.T) {
	_, err := FromConfig(testConfig(t, map[string]any{"eval_skip": 0}))
	assert.ErrorIs(t, err, config.ErrConfiguration)

	values := testConfig(t, nil).Snapshot()
	delete(values, "lr_drop")
	_, err = FromConfig(config.New(values))
	assert.ErrorIs(t, err, config.ErrMissingKey)
}

// #endregion setup-tests
