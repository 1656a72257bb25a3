package metrics

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fixtures
func trainRaw() map[string]any {
	return map[string]any{
		"lr":                            1e-4,
		"loss":                          2.5,
		"loss_ce_unscaled":              0.7,
		"loss_giou_unscaled":            0.4,
		"loss_bbox_unscaled":            0.1,
		"arm_loss_2_unscaled":           0.3,
		"arm_score_loss_2_unscaled":     0.2,
		"arm_box_aligned_loss_unscaled": 0.05,
	}
}

func present(t *testing.T, o Optional) float64 {
	t.Helper()
	v, ok := o.Get()
	require.True(t, ok, "expected value to be present")
	return v
}

func scalarNames(ss []Scalar) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Name
	}
	return out
}

// #endregion fixtures

// #region parse-tests
func TestParseTrainWithPose(t *testing.T) {
	ts, err := ParseTrain(trainRaw(), PoseLayout{Enabled: true, LastLayer: 2})
	require.NoError(t, err)
	assert.Equal(t, 1e-4, ts.LR)
	require.NotNil(t, ts.Pose)
	assert.Equal(t, 0.3, ts.Pose.Arm)
	assert.Equal(t, 0.05, ts.Pose.ArmBoxAlign)
	_, ok := ts.ContrastiveAlign.Get()
	assert.False(t, ok)
}

func TestParseTrainWithoutPose(t *testing.T) {
	raw := trainRaw()
	raw["loss_contrastive_align_unscaled"] = 0.9
	ts, err := ParseTrain(raw, PoseLayout{})
	require.NoError(t, err)
	assert.Nil(t, ts.Pose)
	assert.Equal(t, 0.9, present(t, ts.ContrastiveAlign))
}

func TestParseTrainMissingRequired(t *testing.T) {
	for _, key := range []string{"lr", "loss", "loss_giou_unscaled", "arm_score_loss_2_unscaled"} {
		raw := trainRaw()
		delete(raw, key)
		_, err := ParseTrain(raw, PoseLayout{Enabled: true, LastLayer: 2})

		var me *MissingMetricError
		require.ErrorAs(t, err, &me, key)
		assert.Equal(t, key, me.Key)
		assert.True(t, errors.Is(err, ErrMissingMetric))
	}
}

func TestParseEvalPrecision(t *testing.T) {
	raw := map[string]any{
		"loss":     1.5,
		"yourefit": []any{0.9, 0.8, 0.6},
	}
	es, err := ParseEval("yourefit", raw, []string{"yourefit"}, PoseLayout{})
	require.NoError(t, err)
	require.NotNil(t, es.Precision)
	assert.Equal(t, 0.6, es.Precision.Strictest())
	assert.Equal(t, 1.5, present(t, es.Loss))
	_, ok := es.CE.Get()
	assert.False(t, ok)
}

func TestParseEvalMalformedPrecision(t *testing.T) {
	_, err := ParseEval("yourefit", map[string]any{"yourefit": []any{0.9, 0.8}}, []string{"yourefit"}, PoseLayout{})
	assert.ErrorIs(t, err, ErrMissingMetric)
}

func TestParseEvalNullPrecisionIsNaN(t *testing.T) {
	es, err := ParseEval("yourefit", map[string]any{"yourefit": []any{0.9, 0.8, nil}}, []string{"yourefit"}, PoseLayout{})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(es.Precision.At75))
}

func TestParseEvalPoseAllOrNothing(t *testing.T) {
	layout := PoseLayout{Enabled: true, LastLayer: 1}

	es, err := ParseEval("gqa", map[string]any{AnswerAccuracyKey: 0.5}, nil, layout)
	require.NoError(t, err)
	assert.Nil(t, es.Pose)
	assert.Equal(t, 0.5, present(t, es.AnswerAccuracy))

	_, err = ParseEval("yourefit", map[string]any{"arm_loss_1_unscaled": 0.1}, nil, layout)
	assert.ErrorIs(t, err, ErrMissingMetric)
}

// #endregion parse-tests

// #region scalar-tests
func TestTrainScalarsOptionalGroups(t *testing.T) {
	ts, err := ParseTrain(trainRaw(), PoseLayout{})
	require.NoError(t, err)

	names := scalarNames(TrainScalars(ts, Coefficients{ArmLoss: 1, EOS: 0.1}))
	assert.Contains(t, names, "Misc_train/lr")
	assert.Contains(t, names, "Loss/train_total")
	assert.Contains(t, names, "Loss_train_unscaled/box")
	assert.NotContains(t, names, "Loss_train_unscaled/contrastive_align")
	assert.NotContains(t, names, "Loss_train_unscaled/arm")
	assert.NotContains(t, names, "Misc_train/ARM_BOX_ALIGH_FIXED_OFFSET")

	ts, _ = ParseTrain(trainRaw(), PoseLayout{Enabled: true, LastLayer: 2})
	names = scalarNames(TrainScalars(ts, Coefficients{FixedOffset: Present(0.2)}))
	assert.Contains(t, names, "Loss_train_unscaled/arm_box_align")
	assert.Contains(t, names, "Misc_train/ARM_BOX_ALIGH_FIXED_OFFSET")
}

func TestValidScalars(t *testing.T) {
	es := EvalStats{
		Loss:      Present(1.2),
		CE:        Present(0.3),
		Precision: &Precision{At25: 0.9, At50: 0.8, At75: 0.5},
	}
	got := ValidScalars(es)
	assert.Equal(t, []string{
		"Precision/precision_at_0.25",
		"Precision/precision_at_0.50",
		"Precision/precision_at_0.75",
		"Loss/valid_total",
		"Loss_valid_unscaled/ce",
	}, scalarNames(got))

	assert.Empty(t, ValidScalars(EvalStats{}))
}

// #endregion scalar-tests

// #region sink-tests
type recordingSink struct {
	points []Scalar
	err    error
	closed bool
}

func (r *recordingSink) Emit(_ context.Context, name string, value float64, _ int) error {
	r.points = append(r.points, Scalar{name, value})
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("down")}
	m := MultiSink{a, b}

	err := m.Emit(context.Background(), "Loss/train_total", 1, 0)
	assert.Error(t, err)
	assert.Len(t, a.points, 1)
	assert.Len(t, b.points, 1)
	require.NoError(t, m.Close())
	assert.True(t, a.closed && b.closed)
}

func TestSQLiteSinkSeries(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteSink(t.TempDir(), "exp1")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, EmitAll(ctx, s, []Scalar{{"Misc_train/lr", 1e-4}, {"Loss/train_total", 2}}, 0))
	require.NoError(t, s.Emit(ctx, "Loss/train_total", 1.5, 1))
	require.NoError(t, s.Emit(ctx, "Loss/train_total", math.NaN(), 2))

	pts, err := s.Series(ctx, "Loss/train_total")
	require.NoError(t, err)
	require.Len(t, pts, 3)
	assert.Equal(t, 1, pts[1].Step)
	assert.Equal(t, 1.5, *pts[1].Value)
	assert.Nil(t, pts[2].Value)

	lr, err := s.Series(ctx, "Misc_train/lr")
	require.NoError(t, err)
	require.Len(t, lr, 1)
	assert.Equal(t, 1e-4, *lr[0].Value)
}

type fakeStream struct {
	args []*redis.XAddArgs
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeStream) Close() error { return nil }

func TestRedisSinkXAdd(t *testing.T) {
	fs := &fakeStream{}
	s := newRedisSink(fs, "yourefit_run")

	require.NoError(t, s.Emit(context.Background(), "Precision/precision_at_0.75", 0.61, 4))
	require.Len(t, fs.args, 1)
	assert.Equal(t, "runs:yourefit_run:scalars", fs.args[0].Stream)
	vals := fs.args[0].Values.(map[string]interface{})
	assert.Equal(t, "Precision/precision_at_0.75", vals["name"])
	assert.Equal(t, "0.61", vals["value"])
	assert.Equal(t, 4, vals["step"])
}

func TestExperimentName(t *testing.T) {
	tests := []struct {
		evalOnly  bool
		load, out string
		want      string
	}{
		{false, "", "./checkpoint1", "checkpoint1"},
		{false, "", "runs/exp_a/", "exp_a"},
		{true, "checkpoints/exp_b/checkpoint0003.pth", "", "exp_b"},
		{true, "/data/runs/exp_c/checkpoint.pth", "", "data/runs/exp_c"},
		{true, "checkpoint.pth", "out", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExperimentName(tt.evalOnly, tt.load, tt.out), "%+v", tt)
	}
}

// #endregion sink-tests
