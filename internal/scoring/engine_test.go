package scoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"Go2NetSentry/internal/model"
)

func f64(v float64) *float64 { return &v }

func flowSet(columns []string, rows ...[]*float64) model.FlowSet {
	set := model.FlowSet{Columns: columns}
	for i, r := range rows {
		set.Flows = append(set.Flows, model.Flow{ID: string(rune('a' + i)), Features: r})
	}
	return set
}

func kmeansArtifact(threshold float64) *Artifact {
	return &Artifact{InputDim: 2, Threshold: &threshold, Centers: [][]float64{{0, 0}, {10, 10}}}
}

func TestEngine_ScoreVerdict(t *testing.T) {
	e, err := NewEngine(map[model.ModelName]*Artifact{model.ModelKMeans: kmeansArtifact(2)}, zaptest.NewLogger(t))
	require.NoError(t, err)

	set := flowSet([]string{"a", "b"},
		[]*float64{f64(1), f64(1)},
		[]*float64{f64(5), f64(5)},
		[]*float64{f64(10), nil},
	)
	res, err := e.Score(set, model.ModelKMeans)
	require.NoError(t, err)

	require.Len(t, res.Scores, 3)
	assert.False(t, res.Scores[0].Anomalous)
	assert.True(t, res.Scores[1].Anomalous)
	assert.InDelta(t, 10.0, res.Scores[2].Score, 1e-9, "nil is imputed as zero")
	assert.True(t, res.Scores[2].Anomalous)

	assert.True(t, res.Verdict.IsAttack)
	assert.Equal(t, 2, res.Verdict.AnomalousFlows)
	assert.Equal(t, 3, res.Verdict.TotalFlows)
	assert.Equal(t, 2, res.Verdict.TopFlow)
	assert.InDelta(t, 10.0, res.Verdict.MaxScore, 1e-9)
}

func TestEngine_ScoreEqualToThresholdIsNormal(t *testing.T) {
	e, err := NewEngine(map[model.ModelName]*Artifact{model.ModelKMeans: kmeansArtifact(5)}, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := e.Score(flowSet([]string{"a", "b"}, []*float64{f64(3), f64(4)}), model.ModelKMeans)
	require.NoError(t, err)
	assert.False(t, res.Verdict.IsAttack)
}

func TestEngine_EmptyFlowSet(t *testing.T) {
	e, err := NewEngine(map[model.ModelName]*Artifact{model.ModelKMeans: kmeansArtifact(2)}, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := e.Score(model.FlowSet{Columns: []string{"a", "b"}}, model.ModelKMeans)
	require.NoError(t, err)
	assert.False(t, res.Verdict.IsAttack)
	assert.Equal(t, -1, res.Verdict.TopFlow)
}

func TestEngine_Scaler(t *testing.T) {
	threshold := 0.5
	a := &Artifact{
		InputDim:  2,
		Threshold: &threshold,
		Scaler:    &ScalerSpec{Type: "standard", Mean: []float64{100, 100}, Scale: []float64{10, 0}},
		Centers:   [][]float64{{0, 0}},
	}
	e, err := NewEngine(map[model.ModelName]*Artifact{model.ModelKMeans: a}, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := e.Score(flowSet([]string{"a", "b"}, []*float64{f64(103), f64(100)}), model.ModelKMeans)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, res.Scores[0].Score, 1e-9)
	assert.False(t, res.Verdict.IsAttack)
}

func TestEngine_FeatureProjectionByName(t *testing.T) {
	a := kmeansArtifact(1)
	a.Features = []string{"Flow Duration", "Tot Fwd Pkts"}
	e, err := NewEngine(map[model.ModelName]*Artifact{model.ModelKMeans: a}, zaptest.NewLogger(t))
	require.NoError(t, err)

	set := flowSet([]string{"tot fwd pkts", "Ignored", "Flow Duration"}, []*float64{f64(10), f64(99), f64(10)})
	res, err := e.Score(set, model.ModelKMeans)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, res.Scores[0].Score, 1e-9)

	_, err = e.Score(flowSet([]string{"Flow Duration"}, []*float64{f64(1)}), model.ModelKMeans)
	assert.ErrorIs(t, err, ErrFeatureMismatch)
}

func TestEngine_Errors(t *testing.T) {
	e, err := NewEngine(map[model.ModelName]*Artifact{model.ModelKMeans: kmeansArtifact(1)}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = e.Score(flowSet([]string{"a", "b"}), model.ModelSVM)
	assert.ErrorIs(t, err, ErrModelUnavailable)

	_, err = e.Score(flowSet([]string{"a", "b", "c"}), model.ModelKMeans)
	assert.ErrorIs(t, err, ErrFeatureMismatch)

	_, err = NewEngine(map[model.ModelName]*Artifact{model.ModelKMeans: {InputDim: 2, Centers: [][]float64{{0, 0}}}}, zaptest.NewLogger(t))
	assert.Error(t, err, "kmeans without a threshold is rejected")
}

func TestEngine_SVMDefaultThreshold(t *testing.T) {
	a := &Artifact{InputDim: 1, Kernel: "linear", SupportVectors: [][]float64{{1}}, DualCoef: []float64{1}, Intercept: -1}
	e, err := NewEngine(map[model.ModelName]*Artifact{model.ModelSVM: a}, zaptest.NewLogger(t))
	require.NoError(t, err)

	threshold, ok := e.Threshold(model.ModelSVM)
	require.True(t, ok)
	assert.Equal(t, 0.0, threshold)

	res, err := e.Score(flowSet([]string{"x"}, []*float64{f64(3)}, []*float64{f64(0)}), model.ModelSVM)
	require.NoError(t, err)
	assert.False(t, res.Scores[0].Anomalous)
	assert.True(t, res.Scores[1].Anomalous)
}

func writeArtifact(t *testing.T, dir string, name model.ModelName, a *Artifact) {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ArtifactFile(name)), data, 0644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	threshold := 0.1
	writeArtifact(t, dir, model.ModelKMeans, kmeansArtifact(2))
	writeArtifact(t, dir, model.ModelAutoencoder, &Artifact{
		Features:  []string{"a"},
		Threshold: &threshold,
		Layers:    []DenseLayer{{Weights: [][]float64{{1}}, Bias: []float64{0}}},
	})

	e, err := LoadDir(dir, model.ModelNames(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []model.ModelName{model.ModelAutoencoder, model.ModelKMeans}, e.Available())

	_, err = e.Score(flowSet([]string{"a"}), model.ModelSVM)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestLoadDir_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kmeans.json"), []byte("{not json"), 0644))

	_, err := LoadDir(dir, []model.ModelName{model.ModelKMeans}, zaptest.NewLogger(t))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "kmeans.json"), []byte(`{"features":["a","b"],"input_dim":3}`), 0644))
	_, err = LoadDir(dir, []model.ModelName{model.ModelKMeans}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
