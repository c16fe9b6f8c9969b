// Package scoring applies the trained anomaly detectors to extracted flows.
package scoring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

var (
	// ErrModelUnavailable is returned when the requested model was not loaded.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrFeatureMismatch is returned when the flows do not fit the model input.
	ErrFeatureMismatch = errors.New("feature mismatch")
)

// FlowScore is the outcome for one flow, in FlowSet order.
type FlowScore struct {
	Score     float64 `json:"score"`
	Anomalous bool    `json:"anomalous"`
}

// Verdict summarizes the scores of one batch. TopFlow is the index of the
// highest scoring flow, or -1 when there are no flows.
type Verdict struct {
	IsAttack       bool    `json:"is_attack"`
	AnomalousFlows int     `json:"anomalous_flows"`
	TotalFlows     int     `json:"total_flows"`
	MaxScore       float64 `json:"max_score"`
	TopFlow        int     `json:"top_flow"`
}

// Result is the output of Engine.Score.
type Result struct {
	Model     model.ModelName `json:"model"`
	Threshold float64         `json:"threshold"`
	Scores    []FlowScore     `json:"scores"`
	Verdict   Verdict         `json:"verdict"`
}

type loadedModel struct {
	detector  Detector
	scaler    scaler
	features  []string
	threshold float64
}

// Engine holds the loaded models. It is safe for concurrent use.
type Engine struct {
	models map[model.ModelName]*loadedModel
	logger *zap.Logger
}

// LoadDir loads the artifact of every name found in dir. Missing files are
// skipped; invalid files are an error.
func LoadDir(dir string, names []model.ModelName, logger *zap.Logger) (*Engine, error) {
	artifacts := make(map[model.ModelName]*Artifact)
	for _, name := range names {
		path := filepath.Join(dir, ArtifactFile(name))
		a, err := ReadArtifact(path)
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("Model artifact not found, model disabled", zap.String("model", string(name)), zap.String("path", path))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load model %s: %w", name, err)
		}
		artifacts[name] = a
	}
	return NewEngine(artifacts, logger)
}

// NewEngine builds detectors from already decoded artifacts.
func NewEngine(artifacts map[model.ModelName]*Artifact, logger *zap.Logger) (*Engine, error) {
	e := &Engine{models: make(map[model.ModelName]*loadedModel), logger: logger.Named("scoring")}
	for name, a := range artifacts {
		if len(a.Features) > 0 && len(a.Features) != a.InputDim {
			return nil, fmt.Errorf("model %s: %d features listed for input_dim %d", name, len(a.Features), a.InputDim)
		}
		det, err := newDetector(name, a)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
		sc, err := newScaler(a.Scaler, a.InputDim)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
		var threshold float64
		if a.Threshold != nil {
			threshold = *a.Threshold
		} else if name != model.ModelSVM {
			return nil, fmt.Errorf("model %s: threshold is required", name)
		}
		e.models[name] = &loadedModel{detector: det, scaler: sc, features: a.Features, threshold: threshold}
		e.logger.Info("Model loaded", zap.String("model", string(name)), zap.Int("input_dim", a.InputDim), zap.Float64("threshold", threshold))
	}
	return e, nil
}

// Available returns the loaded models in a stable order.
func (e *Engine) Available() []model.ModelName {
	names := make([]model.ModelName, 0, len(e.models))
	for name := range e.models {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Threshold returns the anomaly threshold of a loaded model.
func (e *Engine) Threshold(name model.ModelName) (float64, bool) {
	m, ok := e.models[name]
	if !ok {
		return 0, false
	}
	return m.threshold, true
}

// Score runs model name over every flow. A flow is anomalous when its score
// exceeds the model threshold; the batch is an attack when any flow is.
func (e *Engine) Score(set model.FlowSet, name model.ModelName) (Result, error) {
	m, ok := e.models[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrModelUnavailable, name)
	}

	project, err := m.projection(set.Columns)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Model:     name,
		Threshold: m.threshold,
		Scores:    make([]FlowScore, len(set.Flows)),
		Verdict:   Verdict{TotalFlows: len(set.Flows), TopFlow: -1},
	}
	x := make([]float64, m.detector.Dim())
	for i, flow := range set.Flows {
		if len(flow.Features) != len(set.Columns) {
			return Result{}, fmt.Errorf("%w: flow %d has %d values for %d columns", ErrFeatureMismatch, i, len(flow.Features), len(set.Columns))
		}
		for j, col := range project {
			x[j] = 0
			if v := flow.Features[col]; v != nil {
				x[j] = *v
			}
		}
		m.scaler.transform(x)
		score := m.detector.Score(x)
		anomalous := score > m.threshold

		res.Scores[i] = FlowScore{Score: score, Anomalous: anomalous}
		if anomalous {
			res.Verdict.AnomalousFlows++
		}
		if res.Verdict.TopFlow < 0 || score > res.Verdict.MaxScore {
			res.Verdict.MaxScore = score
			res.Verdict.TopFlow = i
		}
	}
	res.Verdict.IsAttack = res.Verdict.AnomalousFlows > 0

	metrics.FlowsScored.WithLabelValues(string(name), "true").Add(float64(res.Verdict.AnomalousFlows))
	metrics.FlowsScored.WithLabelValues(string(name), "false").Add(float64(res.Verdict.TotalFlows - res.Verdict.AnomalousFlows))
	return res, nil
}

// projection maps each model input position to a FlowSet column.
func (m *loadedModel) projection(columns []string) ([]int, error) {
	dim := m.detector.Dim()
	project := make([]int, dim)
	if len(m.features) == 0 {
		if len(columns) != dim {
			return nil, fmt.Errorf("%w: model expects %d features, got %d columns", ErrFeatureMismatch, dim, len(columns))
		}
		for i := range project {
			project[i] = i
		}
		return project, nil
	}

	byName := make(map[string]int, len(columns))
	for i, c := range columns {
		byName[featureKey(c)] = i
	}
	var missing []string
	for i, f := range m.features {
		col, ok := byName[featureKey(f)]
		if !ok {
			missing = append(missing, strconv.Quote(f))
			continue
		}
		project[i] = col
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s", ErrFeatureMismatch, strings.Join(missing, ", "))
	}
	return project, nil
}

func featureKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
