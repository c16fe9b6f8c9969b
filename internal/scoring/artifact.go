package scoring

import (
	"encoding/json"
	"fmt"
	"os"

	"Go2NetSentry/internal/model"
)

// ScalerSpec describes the feature scaling fitted at training time.
//
//	standard: (x - mean) / scale
//	minmax:   x * scale + min
type ScalerSpec struct {
	Type  string    `json:"type"`
	Mean  []float64 `json:"mean,omitempty"`
	Scale []float64 `json:"scale,omitempty"`
	Min   []float64 `json:"min,omitempty"`
}

// DenseLayer is one fully connected layer. Weights has shape [in][out].
type DenseLayer struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// Artifact is the on-disk form of a trained model.
type Artifact struct {
	Features  []string    `json:"features,omitempty"`
	InputDim  int         `json:"input_dim"`
	Scaler    *ScalerSpec `json:"scaler,omitempty"`
	Threshold *float64    `json:"threshold,omitempty"`

	// autoencoder
	Layers []DenseLayer `json:"layers,omitempty"`

	// kmeans
	Centers [][]float64 `json:"centers,omitempty"`

	// svm
	Kernel         string      `json:"kernel,omitempty"`
	Gamma          float64     `json:"gamma,omitempty"`
	Coef0          float64     `json:"coef0,omitempty"`
	Degree         int         `json:"degree,omitempty"`
	SupportVectors [][]float64 `json:"support_vectors,omitempty"`
	DualCoef       []float64   `json:"dual_coef,omitempty"`
	Intercept      float64     `json:"intercept,omitempty"`
}

// ArtifactFile returns the file name holding the artifact of name.
func ArtifactFile(name model.ModelName) string {
	return string(name) + ".json"
}

// ReadArtifact decodes one artifact file.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if a.InputDim <= 0 && len(a.Features) > 0 {
		a.InputDim = len(a.Features)
	}
	if a.InputDim <= 0 {
		return nil, fmt.Errorf("%s: input_dim must be positive", path)
	}
	if len(a.Features) > 0 && len(a.Features) != a.InputDim {
		return nil, fmt.Errorf("%s: %d features listed for input_dim %d", path, len(a.Features), a.InputDim)
	}
	return &a, nil
}
