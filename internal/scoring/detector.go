package scoring

import (
	"fmt"
	"math"

	"Go2NetSentry/internal/model"
)

// Detector scores a scaled feature vector. Higher scores are more anomalous.
type Detector interface {
	Name() model.ModelName
	Dim() int
	Score(x []float64) float64
}

// newDetector builds the detector for name from its artifact.
func newDetector(name model.ModelName, a *Artifact) (Detector, error) {
	switch name {
	case model.ModelAutoencoder:
		return newAutoencoder(a)
	case model.ModelKMeans:
		return newKMeans(a)
	case model.ModelSVM:
		return newOneClassSVM(a)
	}
	return nil, fmt.Errorf("unsupported model %q", name)
}

// Autoencoder scores a vector by its mean squared reconstruction error.
type Autoencoder struct {
	dim    int
	layers []DenseLayer
}

func newAutoencoder(a *Artifact) (*Autoencoder, error) {
	if len(a.Layers) == 0 {
		return nil, fmt.Errorf("autoencoder has no layers")
	}
	in := a.InputDim
	for i, l := range a.Layers {
		if len(l.Weights) != in {
			return nil, fmt.Errorf("layer %d expects %d inputs, got %d", i, in, len(l.Weights))
		}
		out := len(l.Bias)
		for _, row := range l.Weights {
			if len(row) != out {
				return nil, fmt.Errorf("layer %d weight row has %d columns, bias has %d", i, len(row), out)
			}
		}
		if _, ok := activations[l.Activation]; !ok {
			return nil, fmt.Errorf("layer %d: unknown activation %q", i, l.Activation)
		}
		in = out
	}
	if in != a.InputDim {
		return nil, fmt.Errorf("autoencoder output dim %d does not match input dim %d", in, a.InputDim)
	}
	return &Autoencoder{dim: a.InputDim, layers: a.Layers}, nil
}

var activations = map[string]func(float64) float64{
	"":        func(v float64) float64 { return v },
	"linear":  func(v float64) float64 { return v },
	"relu":    func(v float64) float64 { return math.Max(0, v) },
	"sigmoid": func(v float64) float64 { return 1 / (1 + math.Exp(-v)) },
	"tanh":    math.Tanh,
}

func (a *Autoencoder) Name() model.ModelName { return model.ModelAutoencoder }
func (a *Autoencoder) Dim() int              { return a.dim }

func (a *Autoencoder) Score(x []float64) float64 {
	cur := x
	for _, l := range a.layers {
		act := activations[l.Activation]
		next := make([]float64, len(l.Bias))
		for j := range next {
			sum := l.Bias[j]
			for i, v := range cur {
				sum += v * l.Weights[i][j]
			}
			next[j] = act(sum)
		}
		cur = next
	}
	var mse float64
	for i := range x {
		d := x[i] - cur[i]
		mse += d * d
	}
	return mse / float64(len(x))
}

// KMeans scores a vector by its distance to the nearest cluster centre.
type KMeans struct {
	dim     int
	centers [][]float64
}

func newKMeans(a *Artifact) (*KMeans, error) {
	if len(a.Centers) == 0 {
		return nil, fmt.Errorf("kmeans has no centers")
	}
	for i, c := range a.Centers {
		if len(c) != a.InputDim {
			return nil, fmt.Errorf("center %d has %d values, want %d", i, len(c), a.InputDim)
		}
	}
	return &KMeans{dim: a.InputDim, centers: a.Centers}, nil
}

func (k *KMeans) Name() model.ModelName { return model.ModelKMeans }
func (k *KMeans) Dim() int              { return k.dim }

func (k *KMeans) Score(x []float64) float64 {
	best := math.Inf(1)
	for _, c := range k.centers {
		if d := squaredDistance(x, c); d < best {
			best = d
		}
	}
	return math.Sqrt(best)
}

// OneClassSVM scores a vector by the negated decision function, so points
// outside the learned boundary get positive scores.
type OneClassSVM struct {
	dim       int
	kernel    func(a, b []float64) float64
	sv        [][]float64
	dualCoef  []float64
	intercept float64
}

func newOneClassSVM(a *Artifact) (*OneClassSVM, error) {
	if len(a.SupportVectors) == 0 || len(a.SupportVectors) != len(a.DualCoef) {
		return nil, fmt.Errorf("svm needs matching support_vectors and dual_coef")
	}
	for i, sv := range a.SupportVectors {
		if len(sv) != a.InputDim {
			return nil, fmt.Errorf("support vector %d has %d values, want %d", i, len(sv), a.InputDim)
		}
	}

	gamma := a.Gamma
	if gamma == 0 {
		gamma = 1 / float64(a.InputDim)
	}
	degree := a.Degree
	if degree == 0 {
		degree = 3
	}

	var kernel func(x, y []float64) float64
	switch a.Kernel {
	case "", "rbf":
		kernel = func(x, y []float64) float64 { return math.Exp(-gamma * squaredDistance(x, y)) }
	case "linear":
		kernel = dot
	case "poly":
		kernel = func(x, y []float64) float64 { return math.Pow(gamma*dot(x, y)+a.Coef0, float64(degree)) }
	case "sigmoid":
		kernel = func(x, y []float64) float64 { return math.Tanh(gamma*dot(x, y) + a.Coef0) }
	default:
		return nil, fmt.Errorf("unknown svm kernel %q", a.Kernel)
	}

	return &OneClassSVM{
		dim:       a.InputDim,
		kernel:    kernel,
		sv:        a.SupportVectors,
		dualCoef:  a.DualCoef,
		intercept: a.Intercept,
	}, nil
}

func (s *OneClassSVM) Name() model.ModelName { return model.ModelSVM }
func (s *OneClassSVM) Dim() int              { return s.dim }

// Decision returns the signed distance to the boundary; negative means outlier.
func (s *OneClassSVM) Decision(x []float64) float64 {
	f := s.intercept
	for i, sv := range s.sv {
		f += s.dualCoef[i] * s.kernel(sv, x)
	}
	return f
}

func (s *OneClassSVM) Score(x []float64) float64 {
	return -s.Decision(x)
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
