package scoring

import "fmt"

type scaler interface {
	transform(x []float64)
}

type identityScaler struct{}

func (identityScaler) transform([]float64) {}

type standardScaler struct {
	mean, scale []float64
}

func (s standardScaler) transform(x []float64) {
	for i := range x {
		x[i] = (x[i] - s.mean[i]) / s.scale[i]
	}
}

type minMaxScaler struct {
	min, scale []float64
}

func (s minMaxScaler) transform(x []float64) {
	for i := range x {
		x[i] = x[i]*s.scale[i] + s.min[i]
	}
}

func newScaler(spec *ScalerSpec, dim int) (scaler, error) {
	if spec == nil || spec.Type == "" || spec.Type == "none" {
		return identityScaler{}, nil
	}
	switch spec.Type {
	case "standard":
		if len(spec.Mean) != dim || len(spec.Scale) != dim {
			return nil, fmt.Errorf("standard scaler needs %d mean and scale values", dim)
		}
		scale := make([]float64, dim)
		for i, s := range spec.Scale {
			if s == 0 {
				s = 1
			}
			scale[i] = s
		}
		return standardScaler{mean: spec.Mean, scale: scale}, nil
	case "minmax":
		if len(spec.Min) != dim || len(spec.Scale) != dim {
			return nil, fmt.Errorf("minmax scaler needs %d min and scale values", dim)
		}
		return minMaxScaler{min: spec.Min, scale: spec.Scale}, nil
	}
	return nil, fmt.Errorf("unknown scaler type %q", spec.Type)
}
