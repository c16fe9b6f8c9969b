// Package registry holds the process-wide selection of the active scoring model.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

// ErrUnknownModel is returned when selecting a model outside the supported set.
var ErrUnknownModel = errors.New("unknown model")

// Registry stores the currently selected model. Reads never block; a
// selection takes effect for the next chunk that is scored.
type Registry struct {
	current atomic.Value // model.ModelName
	logger  *zap.Logger
}

// New creates a registry with initial as the active model.
func New(initial model.ModelName, logger *zap.Logger) (*Registry, error) {
	if !initial.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, initial)
	}
	r := &Registry{logger: logger.Named("registry")}
	r.current.Store(initial)
	return r, nil
}

// Select makes name the active model.
func (r *Registry) Select(name model.ModelName) error {
	if !name.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	prev := r.current.Swap(name).(model.ModelName)
	r.logger.Info("Model selected", zap.String("model", string(name)), zap.String("previous", string(prev)))
	return nil
}

// Current returns the active model.
func (r *Registry) Current() model.ModelName {
	return r.current.Load().(model.ModelName)
}

// Available lists every model that can be selected.
func (r *Registry) Available() []model.ModelName {
	return model.ModelNames()
}
