// Package store persists batches and alerts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

var (
	// ErrDuplicateBatch is returned when a batch for the same chunk index exists.
	ErrDuplicateBatch = errors.New("batch already exists for chunk")
	// ErrNotFound is returned when a batch does not exist.
	ErrNotFound = errors.New("batch not found")
	// ErrDuplicateAlert is returned when an alert id is already stored.
	ErrDuplicateAlert = errors.New("alert already exists")
)

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	BatchID  string
	Severity string
	Since    time.Time
	Limit    int
}

func (f AlertFilter) match(a *model.Alert) bool {
	if f.BatchID != "" && a.BatchID != f.BatchID {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Store is the persistence backend for batches and alerts.
type Store interface {
	// CommitBatch stores b together with its alerts. Either both are
	// stored or neither is; a batch for an existing chunk index yields
	// ErrDuplicateBatch.
	CommitBatch(ctx context.Context, b *model.Batch, alerts []model.Alert) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	// ListBatches returns the newest batches first.
	ListBatches(ctx context.Context, limit int) ([]model.Batch, error)
	// ListAlerts returns matching alerts, newest first.
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error)
	UpdateBatchNote(ctx context.Context, id, note string) error
	// DeleteBatch removes the batch and its alerts.
	DeleteBatch(ctx context.Context, id string) error
	// MaxChunkIndex reports the highest stored chunk index; ok is false when empty.
	MaxChunkIndex(ctx context.Context) (index uint64, ok bool, err error)
	Close() error
}

// New creates the store selected by cfg.Type.
func New(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLite.Path, logger)
	case "clickhouse":
		return NewClickHouseStore(cfg.ClickHouse, logger)
	}
	return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
}

// NextChunkIndex returns the index the next chunk should use so that it
// never collides with a stored batch.
func NextChunkIndex(ctx context.Context, s Store) (uint64, error) {
	idx, ok, err := s.MaxChunkIndex(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return idx + 1, nil
}
