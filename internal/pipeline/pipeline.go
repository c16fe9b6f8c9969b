package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"Go2NetSentry/internal/capture"
	"Go2NetSentry/internal/chunk"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/dispatcher"
	"Go2NetSentry/internal/extractor"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/notification"
	"Go2NetSentry/internal/persist"
	"Go2NetSentry/internal/registry"
	"Go2NetSentry/internal/scoring"
	"Go2NetSentry/internal/store"
)

// Pipeline holds every long-lived component of the detector.
type Pipeline struct {
	Store      store.Store
	Hub        *notification.Hub
	Publisher  *notification.Async
	Engine     *scoring.Engine
	Registry   *registry.Registry
	Committer  *persist.Committer
	Dispatcher *dispatcher.Dispatcher
	Assembler  *chunk.Assembler
	Session    *capture.Session

	nats         *notification.NATSPublisher
	drainTimeout string
	logger       *zap.Logger
}

// New builds and starts the pipeline except for the capture session,
// which stays idle until Session.Start.
func New(ctx context.Context, cfg *config.Config, factory capture.SourceFactory, logger *zap.Logger) (_ *Pipeline, err error) {
	p := &Pipeline{drainTimeout: cfg.Dispatcher.DrainTimeout, logger: logger.Named("pipeline")}
	defer func() {
		if err != nil {
			p.closeOutputs(context.Background())
		}
	}()

	p.Store, err = store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	firstIndex, err := store.NextChunkIndex(ctx, p.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to read last chunk index: %w", err)
	}

	p.Hub = notification.NewHub(logger)
	sinks := notification.Multi{p.Hub}
	if cfg.Notification.NATS.Enabled {
		p.nats, err = notification.NewNATSPublisher(cfg.Notification.NATS, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p.nats)
	}
	if cfg.Notification.SMTP.Enabled {
		sinks = append(sinks, notification.NewEmailNotifier(cfg.Notification.SMTP, logger))
	}
	p.Publisher = notification.NewAsync(sinks, cfg.Notification.BufferSize, logger)

	p.Engine, err = scoring.LoadDir(cfg.Scoring.ModelDir, modelNames(cfg.Scoring), logger)
	if err != nil {
		return nil, err
	}
	p.Registry, err = registry.New(model.ModelName(cfg.Scoring.DefaultModel), logger)
	if err != nil {
		return nil, err
	}
	if _, ok := p.Engine.Threshold(p.Registry.Current()); !ok {
		p.logger.Warn("Default model is not loaded, chunks will fail until another model is selected",
			zap.String("model", string(p.Registry.Current())))
	}

	ext, err := extractor.New(cfg.Extractor, logger)
	if err != nil {
		return nil, err
	}
	p.Committer = persist.NewCommitter(p.Store, p.Publisher, cfg.Alerting, logger)
	processor := NewProcessor(ext, p.Engine, p.Registry, p.Committer, logger)

	p.Dispatcher = dispatcher.New(cfg.Dispatcher, processor, logger)
	var submitter chunk.Submitter = p.Dispatcher
	if cfg.Dispatcher.BlockWhenFull {
		submitter = p.Dispatcher.Blocking()
	}
	p.Assembler, err = chunk.NewAssembler(cfg.Chunk, cfg.Capture.SnapLen, firstIndex, submitter, logger)
	if err != nil {
		return nil, err
	}
	p.Dispatcher.Start()
	p.Session = capture.NewSession(cfg.Capture, cfg.Chunk, factory, p.Assembler, logger, p.Committer)

	p.logger.Info("Pipeline ready",
		zap.Uint64("first_chunk_index", firstIndex),
		zap.String("store", cfg.Store.Type),
		zap.Any("models", p.Engine.Available()),
		zap.String("active_model", string(p.Registry.Current())))
	return p, nil
}

func modelNames(cfg config.ScoringConfig) []model.ModelName {
	if len(cfg.Models) == 0 {
		return model.ModelNames()
	}
	names := make([]model.ModelName, 0, len(cfg.Models))
	for _, n := range cfg.Models {
		names = append(names, model.ModelName(n))
	}
	return names
}

// Shutdown stops the session, drains the dispatcher, flushes the
// publishers and closes the store, in that order.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.Session.Stop(); err != nil && !errors.Is(err, capture.ErrNotCapturing) {
		errs = append(errs, err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, config.Duration(p.drainTimeout))
	defer cancel()
	if err := p.Dispatcher.Stop(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher drain: %w", err))
	}

	errs = append(errs, p.closeOutputs(ctx))
	p.logger.Info("Pipeline stopped")
	return errors.Join(errs...)
}

func (p *Pipeline) closeOutputs(ctx context.Context) error {
	var errs []error
	if p.Publisher != nil {
		if err := p.Publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if p.nats != nil {
		p.nats.Close()
	}
	if p.Store != nil {
		if err := p.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
