// Package pipeline wires capture, chunking, extraction, scoring and
// persistence together.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/persist"
	"Go2NetSentry/internal/scoring"
	"Go2NetSentry/internal/store"
	pcapfile "Go2NetSentry/pkg/pcap"
)

// FlowExtractor converts a chunk file into flows.
type FlowExtractor interface {
	Extract(ctx context.Context, chunkPath string) (model.FlowSet, string, error)
}

// Scorer scores a flow set with the named model.
type Scorer interface {
	Score(set model.FlowSet, name model.ModelName) (scoring.Result, error)
}

// ModelSource yields the model to use for the next chunk.
type ModelSource interface {
	Current() model.ModelName
}

// Processor runs extract, score and commit for one chunk. It implements
// dispatcher.Processor.
type Processor struct {
	extractor FlowExtractor
	scorer    Scorer
	models    ModelSource
	committer *persist.Committer
	logger    *zap.Logger
}

func NewProcessor(extractor FlowExtractor, scorer Scorer, models ModelSource, committer *persist.Committer, logger *zap.Logger) *Processor {
	return &Processor{
		extractor: extractor,
		scorer:    scorer,
		models:    models,
		committer: committer,
		logger:    logger.Named("processor"),
	}
}

// Process handles one chunk. Every failure, including a rejected commit, is
// recorded as a failed batch and returned.
func (p *Processor) Process(ctx context.Context, chunk *model.Chunk) error {
	summary, err := pcapfile.Summarize(chunk.Path)
	if err != nil {
		return p.fail(ctx, chunk, summary, fmt.Errorf("failed to summarize chunk: %w", err))
	}

	flows, csvPath, err := p.extractor.Extract(ctx, chunk.Path)
	if err != nil {
		return p.fail(ctx, chunk, summary, err)
	}

	// Read once per chunk so a model switch applies from the next chunk on.
	name := p.models.Current()
	result, err := p.scorer.Score(flows, name)
	if err != nil {
		return p.fail(ctx, chunk, summary, fmt.Errorf("failed to score with %s: %w", name, err))
	}

	p.logger.Debug("Chunk scored",
		zap.Uint64("chunk_index", chunk.Index),
		zap.String("model", string(name)),
		zap.Int("flows", result.Verdict.TotalFlows),
		zap.Int("anomalous", result.Verdict.AnomalousFlows))

	_, err = p.committer.Commit(ctx, persist.CommitRequest{
		Chunk:   chunk,
		Summary: summary,
		Flows:   flows,
		Result:  result,
		CSVPath: csvPath,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateBatch) {
		return p.fail(ctx, chunk, summary, err)
	}
	return err
}

func (p *Processor) fail(ctx context.Context, chunk *model.Chunk, summary model.ChunkSummary, cause error) error {
	if _, err := p.committer.CommitFailure(context.WithoutCancel(ctx), chunk, summary, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
