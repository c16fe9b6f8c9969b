// Package persist turns scored chunks into stored batches and alerts and
// publishes the resulting events.
package persist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"Go2NetSentry/internal/capture"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/notification"
	"Go2NetSentry/internal/scoring"
	"Go2NetSentry/internal/store"
)

// Alert policies.
const (
	PolicyBatch = "batch"
	PolicyFlow  = "flow"
)

// CommitRequest carries everything produced for one chunk.
type CommitRequest struct {
	Chunk   *model.Chunk
	Summary model.ChunkSummary
	Flows   model.FlowSet
	Result  scoring.Result
	CSVPath string
}

// Committer writes batches and alerts and publishes the matching events.
type Committer struct {
	store     store.Store
	publisher notification.Publisher
	policy    string
	maxAlerts int
	logger    *zap.Logger

	totalPackets atomic.Uint64
	now          func() time.Time
}

// NewCommitter creates a committer writing to s and publishing to pub.
func NewCommitter(s store.Store, pub notification.Publisher, cfg config.AlertingConfig, logger *zap.Logger) *Committer {
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyBatch
	}
	maxAlerts := cfg.MaxAlertsPerBatch
	if maxAlerts <= 0 {
		maxAlerts = 100
	}
	return &Committer{
		store:     s,
		publisher: pub,
		policy:    policy,
		maxAlerts: maxAlerts,
		logger:    logger.Named("committer"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Commit persists the outcome of a successfully scored chunk. The batch and
// its alerts are stored together: on error nothing was stored, so the chunk
// can still be recorded with CommitFailure. A second commit for the same
// chunk index returns store.ErrDuplicateBatch.
func (c *Committer) Commit(ctx context.Context, req CommitRequest) (*model.Batch, error) {
	v := req.Result.Verdict
	batch := c.newBatch(req.Chunk, req.Summary)
	batch.CSVPath = req.CSVPath
	batch.Model = req.Result.Model
	batch.Status = model.BatchStatusOK
	batch.IsAttack = v.IsAttack
	batch.FlowCount = v.TotalFlows
	batch.AnomalousFlows = v.AnomalousFlows
	batch.MaxScore = v.MaxScore

	var alerts []model.Alert
	if batch.IsAttack {
		alerts = c.buildAlerts(batch, req)
	}
	if err := c.commitBatch(ctx, batch, alerts); err != nil {
		return nil, err
	}

	if batch.IsAttack {
		for _, a := range alerts {
			metrics.AlertsRaised.WithLabelValues(a.Severity).Inc()
		}
		c.logger.Warn("Intrusion detected",
			zap.String("batch_id", batch.ID),
			zap.String("model", string(batch.Model)),
			zap.Int("anomalous_flows", batch.AnomalousFlows),
			zap.Int("flows", batch.FlowCount),
			zap.Int("alerts", len(alerts)))
	} else {
		c.logger.Info("Batch committed",
			zap.String("batch_id", batch.ID),
			zap.String("model", string(batch.Model)),
			zap.Int("flows", batch.FlowCount))
	}

	c.publishCommitted(batch)
	for _, a := range alerts {
		c.publish(model.EventIntrusionAlert, a)
	}
	return batch, nil
}

// CommitFailure records a chunk whose processing failed.
func (c *Committer) CommitFailure(ctx context.Context, chunk *model.Chunk, summary model.ChunkSummary, cause error) (*model.Batch, error) {
	batch := c.newBatch(chunk, summary)
	batch.Status = model.BatchStatusFailed
	if cause != nil {
		batch.Error = cause.Error()
	}
	if err := c.commitBatch(ctx, batch, nil); err != nil {
		return nil, err
	}
	c.logger.Error("Chunk processing failed", zap.String("batch_id", batch.ID), zap.Error(cause))
	c.publishCommitted(batch)
	return batch, nil
}

// DeleteBatch removes a batch, its alerts and its files.
func (c *Committer) DeleteBatch(ctx context.Context, id string) error {
	batch, err := c.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeleteBatch(ctx, id); err != nil {
		return err
	}
	for _, path := range []string{batch.PcapPath, batch.CSVPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to remove batch file", zap.String("batch_id", id), zap.String("path", path), zap.Error(err))
		}
	}
	c.logger.Info("Batch deleted", zap.String("batch_id", id))
	return nil
}

// UpdateNote sets the analyst note of a batch.
func (c *Committer) UpdateNote(ctx context.Context, id, note string) error {
	return c.store.UpdateBatchNote(ctx, id, note)
}

// TotalPackets returns the number of packets in all committed batches
// since the committer was created.
func (c *Committer) TotalPackets() uint64 {
	return c.totalPackets.Load()
}

// CaptureStatusChanged publishes capture_status events.
func (c *Committer) CaptureStatusChanged(s capture.Status) {
	c.publish(model.EventCaptureStatus, model.CaptureStatus{
		IsCapturing:  s.Capturing,
		BufferSize:   s.BufferSize,
		TotalPackets: s.TotalPackets,
	})
}

func (c *Committer) newBatch(chunk *model.Chunk, summary model.ChunkSummary) *model.Batch {
	return &model.Batch{
		ID:                   model.BatchID(chunk.Index),
		ChunkIndex:           chunk.Index,
		PcapPath:             chunk.Path,
		CreatedAt:            c.now(),
		TotalPackets:         summary.TotalPackets,
		TotalBytes:           summary.TotalBytes,
		ProtocolDistribution: summary.ProtocolDistribution,
	}
}

func (c *Committer) commitBatch(ctx context.Context, batch *model.Batch, alerts []model.Alert) error {
	if err := c.store.CommitBatch(ctx, batch, alerts); err != nil {
		if errors.Is(err, store.ErrDuplicateBatch) {
			c.logger.Error("Batch already committed, ignoring duplicate", zap.String("batch_id", batch.ID), zap.Uint64("chunk_index", batch.ChunkIndex))
		}
		return fmt.Errorf("failed to commit batch %s: %w", batch.ID, err)
	}
	metrics.BatchesCommitted.WithLabelValues(batch.Status).Inc()
	return nil
}

func (c *Committer) publishCommitted(batch *model.Batch) {
	total := c.totalPackets.Add(uint64(batch.TotalPackets))
	c.publish(model.EventPacketCount, model.PacketCount{
		TotalPackets: total,
		ChunkIndex:   batch.ChunkIndex,
		BatchID:      batch.ID,
		Status:       batch.Status,
	})
}

func (c *Committer) publish(kind model.EventKind, payload interface{}) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(notification.NewEvent(kind, payload)); err != nil {
		c.logger.Debug("Event not published", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (c *Committer) buildAlerts(batch *model.Batch, req CommitRequest) []model.Alert {
	if c.policy == PolicyFlow {
		return c.flowAlerts(batch, req)
	}
	return []model.Alert{c.batchAlert(batch, req)}
}

func (c *Committer) batchAlert(batch *model.Batch, req CommitRequest) model.Alert {
	v := req.Result.Verdict
	a := c.newAlert(batch)
	a.Severity = RatioSeverity(v.AnomalousFlows, v.TotalFlows)
	a.Score = v.MaxScore
	a.Message = fmt.Sprintf("%d of %d flows anomalous (model %s, threshold %g)",
		v.AnomalousFlows, v.TotalFlows, batch.Model, req.Result.Threshold)
	if v.TopFlow >= 0 && v.TopFlow < len(req.Flows.Flows) {
		fillFlow(&a, req.Flows.Flows[v.TopFlow])
	}
	return a
}

func (c *Committer) flowAlerts(batch *model.Batch, req CommitRequest) []model.Alert {
	scores := req.Result.Scores
	var idx []int
	for i, s := range scores {
		if s.Anomalous && i < len(req.Flows.Flows) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(i, j int) bool { return scores[idx[i]].Score > scores[idx[j]].Score })
	if len(idx) > c.maxAlerts {
		c.logger.Warn("Alert cap reached, keeping the highest scores",
			zap.String("batch_id", batch.ID), zap.Int("anomalous_flows", len(idx)), zap.Int("max_alerts", c.maxAlerts))
		idx = idx[:c.maxAlerts]
	}

	alerts := make([]model.Alert, 0, len(idx))
	for _, i := range idx {
		a := c.newAlert(batch)
		a.Score = scores[i].Score
		a.Severity = ExcessSeverity(scores[i].Score, req.Result.Threshold)
		fillFlow(&a, req.Flows.Flows[i])
		a.Message = fmt.Sprintf("Anomalous flow %s (model %s, score %.4f, threshold %g)",
			a.FlowID, batch.Model, a.Score, req.Result.Threshold)
		alerts = append(alerts, a)
	}
	return alerts
}

func (c *Committer) newAlert(batch *model.Batch) model.Alert {
	return model.Alert{
		ID:         uuid.NewString(),
		BatchID:    batch.ID,
		ChunkIndex: batch.ChunkIndex,
		Timestamp:  batch.CreatedAt,
		Model:      batch.Model,
		PcapPath:   batch.PcapPath,
		CSVPath:    batch.CSVPath,
	}
}

func fillFlow(a *model.Alert, f model.Flow) {
	a.FlowID = f.ID
	if f.SrcIP != nil {
		a.SrcIP = f.SrcIP.String()
	}
	if f.DstIP != nil {
		a.DstIP = f.DstIP.String()
	}
	a.DstPort = f.DstPort
	a.Protocol = f.Protocol
}

// RatioSeverity grades a batch by its share of anomalous flows.
func RatioSeverity(anomalous, total int) string {
	if total <= 0 {
		return model.SeverityLow
	}
	ratio := float64(anomalous) / float64(total)
	switch {
	case ratio >= 0.5:
		return model.SeverityCritical
	case ratio >= 0.2:
		return model.SeverityHigh
	case ratio >= 0.05:
		return model.SeverityMedium
	}
	return model.SeverityLow
}

// ExcessSeverity grades a single flow by how far its score exceeds the
// threshold, relative to the threshold magnitude (at least 1).
func ExcessSeverity(score, threshold float64) string {
	excess := (score - threshold) / math.Max(math.Abs(threshold), 1)
	switch {
	case excess >= 3:
		return model.SeverityCritical
	case excess >= 1:
		return model.SeverityHigh
	case excess >= 0.25:
		return model.SeverityMedium
	}
	return model.SeverityLow
}
