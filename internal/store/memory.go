package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"Go2NetSentry/internal/model"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*model.Batch
	byChunk map[uint64]string
	alerts  []model.Alert
	alertID map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*model.Batch),
		byChunk: make(map[uint64]string),
		alertID: make(map[string]struct{}),
	}
}

func (s *MemoryStore) CommitBatch(_ context.Context, b *model.Batch, alerts []model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byChunk[b.ChunkIndex]; ok {
		return ErrDuplicateBatch
	}
	if _, ok := s.batches[b.ID]; ok {
		return ErrDuplicateBatch
	}
	seen := make(map[string]struct{}, len(alerts))
	for _, a := range alerts {
		_, stored := s.alertID[a.ID]
		_, repeated := seen[a.ID]
		if stored || repeated {
			return fmt.Errorf("%w: %s", ErrDuplicateAlert, a.ID)
		}
		seen[a.ID] = struct{}{}
	}

	s.batches[b.ID] = cloneBatch(b)
	s.byChunk[b.ChunkIndex] = b.ID
	for _, a := range alerts {
		s.alertID[a.ID] = struct{}{}
		s.alerts = append(s.alerts, a)
	}
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) ListBatches(_ context.Context, limit int) ([]model.Batch, error) {
	s.mu.RLock()
	out := make([]model.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, *cloneBatch(b))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex > out[j].ChunkIndex })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]model.Alert, error) {
	s.mu.RLock()
	var out []model.Alert
	for i := range s.alerts {
		if filter.match(&s.alerts[i]) {
			out = append(out, s.alerts[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateBatchNote(_ context.Context, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.Note = note
	return nil
}

func (s *MemoryStore) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.batches, id)
	delete(s.byChunk, b.ChunkIndex)

	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.BatchID != id {
			kept = append(kept, a)
			continue
		}
		delete(s.alertID, a.ID)
	}
	s.alerts = kept
	return nil
}

func (s *MemoryStore) MaxChunkIndex(_ context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	found := false
	for idx := range s.byChunk {
		if !found || idx > max {
			max, found = idx, true
		}
	}
	return max, found, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneBatch(b *model.Batch) *model.Batch {
	cp := *b
	if b.ProtocolDistribution != nil {
		cp.ProtocolDistribution = make(map[string]int, len(b.ProtocolDistribution))
		for k, v := range b.ProtocolDistribution {
			cp.ProtocolDistribution[k] = v
		}
	}
	return &cp
}
