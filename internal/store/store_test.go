package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

func sampleBatch(index uint64, attack bool) *model.Batch {
	return &model.Batch{
		ID:                   model.BatchID(index),
		ChunkIndex:           index,
		PcapPath:             "/data/pcap_splits/" + model.ChunkName(index),
		CSVPath:              "/data/csv/chunk_Flow.csv",
		CreatedAt:            time.Date(2026, 10, 17, 12, 0, int(index), 0, time.UTC),
		Model:                model.ModelKMeans,
		IsAttack:             attack,
		Status:               model.BatchStatusOK,
		FlowCount:            10,
		AnomalousFlows:       3,
		MaxScore:             4.5,
		TotalPackets:         5000,
		TotalBytes:           123456,
		ProtocolDistribution: map[string]int{"TCP": 4000, "UDP": 1000},
	}
}

func sampleAlert(batch *model.Batch, n int, severity string) model.Alert {
	return model.Alert{
		ID:         batch.ID + "-" + strconv.Itoa(n),
		BatchID:    batch.ID,
		ChunkIndex: batch.ChunkIndex,
		Severity:   severity,
		Timestamp:  batch.CreatedAt.Add(time.Duration(n) * time.Second),
		Message:    "anomalous traffic",
		Model:      batch.Model,
		Score:      4.5,
		SrcIP:      "10.0.0.1",
		DstIP:      "10.0.0.2",
		DstPort:    443,
		Protocol:   6,
		PcapPath:   batch.PcapPath,
		CSVPath:    batch.CSVPath,
	}
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	_, ok, err := s.MaxChunkIndex(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	next, err := NextChunkIndex(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)

	b1, b2 := sampleBatch(1, true), sampleBatch(2, false)
	require.NoError(t, s.CommitBatch(ctx, b1, []model.Alert{
		sampleAlert(b1, 1, model.SeverityHigh),
		sampleAlert(b1, 2, model.SeverityLow),
	}))
	require.NoError(t, s.CommitBatch(ctx, b2, nil))
	dup := sampleBatch(1, true)
	assert.ErrorIs(t, s.CommitBatch(ctx, dup, []model.Alert{sampleAlert(dup, 9, model.SeverityHigh)}), ErrDuplicateBatch)

	got, err := s.GetBatch(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, b1.ChunkIndex, got.ChunkIndex)
	assert.True(t, got.IsAttack)
	assert.True(t, b1.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, b1.ProtocolDistribution, got.ProtocolDistribution)
	assert.Equal(t, b1.TotalBytes, got.TotalBytes)
	assert.Equal(t, model.ModelKMeans, got.Model)

	_, err = s.GetBatch(ctx, "batch_999999")
	assert.ErrorIs(t, err, ErrNotFound)

	idx, ok, err := s.MaxChunkIndex(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), idx)
	next, err = NextChunkIndex(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)

	list, err := s.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b2.ID, list[0].ID, "newest first")
	list, err = s.ListBatches(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	alerts, err := s.ListAlerts(ctx, AlertFilter{BatchID: b1.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, b1.ID+"-2", alerts[0].ID, "newest first")
	assert.Equal(t, uint16(443), alerts[0].DstPort)

	alerts, err = s.ListAlerts(ctx, AlertFilter{Severity: model.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, b1.ID+"-1", alerts[0].ID)

	alerts, err = s.ListAlerts(ctx, AlertFilter{Since: b1.CreatedAt.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	require.NoError(t, s.UpdateBatchNote(ctx, b1.ID, "false positive: backup job"))
	got, err = s.GetBatch(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, "false positive: backup job", got.Note)
	assert.ErrorIs(t, s.UpdateBatchNote(ctx, "batch_999999", "x"), ErrNotFound)

	require.NoError(t, s.DeleteBatch(ctx, b1.ID))
	assert.ErrorIs(t, s.DeleteBatch(ctx, b1.ID), ErrNotFound)
	_, err = s.GetBatch(ctx, b1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	alerts, err = s.ListAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts, "deleting a batch removes its alerts")
}

// runCommitAtomicity checks that a rejected alert leaves no batch behind
// and that the chunk index can still be committed afterwards.
func runCommitAtomicity(t *testing.T, s Store) {
	ctx := context.Background()

	b := sampleBatch(5, true)
	a := sampleAlert(b, 1, model.SeverityHigh)
	err := s.CommitBatch(ctx, b, []model.Alert{a, a})
	assert.ErrorIs(t, err, ErrDuplicateAlert)

	_, err = s.GetBatch(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok, err := s.MaxChunkIndex(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	alerts, err := s.ListAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	require.NoError(t, s.CommitBatch(ctx, b, []model.Alert{a}))
	alerts, err = s.ListAlerts(ctx, AlertFilter{BatchID: b.ID})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStore_CommitIsAtomic(t *testing.T) {
	runCommitAtomicity(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "ids.sqlite"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	runStoreSuite(t, s)
}

func TestSQLiteStore_CommitIsAtomic(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ids.sqlite"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	runCommitAtomicity(t, s)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.sqlite")
	ctx := context.Background()

	s, err := OpenSQLite(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(ctx, sampleBatch(41, false), nil))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	next, err := NextChunkIndex(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next)
	assert.ErrorIs(t, s.CommitBatch(ctx, sampleBatch(41, false), nil), ErrDuplicateBatch)
}

func TestClickHouseStore(t *testing.T) {
	host := os.Getenv("SENTRY_CLICKHOUSE_HOST")
	if host == "" {
		t.Skip("SENTRY_CLICKHOUSE_HOST not set")
	}
	s, err := NewClickHouseStore(config.ClickHouseConfig{Host: host, Port: 9000, Database: "default"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, table := range []string{"ids_batches", "ids_alerts"} {
		require.NoError(t, s.conn.Exec(ctx, "TRUNCATE TABLE "+table))
	}
	runStoreSuite(t, s)
}

func TestNew(t *testing.T) {
	s, err := New(config.StoreConfig{Type: "memory"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(config.StoreConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "x.sqlite")}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = New(config.StoreConfig{Type: "mongo"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
