package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

const createBatchesTableStatement = `
CREATE TABLE IF NOT EXISTS ids_batches (
    ID                   String,
    ChunkIndex           UInt64,
    PcapPath             String,
    CSVPath              String,
    CreatedAt            DateTime64(3),
    Model                String,
    IsAttack             Bool,
    Status               String,
    Error                String,
    FlowCount            UInt32,
    AnomalousFlows       UInt32,
    MaxScore             Float64,
    TotalPackets         UInt64,
    TotalBytes           UInt64,
    ProtocolDistribution String,
    Note                 String
) ENGINE = MergeTree()
ORDER BY (ChunkIndex);
`

const createAlertsTableStatement = `
CREATE TABLE IF NOT EXISTS ids_alerts (
    ID         String,
    BatchID    String,
    ChunkIndex UInt64,
    Severity   String,
    Timestamp  DateTime64(3),
    Message    String,
    Model      String,
    Score      Float64,
    FlowID     String,
    SrcIP      String,
    DstIP      String,
    DstPort    UInt16,
    Protocol   UInt8,
    PcapPath   String,
    CSVPath    String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (BatchID, Timestamp);
`

// ClickHouseStore writes batches and alerts to ClickHouse. MergeTree has
// no unique keys, so duplicate chunk indices are rejected by a lookup
// serialized through insertMu.
type ClickHouseStore struct {
	conn     driver.Conn
	insertMu sync.Mutex
	logger   *zap.Logger
}

// NewClickHouseStore connects and makes sure both tables exist.
func NewClickHouseStore(cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseStore, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	for _, ddl := range []string{createBatchesTableStatement, createAlertsTableStatement} {
		if err := conn.Exec(context.Background(), ddl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	logger = logger.Named("clickhouse")
	logger.Info("Connected to ClickHouse and ensured tables exist", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return &ClickHouseStore{conn: conn, logger: logger}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// syncMutations makes ALTER ... UPDATE/DELETE return only once applied.
func syncMutations(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{"mutations_sync": 1}))
}

// CommitBatch sends the alerts before the batch row, so a batch is never
// visible without its alerts. If the batch row fails the alerts are removed.
func (s *ClickHouseStore) CommitBatch(ctx context.Context, b *model.Batch, alerts []model.Alert) error {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	var existing uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM ids_batches WHERE ChunkIndex = ? OR ID = ?`, b.ChunkIndex, b.ID).Scan(&existing); err != nil {
		return fmt.Errorf("failed to check for duplicate batch: %w", err)
	}
	if existing > 0 {
		return ErrDuplicateBatch
	}

	dist, err := json.Marshal(b.ProtocolDistribution)
	if err != nil {
		return err
	}

	if err := s.insertAlerts(ctx, alerts); err != nil {
		s.removeAlerts(b.ID)
		return err
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO ids_batches")
	if err == nil {
		err = batch.Append(
			b.ID, b.ChunkIndex, b.PcapPath, b.CSVPath, b.CreatedAt, string(b.Model), b.IsAttack, b.Status, b.Error,
			uint32(b.FlowCount), uint32(b.AnomalousFlows), b.MaxScore, uint64(b.TotalPackets), b.TotalBytes, string(dist), b.Note,
		)
		if err == nil {
			err = batch.Send()
		}
	}
	if err != nil {
		if len(alerts) > 0 {
			s.removeAlerts(b.ID)
		}
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) insertAlerts(ctx context.Context, alerts []model.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO ids_alerts")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, a := range alerts {
		if err := batch.Append(
			a.ID, a.BatchID, a.ChunkIndex, a.Severity, a.Timestamp, a.Message, string(a.Model), a.Score, a.FlowID,
			a.SrcIP, a.DstIP, a.DstPort, a.Protocol, a.PcapPath, a.CSVPath,
		); err != nil {
			return fmt.Errorf("failed to append alert to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	s.logger.Debug("Wrote alerts to ClickHouse", zap.Int("count", len(alerts)))
	return nil
}

// removeAlerts undoes a partial commit on its own context, since the
// caller's may already be cancelled.
func (s *ClickHouseStore) removeAlerts(batchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.conn.Exec(syncMutations(ctx), `ALTER TABLE ids_alerts DELETE WHERE BatchID = ?`, batchID); err != nil {
		s.logger.Error("Failed to remove alerts of uncommitted batch", zap.String("batch_id", batchID), zap.Error(err))
	}
}

const batchSelect = `SELECT ID, ChunkIndex, PcapPath, CSVPath, CreatedAt, Model, IsAttack, Status, Error,
	FlowCount, AnomalousFlows, MaxScore, TotalPackets, TotalBytes, ProtocolDistribution, Note FROM ids_batches`

func scanClickHouseBatch(row interface{ Scan(dest ...any) error }) (*model.Batch, error) {
	var (
		b              model.Batch
		modelName      string
		flowCount      uint32
		anomalousFlows uint32
		totalPackets   uint64
		dist           string
	)
	if err := row.Scan(&b.ID, &b.ChunkIndex, &b.PcapPath, &b.CSVPath, &b.CreatedAt, &modelName, &b.IsAttack, &b.Status, &b.Error,
		&flowCount, &anomalousFlows, &b.MaxScore, &totalPackets, &b.TotalBytes, &dist, &b.Note); err != nil {
		return nil, err
	}
	b.Model = model.ModelName(modelName)
	b.FlowCount = int(flowCount)
	b.AnomalousFlows = int(anomalousFlows)
	b.TotalPackets = int(totalPackets)
	b.CreatedAt = b.CreatedAt.UTC()
	if dist != "" && dist != "null" {
		if err := json.Unmarshal([]byte(dist), &b.ProtocolDistribution); err != nil {
			return nil, fmt.Errorf("decode protocol distribution of %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func (s *ClickHouseStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	rows, err := s.conn.Query(ctx, batchSelect+` WHERE ID = ? LIMIT 1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanClickHouseBatch(rows)
}

func (s *ClickHouseStore) ListBatches(ctx context.Context, limit int) ([]model.Batch, error) {
	query := batchSelect + ` ORDER BY ChunkIndex DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		b, err := scanClickHouseBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`SELECT ID, BatchID, ChunkIndex, Severity, Timestamp, Message, Model, Score, FlowID,
		SrcIP, DstIP, DstPort, Protocol, PcapPath, CSVPath FROM ids_alerts`)

	var whereClauses []string
	args := []interface{}{}
	if filter.BatchID != "" {
		whereClauses = append(whereClauses, "BatchID = ?")
		args = append(args, filter.BatchID)
	}
	if filter.Severity != "" {
		whereClauses = append(whereClauses, "Severity = ?")
		args = append(args, filter.Severity)
	}
	if !filter.Since.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, filter.Since)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}
	queryBuilder.WriteString(" ORDER BY Timestamp DESC")
	if filter.Limit > 0 {
		queryBuilder.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var modelName string
		if err := rows.Scan(&a.ID, &a.BatchID, &a.ChunkIndex, &a.Severity, &a.Timestamp, &a.Message, &modelName, &a.Score, &a.FlowID,
			&a.SrcIP, &a.DstIP, &a.DstPort, &a.Protocol, &a.PcapPath, &a.CSVPath); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Model = model.ModelName(modelName)
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) exists(ctx context.Context, id string) (bool, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM ids_batches WHERE ID = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ClickHouseStore) UpdateBatchNote(ctx context.Context, id, note string) error {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.conn.Exec(syncMutations(ctx), `ALTER TABLE ids_batches UPDATE Note = ? WHERE ID = ?`, note, id); err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) DeleteBatch(ctx context.Context, id string) error {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	ok, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	for _, table := range []string{"ids_alerts", "ids_batches"} {
		column := "ID"
		if table == "ids_alerts" {
			column = "BatchID"
		}
		if err := s.conn.Exec(syncMutations(ctx), fmt.Sprintf(`ALTER TABLE %s DELETE WHERE %s = ?`, table, column), id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (s *ClickHouseStore) MaxChunkIndex(ctx context.Context) (uint64, bool, error) {
	var count, max uint64
	if err := s.conn.QueryRow(ctx, `SELECT count(), max(ChunkIndex) FROM ids_batches`).Scan(&count, &max); err != nil {
		return 0, false, err
	}
	return max, count > 0, nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

