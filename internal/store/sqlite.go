package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"Go2NetSentry/internal/model"
)

const sqliteSchemaVersion = 1

// SQLiteStore is the embedded default backend.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens or creates the database at path and migrates it.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger.Named("sqlite")}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("Opened SQLite store", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) init() error {
	for _, st := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA synchronous=NORMAL;`} {
		if _, err := s.db.Exec(st); err != nil {
			return fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	var userVersion int
	if err := s.db.QueryRow(`PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if userVersion == 0 {
		if err := s.migrateToV1(); err != nil {
			return err
		}
		if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, sqliteSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		userVersion = sqliteSchemaVersion
	}
	if userVersion != sqliteSchemaVersion {
		return fmt.Errorf("unsupported sqlite schema version %d", userVersion)
	}
	return nil
}

func (s *SQLiteStore) migrateToV1() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS batches(
			id TEXT PRIMARY KEY,
			chunk_index INTEGER NOT NULL UNIQUE,
			pcap_path TEXT,
			csv_path TEXT,
			created_at INTEGER,
			model TEXT,
			is_attack INTEGER,
			status TEXT,
			error TEXT,
			flow_count INTEGER,
			anomalous_flows INTEGER,
			max_score REAL,
			total_packets INTEGER,
			total_bytes INTEGER,
			protocol_distribution TEXT,
			note TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS alerts(
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			chunk_index INTEGER,
			severity TEXT,
			ts INTEGER,
			message TEXT,
			model TEXT,
			score REAL,
			flow_id TEXT,
			src_ip TEXT,
			dst_ip TEXT,
			dst_port INTEGER,
			protocol INTEGER,
			pcap_path TEXT,
			csv_path TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_batch ON alerts(batch_id);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_sev ON alerts(severity, ts);`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range ddl {
		if _, err := tx.Exec(st); err != nil {
			return fmt.Errorf("sqlite ddl: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) CommitBatch(ctx context.Context, b *model.Batch, alerts []model.Alert) error {
	dist, err := json.Marshal(b.ProtocolDistribution)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches(id, chunk_index, pcap_path, csv_path, created_at, model, is_attack, status, error,
			flow_count, anomalous_flows, max_score, total_packets, total_bytes, protocol_distribution, note)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, int64(b.ChunkIndex), b.PcapPath, b.CSVPath, b.CreatedAt.UnixNano(), string(b.Model), b.IsAttack, b.Status, b.Error,
		b.FlowCount, b.AnomalousFlows, b.MaxScore, b.TotalPackets, int64(b.TotalBytes), string(dist), b.Note,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateBatch
	}
	if err != nil {
		return err
	}

	if len(alerts) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO alerts(id, batch_id, chunk_index, severity, ts, message, model, score, flow_id,
				src_ip, dst_ip, dst_port, protocol, pcap_path, csv_path)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range alerts {
			_, err := stmt.ExecContext(ctx,
				a.ID, a.BatchID, int64(a.ChunkIndex), a.Severity, a.Timestamp.UnixNano(), a.Message, string(a.Model), a.Score, a.FlowID,
				a.SrcIP, a.DstIP, int(a.DstPort), int(a.Protocol), a.PcapPath, a.CSVPath,
			)
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateAlert, a.ID)
			}
			if err != nil {
				return fmt.Errorf("insert alert %s: %w", a.ID, err)
			}
		}
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const batchColumns = `id, chunk_index, pcap_path, csv_path, created_at, model, is_attack, status, error,
	flow_count, anomalous_flows, max_score, total_packets, total_bytes, protocol_distribution, note`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*model.Batch, error) {
	var (
		b          model.Batch
		chunkIndex int64
		createdAt  int64
		modelName  string
		totalBytes int64
		dist       sql.NullString
		pcapPath   sql.NullString
		csvPath    sql.NullString
		errText    sql.NullString
		note       sql.NullString
	)
	if err := row.Scan(&b.ID, &chunkIndex, &pcapPath, &csvPath, &createdAt, &modelName, &b.IsAttack, &b.Status, &errText,
		&b.FlowCount, &b.AnomalousFlows, &b.MaxScore, &b.TotalPackets, &totalBytes, &dist, &note); err != nil {
		return nil, err
	}
	b.ChunkIndex = uint64(chunkIndex)
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	b.Model = model.ModelName(modelName)
	b.TotalBytes = uint64(totalBytes)
	b.PcapPath, b.CSVPath, b.Error, b.Note = pcapPath.String, csvPath.String, errText.String, note.String
	if dist.Valid && dist.String != "" && dist.String != "null" {
		if err := json.Unmarshal([]byte(dist.String), &b.ProtocolDistribution); err != nil {
			return nil, fmt.Errorf("decode protocol distribution of %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]model.Batch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY chunk_index DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	var where []string
	var args []any
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	var q strings.Builder
	q.WriteString(`SELECT id, batch_id, chunk_index, severity, ts, message, model, score, flow_id,
		src_ip, dst_ip, dst_port, protocol, pcap_path, csv_path FROM alerts`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY ts DESC")
	if filter.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a          model.Alert
			chunkIndex int64
			ts         int64
			modelName  string
			dstPort    int
			proto      int
		)
		if err := rows.Scan(&a.ID, &a.BatchID, &chunkIndex, &a.Severity, &ts, &a.Message, &modelName, &a.Score, &a.FlowID,
			&a.SrcIP, &a.DstIP, &dstPort, &proto, &a.PcapPath, &a.CSVPath); err != nil {
			return nil, err
		}
		a.ChunkIndex = uint64(chunkIndex)
		a.Timestamp = time.Unix(0, ts).UTC()
		a.Model = model.ModelName(modelName)
		a.DstPort = uint16(dstPort)
		a.Protocol = uint8(proto)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateBatchNote(ctx context.Context, id, note string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET note=? WHERE id=?`, note, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteBatch(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE batch_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MaxChunkIndex(ctx context.Context) (uint64, bool, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(chunk_index) FROM batches`).Scan(&max); err != nil {
		return 0, false, err
	}
	if !max.Valid {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
