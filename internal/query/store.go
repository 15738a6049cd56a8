// Package query stores flagged anomalies in ClickHouse and reads them back
// for the diagnostics API.
package query

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"NetAnomaly/internal/config"
	"NetAnomaly/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS flow_anomalies (
    ID              String,
    DetectedAt      DateTime64(3),
    Flow            String,
    SrcAddr         String,
    DstAddr         String,
    SrcPort         UInt16,
    DstPort         UInt16,
    Protocol        LowCardinality(String),
    BytesSent       UInt64,
    BytesReceived   UInt64,
    PacketsSent     UInt64,
    PacketsReceived UInt64,
    DurationSeconds Float64,
    Seq             UInt64,
    Score           Float64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(DetectedAt)
ORDER BY (DetectedAt, SrcAddr);
`

const anomalyColumns = "ID, DetectedAt, Flow, SrcAddr, DstAddr, SrcPort, DstPort, Protocol, " +
	"BytesSent, BytesReceived, PacketsSent, PacketsReceived, DurationSeconds, Seq, Score"

// DefaultLimit caps anomaly listings when the filter leaves Limit unset.
const DefaultLimit = 100

// AnomalyFilter narrows an anomaly listing. Zero fields are ignored.
type AnomalyFilter struct {
	Since    time.Time
	Until    time.Time
	SrcAddr  string
	DstAddr  string
	Protocol string
	MinScore float64
	Limit    int
}

// SourceSummary aggregates the anomalies raised by one source address.
type SourceSummary struct {
	SrcAddr   string    `json:"src_addr"`
	Anomalies uint64    `json:"anomalies"`
	MaxScore  float64   `json:"max_score"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store is the ClickHouse anomaly table.
type Store struct {
	conn driver.Conn
}

// NewStore connects to ClickHouse and makes sure the anomaly table exists.
func NewStore(cfg config.ClickHouseConfig) (*Store, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured table exists.")
	return &Store{conn: conn}, nil
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

// Close closes the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// InsertAnomalies writes a batch of anomalies.
func (s *Store) InsertAnomalies(ctx context.Context, anomalies []model.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO flow_anomalies ("+anomalyColumns+")")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, a := range anomalies {
		err = batch.Append(
			a.ID, a.DetectedAt, a.Flow, a.SrcAddr, a.DstAddr, a.SrcPort, a.DstPort, a.Protocol,
			a.BytesSent, a.BytesReceived, a.PacketsSent, a.PacketsReceived, a.DurationSeconds, a.Seq, a.Score,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append anomaly to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// ListAnomalies returns the most recent anomalies matching f.
func (s *Store) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]model.Anomaly, error) {
	query, args := buildAnomalyQuery(f)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		var a model.Anomaly
		if err := rows.Scan(
			&a.ID, &a.DetectedAt, &a.Flow, &a.SrcAddr, &a.DstAddr, &a.SrcPort, &a.DstPort, &a.Protocol,
			&a.BytesSent, &a.BytesReceived, &a.PacketsSent, &a.PacketsReceived, &a.DurationSeconds, &a.Seq, &a.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TopSources ranks source addresses by anomaly count since the given time.
func (s *Store) TopSources(ctx context.Context, since time.Time, limit int) ([]SourceSummary, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.conn.Query(ctx, `
		SELECT SrcAddr, count() AS Anomalies, max(Score) AS MaxScore, max(DetectedAt) AS LastSeen
		FROM flow_anomalies
		WHERE DetectedAt >= ?
		GROUP BY SrcAddr
		ORDER BY Anomalies DESC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []SourceSummary
	for rows.Next() {
		var sum SourceSummary
		if err := rows.Scan(&sum.SrcAddr, &sum.Anomalies, &sum.MaxScore, &sum.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan source summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func buildAnomalyQuery(f AnomalyFilter) (string, []interface{}) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString("SELECT " + anomalyColumns + " FROM flow_anomalies")

	var whereClauses []string
	args := []interface{}{}
	if !f.Since.IsZero() {
		whereClauses = append(whereClauses, "DetectedAt >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		whereClauses = append(whereClauses, "DetectedAt <= ?")
		args = append(args, f.Until)
	}
	if f.SrcAddr != "" {
		whereClauses = append(whereClauses, "SrcAddr = ?")
		args = append(args, f.SrcAddr)
	}
	if f.DstAddr != "" {
		whereClauses = append(whereClauses, "DstAddr = ?")
		args = append(args, f.DstAddr)
	}
	if f.Protocol != "" {
		whereClauses = append(whereClauses, "Protocol = ?")
		args = append(args, f.Protocol)
	}
	if f.MinScore > 0 {
		whereClauses = append(whereClauses, "Score >= ?")
		args = append(args, f.MinScore)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	queryBuilder.WriteString(" ORDER BY DetectedAt DESC LIMIT ?")
	args = append(args, limit)
	return queryBuilder.String(), args
}
