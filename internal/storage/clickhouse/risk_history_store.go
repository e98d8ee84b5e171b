package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/storage"
)

// RiskHistoryStore implements storage.RiskHistoryStore using ClickHouse.
// risk_history is a raw MergeTree: observations are append-only and
// never updated.
type RiskHistoryStore struct {
	conn *Conn
}

// NewRiskHistoryStore creates a new RiskHistoryStore.
func NewRiskHistoryStore(conn *Conn) *RiskHistoryStore {
	return &RiskHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.RiskHistoryStore = (*RiskHistoryStore)(nil)

// InsertBulk appends multiple observations.
func (s *RiskHistoryStore) InsertBulk(ctx context.Context, points []*domain.RiskHistoryPoint) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if p == nil || p.Pool == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO risk_history (
			pool, timestamp_ms, composite_score, volatility_score, liquidity_risk, position_score
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		err = batch.Append(
			p.Pool, uint64(p.TimestampMs),
			p.CompositeScore, p.VolatilityScore, p.LiquidityRisk, p.PositionScore,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByPool retrieves all observations for a pool, ordered by timestamp ASC.
func (s *RiskHistoryStore) GetByPool(ctx context.Context, pool string) ([]*domain.RiskHistoryPoint, error) {
	query := `
		SELECT pool, timestamp_ms, composite_score, volatility_score, liquidity_risk, position_score
		FROM risk_history
		WHERE pool = ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, pool)
	if err != nil {
		return nil, fmt.Errorf("query by pool: %w", err)
	}
	defer rows.Close()

	return scanRiskHistory(rows)
}

// GetByTimeRange retrieves observations for a pool within [start, end] (inclusive).
func (s *RiskHistoryStore) GetByTimeRange(ctx context.Context, pool string, start, end int64) ([]*domain.RiskHistoryPoint, error) {
	query := `
		SELECT pool, timestamp_ms, composite_score, volatility_score, liquidity_risk, position_score
		FROM risk_history
		WHERE pool = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, pool, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanRiskHistory(rows)
}

func scanRiskHistory(rows driver.Rows) ([]*domain.RiskHistoryPoint, error) {
	var out []*domain.RiskHistoryPoint
	for rows.Next() {
		var p domain.RiskHistoryPoint
		var ts uint64
		if err := rows.Scan(
			&p.Pool, &ts,
			&p.CompositeScore, &p.VolatilityScore, &p.LiquidityRisk, &p.PositionScore,
		); err != nil {
			return nil, fmt.Errorf("scan risk history point: %w", err)
		}
		p.TimestampMs = int64(ts)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate risk history: %w", err)
	}
	return out, nil
}
