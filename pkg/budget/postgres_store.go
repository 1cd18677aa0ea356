package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL.
//
//	CREATE TABLE sender_budgets (
//	  sender_id     TEXT PRIMARY KEY,
//	  daily_limit   BIGINT NOT NULL,
//	  monthly_limit BIGINT NOT NULL,
//	  daily_used    BIGINT NOT NULL DEFAULT 0,
//	  monthly_used  BIGINT NOT NULL DEFAULT 0,
//	  last_updated  TIMESTAMPTZ NOT NULL
//	);
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Get(ctx context.Context, senderID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT sender_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated FROM sender_budgets WHERE sender_id = $1",
		senderID)

	var b Budget
	err := row.Scan(&b.SenderID, &b.DailyLimit, &b.MonthlyLimit, &b.DailyUsed, &b.MonthlyUsed, &b.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return &b, nil
}

func (s *PostgresStorage) Set(ctx context.Context, b *Budget) error {
	query := `
		INSERT INTO sender_budgets (sender_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sender_id) DO UPDATE SET
			daily_used = EXCLUDED.daily_used,
			monthly_used = EXCLUDED.monthly_used,
			last_updated = EXCLUDED.last_updated
	`
	_, err := s.db.ExecContext(ctx, query, b.SenderID, b.DailyLimit, b.MonthlyLimit, b.DailyUsed, b.MonthlyUsed, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to persist budget: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Limits(ctx context.Context, senderID string) (int64, int64, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT daily_limit, monthly_limit FROM sender_budgets WHERE sender_id = $1", senderID)
	var daily, monthly int64
	err := row.Scan(&daily, &monthly)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get limits: %w", err)
	}
	return daily, monthly, true, nil
}

func (s *PostgresStorage) SetLimits(ctx context.Context, senderID string, daily, monthly int64) error {
	query := `
		INSERT INTO sender_budgets (sender_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (sender_id) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit
	`
	_, err := s.db.ExecContext(ctx, query, senderID, daily, monthly)
	if err != nil {
		return fmt.Errorf("failed to set limits: %w", err)
	}
	return nil
}
