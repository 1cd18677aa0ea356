package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore is a Store backed by PostgreSQL.
//
//	CREATE TABLE spend_ledger (
//	  id          UUID NOT NULL,
//	  tx_hash     TEXT PRIMARY KEY,
//	  sender      TEXT NOT NULL,
//	  endpoint    TEXT NOT NULL,
//	  amount      NUMERIC(36, 18) NOT NULL,
//	  currency    TEXT NOT NULL,
//	  chain       TEXT NOT NULL,
//	  recipient   TEXT NOT NULL,
//	  status      TEXT NOT NULL,
//	  http_status INTEGER NOT NULL DEFAULT 0,
//	  detail      TEXT NOT NULL DEFAULT '',
//	  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  settled_at  TIMESTAMPTZ
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgUniqueViolation = "23505"

func (s *PostgresStore) Record(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spend_ledger (id, tx_hash, sender, endpoint, amount, currency, chain, recipient, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TxHash, e.Sender, e.Endpoint, e.Amount.String(), e.Currency, e.Chain, e.Recipient, string(StatusProduced))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return ErrDuplicateTx
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Settle(ctx context.Context, txHash string, status Status, httpStatus int, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spend_ledger SET status = $1, http_status = $2, detail = $3, settled_at = NOW() WHERE tx_hash = $4`,
		string(status), httpStatus, detail, txHash)
	if err != nil {
		return fmt.Errorf("failed to settle ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const pgSelect = `SELECT id, tx_hash, sender, endpoint, amount, currency, chain, recipient, status, http_status, detail, created_at, settled_at FROM spend_ledger`

func (s *PostgresStore) Get(ctx context.Context, txHash string) (*Entry, error) {
	e, err := scanPostgres(s.db.QueryRowContext(ctx, pgSelect+` WHERE tx_hash = $1`, txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) Unfulfilled(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, pgSelect+` WHERE status <> $1 ORDER BY created_at ASC LIMIT $2`,
		string(StatusFulfilled), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfulfilled entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func scanPostgres(row scanner) (*Entry, error) {
	var (
		e       Entry
		amount  string
		status  string
		settled sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.TxHash, &e.Sender, &e.Endpoint, &amount, &e.Currency, &e.Chain, &e.Recipient,
		&status, &e.HTTPStatus, &e.Detail, &e.CreatedAt, &settled); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("ledger amount %q: %w", amount, err)
	}
	e.Status = Status(status)
	if settled.Valid {
		t := settled.Time
		e.SettledAt = &t
	}
	return &e, nil
}
