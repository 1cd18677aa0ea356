package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS spend_ledger (
        id TEXT NOT NULL,
        tx_hash TEXT PRIMARY KEY,
        sender TEXT NOT NULL,
        endpoint TEXT NOT NULL,
        amount TEXT NOT NULL,
        currency TEXT NOT NULL,
        chain TEXT NOT NULL,
        recipient TEXT NOT NULL,
        status TEXT NOT NULL,
        http_status INTEGER NOT NULL DEFAULT 0,
        detail TEXT NOT NULL DEFAULT '',
        created_at TEXT NOT NULL,
        settled_at TEXT
    );`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate spend_ledger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, e *Entry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO spend_ledger (
		id, tx_hash, sender, endpoint, amount, currency, chain, recipient, status, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TxHash, e.Sender, e.Endpoint, e.Amount.String(), e.Currency, e.Chain, e.Recipient,
		string(StatusProduced), created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateTx
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Settle(ctx context.Context, txHash string, status Status, httpStatus int, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spend_ledger SET status = ?, http_status = ?, detail = ?, settled_at = ? WHERE tx_hash = ?`,
		string(status), httpStatus, detail, time.Now().UTC().Format(time.RFC3339Nano), txHash)
	if err != nil {
		return fmt.Errorf("failed to settle ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteSelect = `SELECT id, tx_hash, sender, endpoint, amount, currency, chain, recipient, status, http_status, detail, created_at, settled_at FROM spend_ledger`

func (s *SQLiteStore) Get(ctx context.Context, txHash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelect+` WHERE tx_hash = ?`, txHash)
	e, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) Unfulfilled(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, sqliteSelect+` WHERE status != ? ORDER BY created_at ASC LIMIT ?`,
		string(StatusFulfilled), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (*Entry, error) {
	var (
		e       Entry
		amount  string
		status  string
		created string
		settled sql.NullString
	)
	if err := row.Scan(&e.ID, &e.TxHash, &e.Sender, &e.Endpoint, &amount, &e.Currency, &e.Chain, &e.Recipient,
		&status, &e.HTTPStatus, &e.Detail, &created, &settled); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("ledger amount %q: %w", amount, err)
	}
	e.Status = Status(status)
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("ledger created_at: %w", err)
	}
	if settled.Valid {
		t, err := time.Parse(time.RFC3339Nano, settled.String)
		if err != nil {
			return nil, fmt.Errorf("ledger settled_at: %w", err)
		}
		e.SettledAt = &t
	}
	return &e, nil
}
