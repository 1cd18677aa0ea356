// Package ledger records every payment proof the agent produces together with
// the outcome of the premium call it paid for. A proof whose call never
// succeeded stays visible as unfulfilled so an operator can reconcile it with
// the backend; nothing here refunds or retries automatically.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle of a ledger entry.
type Status string

const (
	// StatusProduced means the payment settled on-chain and the premium call
	// has not reported back yet. Entries left here after a crash are
	// paid-but-unfulfilled.
	StatusProduced  Status = "produced"
	StatusFulfilled Status = "fulfilled"
	StatusFailed    Status = "failed"
)

var (
	ErrDuplicateTx = errors.New("ledger: tx hash already recorded")
	ErrNotFound    = errors.New("ledger: entry not found")
)

// Entry is one spent payment proof.
type Entry struct {
	ID         string          `json:"id"`
	TxHash     string          `json:"tx_hash"`
	Sender     string          `json:"sender"`
	Endpoint   string          `json:"endpoint"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Chain      string          `json:"chain"`
	Recipient  string          `json:"recipient"`
	Status     Status          `json:"status"`
	HTTPStatus int             `json:"http_status,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	SettledAt  *time.Time      `json:"settled_at,omitempty"`
}

// Store persists ledger entries. Tx hashes are unique across the store.
type Store interface {
	// Record inserts a new entry in StatusProduced. It returns ErrDuplicateTx
	// if the tx hash was recorded before.
	Record(ctx context.Context, e *Entry) error
	// Settle sets the final status of the entry for txHash.
	Settle(ctx context.Context, txHash string, status Status, httpStatus int, detail string) error
	Get(ctx context.Context, txHash string) (*Entry, error)
	// Unfulfilled lists entries that were paid for but not fulfilled, oldest first.
	Unfulfilled(ctx context.Context, limit int) ([]*Entry, error)
	Close() error
}

// Open returns a store for dsn. An empty dsn yields an in-memory store;
// "sqlite:<path>" opens SQLite; postgres:// and postgresql:// open Postgres.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		db, err := sql.Open("sqlite", strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return NewSQLiteStore(ctx, db)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres ledger: %w", err)
		}
		return NewPostgresStore(db), nil
	}
	return nil, fmt.Errorf("ledger: unsupported dsn %q", redact(dsn))
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return dsn
}
