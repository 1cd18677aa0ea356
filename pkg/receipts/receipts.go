// Package receipts models backend payment receipts and the lifecycle rules
// a client may rely on. The backend owns every transition; this package only
// answers which operations are legal for a status the client has observed.
package receipts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a receipt.
type Status string

const (
	StatusPending        Status = "pending"
	StatusAwaitingAnchor Status = "awaiting_anchor"
	StatusAnchored       Status = "anchored"
	StatusFailed         Status = "failed"
	StatusRefunded       Status = "refunded"
)

// Operation is something a client may attempt against a receipt.
type Operation string

const (
	OpGet           Operation = "get"
	OpVerify        Operation = "verify"
	OpAnchor        Operation = "anchor"
	OpConfirmAnchor Operation = "confirm_anchor"
	OpRefund        Operation = "refund"
)

var (
	ErrAnchoredAtMismatch = errors.New("receipts: anchored_at must be set iff status is anchored")
	ErrUnknownStatus      = errors.New("receipts: unknown status")
)

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusAwaitingAnchor, StatusAnchored, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// IsPreAnchor reports whether an anchor may still be confirmed.
func (s Status) IsPreAnchor() bool {
	return s == StatusPending || s == StatusAwaitingAnchor
}

// IsTerminal reports whether no further transition is possible for the
// receipt itself. An anchored receipt is terminal; refunds create new receipts.
func (s Status) IsTerminal() bool {
	return s == StatusAnchored || s == StatusFailed || s == StatusRefunded
}

var transitions = map[Status][]Status{
	StatusPending:        {StatusAwaitingAnchor, StatusAnchored, StatusFailed},
	StatusAwaitingAnchor: {StatusAnchored, StatusFailed},
}

// CanTransition reports whether the backend may move a receipt from one
// status to another. The pending → anchored edge exists because a
// single-chain confirmation is accepted directly from pending.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LegalOperations lists the operations a client may attempt for status.
func LegalOperations(s Status) []Operation {
	ops := []Operation{OpGet, OpVerify}
	switch {
	case s.IsPreAnchor():
		ops = append(ops, OpAnchor, OpConfirmAnchor)
	case s == StatusAnchored:
		ops = append(ops, OpRefund)
	}
	return ops
}

// Allows reports whether op is legal for status s.
func Allows(s Status, op Operation) bool {
	for _, o := range LegalOperations(s) {
		if o == op {
			return true
		}
	}
	return false
}

// Receipt is the backend's view of a payment record.
type Receipt struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id,omitempty"`
	Status         Status          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	Chain          string          `json:"chain,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	BundleHash     string          `json:"bundle_hash,omitempty"`
	FlareTxID      string          `json:"flare_txid,omitempty"`
	SenderWallet   string          `json:"sender_wallet,omitempty"`
	ReceiverWallet string          `json:"receiver_wallet,omitempty"`
	TipTxHash      string          `json:"tip_tx_hash,omitempty"`
	RefundOf       string          `json:"refund_of,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AnchoredAt     *time.Time      `json:"anchored_at,omitempty"`
}

// UnmarshalJSON accepts receipt_id as an alias for id.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	type plain Receipt
	aux := struct {
		*plain
		ReceiptID string `json:"receipt_id"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = aux.ReceiptID
	}
	return nil
}

// CheckInvariants validates what a client can check about an observed receipt.
func (r *Receipt) CheckInvariants() error {
	if !r.Status.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
	}
	if (r.AnchoredAt != nil) != (r.Status == StatusAnchored) {
		return ErrAnchoredAtMismatch
	}
	return nil
}

// Page is a receipts list response.
type Page struct {
	Items    []Receipt `json:"items"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// UnmarshalJSON accepts either a page object or a bare array.
func (p *Page) UnmarshalJSON(data []byte) error {
	var items []Receipt
	if err := json.Unmarshal(data, &items); err == nil {
		*p = Page{Items: items, Total: len(items), Page: 1, PageSize: len(items)}
		return nil
	}
	type plain Page
	return json.Unmarshal(data, (*plain)(p))
}

// Anchor is one chain's confirmation of a receipt's bundle hash.
type Anchor struct {
	Chain      string    `json:"chain"`
	TxID       string    `json:"txid"`
	AnchoredAt time.Time `json:"anchored_at"`
}
