// Package payment gates premium backend calls behind a freshly produced
// payment proof. A proof is attached to exactly one call and never reused.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
)

// HeaderName is the request header that carries the serialized proof.
const HeaderName = "X-PAYMENT"

// Proof is evidence of a completed, confirmed micropayment.
type Proof struct {
	TxHash    string          `json:"tx_hash"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	Currency  string          `json:"currency"`
	Chain     string          `json:"chain"`
}

var ErrInvalidProof = errors.New("payment: invalid proof")

// Validate checks the proof is complete enough to attach.
func (p *Proof) Validate() error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil", ErrInvalidProof)
	case strings.TrimSpace(p.TxHash) == "":
		return fmt.Errorf("%w: missing tx hash", ErrInvalidProof)
	case !p.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidProof)
	case p.Recipient == "", p.Currency == "", p.Chain == "":
		return fmt.Errorf("%w: recipient, currency and chain are required", ErrInvalidProof)
	}
	return nil
}

// Header serializes the proof as compact canonical JSON (RFC 8785).
func (p *Proof) Header() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal proof: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize proof: %w", err)
	}
	return string(canon), nil
}

// ParseHeader decodes a header value produced by Header.
func ParseHeader(v string) (*Proof, error) {
	var p Proof
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
