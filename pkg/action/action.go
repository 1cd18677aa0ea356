// Package action resolves free-text commands into a closed set of typed
// actions. Deterministic grammar is always tried first; an AI parser is only
// consulted for input the grammar cannot handle and only in shared or custom
// mode.
package action

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Kind names an action variant.
type Kind string

const (
	KindHelp      Kind = "help"
	KindList      Kind = "list"
	KindGet       Kind = "get"
	KindVerify    Kind = "verify"
	KindStatement Kind = "statement"
	KindRefund    Kind = "refund"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
	DefaultReason    = "Customer request"
	DateLayout       = "2006-01-02"
)

var (
	ErrInvalidLimit  = errors.New("action: limit must be a number between 1 and 100")
	ErrMissingID     = errors.New("action: receipt id is required")
	ErrInvalidURL    = errors.New("action: bundle url must be an absolute http(s) url")
	ErrInvalidDate   = errors.New("action: date must be YYYY-MM-DD")
	ErrUnknownAction = errors.New("action: unknown action")
)

// Action is a resolved command. The set of implementations is closed; use a
// type switch over the concrete types to dispatch.
type Action interface {
	Kind() Kind
	// Args renders the arguments as strings, keyed the way the AI parser and
	// the reply formatter name them.
	Args() map[string]string
	// Premium reports whether the action requires a payment proof.
	Premium() bool
	// Validate rejects arguments that must never reach the backend.
	Validate() error

	sealed()
}

type Help struct{}

type List struct {
	Limit int
	// BadLimit is set when the limit argument was not a number. Such an
	// action resolves but never validates.
	BadLimit bool
}

type Get struct {
	ReceiptID string
}

type Verify struct {
	BundleURL string
}

type Statement struct {
	Date string
}

type Refund struct {
	ReceiptID string
	Reason    string
}

func (Help) Kind() Kind      { return KindHelp }
func (List) Kind() Kind      { return KindList }
func (Get) Kind() Kind       { return KindGet }
func (Verify) Kind() Kind    { return KindVerify }
func (Statement) Kind() Kind { return KindStatement }
func (Refund) Kind() Kind    { return KindRefund }

func (Help) Premium() bool      { return false }
func (List) Premium() bool      { return false }
func (Get) Premium() bool       { return false }
func (Verify) Premium() bool    { return true }
func (Statement) Premium() bool { return true }
func (Refund) Premium() bool    { return true }

func (Help) sealed()      {}
func (List) sealed()      {}
func (Get) sealed()       {}
func (Verify) sealed()    {}
func (Statement) sealed() {}
func (Refund) sealed()    {}

func (Help) Args() map[string]string { return map[string]string{} }

func (a List) Args() map[string]string {
	if a.BadLimit {
		return map[string]string{"limit": "NaN"}
	}
	return map[string]string{"limit": strconv.Itoa(a.Limit)}
}

func (a Get) Args() map[string]string {
	return map[string]string{"receiptId": a.ReceiptID}
}

func (a Verify) Args() map[string]string {
	return map[string]string{"bundleUrl": a.BundleURL}
}

func (a Statement) Args() map[string]string {
	return map[string]string{"date": a.Date}
}

func (a Refund) Args() map[string]string {
	return map[string]string{"receiptId": a.ReceiptID, "reason": a.Reason}
}

func (Help) Validate() error { return nil }

func (a List) Validate() error {
	if a.BadLimit || a.Limit < 1 || a.Limit > MaxListLimit {
		return ErrInvalidLimit
	}
	return nil
}

func (a Get) Validate() error {
	if a.ReceiptID == "" {
		return ErrMissingID
	}
	return nil
}

func (a Verify) Validate() error {
	u, err := url.Parse(a.BundleURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, a.BundleURL)
	}
	return nil
}

func (a Statement) Validate() error {
	if _, err := time.Parse(DateLayout, a.Date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, a.Date)
	}
	return nil
}

func (a Refund) Validate() error {
	if a.ReceiptID == "" {
		return ErrMissingID
	}
	return nil
}
