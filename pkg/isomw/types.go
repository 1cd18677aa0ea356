package isomw

import (
	"time"
)

// VerifyRequest is the body of the verify-bundle premium call.
type VerifyRequest struct {
	BundleURL string `json:"bundle_url"`
}

// VerifyResult is the verify-bundle response.
type VerifyResult struct {
	Valid      bool       `json:"valid"`
	BundleHash string     `json:"bundle_hash,omitempty"`
	AnchorTx   string     `json:"anchor_tx,omitempty"`
	Chains     []string   `json:"chains,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// StatementRequest is the body of the generate-statement premium call.
type StatementRequest struct {
	Date string `json:"date"`
}

// StatementResult is the generate-statement response.
type StatementResult struct {
	Type   string `json:"type"`
	Count  int    `json:"count"`
	Window string `json:"window,omitempty"`
}

// ReturnMethodReversal is the only return method the agent requests.
const ReturnMethodReversal = "REVERSAL"

// RefundRequest is the body of the refund premium call.
type RefundRequest struct {
	ReceiptID    string `json:"receipt_id"`
	Reason       string `json:"reason"`
	ReturnMethod string `json:"return_method"`
}

// RefundResult is the refund response. The refund is a new receipt.
type RefundResult struct {
	RefundReceiptID string `json:"refund_receipt_id"`
	ReturnMethod    string `json:"return_method"`
	Status          string `json:"status"`
	Pacs004Path     string `json:"pacs004_path,omitempty"`
}

// ParseCommandRequest is sent to the AI command parser.
type ParseCommandRequest struct {
	Message      string `json:"message"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}
