package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/isomw/proofgate/pkg/action"
	"github.com/isomw/proofgate/pkg/api"
	"github.com/isomw/proofgate/pkg/isomw"
	"github.com/isomw/proofgate/pkg/payment"
	"github.com/isomw/proofgate/pkg/receipts"
)

const invalidCommandReply = "❌ Invalid command. Type \"help\" for available commands."

const maxReason = 200

const timeLayout = "2006-01-02 15:04:05 UTC"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func helpReply(prices payment.PriceTable) string {
	if len(prices) == 0 {
		prices = payment.DefaultPrices("USDC")
	}
	price := func(ep string) string {
		p, _ := prices.For(ep)
		return p.String()
	}

	var b strings.Builder
	b.WriteString("🤖 **ISO Middleware Agent - Available Commands**\n\n")
	b.WriteString("📋 **Free Commands:**\n")
	b.WriteString("• `list [limit]` - List recent receipts (default: 10)\n")
	b.WriteString("• `get <receipt_id>` - Get receipt details\n")
	b.WriteString("• `help` - Show this help message\n\n")
	b.WriteString("💰 **Paid Commands (x402):**\n")
	fmt.Fprintf(&b, "• `verify <bundle_url>` - Verify evidence bundle (%s)\n", price(payment.EndpointVerify))
	fmt.Fprintf(&b, "• `statement <date>` - Generate statement (%s)\n", price(payment.EndpointStatement))
	fmt.Fprintf(&b, "• `refund <receipt_id> [reason]` - Initiate refund (%s)\n\n", price(payment.EndpointRefund))
	b.WriteString("**Examples:**\n")
	b.WriteString("`list 5` - List 5 most recent receipts\n")
	b.WriteString("`get abc123` - Get receipt with ID abc123\n")
	b.WriteString("`verify https://ipfs.io/...` - Verify a bundle\n")
	b.WriteString("`statement 2026-01-20` - Generate statement for a day\n")
	b.WriteString("`refund abc123 duplicate payment` - Refund with reason\n\n")
	b.WriteString("**Note:** Paid commands automatically handle USDC payment via the x402 protocol.")
	return b.String()
}

// usageReply explains why a resolved action was rejected before any call.
func usageReply(act action.Action) string {
	switch act.(type) {
	case action.List:
		return fmt.Sprintf("❌ Invalid limit. Usage: `list [1-%d]`", action.MaxListLimit)
	case action.Get:
		return "❌ Please provide a receipt ID. Usage: `get <receipt_id>`"
	case action.Verify:
		return "❌ Please provide a valid http(s) bundle URL. Usage: `verify <bundle_url>`"
	case action.Statement:
		return "❌ Please provide a date. Usage: `statement <YYYY-MM-DD>`"
	case action.Refund:
		return "❌ Please provide a receipt ID. Usage: `refund <receipt_id> [reason]`"
	}
	return invalidCommandReply
}

func listReply(items []receipts.Receipt) string {
	if len(items) == 0 {
		return "📭 No receipts found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 **Recent Receipts** (%d):\n\n", len(items))
	for _, r := range items {
		fmt.Fprintf(&b, "🧾 **%s**\n", r.Reference)
		fmt.Fprintf(&b, "   ID: `%s`\n", r.ID)
		fmt.Fprintf(&b, "   Amount: %s %s\n", r.Amount, r.Currency)
		fmt.Fprintf(&b, "   Status: %s\n", r.Status)
		fmt.Fprintf(&b, "   Created: %s\n\n", fmtTime(r.CreatedAt))
	}
	return strings.TrimSpace(b.String())
}

func receiptReply(r *receipts.Receipt) string {
	var b strings.Builder
	b.WriteString("🧾 **Receipt Details**\n\n")
	fmt.Fprintf(&b, "**Reference:** %s\n", r.Reference)
	fmt.Fprintf(&b, "**ID:** `%s`\n", r.ID)
	fmt.Fprintf(&b, "**Amount:** %s %s\n", r.Amount, r.Currency)
	fmt.Fprintf(&b, "**Status:** %s\n", r.Status)
	fmt.Fprintf(&b, "**Chain:** %s\n", r.Chain)
	fmt.Fprintf(&b, "**From:** `%s`\n", r.SenderWallet)
	fmt.Fprintf(&b, "**To:** `%s`\n", r.ReceiverWallet)
	fmt.Fprintf(&b, "**Tx Hash:** `%s`\n", r.TipTxHash)
	fmt.Fprintf(&b, "**Created:** %s\n", fmtTime(r.CreatedAt))
	if r.AnchoredAt != nil {
		fmt.Fprintf(&b, "**Anchored:** %s\n", fmtTime(*r.AnchoredAt))
	}
	if r.BundleHash != "" {
		fmt.Fprintf(&b, "**Bundle Hash:** `%s`\n", r.BundleHash)
	}
	return strings.TrimSpace(b.String())
}

func paymentLine(p *payment.Proof) string {
	return fmt.Sprintf("\n💰 **Payment:** %s %s paid (tx `%s`)", p.Amount, p.Currency, p.TxHash)
}

func verifyReply(v *isomw.VerifyResult, p *payment.Proof) string {
	var b strings.Builder
	b.WriteString("✅ **Verification Complete**\n\n")
	if v.Valid {
		b.WriteString("**Valid:** ✓ Yes\n")
	} else {
		b.WriteString("**Valid:** ✗ No\n")
	}
	if v.BundleHash != "" {
		fmt.Fprintf(&b, "**Bundle Hash:** `%s`\n", v.BundleHash)
	}
	if v.AnchorTx != "" {
		fmt.Fprintf(&b, "**Anchor Tx:** `%s`\n", v.AnchorTx)
	}
	if len(v.Chains) > 0 {
		fmt.Fprintf(&b, "**Chains:** %s\n", strings.Join(v.Chains, ", "))
	}
	if v.Timestamp != nil {
		fmt.Fprintf(&b, "**Timestamp:** %s\n", fmtTime(*v.Timestamp))
	}
	if !v.Valid && v.Error != "" {
		fmt.Fprintf(&b, "\n**Error:** %s\n", v.Error)
	}
	b.WriteString(paymentLine(p))
	return b.String()
}

func statementReply(date string, s *isomw.StatementResult, p *payment.Proof) string {
	var b strings.Builder
	b.WriteString("✅ **Statement Generated**\n\n")
	fmt.Fprintf(&b, "**Type:** %s\n", s.Type)
	fmt.Fprintf(&b, "**Date:** %s\n", date)
	fmt.Fprintf(&b, "**Transaction Count:** %d\n", s.Count)
	if s.Window != "" {
		fmt.Fprintf(&b, "**Time Window:** %s\n", s.Window)
	}
	b.WriteString(paymentLine(p))
	return b.String()
}

func refundReply(act action.Refund, r *isomw.RefundResult, p *payment.Proof) string {
	var b strings.Builder
	b.WriteString("✅ **Refund Initiated**\n\n")
	fmt.Fprintf(&b, "**Original Receipt:** `%s`\n", act.ReceiptID)
	fmt.Fprintf(&b, "**Refund Receipt:** `%s`\n", r.RefundReceiptID)
	fmt.Fprintf(&b, "**Method:** %s\n", r.ReturnMethod)
	fmt.Fprintf(&b, "**Reason:** %s\n", act.Reason)
	fmt.Fprintf(&b, "**Status:** %s\n", r.Status)
	if r.Pacs004Path != "" {
		fmt.Fprintf(&b, "**pacs.004:** %s\n", r.Pacs004Path)
	}
	b.WriteString(paymentLine(p))
	return b.String()
}

func failure(what string, err error) string {
	return fmt.Sprintf("❌ %s: %s", what, reason(err))
}

// paidFailure also tells the sender when their payment was spent on a call
// that did not succeed.
func paidFailure(what string, res *payment.Result, err error) string {
	msg := failure(what, err)
	if res != nil && res.Proof != nil {
		msg += fmt.Sprintf("\n💸 Payment tx `%s` was spent. Quote it when asking for support.", res.Proof.TxHash)
	}
	return msg
}

// reason renders err for a chat reply: backend status and detail when the
// backend answered, a fixed phrase for payment failures, otherwise the
// error text, always truncated.
func reason(err error) string {
	var apiErr *isomw.APIError
	var problem *api.ProblemDetail
	var out string
	switch {
	case errors.Is(err, errNoPayer):
		out = errNoPayer.Error()
	case errors.Is(err, payment.ErrBudgetDenied):
		out = "spend budget exceeded, no payment was made"
	case errors.Is(err, payment.ErrProofFailed):
		out = "payment could not be completed, no call was made"
	case errors.Is(err, payment.ErrProofReused):
		out = "payment proof was already used, no call was made"
	case errors.Is(err, payment.ErrPriceMismatch):
		out = "payment did not match the advertised price"
	case errors.As(err, &apiErr):
		out = fmt.Sprintf("%s returned %d: %s", apiErr.Endpoint, apiErr.StatusCode(), problemText(apiErr.Problem))
	case errors.As(err, &problem):
		out = fmt.Sprintf("%d: %s", problem.Status, problemText(problem))
	case errors.Is(err, context.DeadlineExceeded):
		out = "timed out"
	default:
		out = err.Error()
	}
	if r := []rune(out); len(r) > maxReason {
		out = string(r[:maxReason]) + "..."
	}
	return out
}

func problemText(p *api.ProblemDetail) string {
	if p.Detail != "" {
		return p.Detail
	}
	return p.Title
}

func decodeBody(body []byte, out any) error {
	if len(body) == 0 {
		return errors.New("empty response")
	}
	return json.Unmarshal(body, out)
}
