package action

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Parse matches text against the fixed command grammar and returns nil when
// nothing matches. Keywords are case-insensitive; arguments keep their case.
func Parse(text string) Action {
	fields := strings.Fields(norm.NFKC.String(text))
	if len(fields) == 0 {
		return nil
	}
	keyword := strings.ToLower(fields[0])
	rest := fields[1:]

	switch keyword {
	case "help", "?":
		if len(rest) == 0 {
			return Help{}
		}
	case "list":
		return parseList(rest)
	case "get":
		if len(rest) > 0 {
			return Get{ReceiptID: rest[0]}
		}
	case "verify":
		if len(rest) > 0 {
			return Verify{BundleURL: rest[0]}
		}
	case "statement":
		if len(rest) > 0 {
			return Statement{Date: rest[0]}
		}
	case "refund":
		if len(rest) > 0 {
			reason := strings.Join(rest[1:], " ")
			if reason == "" {
				reason = DefaultReason
			}
			return Refund{ReceiptID: rest[0], Reason: reason}
		}
	}
	return nil
}

func parseList(rest []string) Action {
	if len(rest) == 0 {
		return List{Limit: DefaultListLimit}
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil {
		return List{BadLimit: true}
	}
	return List{Limit: n}
}

// FromParsed converts an AI parser result into an action. Both camelCase and
// snake_case argument keys are accepted. Unknown actions yield nil.
func FromParsed(name string, args map[string]any) Action {
	str := func(keys ...string) string {
		for _, k := range keys {
			switch v := args[k].(type) {
			case string:
				return strings.TrimSpace(v)
			case float64:
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		return ""
	}

	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case KindHelp:
		return Help{}
	case KindList:
		limit := str("limit")
		if limit == "" {
			return List{Limit: DefaultListLimit}
		}
		return parseList([]string{limit})
	case KindGet:
		return Get{ReceiptID: str("receiptId", "receipt_id")}
	case KindVerify:
		return Verify{BundleURL: str("bundleUrl", "bundle_url")}
	case KindStatement:
		return Statement{Date: str("date")}
	case KindRefund:
		reason := str("reason")
		if reason == "" {
			reason = DefaultReason
		}
		return Refund{ReceiptID: str("receiptId", "receipt_id"), Reason: reason}
	}
	return nil
}
