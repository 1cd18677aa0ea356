package devserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/isomw/proofgate/pkg/action"
	"github.com/isomw/proofgate/pkg/anchor"
	"github.com/isomw/proofgate/pkg/api"
	"github.com/isomw/proofgate/pkg/chain"
	"github.com/isomw/proofgate/pkg/isomw"
	"github.com/isomw/proofgate/pkg/payment"
	"github.com/isomw/proofgate/pkg/receipts"
)

const maxBody = 1 << 20

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	return dec.Decode(v)
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principalFor(r)
	if !ok || p.public {
		api.WriteUnauthorized(w, "")
		return
	}
	limit := action.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > action.MaxListLimit {
			api.WriteBadRequest(w, "invalid_limit")
			return
		}
		limit = n
	}

	s.mu.Lock()
	items := s.sortedReceipts(p)
	s.mu.Unlock()
	if len(items) > limit {
		items = items[:limit]
	}
	api.WriteJSON(w, http.StatusOK, items)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principalFor(r); !ok {
		api.WriteUnauthorized(w, "invalid_api_key")
		return
	}
	rc, ok := s.Receipt(chi.URLParam(r, "id"))
	if !ok {
		api.WriteNotFound(w, "Receipt not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, rc)
}

func (s *Server) getAnchors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.receipts[id]
	out := s.anchorsFor(id)
	s.mu.Unlock()
	if !ok {
		api.WriteNotFound(w, "Receipt not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

type confirmRequest struct {
	ReceiptID string `json:"receipt_id"`
	Chain     string `json:"chain,omitempty"`
	FlareTxID string `json:"flare_txid"`
}

func (s *Server) confirmAnchor(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := readJSON(w, r, &req); err != nil || req.ReceiptID == "" || strings.TrimSpace(req.FlareTxID) == "" {
		api.WriteError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", "receipt_id and flare_txid are required")
		return
	}
	p, ok := s.principalFor(r)
	if !ok {
		api.WriteUnauthorized(w, "invalid_api_key")
		return
	}

	s.mu.Lock()
	rec, found := s.receipts[req.ReceiptID]
	if !found {
		s.mu.Unlock()
		api.WriteNotFound(w, "Receipt not found")
		return
	}
	snapshot := *rec
	var cfg anchor.ProjectConfig
	if c := s.projects[rec.ProjectID]; c != nil {
		cfg = *c
	}
	s.mu.Unlock()

	switch {
	case p.admin:
	case p.public:
		api.WriteUnauthorized(w, "Unauthorized")
		return
	case p.projectID == "" || snapshot.ProjectID != p.projectID:
		api.WriteForbidden(w, "forbidden")
		return
	}

	if !snapshot.Status.IsPreAnchor() {
		api.WriteConflict(w, "invalid_status_transition")
		return
	}
	if snapshot.BundleHash == "" {
		api.WriteConflict(w, "missing_bundle_hash")
		return
	}
	if snapshot.ProjectID == "" {
		api.WriteBadRequest(w, "receipt_has_no_project")
		return
	}

	chainCfg, err := resolveChain(&cfg, req.Chain)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	anchoredAt := s.now()
	if s.verifier != nil {
		at, err := s.verifier.Verify(r.Context(), chainCfg, req.FlareTxID, snapshot.BundleHash)
		if err != nil {
			s.logger.WarnContext(r.Context(), "anchor verification failed", "receipt_id", snapshot.ID, "txid", req.FlareTxID, "error", err)
			if errors.Is(err, chain.ErrAnchorMismatch) {
				api.WriteBadRequest(w, "tx_does_not_match_bundle_hash")
			} else {
				api.WriteUnavailable(w, "anchor_lookup_unavailable")
			}
			return
		}
		anchoredAt = at
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec = s.receipts[req.ReceiptID]
	if !rec.Status.IsPreAnchor() {
		api.WriteConflict(w, "invalid_status_transition")
		return
	}

	chainName := chainCfg.Name
	if chainName == "" {
		chainName = firstNonEmpty(req.Chain, rec.Chain, "unknown")
	}
	byChain := s.anchors[rec.ID]
	if byChain == nil {
		byChain = make(map[string]receipts.Anchor)
		s.anchors[rec.ID] = byChain
	}
	byChain[strings.ToLower(chainName)] = receipts.Anchor{Chain: chainName, TxID: req.FlareTxID, AnchoredAt: anchoredAt}
	if rec.FlareTxID == "" {
		rec.FlareTxID = req.FlareTxID
	}

	expected := map[string]bool{}
	for _, c := range cfg.ChainsWithContract() {
		if c.Name != "" {
			expected[strings.ToLower(c.Name)] = true
		}
	}
	if len(expected) == 0 {
		expected[strings.ToLower(chainName)] = true
	}
	complete := true
	for name := range expected {
		if _, ok := byChain[name]; !ok {
			complete = false
			break
		}
	}
	if complete {
		rec.Status = receipts.StatusAnchored
		at := anchoredAt
		rec.AnchoredAt = &at
	} else {
		rec.Status = receipts.StatusAwaitingAnchor
	}

	s.logger.InfoContext(r.Context(), "anchor confirmed", "receipt_id", rec.ID, "chain", chainName, "status", rec.Status)
	api.WriteJSON(w, http.StatusOK, anchor.Confirmation{
		ReceiptID:  rec.ID,
		Status:     rec.Status,
		FlareTxID:  rec.FlareTxID,
		AnchoredAt: rec.AnchoredAt,
	})
}

// resolveChain applies the backend's chain rules: an explicit chain must be
// configured (case-insensitive), a single configured chain is inferred, and
// otherwise the caller must name one.
func resolveChain(cfg *anchor.ProjectConfig, name string) (anchor.ChainConfig, error) {
	chains := cfg.ChainsWithContract()
	if len(chains) == 0 {
		return anchor.ChainConfig{}, anchor.ErrNoChains
	}
	if name != "" {
		for _, c := range chains {
			if strings.EqualFold(c.Name, name) {
				return c, nil
			}
		}
		return anchor.ChainConfig{}, anchor.ErrUnknownChain
	}
	if len(chains) == 1 {
		return chains[0], nil
	}
	return anchor.ChainConfig{}, anchor.ErrChainRequired
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) authorizeProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, ok := s.principalFor(r)
	if !ok || p.public {
		api.WriteUnauthorized(w, "")
		return "", false
	}
	id := chi.URLParam(r, "id")
	if !p.canSee(id) {
		api.WriteForbidden(w, "forbidden")
		return "", false
	}
	return id, true
}

func (s *Server) getProjectConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeProject(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	cfg := s.projects[id]
	s.mu.Unlock()
	if cfg == nil {
		api.WriteNotFound(w, "project_not_found")
		return
	}
	api.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) putProjectConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeProject(w, r)
	if !ok {
		return
	}
	var cfg anchor.ProjectConfig
	if err := readJSON(w, r, &cfg); err != nil {
		api.WriteBadRequest(w, "invalid_config")
		return
	}
	if err := cfg.Validate(); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	s.SetProjectConfig(id, cfg)
	api.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) parseCommand(w http.ResponseWriter, r *http.Request) {
	var req isomw.ParseCommandRequest
	_ = readJSON(w, r, &req)
	api.WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": "ai parsing is not available on the dev server"})
}

// requirePayment accepts a request only with a well-formed, unspent proof.
func (s *Server) requirePayment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proof, err := payment.ParseHeader(r.Header.Get(payment.HeaderName))
		if err != nil {
			api.WritePaymentRequired(w, "payment_required")
			return
		}
		s.mu.Lock()
		spent := s.spentProof[proof.TxHash]
		s.spentProof[proof.TxHash] = true
		s.mu.Unlock()
		if spent {
			api.WritePaymentRequired(w, "payment_already_used")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifyBundle(w http.ResponseWriter, r *http.Request) {
	var req isomw.VerifyRequest
	if err := readJSON(w, r, &req); err != nil || req.BundleURL == "" {
		api.WriteBadRequest(w, "bundle_url is required")
		return
	}
	u, err := url.Parse(req.BundleURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		now := s.now()
		api.WriteJSON(w, http.StatusOK, isomw.VerifyResult{Valid: false, Error: "unsupported bundle url", Timestamp: &now})
		return
	}

	sum := sha256.Sum256([]byte(req.BundleURL))
	hash := "0x" + hex.EncodeToString(sum[:])
	res := isomw.VerifyResult{Valid: true, BundleHash: hash}

	s.mu.Lock()
	for id, rc := range s.receipts {
		if strings.EqualFold(rc.BundleHash, hash) {
			for _, a := range s.anchorsFor(id) {
				res.Chains = append(res.Chains, a.Chain)
				if res.AnchorTx == "" {
					res.AnchorTx = a.TxID
					at := a.AnchoredAt
					res.Timestamp = &at
				}
			}
		}
	}
	s.mu.Unlock()
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) generateStatement(w http.ResponseWriter, r *http.Request) {
	var req isomw.StatementRequest
	if err := readJSON(w, r, &req); err != nil {
		api.WriteBadRequest(w, "date is required")
		return
	}
	day, err := time.Parse(action.DateLayout, req.Date)
	if err != nil {
		api.WriteBadRequest(w, "date must be YYYY-MM-DD")
		return
	}

	count := 0
	s.mu.Lock()
	for _, rc := range s.receipts {
		if rc.CreatedAt.UTC().Format(action.DateLayout) == day.Format(action.DateLayout) {
			count++
		}
	}
	s.mu.Unlock()

	api.WriteJSON(w, http.StatusOK, isomw.StatementResult{
		Type:   "camt.053",
		Count:  count,
		Window: fmt.Sprintf("%sT00:00:00Z/%sT00:00:00Z", day.Format(action.DateLayout), day.AddDate(0, 0, 1).Format(action.DateLayout)),
	})
}

func (s *Server) refund(w http.ResponseWriter, r *http.Request) {
	var req isomw.RefundRequest
	if err := readJSON(w, r, &req); err != nil || req.ReceiptID == "" {
		api.WriteBadRequest(w, "receipt_id is required")
		return
	}
	if req.ReturnMethod != isomw.ReturnMethodReversal {
		api.WriteBadRequest(w, "unsupported_return_method")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.receipts[req.ReceiptID]
	if !ok {
		api.WriteNotFound(w, "Receipt not found")
		return
	}
	if !receipts.Allows(orig.Status, receipts.OpRefund) {
		api.WriteConflict(w, "receipt_not_refundable")
		return
	}

	id := uuid.NewString()
	s.receipts[id] = &receipts.Receipt{
		ID:        id,
		ProjectID: orig.ProjectID,
		Status:    receipts.StatusPending,
		Amount:    orig.Amount,
		Currency:  orig.Currency,
		Chain:     orig.Chain,
		Reference: "REFUND-" + orig.Reference,
		RefundOf:  orig.ID,
		CreatedAt: s.now(),
	}
	api.WriteJSON(w, http.StatusOK, isomw.RefundResult{
		RefundReceiptID: id,
		ReturnMethod:    isomw.ReturnMethodReversal,
		Status:          string(receipts.StatusPending),
		Pacs004Path:     "/v1/iso/messages/" + id + "/pacs004",
	})
}
