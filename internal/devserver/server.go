// Package devserver is an in-memory stand-in for the receipts backend. It
// serves the endpoints the agent and the anchor workflow call and enforces
// the backend's confirm-anchor rules, so both can be exercised end to end
// without a database or a chain.
package devserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/isomw/proofgate/pkg/anchor"
	"github.com/isomw/proofgate/pkg/isomw"
	"github.com/isomw/proofgate/pkg/payment"
	"github.com/isomw/proofgate/pkg/receipts"
)

// Verifier checks a reported anchor transaction and returns its block time.
// *chain.AnchorVerifier implements it.
type Verifier interface {
	Verify(ctx context.Context, c anchor.ChainConfig, txid, bundleHash string) (time.Time, error)
}

type principal struct {
	projectID string
	admin     bool
	public    bool
}

type Server struct {
	mu       sync.Mutex
	keys     map[string]principal
	projects map[string]*anchor.ProjectConfig
	receipts map[string]*receipts.Receipt
	// anchors is receipt id -> lowercased chain name -> anchor.
	anchors    map[string]map[string]receipts.Anchor
	spentProof map[string]bool

	verifier Verifier
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Server)

// WithVerifier checks every confirm-anchor txid on chain. Without it any
// well-formed txid is accepted.
func WithVerifier(v Verifier) Option { return func(s *Server) { s.verifier = v } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func New(opts ...Option) *Server {
	s := &Server{
		keys:       make(map[string]principal),
		projects:   make(map[string]*anchor.ProjectConfig),
		receipts:   make(map[string]*receipts.Receipt),
		anchors:    make(map[string]map[string]receipts.Anchor),
		spentProof: make(map[string]bool),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default().With("component", "devserver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddKey registers an API key for projectID. Admin keys see every project.
func (s *Server) AddKey(key, projectID string, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = principal{projectID: projectID, admin: admin}
	if _, ok := s.projects[projectID]; !ok && projectID != "" {
		s.projects[projectID] = &anchor.ProjectConfig{}
	}
}

// SetProjectConfig replaces a project's config.
func (s *Server) SetProjectConfig(projectID string, cfg anchor.ProjectConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = &cfg
}

// PutReceipt stores a copy of r, replacing any receipt with the same id.
func (s *Server) PutReceipt(r receipts.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.receipts[r.ID] = &r
}

// Receipt returns a copy of the stored receipt.
func (s *Server) Receipt(id string) (receipts.Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return receipts.Receipt{}, false
	}
	return *r, true
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/receipts", s.listReceipts)
		v1.Get("/receipts/{id}", s.getReceipt)
		v1.Get("/iso/receipts/{id}", s.getReceipt)
		v1.Get("/anchors/{id}", s.getAnchors)
		v1.Post("/iso/confirm-anchor", s.confirmAnchor)

		v1.Get("/projects/{id}/config", s.getProjectConfig)
		v1.Put("/projects/{id}/config", s.putProjectConfig)

		v1.Post("/ai/parse-command", s.parseCommand)

		v1.Group(func(paid chi.Router) {
			paid.Use(s.requirePayment)
			paid.Post(strings.TrimPrefix(payment.EndpointVerify, "/v1"), s.verifyBundle)
			paid.Post(strings.TrimPrefix(payment.EndpointStatement, "/v1"), s.generateStatement)
			paid.Post(strings.TrimPrefix(payment.EndpointRefund, "/v1"), s.refund)
		})
	})
	return r
}

// principalFor resolves the caller. ok is false for an unknown key.
func (s *Server) principalFor(r *http.Request) (principal, bool) {
	key := r.Header.Get(isomw.APIKeyHeader)
	if key == "" {
		return principal{public: true}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.keys[key]
	return p, ok
}

func (p principal) canSee(projectID string) bool {
	return p.admin || (!p.public && p.projectID != "" && p.projectID == projectID)
}

// sortedReceipts returns visible receipts, newest first. Caller holds mu.
func (s *Server) sortedReceipts(p principal) []receipts.Receipt {
	out := make([]receipts.Receipt, 0, len(s.receipts))
	for _, r := range s.receipts {
		if p.canSee(r.ProjectID) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Server) anchorsFor(id string) []receipts.Anchor {
	out := make([]receipts.Anchor, 0, len(s.anchors[id]))
	for _, a := range s.anchors[id] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}
