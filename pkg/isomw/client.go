// Package isomw is a typed client for the ISO middleware backend: receipts,
// anchor confirmation, project configuration, premium x402 endpoints and the
// AI command parser.
package isomw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/isomw/proofgate/pkg/anchor"
	"github.com/isomw/proofgate/pkg/api"
	"github.com/isomw/proofgate/pkg/payment"
	"github.com/isomw/proofgate/pkg/receipts"
	"github.com/isomw/proofgate/pkg/retry"
)

// APIKeyHeader carries the project API key.
const APIKeyHeader = "X-API-Key"

// Paths on the backend.
const (
	PathReceipts      = "/v1/receipts"
	PathISOReceipts   = "/v1/iso/receipts/"
	PathAnchors       = "/v1/anchors/"
	PathConfirmAnchor = "/v1/iso/confirm-anchor"
	PathProjects      = "/v1/projects/"
	PathParseCommand  = "/v1/ai/parse-command"
)

const maxBody = 4 << 20

// APIError is returned when the backend responds with a non-2xx status.
type APIError struct {
	Method   string
	Endpoint string
	Problem  *api.ProblemDetail
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.Endpoint, e.Problem.Error())
}

func (e *APIError) Unwrap() error { return e.Problem }

// StatusCode returns the HTTP status of the failed call.
func (e *APIError) StatusCode() int { return e.Problem.Status }

// Client talks to one backend with one API key.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	readPolicy retry.Policy
	breaker    *retry.Breaker
	logger     *slog.Logger
}

var (
	_ anchor.Backend = (*Client)(nil)
	_ payment.Caller = (*Client)(nil)
)

// Option configures the client.
type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.APIKey = key }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// WithReadPolicy sets the retry policy for idempotent reads.
func WithReadPolicy(p retry.Policy) Option {
	return func(c *Client) { c.readPolicy = p }
}

// WithBreaker guards every call with a circuit breaker.
func WithBreaker(b *retry.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		readPolicy: retry.DefaultPolicy,
		logger:     slog.Default().With("component", "isomw"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do performs exactly one request. Unguarded requests skip the breaker check;
// premium calls use that since their proof is already spent.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body any, guarded bool) ([]byte, error) {
	if guarded && c.breaker != nil && !c.breaker.Allow() {
		return nil, fmt.Errorf("%s %s: %w", method, path, retry.ErrCircuitOpen)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set(APIKeyHeader, c.APIKey)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode >= 500 {
		c.recordFailure()
	} else if c.breaker != nil {
		c.breaker.Success()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Endpoint: path, Problem: api.DecodeProblem(resp.StatusCode, data)}
	}
	return data, nil
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.Failure()
	}
}

// read performs an idempotent GET with retries for transport errors, 429 and 5xx.
func (c *Client) read(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.readPolicy, path, func(ctx context.Context) error {
		data, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode() < 500 && apiErr.StatusCode() != http.StatusTooManyRequests {
				return retry.Permanent(err)
			}
			if errors.Is(err, retry.ErrCircuitOpen) {
				return retry.Permanent(err)
			}
			c.logger.DebugContext(ctx, "read failed, retrying", "path", path, "error", err)
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	})
}

// write performs a single non-retried request and decodes the response.
func (c *Client) write(ctx context.Context, method, path string, body, out any) error {
	data, err := c.do(ctx, method, path, nil, body, true)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ListReceipts calls GET /v1/receipts?limit=n.
func (c *Client) ListReceipts(ctx context.Context, limit int) (*receipts.Page, error) {
	var out receipts.Page
	err := c.read(ctx, PathReceipts+"?limit="+strconv.Itoa(limit), &out)
	return &out, err
}

// GetReceipt calls GET /v1/iso/receipts/{id}.
func (c *Client) GetReceipt(ctx context.Context, id string) (*receipts.Receipt, error) {
	var out receipts.Receipt
	if err := c.read(ctx, PathISOReceipts+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAnchors calls GET /v1/anchors/{receipt_id}.
func (c *Client) GetAnchors(ctx context.Context, receiptID string) ([]receipts.Anchor, error) {
	var out []receipts.Anchor
	err := c.read(ctx, PathAnchors+url.PathEscape(receiptID), &out)
	return out, err
}

// ConfirmAnchor calls POST /v1/iso/confirm-anchor once.
func (c *Client) ConfirmAnchor(ctx context.Context, p anchor.Proof) (*anchor.Confirmation, error) {
	var out anchor.Confirmation
	if err := c.write(ctx, http.MethodPost, PathConfirmAnchor, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProjectConfig calls GET /v1/projects/{id}/config.
func (c *Client) GetProjectConfig(ctx context.Context, projectID string) (*anchor.ProjectConfig, error) {
	var out anchor.ProjectConfig
	if err := c.read(ctx, PathProjects+url.PathEscape(projectID)+"/config", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutProjectConfig calls PUT /v1/projects/{id}/config.
func (c *Client) PutProjectConfig(ctx context.Context, projectID string, cfg *anchor.ProjectConfig) (*anchor.ProjectConfig, error) {
	var out anchor.ProjectConfig
	if err := c.write(ctx, http.MethodPut, PathProjects+url.PathEscape(projectID)+"/config", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseCommand calls POST /v1/ai/parse-command and returns the raw response.
func (c *Client) ParseCommand(ctx context.Context, message, systemPrompt string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, PathParseCommand, nil, ParseCommandRequest{Message: message, SystemPrompt: systemPrompt}, true)
}

// CallPremium issues exactly one POST to a premium endpoint with the payment
// proof attached. It never retries: the proof is spent either way.
func (c *Client) CallPremium(ctx context.Context, endpoint, proofHeader string, body any) ([]byte, error) {
	h := http.Header{}
	h.Set(payment.HeaderName, proofHeader)
	return c.do(ctx, http.MethodPost, endpoint, h, body, false)
}
