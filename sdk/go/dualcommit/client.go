package dualcommit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the gate (e.g. "http://localhost:8080").
	BaseURL string

	// PrincipalID names the caller in the server's policy.
	PrincipalID string

	// APIKey is exchanged for a JWT on first use.
	APIKey string

	// HTTPClient is optional. If nil, a client with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client talks to the gate's HTTP API. All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client. BaseURL, PrincipalID and APIKey are required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("dualcommit: BaseURL is required")
	}
	if cfg.PrincipalID == "" {
		return nil, fmt.Errorf("dualcommit: PrincipalID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("dualcommit: APIKey is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.PrincipalID, cfg.APIKey, httpClient),
	}, nil
}

// Submit sends a modification request. When req.IdempotencyKey is empty a
// fresh key is generated, so a retried Submit of the same change with the
// returned key replays the original decision instead of deciding twice. A key
// reused for a different change fails with a conflict (see IsConflict).
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/requests", req, map[string]string{"Idempotency-Key": req.IdempotencyKey}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingRequests lists requests awaiting ratification, oldest first.
func (c *Client) PendingRequests(ctx context.Context) ([]PendingRequest, error) {
	var resp []PendingRequest
	if err := c.get(ctx, "/v1/requests/pending", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRequest fetches a recorded request.
func (c *Client) GetRequest(ctx context.Context, requestID string) (*RequestRecord, error) {
	var resp RequestRecord
	if err := c.get(ctx, "/v1/requests/"+url.PathEscape(requestID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApproveRequest ratifies a pending request. The caller must hold the
// ratifier tier.
func (c *Client) ApproveRequest(ctx context.Context, requestID, reason string) (*HumanActionResponse, error) {
	return c.humanAction(ctx, requestID, "approve", reason)
}

// RejectRequest rejects a pending request. reason is required.
func (c *Client) RejectRequest(ctx context.Context, requestID, reason string) (*HumanActionResponse, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("dualcommit: a rejection reason is required")
	}
	return c.humanAction(ctx, requestID, "reject", reason)
}

func (c *Client) humanAction(ctx context.Context, requestID, action, reason string) (*HumanActionResponse, error) {
	body := map[string]string{"reason": reason}
	var resp HumanActionResponse
	if err := c.post(ctx, "/v1/requests/"+url.PathEscape(requestID)+"/"+action, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// State returns the applied sequence and chain head.
func (c *Client) State(ctx context.Context) (*State, error) {
	var resp State
	if err := c.get(ctx, "/v1/state", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Value returns the live value of target.
func (c *Client) Value(ctx context.Context, target string) (*Value, error) {
	var resp Value
	if err := c.get(ctx, "/v1/state/value?"+url.Values{"target": {target}}.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify asks the server to recompute the event hash chain.
func (c *Client) Verify(ctx context.Context) (*VerifyReport, error) {
	var resp VerifyReport
	if err := c.get(ctx, "/v1/state/verify", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns applied events after the given sequence. limit <= 0 takes
// the server default.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]Event, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []Event
	if err := c.get(ctx, "/v1/events?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CheckPrecedent asks whether ratified precedent covers a prospective change.
func (c *Client) CheckPrecedent(ctx context.Context, q PrecedentQuery) (*PrecedentResult, error) {
	var resp PrecedentResult
	if err := c.post(ctx, "/v1/precedent/check", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Propose writes a proposal into the governance ledger.
func (c *Client) Propose(ctx context.Context, req ProposeRequest) (*ProposeResponse, error) {
	var resp ProposeResponse
	if err := c.post(ctx, "/api/governance/propose", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApproveProposal ratifies a pending proposal.
func (c *Client) ApproveProposal(ctx context.Context, commitID string) (*RatifyResponse, error) {
	var resp RatifyResponse
	if err := c.post(ctx, "/api/governance/approve", map[string]string{"commit_id": commitID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RejectProposal rejects a pending proposal. reason is required.
func (c *Client) RejectProposal(ctx context.Context, commitID, reason string) (*RatifyResponse, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("dualcommit: a rejection reason is required")
	}
	body := map[string]string{"commit_id": commitID, "reason": reason}
	var resp RatifyResponse
	if err := c.post(ctx, "/api/governance/reject", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListProposals lists proposals in one status: pending, commit, rejected
// or applied.
func (c *Client) ListProposals(ctx context.Context, status string) ([]ProposalSummary, error) {
	var resp []ProposalSummary
	if err := c.get(ctx, "/api/governance/list/"+url.PathEscape(status), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PendingProposals lists proposals awaiting ratification.
func (c *Client) PendingProposals(ctx context.Context) ([]ProposalSummary, error) {
	var resp []ProposalSummary
	if err := c.get(ctx, "/api/governance/pending", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// History returns resolved proposals, most recent first.
func (c *Client) History(ctx context.Context, limit int) ([]ProposalSummary, error) {
	path := "/api/governance/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []ProposalSummary
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Proposal fetches a proposal and its stored document.
func (c *Client) Proposal(ctx context.Context, commitID string) (*ProposalDetail, error) {
	var resp ProposalDetail
	if err := c.get(ctx, "/api/governance/diff/"+url.PathEscape(commitID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports server health. It does not authenticate.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("dualcommit: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dualcommit: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var h Health
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.do(ctx, http.MethodGet, path, nil, nil, dest)
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	return c.do(ctx, http.MethodPost, path, body, nil, dest)
}

// do sends one authenticated request. A 401 drops the cached token and
// retries once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("dualcommit: marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("dualcommit: create request: %w", err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("dualcommit: %s %s: %w", method, req.URL.Path, err)
		}
		err = handleResponse(resp, dest)
		_ = resp.Body.Close()
		if attempt == 0 && IsUnauthorized(err) {
			c.tokenMgr.invalidate()
			continue
		}
		return err
	}
}

func handleResponse(resp *http.Response, dest any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dualcommit: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, raw)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	return decodeEnvelope(raw, dest)
}

func decodeEnvelope(raw []byte, dest any) error {
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("dualcommit: decode response envelope: %w", err)
	}
	if env.Data == nil {
		return fmt.Errorf("dualcommit: response has no data")
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("dualcommit: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}
	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
