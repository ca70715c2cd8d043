package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// SubmitRequest is the request body for POST /v1/requests.
// Authority is taken from the caller's token, never from the body.
type SubmitRequest struct {
	ModType        ModType `json:"mod_type"`
	Target         string  `json:"target"`
	OldValue       *string `json:"old_value,omitempty"`
	NewValue       string  `json:"new_value"`
	Reason         string  `json:"reason"`
	Sequence       uint64  `json:"sequence,omitempty"` // 0 means next
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// SubmitResponse is the response for POST /v1/requests.
type SubmitResponse struct {
	RequestID string        `json:"request_id"`
	Decision  Decision      `json:"decision"`
	Status    RequestStatus `json:"status"`
	Sequence  uint64        `json:"sequence"`
	Replayed  bool          `json:"replayed"`
}

// HumanActionRequest is the request body for the request approve/reject routes.
type HumanActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HumanActionResponse is the response for the request approve/reject routes.
type HumanActionResponse struct {
	RequestID       string        `json:"request_id"`
	Status          RequestStatus `json:"status"`
	Sequence        uint64        `json:"sequence"`
	AlreadyResolved bool          `json:"already_resolved"`
}

// StateResponse is the response for GET /v1/state.
type StateResponse struct {
	Sequence  uint64    `json:"sequence"`
	HeadHash  string    `json:"head_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValueResponse is the response for GET /v1/state/value.
type ValueResponse struct {
	Target   string `json:"target"`
	Value    string `json:"value"`
	Sequence uint64 `json:"sequence"`
}

// VerifyResponse is the response for GET /v1/state/verify.
type VerifyResponse struct {
	Valid       bool   `json:"valid"`
	Checked     int    `json:"checked"`
	FirstBadSeq uint64 `json:"first_bad_sequence,omitempty"`
	HeadHash    string `json:"head_hash"`
}

// PrecedentCheckRequest is the request body for POST /v1/precedent/check.
type PrecedentCheckRequest struct {
	ProposalType string `json:"proposal_type"`
	TrustLevel   string `json:"trust_level"`
	Summary      string `json:"summary"`
	Proposer     string `json:"proposer,omitempty"`
}

// PrecedentCheckResponse is the response for POST /v1/precedent/check.
type PrecedentCheckResponse struct {
	Verdict       string `json:"verdict"`
	Reason        string `json:"reason"`
	MatchedCommit string `json:"matched_commit,omitempty"`
	Source        string `json:"source,omitempty"`
}

// ProposeRequest is the request body for POST /api/governance/propose.
type ProposeRequest struct {
	Title        string `json:"title"`
	Proposer     string `json:"proposer"`
	Summary      string `json:"summary"`
	FilePath     string `json:"file_path"`
	Diff         string `json:"diff"`
	ProposalType string `json:"proposal_type,omitempty"`
	TrustLevel   string `json:"trust_level,omitempty"`
	RiskLevel    string `json:"risk_level,omitempty"`
	Reversible   string `json:"reversible,omitempty"`
	DeltaE       string `json:"delta_e,omitempty"`
}

// Proposal builds the ledger Proposal described by the request.
func (r ProposeRequest) Proposal() Proposal {
	p := Proposal{
		Title:        r.Title,
		Proposer:     r.Proposer,
		Summary:      r.Summary,
		FilePath:     r.FilePath,
		Diff:         r.Diff,
		ProposalType: r.ProposalType,
		TrustLevel:   r.TrustLevel,
		RiskLevel:    r.RiskLevel,
		Reversible:   r.Reversible,
		DeltaE:       r.DeltaE,
	}
	p.ApplyDefaults()
	return p
}

// ProposeResponse is the response for POST /api/governance/propose.
// CommitID carries the AUTO:/DIST: prefix when precedent decided the outcome.
type ProposeResponse struct {
	CommitID      string `json:"commit_id"`
	Status        string `json:"status"`
	Verdict       string `json:"verdict"`
	MatchedCommit string `json:"matched_commit,omitempty"`
}

// RatifyRequest is the request body for /api/governance/approve and /reject.
type RatifyRequest struct {
	CommitID string `json:"commit_id"`
	Reason   string `json:"reason,omitempty"`
}

// RatifyResponse is the response for /api/governance/approve and /reject.
type RatifyResponse struct {
	CommitID string         `json:"commit_id"`
	Status   ProposalStatus `json:"status"`
}

// ProposalSummary is one row of a proposal listing.
type ProposalSummary struct {
	CommitID  string         `json:"commit_id"`
	Title     string         `json:"title"`
	Proposer  string         `json:"proposer"`
	Status    ProposalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProposalDetail is the response for GET /api/governance/diff/{commit_id}.
type ProposalDetail struct {
	Proposal Proposal `json:"proposal"`
	Content  string   `json:"content"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	PrincipalID string `json:"principal_id"`
	APIKey      string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status           string     `json:"status"`
	Version          string     `json:"version"`
	Uptime           int64      `json:"uptime_seconds"`
	Sequence         uint64     `json:"sequence"`
	PendingRequests  int        `json:"pending_requests"`
	PendingCommits   int        `json:"pending_commits"`
	LastRatification *time.Time `json:"last_ratification,omitempty"`
}
