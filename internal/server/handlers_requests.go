package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/precedent"
	"github.com/ashita-ai/dualcommit/internal/store"
)

// HandleSubmit handles POST /v1/requests. The submitter's authority comes
// from the token. Every gate outcome, HALT and sequence conflicts included,
// is a 200 carrying the decision. Reusing an idempotency key with a
// different payload is a 409.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body model.SubmitRequest
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	key, err := resolveIdempotencyKey(r, body.IdempotencyKey)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	a := actor(r)
	req := model.ModificationRequest{
		ModType:        body.ModType,
		Target:         body.Target,
		OldValue:       body.OldValue,
		NewValue:       body.NewValue,
		Reason:         body.Reason,
		Authority:      a.Authority,
		Sequence:       body.Sequence,
		IdempotencyKey: key,
	}

	res, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SubmitResponse{
		RequestID: res.RequestID,
		Decision:  res.Decision,
		Status:    res.Status,
		Sequence:  res.State.Sequence,
		Replayed:  res.Replayed,
	})
}

// HandlePendingRequests handles GET /v1/requests/pending.
func (h *Handlers) HandlePendingRequests(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.PendingRequests(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if pending == nil {
		pending = []store.PendingRequest{}
	}
	writeJSON(w, r, http.StatusOK, pending)
}

// HandleGetRequest handles GET /v1/requests/{request_id}.
func (h *Handlers) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Request(r.Context(), r.PathValue("request_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleApproveRequest handles POST /v1/requests/{request_id}/approve.
func (h *Handlers) HandleApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.handleHumanAction(w, r, model.ActionApprove)
}

// HandleRejectRequest handles POST /v1/requests/{request_id}/reject.
func (h *Handlers) HandleRejectRequest(w http.ResponseWriter, r *http.Request) {
	h.handleHumanAction(w, r, model.ActionReject)
}

func (h *Handlers) handleHumanAction(w http.ResponseWriter, r *http.Request, action model.HumanAction) {
	var body model.HumanActionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	if action == model.ActionReject && strings.TrimSpace(body.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required to reject")
		return
	}

	id := r.PathValue("request_id")
	res, err := h.svc.DecideRequest(r.Context(), actor(r), id, action, body.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.HumanActionResponse{
		RequestID:       res.RequestID,
		Status:          res.Status,
		Sequence:        res.State.Sequence,
		AlreadyResolved: res.AlreadyResolved,
	})
}

// HandleState handles GET /v1/state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.State(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.StateResponse{
		Sequence:  st.Sequence,
		HeadHash:  st.HeadHash,
		UpdatedAt: st.UpdatedAt,
	})
}

// HandleValue handles GET /v1/state/value?target=.
func (h *Handlers) HandleValue(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "target is required")
		return
	}
	v, err := h.svc.Value(r.Context(), target)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, v)
}

// HandleEvents handles GET /v1/events?after=&limit=.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	events, err := h.svc.Events(r.Context(), after, queryLimit(r, store.DefaultEventLimit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleVerify handles GET /v1/state/verify.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Verify(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.VerifyResponse{
		Valid:       report.Valid,
		Checked:     report.Checked,
		FirstBadSeq: report.FirstBadSeq,
		HeadHash:    report.HeadHash,
	})
}

// HandlePrecedentCheck handles POST /v1/precedent/check.
func (h *Handlers) HandlePrecedentCheck(w http.ResponseWriter, r *http.Request) {
	var body model.PrecedentCheckRequest
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Summary) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "summary is required")
		return
	}
	p := model.Proposal{ProposalType: body.ProposalType, TrustLevel: body.TrustLevel}
	p.ApplyDefaults()
	res, err := h.svc.CheckPrecedent(r.Context(), precedent.Query{
		ProposalType: p.ProposalType,
		TrustLevel:   p.TrustLevel,
		Summary:      body.Summary,
		Proposer:     body.Proposer,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.PrecedentCheckResponse{
		Verdict:       string(res.Verdict),
		Reason:        res.Reason,
		MatchedCommit: res.MatchedCommit,
		Source:        res.Source,
	})
}
