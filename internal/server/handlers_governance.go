package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
)

// HandlePropose handles POST /api/governance/propose.
func (h *Handlers) HandlePropose(w http.ResponseWriter, r *http.Request) {
	var body model.ProposeRequest
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Proposer) == "" {
		body.Proposer = actor(r).ID
	}

	res, err := h.svc.Propose(r.Context(), body.Proposal())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, model.ProposeResponse{
		CommitID:      res.CommitID,
		Status:        res.Status(),
		Verdict:       string(res.Verdict),
		MatchedCommit: res.MatchedCommit,
	})
}

// HandleApproveProposal handles POST /api/governance/approve.
func (h *Handlers) HandleApproveProposal(w http.ResponseWriter, r *http.Request) {
	var body model.RatifyRequest
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if body.CommitID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "commit_id is required")
		return
	}
	p, err := h.svc.ApproveProposal(r.Context(), actor(r), body.CommitID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RatifyResponse{CommitID: p.CommitID, Status: p.Status})
}

// HandleRejectProposal handles POST /api/governance/reject. A missing
// reason is refused before the ledger is touched.
func (h *Handlers) HandleRejectProposal(w http.ResponseWriter, r *http.Request) {
	var body model.RatifyRequest
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if body.CommitID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "commit_id is required")
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required to reject")
		return
	}
	p, err := h.svc.RejectProposal(r.Context(), actor(r), body.CommitID, body.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RatifyResponse{CommitID: p.CommitID, Status: p.Status})
}

// HandleListProposals handles GET /api/governance/list/{status}.
func (h *Handlers) HandleListProposals(w http.ResponseWriter, r *http.Request) {
	status, err := model.ParseProposalStatus(r.PathValue("status"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	list, err := h.svc.ListProposals(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, nonNil(list))
}

// HandlePendingProposals handles GET /api/governance/pending.
func (h *Handlers) HandlePendingProposals(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.PendingProposals(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, nonNil(list))
}

// HandleHistory handles GET /api/governance/history?limit=.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.History(r.Context(), queryLimit(r, ledger.DefaultHistoryLimit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, nonNil(list))
}

// HandleDiff handles GET /api/governance/diff/{commit_id}. It serves a
// proposal in any status.
func (h *Handlers) HandleDiff(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.Proposal(r.Context(), r.PathValue("commit_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

func nonNil(list []model.ProposalSummary) []model.ProposalSummary {
	if list == nil {
		return []model.ProposalSummary{}
	}
	return list
}
