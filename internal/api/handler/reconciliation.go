package handler

import (
	"net/http"

	"github.com/forwardly/wallet-service/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ReconciliationHandler lets operators trigger ledger replay checks on demand.
type ReconciliationHandler struct {
	svc *service.ReconciliationService
}

func NewReconciliationHandler(svc *service.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{svc: svc}
}

// Run replays the full ledger against stored balances for every wallet owner.
func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Run(r.Context()); err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// CheckUser reports per-currency drift between a user's stored balances and
// what their completed ledger entries sum to.
func (h *ReconciliationHandler) CheckUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "invalid user id")
		return
	}

	drifts, err := h.svc.CheckUser(r.Context(), userID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"drifts":  drifts,
		"clean":   len(drifts) == 0,
	})
}
