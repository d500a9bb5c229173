package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spanbilt/backend/internal/models"
	"github.com/spanbilt/backend/internal/services"
)

type ReconciliationHandler struct {
	recon     *services.ReconciliationService
	validator *services.ValidationHelper
}

func NewReconciliationHandler(recon *services.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{
		recon:     recon,
		validator: services.NewValidationHelper(),
	}
}

// RunReconciliation runs a reconciliation pass against the payment processor
// @Summary Run a reconciliation pass
// @Description Compare ledger entries against the external processor's records
// @Tags reconciliation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param scope body models.ReconciliationScope true "Reconciliation scope"
// @Success 200 {object} models.ReconciliationReport
// @Failure 502 {object} services.ErrorResponse
// @Router /reconciliation/runs [post]
func (h *ReconciliationHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	var scope models.ReconciliationScope
	if !decodeBody(w, r, &scope) {
		return
	}

	report, err := h.recon.Run(r.Context(), scope)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// GetReport fetches a stored reconciliation report
// @Summary Get a reconciliation report
// @Tags reconciliation
// @Produce json
// @Security BearerAuth
// @Param runId path string true "Run id"
// @Success 200 {object} models.ReconciliationReport
// @Failure 404 {object} services.ErrorResponse
// @Router /reconciliation/runs/{runId} [get]
func (h *ReconciliationHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.recon.GetReport(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
