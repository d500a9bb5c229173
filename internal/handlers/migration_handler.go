package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spanbilt/backend/internal/services"
)

type MigrationHandler struct {
	migrations *services.MigrationService
	validator  *services.ValidationHelper
}

func NewMigrationHandler(migrations *services.MigrationService) *MigrationHandler {
	return &MigrationHandler{
		migrations: migrations,
		validator:  services.NewValidationHelper(),
	}
}

// MigrateOrder backfills a single order's legacy payment into the ledger
// @Summary Migrate one order's legacy payment data
// @Tags migration
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order id"
// @Success 200 {object} services.MigrationOutcome
// @Router /migration/orders/{orderId} [post]
func (h *MigrationHandler) MigrateOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	outcome, err := h.migrations.MigrateOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

// MigrateBatch backfills a batch of orders, isolating per-order failures
// @Summary Migrate a batch of orders
// @Tags migration
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{orderIds=[]string} true "Order ids"
// @Success 200 {array} services.MigrationOutcome
// @Router /migration/batch [post]
func (h *MigrationHandler) MigrateBatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	var req struct {
		OrderIDs []string `json:"orderIds" validate:"required,min=1"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	outcomes := h.migrations.MigrateBatch(r.Context(), req.OrderIDs)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "outcomes": outcomes})
}
