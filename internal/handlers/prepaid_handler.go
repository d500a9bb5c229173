package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/models"
	"github.com/spanbilt/backend/internal/services"
)

type PrepaidHandler struct {
	prepaid   *services.PrepaidService
	validator *services.ValidationHelper
}

func NewPrepaidHandler(prepaid *services.PrepaidService) *PrepaidHandler {
	return &PrepaidHandler{
		prepaid:   prepaid,
		validator: services.NewValidationHelper(),
	}
}

// CreateCredit records a prepaid credit not yet tied to an order
// @Summary Create a prepaid credit
// @Tags prepaid
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{customerRef=string,amount=string,method=string,externalReferenceId=string} true "Credit data"
// @Success 201 {object} models.PrepaidCredit
// @Router /prepaid [post]
func (h *PrepaidHandler) CreateCredit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		CustomerRef         string  `json:"customerRef" validate:"required"`
		Amount              string  `json:"amount" validate:"required"`
		Method              string  `json:"method" validate:"required"`
		ExternalReferenceID *string `json:"externalReferenceId,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	credit, err := h.prepaid.Create(r.Context(), req.CustomerRef, amount, models.PaymentMethod(req.Method), req.ExternalReferenceID, actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(credit)
}

// ApplyCredit applies an available credit to an order as a verified payment
// @Summary Apply a prepaid credit to an order
// @Tags prepaid
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param creditId path string true "Credit id"
// @Param request body object{orderId=string} true "Target order"
// @Success 200 {object} services.AppendResult
// @Failure 409 {object} services.ErrorResponse
// @Router /prepaid/{creditId}/apply [post]
func (h *PrepaidHandler) ApplyCredit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		OrderID string `json:"orderId" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.prepaid.Apply(r.Context(), chi.URLParam(r, "creditId"), req.OrderID, actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"entryId":        result.EntryID,
		"sequenceNumber": result.SequenceNumber,
	})
}

// RefundCredit refunds an unapplied credit back to the customer
// @Summary Refund an available prepaid credit
// @Tags prepaid
// @Produce json
// @Security BearerAuth
// @Param creditId path string true "Credit id"
// @Success 200 {object} map[string]any
// @Failure 409 {object} services.ErrorResponse
// @Router /prepaid/{creditId}/refund [post]
func (h *PrepaidHandler) RefundCredit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	if err := h.prepaid.Refund(r.Context(), chi.URLParam(r, "creditId"), actor); err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// GetCredit fetches a prepaid credit
// @Summary Get a prepaid credit
// @Tags prepaid
// @Produce json
// @Security BearerAuth
// @Param creditId path string true "Credit id"
// @Success 200 {object} models.PrepaidCredit
// @Failure 404 {object} services.ErrorResponse
// @Router /prepaid/{creditId} [get]
func (h *PrepaidHandler) GetCredit(w http.ResponseWriter, r *http.Request) {
	credit, err := h.prepaid.Get(r.Context(), chi.URLParam(r, "creditId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(credit)
}
