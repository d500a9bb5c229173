package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/models"
	"github.com/spanbilt/backend/internal/services"
)

type LedgerHandler struct {
	ledger    *services.LedgerService
	summaries *services.SummaryService
	validator *services.ValidationHelper
}

func NewLedgerHandler(ledger *services.LedgerService, summaries *services.SummaryService) *LedgerHandler {
	return &LedgerHandler{
		ledger:    ledger,
		summaries: summaries,
		validator: services.NewValidationHelper(),
	}
}

type createEntryRequest struct {
	OrderID             string  `json:"orderId" validate:"required"`
	OrderNumber         int64   `json:"orderNumber" validate:"required"`
	ChangeOrderID       *string `json:"changeOrderId,omitempty"`
	ChangeOrderNumber   *int64  `json:"changeOrderNumber,omitempty"`
	TransactionType     string  `json:"transactionType" validate:"required"`
	Category            string  `json:"category" validate:"required"`
	Method              string  `json:"method" validate:"required"`
	Amount              string  `json:"amount" validate:"required"`
	ExternalReferenceID *string `json:"externalReferenceId,omitempty"`
}

// CreateEntry appends a ledger entry
// @Summary Append a ledger entry
// @Description Record a monetary transaction against an order
// @Tags ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param entry body createEntryRequest true "Entry data"
// @Success 201 {object} services.AppendResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /ledger/entries [post]
func (h *LedgerHandler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req createEntryRequest
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

	entry, err := models.NewLedgerEntry(req.OrderID, req.OrderNumber,
		models.TransactionType(req.TransactionType), models.EntryCategory(req.Category),
		models.PaymentMethod(req.Method), amount, models.SourceManual)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	entry.ChangeOrderID = req.ChangeOrderID
	entry.ChangeOrderNumber = req.ChangeOrderNumber
	entry.ExternalReferenceID = req.ExternalReferenceID

	result, err := h.ledger.Append(r.Context(), entry, actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.recalc(r, req.OrderID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"entryId":        result.EntryID,
		"sequenceNumber": result.SequenceNumber,
	})
}

// VoidEntry voids a ledger entry
// @Summary Void a ledger entry
// @Tags ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param entryId path string true "Entry id"
// @Param request body object{reason=string,observedStatus=string} true "Void request"
// @Success 200 {object} map[string]any
// @Failure 409 {object} services.ErrorResponse
// @Router /ledger/entries/{entryId}/void [post]
func (h *LedgerHandler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	entryID := chi.URLParam(r, "entryId")

	var req struct {
		Reason         string `json:"reason" validate:"required"`
		ObservedStatus string `json:"observedStatus,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.ledger.Void(r.Context(), entryID, req.Reason, actor, models.EntryStatus(req.ObservedStatus)); err != nil {
		respondServiceError(w, err)
		return
	}
	h.recalcForEntry(r, entryID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// CorrectEntry corrects an entry amount
// @Summary Correct a ledger entry amount
// @Tags ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param entryId path string true "Entry id"
// @Param request body object{amount=string,reason=string,observedStatus=string} true "Correction request"
// @Success 200 {object} map[string]any
// @Failure 409 {object} services.ErrorResponse
// @Router /ledger/entries/{entryId}/correct [post]
func (h *LedgerHandler) CorrectEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	entryID := chi.URLParam(r, "entryId")

	var req struct {
		Amount         string `json:"amount" validate:"required"`
		Reason         string `json:"reason" validate:"required"`
		ObservedStatus string `json:"observedStatus,omitempty"`
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

	if err := h.ledger.CorrectAmount(r.Context(), entryID, amount, req.Reason, actor, models.EntryStatus(req.ObservedStatus)); err != nil {
		respondServiceError(w, err)
		return
	}
	h.recalcForEntry(r, entryID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// SettleEntry moves a pending entry to verified or approved
// @Summary Settle a pending ledger entry
// @Tags ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param entryId path string true "Entry id"
// @Param request body object{status=string} true "Target status"
// @Success 200 {object} map[string]any
// @Router /ledger/entries/{entryId}/settle [post]
func (h *LedgerHandler) SettleEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	entryID := chi.URLParam(r, "entryId")

	var req struct {
		Status string `json:"status" validate:"required,oneof=verified approved"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.ledger.Settle(r.Context(), entryID, models.EntryStatus(req.Status), actor); err != nil {
		respondServiceError(w, err)
		return
	}
	h.recalcForEntry(r, entryID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// ListOrderEntries lists an order's ledger entries
// @Summary List ledger entries for an order
// @Tags ledger
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order id"
// @Success 200 {array} models.LedgerEntry
// @Router /orders/{orderId}/ledger [get]
func (h *LedgerHandler) ListOrderEntries(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	includeVoided := r.URL.Query().Get("includeVoided") == "true"

	entries, err := h.ledger.EntriesForOrder(r.Context(), orderID, includeVoided)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "entries": entries})
}

// GetSummary returns the order's balance summary
// @Summary Get an order's ledger summary
// @Tags ledger
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order id"
// @Success 200 {object} models.LedgerSummary
// @Router /orders/{orderId}/summary [get]
func (h *LedgerHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.summaries.Get(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// RecalcSummary forces a summary recalculation
// @Summary Recalculate an order's ledger summary
// @Tags ledger
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order id"
// @Success 200 {object} models.LedgerSummary
// @Router /orders/{orderId}/summary/recalc [post]
func (h *LedgerHandler) RecalcSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.summaries.Recalc(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (h *LedgerHandler) recalc(r *http.Request, orderID string) {
	if _, err := h.summaries.Recalc(r.Context(), orderID); err != nil {
		log.Printf("[LEDGER] Summary recalc failed for %s: %v", orderID, err)
	}
}

func (h *LedgerHandler) recalcForEntry(r *http.Request, entryID string) {
	entry, err := h.ledger.GetEntry(r.Context(), entryID)
	if err != nil {
		log.Printf("[LEDGER] Could not load entry %s for summary recalc: %v", entryID, err)
		return
	}
	h.recalc(r, entry.OrderID)
}

// requireActor pulls the authenticated operator from the request context.
// Approval, void and correction all demand a non-anonymous actor.
func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := r.Context().Value("userID").(string)
	if !ok || actor == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}
	return actor, true
}

// decodeBody applies the shared strict-JSON decode rules.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// respondServiceError maps the service error taxonomy to HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *services.ValidationError
		duplicateErr  *services.DuplicateExternalReferenceError
		notFoundErr   *services.NotFoundError
		conflictErr   *services.StateConflictError
		lookupErr     *services.ExternalLookupError
	)
	switch {
	case errors.As(err, &validationErr):
		services.SendErrorResponse(w, validationErr.Error(), http.StatusBadRequest, nil)
	case errors.As(err, &duplicateErr):
		services.SendErrorResponse(w, duplicateErr.Error(), http.StatusConflict, nil)
	case errors.As(err, &notFoundErr):
		services.SendErrorResponse(w, notFoundErr.Error(), http.StatusNotFound, nil)
	case errors.As(err, &conflictErr):
		services.SendErrorResponse(w, conflictErr.Error(), http.StatusConflict, nil)
	case errors.As(err, &lookupErr):
		services.SendErrorResponse(w, lookupErr.Error(), http.StatusBadGateway, nil)
	default:
		log.Printf("[HTTP] Internal error: %v", err)
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
