package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/spanbilt/backend/internal/services"
)

type PaymentLinkHandler struct {
	links     *services.PaymentLinkService
	validator *services.ValidationHelper
}

func NewPaymentLinkHandler(links *services.PaymentLinkService) *PaymentLinkHandler {
	return &PaymentLinkHandler{
		links:     links,
		validator: services.NewValidationHelper(),
	}
}

// GenerateLink creates a single-use payment link with a QR image
// @Summary Generate a payment link for an order
// @Description Without an explicit amount the link charges the outstanding balance
// @Tags payment-links
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{orderId=string,amount=string} true "Link request"
// @Success 201 {object} map[string]any
// @Failure 400 {object} services.ErrorResponse
// @Router /payment-links [post]
func (h *PaymentLinkHandler) GenerateLink(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		OrderID string `json:"orderId" validate:"required"`
		Amount  string `json:"amount,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var amount *decimal.Decimal
	if req.Amount != "" {
		parsed, err := decimal.NewFromString(req.Amount)
		if err != nil {
			services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
			return
		}
		amount = &parsed
	}

	code, qrImage, err := h.links.Generate(r.Context(), req.OrderID, amount, actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"code":    code,
		"qrImage": qrImage,
	})
}

// ResolveLink consumes a payment link and returns its payload
// @Summary Resolve a payment link
// @Description Links are single-use; resolving one invalidates it
// @Tags payment-links
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{code=string} true "Link code"
// @Success 200 {object} map[string]any
// @Failure 404 {object} services.ErrorResponse
// @Router /payment-links/resolve [post]
func (h *PaymentLinkHandler) ResolveLink(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	var req struct {
		Code string `json:"code" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payload, err := h.links.Resolve(r.Context(), req.Code)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "payload": payload})
}
