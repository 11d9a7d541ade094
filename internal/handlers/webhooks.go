package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/giftwell/api/internal/platform/httpx"
	"github.com/giftwell/api/internal/services"
)

const maxWebhookBodyBytes int64 = 256 << 10

// WebhookHandlers receives fulfillment partner callbacks. Authentication is
// applied at the route group level (HMAC signature middleware), not here.
type WebhookHandlers struct {
	lifecycle services.OrderLifecycleService
}

// NewWebhookHandlers builds the webhook route group.
func NewWebhookHandlers(lifecycle services.OrderLifecycleService) *WebhookHandlers {
	return &WebhookHandlers{lifecycle: lifecycle}
}

// Routes registers webhook endpoints on the provided router group.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/partner-callback", h.partnerCallback)
}

type partnerCallbackRequest struct {
	RequestID   string            `json:"requestId"`
	Resolution  string            `json:"resolution"`
	ClientNotes map[string]string `json:"clientNotes"`
}

func (h *WebhookHandlers) partnerCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxWebhookBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req partnerCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	resolution := services.CallbackResolution(strings.ToLower(strings.TrimSpace(req.Resolution)))
	switch resolution {
	case services.CallbackResolutionSucceeded, services.CallbackResolutionFailed:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "resolution must be succeeded or failed", http.StatusBadRequest))
		return
	}

	order, err := h.lifecycle.HandlePartnerCallback(ctx, services.PartnerCallbackCommand{
		RequestID:   strings.TrimSpace(req.RequestID),
		Resolution:  resolution,
		ClientNotes: req.ClientNotes,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}{OrderID: order.ID, Status: string(order.Status)})
}
