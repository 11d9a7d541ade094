package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/platform/auth"
	"github.com/giftwell/api/internal/services"
)

const webhookTestSecret = "partner-webhook-secret"

func signWebhookRequest(req *http.Request, body, timestamp, nonce string) {
	hash := sha256.Sum256([]byte(body))
	canonical := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n")
	mac := hmac.New(sha256.New, []byte(webhookTestSecret))
	mac.Write([]byte(canonical))
	req.Header.Set("X-Giftwell-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("X-Giftwell-Timestamp", timestamp)
	req.Header.Set("X-Giftwell-Nonce", nonce)
}

func webhookTestRouter(lifecycle services.OrderLifecycleService) chi.Router {
	validator := auth.NewHMACValidator(
		auth.SecretProviderFunc(func(context.Context, string) (string, error) {
			return webhookTestSecret, nil
		}),
		auth.NewInMemoryNonceStore(),
	)

	h := NewWebhookHandlers(lifecycle)
	r := chi.NewRouter()
	r.Route("/webhooks", func(group chi.Router) {
		group.Use(validator.RequireHMAC("partner"))
		h.Routes(group)
	})
	return r
}

func TestPartnerCallbackResolvesOrder(t *testing.T) {
	var captured services.PartnerCallbackCommand
	lifecycle := &fakeLifecycleService{
		partnerCallbackFn: func(_ context.Context, cmd services.PartnerCallbackCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder("order_1", "user_1", domain.OrderStatusCancelled), nil
		},
	}

	body := `{"requestId":"req_abc","resolution":"succeeded","clientNotes":{"orderId":"order_1","orderNumber":"GW-1042"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/partner-callback", strings.NewReader(body))
	signWebhookRequest(req, body, time.Now().UTC().Format(time.RFC3339), "nonce-1")
	rr := httptest.NewRecorder()
	webhookTestRouter(lifecycle).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.RequestID != "req_abc" {
		t.Fatalf("unexpected request id %q", captured.RequestID)
	}
	if captured.Resolution != services.CallbackResolutionSucceeded {
		t.Fatalf("unexpected resolution %q", captured.Resolution)
	}
	if captured.ClientNotes["orderId"] != "order_1" || captured.ClientNotes["orderNumber"] != "GW-1042" {
		t.Fatalf("client notes not forwarded: %v", captured.ClientNotes)
	}
	if !strings.Contains(rr.Body.String(), `"status":"cancelled"`) {
		t.Fatalf("expected resolved status in body: %s", rr.Body.String())
	}
}

func TestPartnerCallbackRejectsUnknownResolution(t *testing.T) {
	lifecycle := &fakeLifecycleService{
		partnerCallbackFn: func(context.Context, services.PartnerCallbackCommand) (domain.Order, error) {
			t.Fatalf("service should not be called for invalid resolution")
			return domain.Order{}, nil
		},
	}

	body := `{"requestId":"req_abc","resolution":"maybe"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/partner-callback", strings.NewReader(body))
	signWebhookRequest(req, body, time.Now().UTC().Format(time.RFC3339), "nonce-2")
	rr := httptest.NewRecorder()
	webhookTestRouter(lifecycle).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPartnerCallbackRejectsUnsignedRequest(t *testing.T) {
	lifecycle := &fakeLifecycleService{}

	body := `{"requestId":"req_abc","resolution":"succeeded"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/partner-callback", strings.NewReader(body))
	rr := httptest.NewRecorder()
	webhookTestRouter(lifecycle).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rr.Code)
	}
}

func TestPartnerCallbackRejectsReplayedNonce(t *testing.T) {
	lifecycle := &fakeLifecycleService{
		partnerCallbackFn: func(context.Context, services.PartnerCallbackCommand) (domain.Order, error) {
			return sampleOrder("order_1", "user_1", domain.OrderStatusCancelled), nil
		},
	}
	router := webhookTestRouter(lifecycle)

	body := `{"requestId":"req_abc","resolution":"succeeded"}`
	timestamp := time.Now().UTC().Format(time.RFC3339)

	first := httptest.NewRequest(http.MethodPost, "/webhooks/partner-callback", strings.NewReader(body))
	signWebhookRequest(first, body, timestamp, "nonce-replay")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first delivery to succeed, got %d: %s", rr.Code, rr.Body.String())
	}

	second := httptest.NewRequest(http.MethodPost, "/webhooks/partner-callback", strings.NewReader(body))
	signWebhookRequest(second, body, timestamp, "nonce-replay")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, second)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay rejection, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPartnerCallbackUnknownRequestMapsToNotFound(t *testing.T) {
	lifecycle := &fakeLifecycleService{
		partnerCallbackFn: func(context.Context, services.PartnerCallbackCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderNotFound
		},
	}

	body := `{"requestId":"req_unknown","resolution":"failed"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/partner-callback", strings.NewReader(body))
	signWebhookRequest(req, body, time.Now().UTC().Format(time.RFC3339), "nonce-3")
	rr := httptest.NewRecorder()
	webhookTestRouter(lifecycle).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request id, got %d: %s", rr.Code, rr.Body.String())
	}
}
