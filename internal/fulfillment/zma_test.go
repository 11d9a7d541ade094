package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *ZMAProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	provider, err := NewZMAProvider(ZMAConfig{
		BaseURL:  srv.URL,
		APIToken: "test-token",
	})
	if err != nil {
		t.Fatalf("NewZMAProvider: %v", err)
	}
	return provider
}

func TestSubmitOrderSendsClientNotes(t *testing.T) {
	var captured zmaOrderPayload
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "ord_123" {
			t.Fatalf("unexpected idempotency key %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(zmaOrderResponse{RequestID: "zma_req_1", Status: "accepted"})
	})

	result, err := provider.SubmitOrder(context.Background(), SubmitRequest{
		OrderID:        "ord_123",
		OrderNumber:    "GW-2026-000042",
		RecipientID:    "rcp_9",
		ProductRef:     "prod_1",
		MaxPriceCents:  5000,
		CurrencyCode:   "usd",
		ClientNotes:    map[string]string{"orderId": "ord_123", "orderNumber": "GW-2026-000042"},
		IdempotencyKey: "ord_123",
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if result.RequestID != "zma_req_1" {
		t.Fatalf("unexpected request id %q", result.RequestID)
	}
	if result.Status != StatusProcessing {
		t.Fatalf("unexpected status %q", result.Status)
	}
	if captured.ClientNotes["orderId"] != "ord_123" || captured.ClientNotes["orderNumber"] != "GW-2026-000042" {
		t.Fatalf("client notes not round-tripped: %#v", captured.ClientNotes)
	}
	if captured.Currency != "USD" {
		t.Fatalf("currency not normalised: %q", captured.Currency)
	}
	if captured.Quantity != 1 {
		t.Fatalf("expected default quantity 1, got %d", captured.Quantity)
	}
}

func TestAbortOrderOutcomes(t *testing.T) {
	cases := []struct {
		raw  string
		want AbortOutcome
	}{
		{"immediate", AbortImmediate},
		{"pending", AbortPending},
		{"rejected", AbortRejected},
	}
	for _, tc := range cases {
		provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/orders/zma_req_1/abort" {
				t.Fatalf("unexpected path %s", r.URL.Path)
			}
			_ = json.NewEncoder(w).Encode(zmaAbortResponse{RequestID: "zma_req_1", Outcome: tc.raw})
		})
		outcome, err := provider.AbortOrder(context.Background(), "zma_req_1")
		if err != nil {
			t.Fatalf("AbortOrder(%s): %v", tc.raw, err)
		}
		if outcome != tc.want {
			t.Fatalf("AbortOrder(%s) = %q, want %q", tc.raw, outcome, tc.want)
		}
	}
}

func TestAbortOrderRejectsUnknownOutcome(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(zmaAbortResponse{Outcome: "maybe"})
	})
	if _, err := provider.AbortOrder(context.Background(), "zma_req_1"); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestPollStatusNormalises(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/orders/zma_req_1" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(zmaOrderResponse{RequestID: "zma_req_1", PartnerOrderID: "amz_77", Status: "in_transit"})
	})

	result, err := provider.PollStatus(context.Background(), "zma_req_1")
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if result.Status != StatusShipped {
		t.Fatalf("unexpected status %q", result.Status)
	}
	if result.PartnerOrderID != "amz_77" {
		t.Fatalf("unexpected partner order id %q", result.PartnerOrderID)
	}
}

func TestPartnerErrorClassification(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(zmaErrorResponse{Code: "overloaded", Message: "try later"})
	})

	_, err := provider.PollStatus(context.Background(), "zma_req_1")
	var pe *PartnerError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PartnerError, got %v", err)
	}
	if !pe.Temporary() {
		t.Fatal("503 should classify as temporary")
	}
	if pe.Code != "overloaded" {
		t.Fatalf("unexpected code %q", pe.Code)
	}
}

func TestCancelOrderSendsReason(t *testing.T) {
	var captured map[string]string
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders/zma_req_1/cancel" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if err := provider.CancelOrder(context.Background(), "zma_req_1", "changed mind"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if captured["reason"] != "changed mind" {
		t.Fatalf("reason not sent: %#v", captured)
	}
}

func TestNormalizeStatus(t *testing.T) {
	if NormalizeStatus("In_Transit") != StatusShipped {
		t.Fatal("in_transit should map to shipped")
	}
	if NormalizeStatus("weird") != StatusUnknown {
		t.Fatal("unknown values should map to unknown")
	}
}
