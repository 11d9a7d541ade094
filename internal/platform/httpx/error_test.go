package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	err := NewError("order_not_found", "order does not exist", http.StatusNotFound).
		WithRequestID("req_1").
		WithDetails(map[string]any{"orderId": "ord_1"})

	WriteError(context.Background(), rr, err)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %s", ct)
	}

	var payload map[string]any
	if decodeErr := json.Unmarshal(rr.Body.Bytes(), &payload); decodeErr != nil {
		t.Fatalf("decode payload: %v", decodeErr)
	}
	if payload["error"] != "order_not_found" {
		t.Fatalf("unexpected code %v", payload["error"])
	}
	if payload["request_id"] != "req_1" {
		t.Fatalf("unexpected request id %v", payload["request_id"])
	}
	if payload["orderId"] != "ord_1" {
		t.Fatalf("detail keys should flatten into the envelope, got %v", payload)
	}
}

func TestNewErrorDefaultsStatus(t *testing.T) {
	err := NewError("internal", "boom", 0)
	if err.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 default, got %d", err.Status)
	}
}

func TestErrorImplementsError(t *testing.T) {
	var err error = NewError("validation_failed", "amount must be positive", http.StatusBadRequest)
	if !strings.Contains(err.Error(), "validation_failed") {
		t.Fatalf("unexpected error string %q", err.Error())
	}
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	err := NewError("code", "line1\nline2\r\tinjected", http.StatusBadRequest)
	if strings.ContainsAny(err.Message, "\n\r\t") {
		t.Fatalf("control characters should be stripped, got %q", err.Message)
	}

	long := strings.Repeat("x", 1000)
	if got := NewError("code", long, http.StatusBadRequest).Message; len(got) != 512 {
		t.Fatalf("expected message capped at 512, got %d", len(got))
	}
}
