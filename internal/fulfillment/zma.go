package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/giftwell/api/internal/platform/textutil"
)

const (
	defaultZMATimeout    = 15 * time.Second
	maxPartnerBodyBytes  = 1 << 20
	headerIdempotencyKey = "Idempotency-Key"
)

// ZMALogger defines the logging contract for partner calls.
type ZMALogger func(ctx context.Context, event string, fields map[string]any)

// ZMAConfig configures the ZMA partner client.
type ZMAConfig struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     ZMALogger
}

// ZMAProvider talks to the ZMA fulfillment API over HTTPS.
type ZMAProvider struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
	logger  ZMALogger
}

var _ Provider = (*ZMAProvider)(nil)

// NewZMAProvider constructs the partner client.
func NewZMAProvider(cfg ZMAConfig) (*ZMAProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("fulfillment: zma base url is required")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("fulfillment: zma api token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultZMATimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &ZMAProvider{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.APIToken),
		timeout: timeout,
		client:  client,
		logger:  logger,
	}, nil
}

type zmaOrderPayload struct {
	ClientOrderID string            `json:"client_order_id"`
	OrderNumber   string            `json:"order_number"`
	RecipientID   string            `json:"recipient_id"`
	ProductRef    string            `json:"product_ref"`
	Quantity      int               `json:"quantity"`
	MaxPrice      int64             `json:"max_price"`
	Currency      string            `json:"currency"`
	ClientNotes   map[string]string `json:"client_notes,omitempty"`
}

type zmaOrderResponse struct {
	RequestID      string `json:"request_id"`
	PartnerOrderID string `json:"order_id,omitempty"`
	Status         string `json:"status"`
	Detail         string `json:"detail,omitempty"`
}

type zmaAbortResponse struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
}

type zmaErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder places an order with ZMA.
func (p *ZMAProvider) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if p == nil {
		return SubmitResult{}, errors.New("fulfillment: provider is nil")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return SubmitResult{}, errors.New("fulfillment: order id is required")
	}

	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	payload := zmaOrderPayload{
		ClientOrderID: req.OrderID,
		OrderNumber:   req.OrderNumber,
		RecipientID:   req.RecipientID,
		ProductRef:    req.ProductRef,
		Quantity:      quantity,
		MaxPrice:      req.MaxPriceCents,
		Currency:      strings.ToUpper(strings.TrimSpace(req.CurrencyCode)),
		ClientNotes:   textutil.NormalizeStringMap(req.ClientNotes),
	}

	var resp zmaOrderResponse
	if err := p.do(ctx, http.MethodPost, "/v1/orders", req.IdempotencyKey, payload, &resp); err != nil {
		return SubmitResult{}, err
	}

	p.logger(ctx, "fulfillment.zma.order.submitted", map[string]any{
		"orderId":   req.OrderID,
		"requestId": resp.RequestID,
		"status":    resp.Status,
	})

	return SubmitResult{RequestID: resp.RequestID, Status: NormalizeStatus(resp.Status)}, nil
}

// AbortOrder requests an abort and returns the partner's synchronous outcome.
func (p *ZMAProvider) AbortOrder(ctx context.Context, requestID string) (AbortOutcome, error) {
	if strings.TrimSpace(requestID) == "" {
		return "", errors.New("fulfillment: request id is required")
	}

	var resp zmaAbortResponse
	if err := p.do(ctx, http.MethodPost, "/v1/orders/"+requestID+"/abort", "", nil, &resp); err != nil {
		return "", err
	}

	outcome := AbortOutcome(strings.ToLower(strings.TrimSpace(resp.Outcome)))
	switch outcome {
	case AbortImmediate, AbortPending, AbortRejected:
	default:
		return "", &PartnerError{Op: "abort", StatusCode: http.StatusOK, Code: "unexpected_outcome", Message: resp.Outcome}
	}

	p.logger(ctx, "fulfillment.zma.order.abort_requested", map[string]any{
		"requestId": requestID,
		"outcome":   string(outcome),
	})
	return outcome, nil
}

// CancelOrder requests an asynchronous cancellation; resolution arrives by webhook.
func (p *ZMAProvider) CancelOrder(ctx context.Context, requestID string, reason string) error {
	if strings.TrimSpace(requestID) == "" {
		return errors.New("fulfillment: request id is required")
	}

	payload := map[string]string{"reason": strings.TrimSpace(reason)}
	if err := p.do(ctx, http.MethodPost, "/v1/orders/"+requestID+"/cancel", "", payload, nil); err != nil {
		return err
	}

	p.logger(ctx, "fulfillment.zma.order.cancel_requested", map[string]any{
		"requestId": requestID,
	})
	return nil
}

// PollStatus fetches the partner's current view of the order.
func (p *ZMAProvider) PollStatus(ctx context.Context, requestID string) (StatusResult, error) {
	if strings.TrimSpace(requestID) == "" {
		return StatusResult{}, errors.New("fulfillment: request id is required")
	}

	var resp zmaOrderResponse
	if err := p.do(ctx, http.MethodGet, "/v1/orders/"+requestID, "", nil, &resp); err != nil {
		return StatusResult{}, err
	}

	return StatusResult{
		RequestID:      resp.RequestID,
		PartnerOrderID: resp.PartnerOrderID,
		Status:         NormalizeStatus(resp.Status),
		Detail:         resp.Detail,
	}, nil
}

// RetryOrder re-runs a failed order on the partner side.
func (p *ZMAProvider) RetryOrder(ctx context.Context, requestID string) (SubmitResult, error) {
	if strings.TrimSpace(requestID) == "" {
		return SubmitResult{}, errors.New("fulfillment: request id is required")
	}

	var resp zmaOrderResponse
	if err := p.do(ctx, http.MethodPost, "/v1/orders/"+requestID+"/retry", "", nil, &resp); err != nil {
		return SubmitResult{}, err
	}

	p.logger(ctx, "fulfillment.zma.order.retry_requested", map[string]any{
		"requestId": resp.RequestID,
		"status":    resp.Status,
	})
	return SubmitResult{RequestID: resp.RequestID, Status: NormalizeStatus(resp.Status)}, nil
}

func (p *ZMAProvider) do(ctx context.Context, method, path, idempotencyKey string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("fulfillment: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("fulfillment: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &PartnerError{Op: method + " " + path, Code: "transport", Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPartnerBodyBytes))
	if err != nil {
		return &PartnerError{Op: method + " " + path, StatusCode: resp.StatusCode, Code: "read_body", Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var pe zmaErrorResponse
		_ = json.Unmarshal(data, &pe)
		return &PartnerError{Op: method + " " + path, StatusCode: resp.StatusCode, Code: pe.Code, Message: pe.Message}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &PartnerError{Op: method + " " + path, StatusCode: resp.StatusCode, Code: "decode_body", Message: err.Error()}
		}
	}
	return nil
}
