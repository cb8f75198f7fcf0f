package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/academy-enrollment-api/pkg/config"
)

// HTTPClient talks to a REST payment gateway. The request timeout bounds every call so a
// stalled gateway leaves the payment PENDING and retryable.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	callbackURL string
	client      *http.Client
}

// NewHTTPClient constructs the client from gateway configuration.
func NewHTTPClient(cfg config.GatewayConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		callbackURL: cfg.CallbackURL,
		client:      &http.Client{Timeout: cfg.Timeout},
	}
}

type createPaymentBody struct {
	OrderID     string          `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CallbackURL string          `json:"callback_url"`
}

type verifyBody struct {
	Token     string `json:"token"`
	Reference string `json:"reference"`
}

// CreatePaymentRequest opens a hosted payment session.
func (c *HTTPClient) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*Session, error) {
	callback := req.CallbackURL
	if callback == "" {
		callback = c.callbackURL
	}
	body := createPaymentBody{
		OrderID:     req.PaymentID,
		Amount:      req.Amount,
		Description: req.Description,
		CallbackURL: callback,
	}
	var session Session
	if err := c.post(ctx, "/payments", body, &session); err != nil {
		return nil, err
	}
	if session.Token == "" {
		return nil, fmt.Errorf("gateway returned empty token")
	}
	return &session, nil
}

// Verify confirms with the gateway that the token was settled.
func (c *HTTPClient) Verify(ctx context.Context, token, reference string) (*Verification, error) {
	var result Verification
	if err := c.post(ctx, "/payments/verify", verifyBody{Token: token, Reference: reference}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, dest interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode gateway payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownToken
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
