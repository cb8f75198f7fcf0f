package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/academy-enrollment-api/pkg/config"
)

// ErrUnknownToken is returned when the gateway has no record of a payment token.
var ErrUnknownToken = errors.New("unknown payment token")

// PaymentRequest describes an outbound request to open a hosted payment session.
type PaymentRequest struct {
	PaymentID     string
	InvoiceNumber string
	Amount        decimal.Decimal
	Description   string
	CallbackURL   string
}

// Session is the gateway's answer to a payment request.
type Session struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// Verification is the result of asking the gateway to confirm a settled payment.
type Verification struct {
	Verified  bool            `json:"verified"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
}

// Gateway is the external payment boundary. A payment is never marked completed without a
// successful Verify call.
type Gateway interface {
	CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*Session, error)
	Verify(ctx context.Context, token, reference string) (*Verification, error)
}

// New selects the gateway implementation configured by PAYMENT_GATEWAY_DRIVER.
func New(cfg config.GatewayConfig) (Gateway, error) {
	switch cfg.Driver {
	case "", "sandbox":
		return NewSandbox(cfg.CallbackURL), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("payment gateway base url required for http driver")
		}
		return NewHTTPClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported payment gateway driver %q", cfg.Driver)
	}
}
