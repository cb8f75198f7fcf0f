package gateway

import (
	"context"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox is an in-process gateway for development and tests. Every token it issued verifies
// successfully once the caller presents a non-empty reference.
type Sandbox struct {
	callbackURL string

	mu      sync.Mutex
	issued  map[string]decimal.Decimal
	Refused map[string]bool
}

// NewSandbox constructs a sandbox gateway redirecting to callbackURL.
func NewSandbox(callbackURL string) *Sandbox {
	return &Sandbox{callbackURL: callbackURL, issued: make(map[string]decimal.Decimal), Refused: make(map[string]bool)}
}

// CreatePaymentRequest records the token and returns a redirect to the callback.
func (s *Sandbox) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*Session, error) {
	token := uuid.NewString()
	s.mu.Lock()
	s.issued[token] = req.Amount
	s.mu.Unlock()

	redirect := s.callbackURL
	if u, err := url.Parse(s.callbackURL); err == nil && s.callbackURL != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		redirect = u.String()
	}
	return &Session{Token: token, RedirectURL: redirect}, nil
}

// Verify reports whether the token was issued here and not marked as refused.
func (s *Sandbox) Verify(ctx context.Context, token, reference string) (*Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, ok := s.issued[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	if s.Refused[token] || reference == "" {
		return &Verification{Verified: false, Reference: reference, Amount: amount}, nil
	}
	return &Verification{Verified: true, Reference: reference, Amount: amount}, nil
}

// Refuse marks a token as declined so Verify reports it unverified.
func (s *Sandbox) Refuse(token string) {
	s.mu.Lock()
	s.Refused[token] = true
	s.mu.Unlock()
}
