package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-tracker/internal/models"
)

// ErrInvalidAmount is returned for fares that cannot be charged.
var ErrInvalidAmount = errors.New("invalid charge amount")

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	DefaultCurrency string
}

// NewStripeClient sets the package-level stripe key; an empty key leaves
// whatever stripe.Key already holds.
func NewStripeClient(apiKey, defaultCurrency string) *StripeClient {
	if apiKey != "" {
		stripe.Key = apiKey
	}
	if defaultCurrency == "" {
		defaultCurrency = "usd"
	}
	return &StripeClient{DefaultCurrency: strings.ToLower(defaultCurrency)}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success. A non-empty idempotency key
// makes stripe return the original intent for a repeated request.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// Charge holds and immediately captures the fare of a completed ride. A
// failed capture releases the hold. Both requests are keyed off
// idempotencyKey, so replaying a Charge never takes the fare twice.
func (s *StripeClient) Charge(ctx context.Context, fare models.Fare, customerID, idempotencyKey string) (string, error) {
	amount := fare.MinorUnits()
	if amount <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	currency := strings.ToLower(fare.Currency)
	if currency == "" {
		currency = s.DefaultCurrency
	}
	holdKey, captureKey := "", ""
	if idempotencyKey != "" {
		holdKey, captureKey = idempotencyKey+":hold", idempotencyKey+":capture"
	}
	id, err := s.Hold(ctx, amount, currency, customerID, holdKey)
	if err != nil {
		return "", fmt.Errorf("hold fare: %w", err)
	}
	if err := s.Capture(ctx, id, captureKey); err != nil {
		if cerr := s.Cancel(ctx, id); cerr != nil {
			return "", errors.Join(fmt.Errorf("capture fare: %w", err), fmt.Errorf("release hold: %w", cerr))
		}
		return "", fmt.Errorf("capture fare: %w", err)
	}
	return id, nil
}
