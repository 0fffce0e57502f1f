package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeClient holds card fares with manual-capture PaymentIntents: the
// hold is taken when the ride is requested, captured on completion and
// released when the ride is canceled or finds no driver.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// Hold reserves amountCents on the customer's card and returns the
// PaymentIntent ID.
func (s *StripeClient) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("hold payment: %w", err)
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Capture(intentID, params); err != nil {
		return fmt.Errorf("capture payment %s: %w", intentID, err)
	}
	return nil
}

func (s *StripeClient) Cancel(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(intentID, params); err != nil {
		return fmt.Errorf("release payment %s: %w", intentID, err)
	}
	return nil
}

// AmountCents converts a fare in major units to the smallest currency unit.
func AmountCents(fare float64) int64 {
	return int64(fare*100 + 0.5)
}
