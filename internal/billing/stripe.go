package billing

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-signup/internal/logger"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
)

// StripeService is the payment collaborator. The idempotency key passed to
// Charge makes a duplicate request return the original PaymentIntent instead
// of charging twice, which backs up the ledger's uniqueness guarantee on the
// Stripe side.
type StripeService struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeService creates a new instance of StripeService
func NewStripeService(log *logger.Logger) (*StripeService, error) {
	stripeKey := os.Getenv("STRIPE_SECRET_KEY")
	if stripeKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY environment variable not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(stripeKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeService{
		client: sc,
		log:    log,
	}, nil
}

// GetOrCreateCustomer resolves the billing customer for a user, creating one
// on first capture.
func (s *StripeService) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(email)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)

	iter := s.client.Customers.List(listParams)
	for iter.Next() {
		existing := iter.Customer()
		s.log.Info("STRIPE", fmt.Sprintf("Found existing customer %s for user %s", existing.ID, userID))
		return existing.ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("%w: customer lookup failed: %v", ErrStripeAPIError, err)
	}

	createParams := &stripe.CustomerParams{Email: stripe.String(email)}
	createParams.Context = ctx
	createParams.AddMetadata("user_id", userID)

	customer, err := s.client.Customers.New(createParams)
	if err != nil {
		return "", fmt.Errorf("%w: customer creation failed: %v", ErrStripeAPIError, err)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Created customer %s for user %s", customer.ID, userID))
	return customer.ID, nil
}

// Charge captures the success fee off-session against the customer's saved
// payment method.
func (s *StripeService) Charge(ctx context.Context, customerRef string, amountCents int64, currency, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
		Customer: stripe.String(customerRef),
		Confirm:  stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
		OffSession: stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	intent, err := s.client.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: charge failed: %v", ErrStripeAPIError, err)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Captured %d %s on customer %s (intent %s)", amountCents, currency, customerRef, intent.ID))
	return intent.ID, nil
}
