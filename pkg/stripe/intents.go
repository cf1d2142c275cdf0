package stripe

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// Intent is the gateway-neutral view of a PaymentIntent.
type Intent struct {
	ID            string
	ClientSecret  string
	Status        enums.PaymentAttemptStatus
	RawStatus     string
	AmountCents   int64
	Currency      enums.Currency
	FailureReason string
	Created       time.Time
}

// CreateIntentInput carries what the engine knows when it asks for money.
type CreateIntentInput struct {
	OrderID        uuid.UUID
	OrderNumber    int64
	AmountCents    int64
	Currency       enums.Currency
	IdempotencyKey string
}

type intentBackend interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type legacyIntentBackend struct{}

func (legacyIntentBackend) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (legacyIntentBackend) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Get(id, params)
}

func (legacyIntentBackend) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Cancel(id, params)
}

// CreateIntent opens a PaymentIntent with automatic payment methods. The
// idempotency key makes a retried create return the same intent.
func (c *Client) CreateIntent(ctx context.Context, in CreateIntentInput) (*Intent, error) {
	if c == nil || c.intents == nil {
		return nil, errors.New("stripe client not initialized")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(in.AmountCents),
		Currency: stripe.String(in.Currency.Lower()),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", in.OrderID.String())
	params.AddMetadata("order_number", formatOrderNumber(in.OrderNumber))
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	pi, err := c.intents.New(params)
	if err != nil {
		return nil, err
	}
	return ToIntent(pi), nil
}

// RetrieveIntent reads the intent's current state from Stripe.
func (c *Client) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	if c == nil || c.intents == nil {
		return nil, errors.New("stripe client not initialized")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.intents.Get(id, params)
	if err != nil {
		return nil, err
	}
	return ToIntent(pi), nil
}

// CancelIntent cancels an intent that was superseded by a newer attempt.
func (c *Client) CancelIntent(ctx context.Context, id string) error {
	if c == nil || c.intents == nil {
		return errors.New("stripe client not initialized")
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	_, err := c.intents.Cancel(id, params)
	return err
}

// ToIntent maps a Stripe PaymentIntent onto Intent.
func ToIntent(pi *stripe.PaymentIntent) *Intent {
	if pi == nil {
		return nil
	}
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		RawStatus:    string(pi.Status),
		Status:       MapIntentStatus(pi),
		AmountCents:  pi.Amount,
		Currency:     enums.Currency(strings.ToUpper(string(pi.Currency))),
	}
	if pi.Created > 0 {
		intent.Created = time.Unix(pi.Created, 0).UTC()
	}
	if pi.LastPaymentError != nil {
		intent.FailureReason = pi.LastPaymentError.Msg
	}
	if pi.Status == stripe.PaymentIntentStatusCanceled && pi.CancellationReason != "" {
		intent.FailureReason = string(pi.CancellationReason)
	}
	return intent
}

// MapIntentStatus folds Stripe's intent lifecycle into the attempt states.
// In-flight states (processing, requires_action, ...) stay requires_payment;
// requires_payment_method after a declined charge counts as failed.
func MapIntentStatus(pi *stripe.PaymentIntent) enums.PaymentAttemptStatus {
	if pi == nil {
		return enums.PaymentAttemptRequiresPayment
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return enums.PaymentAttemptSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return enums.PaymentAttemptCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return enums.PaymentAttemptFailed
		}
	}
	return enums.PaymentAttemptRequiresPayment
}

func formatOrderNumber(n int64) string {
	if n <= 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}
