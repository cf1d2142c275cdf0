package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/orderflow-engine/api/responses"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
)

// maxWebhookBody matches the payload cap Stripe documents for events.
const maxWebhookBody = 64 << 10

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

type eventVerifier interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

type webhookAck struct {
	Received string `json:"received"`
	Ignored  string `json:"ignored,omitempty"`
}

// StripeWebhook verifies the Stripe-Signature header and passes the event
// to reconciliation. Events from the other Stripe mode (live vs test) are
// acknowledged and dropped. A non-2xx answer makes Stripe redeliver, so
// only signature problems and real failures get one.
func StripeWebhook(svc StripeWebhookService, verifier eventVerifier, live bool, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil || verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe webhook unavailable"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "webhook body unreadable or too large"))
			return
		}
		event, err := verifier.ConstructEvent(payload, sigHeader)
		if err != nil {
			if logg != nil {
				logg.Warn(ctx, "stripe webhook signature rejected: "+err.Error())
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stripe signature"))
			return
		}

		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"stripe_event_id":   event.ID,
				"stripe_event_type": string(event.Type),
				"stripe_livemode":   event.Livemode,
			})
		}
		if event.Livemode != live {
			if logg != nil {
				logg.Warn(ctx, "stripe event from the other mode ignored")
			}
			responses.WriteSuccess(w, webhookAck{Received: event.ID, Ignored: "livemode_mismatch"})
			return
		}

		if err := svc.HandleEvent(ctx, &event); err != nil {
			if logg != nil {
				logg.Error(ctx, "stripe event handling failed", err)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, webhookAck{Received: event.ID})
	}
}
