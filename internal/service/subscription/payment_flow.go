package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var ErrInvalidPaymentEvent = errors.New("invalid payment event")

// Gateway event types
const (
	EventCheckoutCompleted    = "checkout.completed"
	EventInvoicePaid          = "invoice.paid"
	EventSubscriptionCanceled = "subscription.canceled"
)

// Payment event outcomes
const (
	ActionCreated  = "created"
	ActionRenewed  = "renewed"
	ActionCanceled = "canceled"
	ActionIgnored  = "ignored"
)

type PaymentOutcome struct {
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	Action         string `json:"action"`
	SubscriptionID int64  `json:"subscription_id,omitempty"`
}

// HandlePaymentEvent applies an already verified gateway event. Events this
// service does not act on are ignored. Redelivered checkouts of a client that
// already subscribed are ignored as well.
func (s *Service) HandlePaymentEvent(ctx context.Context, payload []byte) (PaymentOutcome, error) {
	if !gjson.ValidBytes(payload) {
		return PaymentOutcome{}, errors.Wrap(ErrInvalidPaymentEvent, "malformed json")
	}

	event := gjson.ParseBytes(payload)
	outcome := PaymentOutcome{
		EventID:   event.Get("id").String(),
		EventType: event.Get("type").String(),
		Action:    ActionIgnored,
	}

	object := event.Get("data.object")

	switch outcome.EventType {
	case EventCheckoutCompleted:
		return s.handleCheckout(ctx, object, outcome)
	case EventInvoicePaid:
		id, err := s.subscriptionFromEvent(ctx, object)
		if err != nil {
			return outcome, err
		}

		period := Period{
			Start: unixTime(object.Get("period_start")),
			End:   unixTime(object.Get("period_end")),
		}

		renewed, err := s.Renew(ctx, id, period)
		if err != nil {
			return outcome, err
		}

		outcome.Action = ActionRenewed
		outcome.SubscriptionID = renewed.ID
	case EventSubscriptionCanceled:
		id, err := s.subscriptionFromEvent(ctx, object)
		if err != nil {
			return outcome, err
		}

		canceled, err := s.Cancel(ctx, id)
		if err != nil {
			return outcome, err
		}

		outcome.Action = ActionCanceled
		outcome.SubscriptionID = canceled.ID
	default:
		s.logger.Debug().Str("event_type", outcome.EventType).Msg("ignoring payment event")
	}

	return outcome, nil
}

func (s *Service) handleCheckout(ctx context.Context, object gjson.Result, outcome PaymentOutcome) (PaymentOutcome, error) {
	metadata := object.Get("metadata")

	params := CreateParams{
		ClientID:     metadata.Get("client_id").Int(),
		PlanID:       metadata.Get("plan_id").String(),
		PriceID:      metadata.Get("price_id").String(),
		Trial:        metadata.Get("trial").Bool(),
		DiscountCode: metadata.Get("discount_code").String(),
	}

	if params.ClientID <= 0 || params.PlanID == "" {
		return outcome, errors.Wrap(ErrInvalidPaymentEvent, "checkout metadata lacks client_id or plan_id")
	}

	if id := metadata.Get("discount_id"); id.Exists() {
		discountID := id.Int()
		params.DiscountID = &discountID
	}

	created, err := s.CreateSubscription(ctx, params)
	if errors.Is(err, ErrDuplicateSubscription) {
		s.logger.Info().
			Str("event_id", outcome.EventID).
			Int64("client_id", params.ClientID).
			Msg("checkout for an existing subscription, skipping")
		return outcome, nil
	}
	if err != nil {
		return outcome, err
	}

	outcome.Action = ActionCreated
	outcome.SubscriptionID = created.Subscription.ID

	return outcome, nil
}

func (s *Service) subscriptionFromEvent(ctx context.Context, object gjson.Result) (int64, error) {
	raw := object.Get("metadata.subscription_id").String()

	id, err := uuid.Parse(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidPaymentEvent, "subscription id %q", raw)
	}

	sub, err := s.store.GetSubscriptionByUUID(ctx, id)
	if err != nil {
		return 0, notFound(err)
	}

	return sub.ID, nil
}

func unixTime(v gjson.Result) time.Time {
	if !v.Exists() || v.Int() <= 0 {
		return time.Time{}
	}

	return time.Unix(v.Int(), 0).UTC()
}
