package processing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/freelancehub/creditengine/internal/service/subscription"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrSignatureVerification = errors.New("unable to verify webhook signature")

type Config struct {
	WebhookSecret string `yaml:"webhook_secret" env:"PAYMENT_WEBHOOK_SECRET"`
}

type PaymentEvents interface {
	HandlePaymentEvent(ctx context.Context, payload []byte) (subscription.PaymentOutcome, error)
}

// Service accepts payment gateway webhooks. Bodies are authenticated with
// an HMAC-SHA256 of the raw payload before any field is read.
type Service struct {
	secret []byte
	events PaymentEvents
	logger *zerolog.Logger
}

func New(cfg Config, events PaymentEvents, logger *zerolog.Logger) *Service {
	log := logger.With().Str("channel", "processing_service").Logger()

	return &Service{
		secret: []byte(cfg.WebhookSecret),
		events: events,
		logger: &log,
	}
}

// ValidateWebhookSignature checks the hex encoded HMAC of body. An empty
// secret disables verification.
func (s *Service) ValidateWebhookSignature(body []byte, hash string) error {
	if len(s.secret) == 0 {
		return nil
	}

	given, err := hex.DecodeString(hash)
	if err != nil {
		return ErrSignatureVerification
	}

	if !hmac.Equal(given, Sign(s.secret, body)) {
		return ErrSignatureVerification
	}

	return nil
}

func (s *Service) ProcessIncomingWebhook(ctx context.Context, body []byte, hash string) (subscription.PaymentOutcome, error) {
	if err := s.ValidateWebhookSignature(body, hash); err != nil {
		s.logger.Warn().Int("body_size", len(body)).Msg("rejected unsigned payment webhook")
		return subscription.PaymentOutcome{}, err
	}

	outcome, err := s.events.HandlePaymentEvent(ctx, body)
	if err != nil {
		return outcome, err
	}

	s.logger.Info().
		Str("event_id", outcome.EventID).
		Str("event_type", outcome.EventType).
		Str("action", outcome.Action).
		Int64("subscription_id", outcome.SubscriptionID).
		Msg("payment webhook processed")

	return outcome, nil
}

func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return mac.Sum(nil)
}
