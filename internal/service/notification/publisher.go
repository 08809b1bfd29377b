package notification

import (
	"context"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
)

const topicCreated = "notification:created"

// Entity types
const (
	EntityReferral     = "referral"
	EntitySubscription = "subscription"
	EntityBalance      = "balance"
)

type Notification struct {
	RecipientID int64     `json:"recipient_id"`
	Subject     string    `json:"subject"`
	Content     string    `json:"content"`
	EntityType  string    `json:"entity_type"`
	EntityID    int64     `json:"entity_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Publisher fans notifications out to senders asynchronously. Delivery is
// best effort: sender failures are logged and never reach the publisher.
type Publisher struct {
	bus    EventBus.Bus
	logger *zerolog.Logger
}

func NewPublisher(logger *zerolog.Logger, senders ...Sender) (*Publisher, error) {
	log := logger.With().Str("channel", "notification_publisher").Logger()

	p := &Publisher{
		bus:    EventBus.New(),
		logger: &log,
	}

	for _, sender := range senders {
		if err := p.Subscribe(sender); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Publisher) Subscribe(sender Sender) error {
	return p.bus.SubscribeAsync(topicCreated, func(n Notification) {
		if err := sender.Send(context.Background(), n); err != nil {
			p.logger.Error().Err(err).
				Str("sender", sender.Name()).
				Int64("recipient_id", n.RecipientID).
				Str("entity_type", n.EntityType).
				Msg("unable to deliver notification")
		}
	}, false)
}

func (p *Publisher) Publish(n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	p.bus.Publish(topicCreated, n)
}

// Wait blocks until every in-flight delivery finished.
func (p *Publisher) Wait() {
	p.bus.WaitAsync()
}

// LogSender writes notifications to the log.
type LogSender struct {
	logger *zerolog.Logger
}

func NewLogSender(logger *zerolog.Logger) *LogSender {
	log := logger.With().Str("channel", "notification_log").Logger()
	return &LogSender{logger: &log}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info().
		Int64("recipient_id", n.RecipientID).
		Str("entity_type", n.EntityType).
		Int64("entity_id", n.EntityID).
		Str("subject", n.Subject).
		Msg(n.Content)

	return nil
}
