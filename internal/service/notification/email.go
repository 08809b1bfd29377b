package notification

import (
	"bytes"
	"context"
	"html/template"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Enabled   bool   `yaml:"enabled" env:"SMTP_ENABLED" env-default:"false"`
	Host      string `yaml:"host" env:"SMTP_HOST"`
	Port      int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	User      string `yaml:"user" env:"SMTP_USER"`
	Pass      string `yaml:"pass" env:"SMTP_PASS"`
	FromName  string `yaml:"from_name" env:"SMTP_FROM_NAME" env-default:"Billing"`
	FromEmail string `yaml:"from_email" env:"SMTP_FROM_EMAIL"`
}

// Recipients resolves a recipient id to the client's contact details.
type Recipients interface {
	GetClientByID(ctx context.Context, id int64) (repository.Client, error)
}

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailSender struct {
	cfg        SMTPConfig
	recipients Recipients
	dialer     dialer
	logger     *zerolog.Logger
}

var emailTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <p>Hi {{.Name}},</p>
  <p>{{.Content}}</p>
  <p style="color: #888; font-size: 12px;">You receive this message because of activity on your account.</p>
</body>
</html>`))

func NewEmailSender(cfg SMTPConfig, recipients Recipients, logger *zerolog.Logger) *EmailSender {
	log := logger.With().Str("channel", "email_sender").Logger()

	return &EmailSender{
		cfg:        cfg,
		recipients: recipients,
		dialer:     gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass),
		logger:     &log,
	}
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, n Notification) error {
	client, err := s.recipients.GetClientByID(ctx, n.RecipientID)
	if err != nil {
		return errors.Wrap(err, "unable to resolve recipient")
	}

	if client.Email == "" {
		s.logger.Warn().Int64("recipient_id", n.RecipientID).Msg("recipient has no email, skipping")
		return nil
	}

	body, err := renderEmail(client.Name, n.Content)
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.FromEmail, s.cfg.FromName)
	m.SetHeader("To", client.Email)
	m.SetHeader("Subject", n.Subject)
	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return errors.Wrap(err, "failed to send email")
	}

	s.logger.Info().Str("to", client.Email).Str("entity_type", n.EntityType).Msg("email sent")

	return nil
}

func renderEmail(name, content string) (string, error) {
	if name == "" {
		name = "there"
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, struct{ Name, Content string }{name, content}); err != nil {
		return "", errors.Wrap(err, "failed to render email template")
	}

	return buf.String(), nil
}
