package messaging

import (
	"context"
	"log/slog"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/phone"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio WhatsApp API.
// Inbound messages arrive through the HTTP webhook, not through this service,
// so its inbound channel never produces.
type TwilioService struct {
	client   *twiliowhatsapp.Client
	inbounds chan Inbound
}

// NewTwilioService creates a new TwilioService wrapping the given client.
func NewTwilioService(client *twiliowhatsapp.Client) *TwilioService {
	return &TwilioService{
		client:   client,
		inbounds: make(chan Inbound),
	}
}

// ValidateAndCanonicalizeRecipient validates a phone number and returns its E.164 form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return phone.NormalizeE164(recipient)
}

// SendText sends a message through the Twilio client.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) (string, error) {
	sid, err := s.client.SendText(ctx, to, body)
	if err != nil {
		slog.Error("TwilioService SendText error", "error", err, "to", to)
		return "", err
	}
	return sid, nil
}

// Start is a no-op; Twilio delivers inbound messages via webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	close(s.inbounds)
	return nil
}

// Inbounds returns a channel that never produces.
func (s *TwilioService) Inbounds() <-chan Inbound {
	return s.inbounds
}
