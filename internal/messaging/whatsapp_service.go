package messaging

import (
	"context"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/phone"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // full client when available, for event handling
	inbounds chan Inbound
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:   client,
		inbounds: make(chan Inbound, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}

	// Only a full client can stream events; a mock stays send-only.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates a phone number and returns its E.164 form.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return phone.NormalizeE164(recipient)
}

// SendText sends a message through the WhatsApp client.
func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) (string, error) {
	slog.Debug("WhatsAppService SendText invoked", "to", to, "body_length", len(body))
	messageID, err := s.client.SendText(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", to)
		return "", err
	}
	slog.Info("WhatsAppService message sent", "to", to, "message_id", messageID)
	return messageID, nil
}

// Start begins background event processing when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.inbounds)
	return nil
}

// Inbounds returns a channel of incoming lead messages.
func (s *WhatsAppService) Inbounds() <-chan Inbound {
	return s.inbounds
}

// handleEvents registers a whatsmeow event handler that feeds text messages
// into the inbound channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts a whatsmeow message event into an Inbound.
// Non-text payloads (images, audio, reactions) are skipped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var body string
	if evt.Message.Conversation != nil {
		body = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		body = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	from, err := phone.NormalizeE164(evt.Info.Sender.User)
	if err != nil {
		slog.Warn("WhatsAppService dropping message from unparseable sender", "sender", evt.Info.Sender.User)
		return
	}

	inbound := Inbound{
		From:      from,
		Body:      body,
		MessageID: string(evt.Info.ID),
		PushName:  evt.Info.PushName,
		Time:      evt.Info.Timestamp.Unix(),
	}

	select {
	case s.inbounds <- inbound:
		slog.Debug("WhatsAppService inbound message queued", "from", from, "body_length", len(body))
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel full, dropping message", "from", from)
	case <-s.done:
	}
}
