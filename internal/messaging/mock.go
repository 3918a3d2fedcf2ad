package messaging

import (
	"context"
	"sync"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/phone"
)

// MockService is a messaging.Service for tests. It records sent messages and
// can be configured to fail or block.
type MockService struct {
	mu       sync.Mutex
	sent     []MockSent
	inbounds chan Inbound

	// FailWith, when set, is returned by every SendText call.
	FailWith error
	// Gate, when set, is received from before each send completes,
	// letting tests hold a transport call open.
	Gate chan struct{}
}

// MockSent records one SendText invocation.
type MockSent struct {
	To   string
	Body string
}

// NewMockService creates a mock transport.
func NewMockService() *MockService {
	return &MockService{inbounds: make(chan Inbound, DefaultChannelBufferSize)}
}

// ValidateAndCanonicalizeRecipient validates a phone number and returns its E.164 form.
func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return phone.NormalizeE164(recipient)
}

// SendText records the message and returns a fake message ID.
func (m *MockService) SendText(ctx context.Context, to string, body string) (string, error) {
	if m.Gate != nil {
		<-m.Gate
	}
	if m.FailWith != nil {
		return "", m.FailWith
	}
	m.mu.Lock()
	m.sent = append(m.sent, MockSent{To: to, Body: body})
	m.mu.Unlock()
	return "mock-message-id", nil
}

// Start is a no-op.
func (m *MockService) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (m *MockService) Stop() error { return nil }

// Inbounds returns the mock inbound channel; tests may feed it directly.
func (m *MockService) Inbounds() <-chan Inbound { return m.inbounds }

// Push feeds an inbound message into the mock channel.
func (m *MockService) Push(in Inbound) { m.inbounds <- in }

// Sent returns a copy of the recorded sends.
func (m *MockService) Sent() []MockSent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSent, len(m.sent))
	copy(out, m.sent)
	return out
}
