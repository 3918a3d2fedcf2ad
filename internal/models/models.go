// Package models defines the core data structures for the qualification engine.
//
// It includes the lead, session, message, qualification and meeting records
// shared across modules, plus the API response envelopes.
package models

import (
	"errors"
	"time"
)

// MessageKind identifies the direction of a persisted chat message.
type MessageKind string

const (
	// MessageKindSent marks a message delivered to the lead.
	MessageKindSent MessageKind = "enviada"
	// MessageKindReceived marks a message received from the lead.
	MessageKindReceived MessageKind = "recebida"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for outbound message content
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient  = errors.New("recipient cannot be empty")
	ErrEmptyLeadID     = errors.New("lead id cannot be empty")
	ErrEmptyBody       = errors.New("message body cannot be empty")
	ErrBodyTooLong     = errors.New("message body exceeds maximum length")
	ErrInvalidPhone    = errors.New("phone number is missing or invalid")
	ErrLeadNotFound    = errors.New("lead not found")
	ErrSessionNotFound = errors.New("session not found")
)

// Lead represents a prospective customer from some acquisition channel.
type Lead struct {
	ID        string    `json:"id"`
	Nome      string    `json:"nome,omitempty"`
	Telefone  string    `json:"telefone"`
	Email     string    `json:"email,omitempty"`
	Canal     string    `json:"canal,omitempty"` // acquisition channel tag (youtube, ebook, ...)
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session represents one qualification-funnel run for a lead.
// At most one session with Ativa=true may exist per lead.
type Session struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	Estado    FlowState `json:"estado"`
	Contexto  []byte    `json:"contexto"` // serialized FlowContext
	Ativa     bool      `json:"ativa"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message represents a persisted inbound or outbound chat message.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id,omitempty"`
	LeadID    string            `json:"lead_id"`
	Conteudo  string            `json:"conteudo"`
	Tipo      MessageKind       `json:"tipo"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Qualification is the outcome record of collected answers plus the verdict.
type Qualification struct {
	ID        string            `json:"id"`
	LeadID    string            `json:"lead_id"`
	Respostas map[string]string `json:"respostas"`
	Qualified TriState          `json:"qualificado"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MeetingStatusPending is the initial status of a scheduled meeting before a
// human advisor confirms the slot.
const MeetingStatusPending = "aguardando_confirmacao"

// Meeting records the slot preference captured when a qualified lead accepts
// the advisory meeting offer.
type Meeting struct {
	ID          string    `json:"id"`
	LeadID      string    `json:"lead_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Preferencia string    `json:"preferencia"`
	Link        string    `json:"link,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
