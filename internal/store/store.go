// Package store provides storage backends for the qualification engine.
//
// It defines the Store interface consumed by the session orchestrator and the
// delivery pipeline, with SQLite, PostgreSQL and in-memory implementations.
package store

import (
	"errors"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

// ErrActiveSessionExists is returned by CreateSession when the lead already
// has an active session. The unique partial index on (lead_id) WHERE ativa
// backs this check, so two racing creators cannot both win.
var ErrActiveSessionExists = errors.New("lead already has an active session")

// Store defines the record store consumed by the qualification engine.
type Store interface {
	// CreateLead inserts a lead, assigning a fresh ID when empty.
	CreateLead(lead *models.Lead) error
	// GetLead fetches a lead by ID. Returns models.ErrLeadNotFound when missing.
	GetLead(id string) (*models.Lead, error)
	// GetLeadByPhone fetches a lead by canonical phone number.
	// Returns models.ErrLeadNotFound when missing.
	GetLeadByPhone(telefone string) (*models.Lead, error)
	// UpdateLeadStatus updates the funnel status tag of a lead.
	UpdateLeadStatus(id string, status models.LeadStatus) error

	// CreateSession inserts a session, assigning a fresh ID when empty.
	// Returns ErrActiveSessionExists if the lead already has an active one.
	CreateSession(session *models.Session) error
	// GetSession fetches a session by ID. Returns models.ErrSessionNotFound when missing.
	GetSession(id string) (*models.Session, error)
	// GetActiveSession returns the lead's active session, or nil when none exists.
	GetActiveSession(leadID string) (*models.Session, error)
	// UpdateSession persists estado, contexto and ativa of an existing session.
	UpdateSession(session *models.Session) error

	// CreateMessage inserts a sent/received chat message record.
	CreateMessage(message *models.Message) error
	// ListMessages returns the messages of a session in insertion order.
	ListMessages(sessionID string) ([]models.Message, error)

	// GetQualification returns the lead's qualification record, or nil when none exists.
	GetQualification(leadID string) (*models.Qualification, error)
	// CreateQualification inserts a qualification record.
	CreateQualification(q *models.Qualification) error
	// UpdateQualification persists respostas and verdict of an existing record.
	UpdateQualification(q *models.Qualification) error

	// CreateMeeting inserts a meeting record.
	CreateMeeting(meeting *models.Meeting) error

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL-backed stores.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
