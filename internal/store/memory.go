// Package store provides storage backends for the qualification engine.
//
// This file implements an in-memory store used by tests and local development.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

// InMemoryStore is a mutex-protected in-memory Store implementation.
type InMemoryStore struct {
	mu             sync.Mutex
	leads          map[string]models.Lead
	sessions       map[string]models.Session
	messages       []models.Message
	qualifications map[string]models.Qualification // keyed by lead ID
	meetings       []models.Meeting
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads:          make(map[string]models.Lead),
		sessions:       make(map[string]models.Session),
		qualifications: make(map[string]models.Qualification),
	}
}

// CreateLead inserts a lead, assigning a fresh ID when empty.
func (s *InMemoryStore) CreateLead(lead *models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	now := time.Now()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	s.leads[lead.ID] = *lead
	return nil
}

// GetLead fetches a lead by ID.
func (s *InMemoryStore) GetLead(id string) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, models.ErrLeadNotFound
	}
	return &lead, nil
}

// GetLeadByPhone fetches a lead by canonical phone number.
func (s *InMemoryStore) GetLeadByPhone(telefone string) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lead := range s.leads {
		if lead.Telefone == telefone {
			l := lead
			return &l, nil
		}
	}
	return nil, models.ErrLeadNotFound
}

// UpdateLeadStatus updates the funnel status tag of a lead.
func (s *InMemoryStore) UpdateLeadStatus(id string, status models.LeadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return models.ErrLeadNotFound
	}
	lead.Status = string(status)
	lead.UpdatedAt = time.Now()
	s.leads[id] = lead
	return nil
}

// CreateSession inserts a session, enforcing the one-active-session invariant.
func (s *InMemoryStore) CreateSession(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.Ativa {
		for _, existing := range s.sessions {
			if existing.LeadID == session.LeadID && existing.Ativa {
				return ErrActiveSessionExists
			}
		}
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	s.sessions[session.ID] = *session
	return nil
}

// GetSession fetches a session by ID.
func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return &session, nil
}

// GetActiveSession returns the lead's active session, or nil when none exists.
func (s *InMemoryStore) GetActiveSession(leadID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.LeadID == leadID && session.Ativa {
			ss := session
			return &ss, nil
		}
	}
	return nil, nil
}

// UpdateSession persists estado, contexto and ativa of an existing session.
func (s *InMemoryStore) UpdateSession(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[session.ID]
	if !ok {
		return models.ErrSessionNotFound
	}
	existing.Estado = session.Estado
	existing.Contexto = session.Contexto
	existing.Ativa = session.Ativa
	existing.UpdatedAt = time.Now()
	s.sessions[session.ID] = existing
	session.UpdatedAt = existing.UpdatedAt
	return nil
}

// CreateMessage inserts a chat message record.
func (s *InMemoryStore) CreateMessage(message *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	message.CreatedAt = time.Now()
	s.messages = append(s.messages, *message)
	return nil
}

// ListMessages returns the messages of a session in insertion order.
func (s *InMemoryStore) ListMessages(sessionID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			result = append(result, m)
		}
	}
	return result, nil
}

// GetQualification returns the lead's qualification record, or nil when none exists.
func (s *InMemoryStore) GetQualification(leadID string) (*models.Qualification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.qualifications[leadID]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

// CreateQualification inserts a qualification record.
func (s *InMemoryStore) CreateQualification(q *models.Qualification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	now := time.Now()
	q.CreatedAt = now
	q.UpdatedAt = now
	s.qualifications[q.LeadID] = *q
	return nil
}

// UpdateQualification persists respostas and verdict of an existing record.
func (s *InMemoryStore) UpdateQualification(q *models.Qualification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.qualifications[q.LeadID]
	if !ok {
		return models.ErrLeadNotFound
	}
	existing.Respostas = q.Respostas
	existing.Qualified = q.Qualified
	existing.UpdatedAt = time.Now()
	s.qualifications[q.LeadID] = existing
	return nil
}

// CreateMeeting inserts a meeting record.
func (s *InMemoryStore) CreateMeeting(meeting *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meeting.ID == "" {
		meeting.ID = uuid.NewString()
	}
	meeting.CreatedAt = time.Now()
	s.meetings = append(s.meetings, *meeting)
	return nil
}

// Meetings returns a copy of all meeting records (test helper).
func (s *InMemoryStore) Meetings() []models.Meeting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Meeting, len(s.meetings))
	copy(out, s.meetings)
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
