// Package store provides storage backends for the qualification engine.
//
// This file implements a PostgreSQL-backed store for leads, sessions,
// messages, qualifications and meetings.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pqUniqueViolation is the Postgres error code for unique constraint violations.
const pqUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// CreateLead inserts a lead, assigning a fresh ID when empty.
func (s *PostgresStore) CreateLead(lead *models.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	now := time.Now()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO leads (id, nome, telefone, email, canal, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		lead.ID, nilIfEmpty(lead.Nome), lead.Telefone, nilIfEmpty(lead.Email), nilIfEmpty(lead.Canal), nilIfEmpty(lead.Status), lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateLead failed", "error", err, "telefone", lead.Telefone)
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	slog.Debug("PostgresStore CreateLead succeeded", "lead_id", lead.ID)
	return nil
}

// GetLead fetches a lead by ID.
func (s *PostgresStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT id, nome, telefone, email, canal, status, created_at, updated_at FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrLeadNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetLead failed", "error", err, "lead_id", id)
		return nil, fmt.Errorf("failed to query lead %s: %w", id, err)
	}
	return lead, nil
}

// GetLeadByPhone fetches a lead by canonical phone number.
func (s *PostgresStore) GetLeadByPhone(telefone string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT id, nome, telefone, email, canal, status, created_at, updated_at FROM leads WHERE telefone = $1`, telefone)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrLeadNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetLeadByPhone failed", "error", err, "telefone", telefone)
		return nil, fmt.Errorf("failed to query lead by phone: %w", err)
	}
	return lead, nil
}

// UpdateLeadStatus updates the funnel status tag of a lead.
func (s *PostgresStore) UpdateLeadStatus(id string, status models.LeadStatus) error {
	res, err := s.db.Exec(`UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3`, string(status), time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateLeadStatus failed", "error", err, "lead_id", id)
		return fmt.Errorf("failed to update lead %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrLeadNotFound
	}
	slog.Debug("PostgresStore UpdateLeadStatus succeeded", "lead_id", id, "status", status)
	return nil
}

// CreateSession inserts a session. The partial unique index on active
// sessions turns a lost creation race into ErrActiveSessionExists.
func (s *PostgresStore) CreateSession(session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, lead_id, estado, contexto, ativa, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.LeadID, string(session.Estado), nilIfEmpty(string(session.Contexto)), session.Ativa, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			slog.Debug("PostgresStore CreateSession lost active-session race", "lead_id", session.LeadID)
			return ErrActiveSessionExists
		}
		slog.Error("PostgresStore CreateSession failed", "error", err, "lead_id", session.LeadID)
		return fmt.Errorf("failed to insert session: %w", err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "session_id", session.ID, "lead_id", session.LeadID)
	return nil
}

// GetSession fetches a session by ID.
func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, lead_id, estado, contexto, ativa, created_at, updated_at FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return session, nil
}

// GetActiveSession returns the lead's active session, or nil when none exists.
func (s *PostgresStore) GetActiveSession(leadID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, lead_id, estado, contexto, ativa, created_at, updated_at FROM sessions WHERE lead_id = $1 AND ativa`, leadID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveSession failed", "error", err, "lead_id", leadID)
		return nil, fmt.Errorf("failed to query active session for lead %s: %w", leadID, err)
	}
	return session, nil
}

// UpdateSession persists estado, contexto and ativa of an existing session.
func (s *PostgresStore) UpdateSession(session *models.Session) error {
	session.UpdatedAt = time.Now()
	res, err := s.db.Exec(
		`UPDATE sessions SET estado = $1, contexto = $2, ativa = $3, updated_at = $4 WHERE id = $5`,
		string(session.Estado), nilIfEmpty(string(session.Contexto)), session.Ativa, session.UpdatedAt, session.ID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "session_id", session.ID)
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("PostgresStore UpdateSession succeeded", "session_id", session.ID, "estado", session.Estado, "ativa", session.Ativa)
	return nil
}

// CreateMessage inserts a chat message record.
func (s *PostgresStore) CreateMessage(message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	message.CreatedAt = time.Now()
	metadata, err := marshalMetadata(message.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO messages (id, session_id, lead_id, conteudo, tipo, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		message.ID, nilIfEmpty(message.SessionID), message.LeadID, message.Conteudo, string(message.Tipo), metadata, message.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateMessage failed", "error", err, "lead_id", message.LeadID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	slog.Debug("PostgresStore CreateMessage succeeded", "message_id", message.ID, "tipo", message.Tipo)
	return nil
}

// ListMessages returns the messages of a session in insertion order.
func (s *PostgresStore) ListMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, lead_id, conteudo, tipo, metadata, created_at FROM messages WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("PostgresStore ListMessages scan failed", "error", err)
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

// GetQualification returns the lead's qualification record, or nil when none exists.
func (s *PostgresStore) GetQualification(leadID string) (*models.Qualification, error) {
	row := s.db.QueryRow(`SELECT id, lead_id, respostas, qualificado, created_at, updated_at FROM qualificacoes WHERE lead_id = $1`, leadID)
	q, err := scanQualification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetQualification failed", "error", err, "lead_id", leadID)
		return nil, fmt.Errorf("failed to query qualification for lead %s: %w", leadID, err)
	}
	return q, nil
}

// CreateQualification inserts a qualification record.
func (s *PostgresStore) CreateQualification(q *models.Qualification) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	now := time.Now()
	q.CreatedAt = now
	q.UpdatedAt = now
	respostas, err := marshalRespostas(q.Respostas)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO qualificacoes (id, lead_id, respostas, qualificado, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID, q.LeadID, respostas, triStateToNullBool(q.Qualified), q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateQualification failed", "error", err, "lead_id", q.LeadID)
		return fmt.Errorf("failed to insert qualification: %w", err)
	}
	slog.Debug("PostgresStore CreateQualification succeeded", "lead_id", q.LeadID)
	return nil
}

// UpdateQualification persists respostas and verdict of an existing record.
func (s *PostgresStore) UpdateQualification(q *models.Qualification) error {
	respostas, err := marshalRespostas(q.Respostas)
	if err != nil {
		return err
	}
	q.UpdatedAt = time.Now()
	_, err = s.db.Exec(
		`UPDATE qualificacoes SET respostas = $1, qualificado = $2, updated_at = $3 WHERE lead_id = $4`,
		respostas, triStateToNullBool(q.Qualified), q.UpdatedAt, q.LeadID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateQualification failed", "error", err, "lead_id", q.LeadID)
		return fmt.Errorf("failed to update qualification for lead %s: %w", q.LeadID, err)
	}
	slog.Debug("PostgresStore UpdateQualification succeeded", "lead_id", q.LeadID)
	return nil
}

// CreateMeeting inserts a meeting record.
func (s *PostgresStore) CreateMeeting(meeting *models.Meeting) error {
	if meeting.ID == "" {
		meeting.ID = uuid.NewString()
	}
	meeting.CreatedAt = time.Now()
	_, err := s.db.Exec(
		`INSERT INTO reunioes (id, lead_id, session_id, preferencia, link, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		meeting.ID, meeting.LeadID, nilIfEmpty(meeting.SessionID), meeting.Preferencia, nilIfEmpty(meeting.Link), meeting.Status, meeting.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateMeeting failed", "error", err, "lead_id", meeting.LeadID)
		return fmt.Errorf("failed to insert meeting: %w", err)
	}
	slog.Debug("PostgresStore CreateMeeting succeeded", "meeting_id", meeting.ID, "lead_id", meeting.LeadID)
	return nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
