// Package store provides storage backends for the qualification engine.
//
// This file implements an SQLite-backed store for leads, sessions, messages,
// qualifications and meetings.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// CreateLead inserts a lead, assigning a fresh ID when empty.
func (s *SQLiteStore) CreateLead(lead *models.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	now := time.Now()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO leads (id, nome, telefone, email, canal, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, nilIfEmpty(lead.Nome), lead.Telefone, nilIfEmpty(lead.Email), nilIfEmpty(lead.Canal), nilIfEmpty(lead.Status), lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateLead failed", "error", err, "telefone", lead.Telefone)
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	slog.Debug("SQLiteStore CreateLead succeeded", "lead_id", lead.ID)
	return nil
}

// GetLead fetches a lead by ID.
func (s *SQLiteStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT id, nome, telefone, email, canal, status, created_at, updated_at FROM leads WHERE id = ?`, id)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrLeadNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetLead failed", "error", err, "lead_id", id)
		return nil, fmt.Errorf("failed to query lead %s: %w", id, err)
	}
	return lead, nil
}

// GetLeadByPhone fetches a lead by canonical phone number.
func (s *SQLiteStore) GetLeadByPhone(telefone string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT id, nome, telefone, email, canal, status, created_at, updated_at FROM leads WHERE telefone = ?`, telefone)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrLeadNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetLeadByPhone failed", "error", err, "telefone", telefone)
		return nil, fmt.Errorf("failed to query lead by phone: %w", err)
	}
	return lead, nil
}

// UpdateLeadStatus updates the funnel status tag of a lead.
func (s *SQLiteStore) UpdateLeadStatus(id string, status models.LeadStatus) error {
	res, err := s.db.Exec(`UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateLeadStatus failed", "error", err, "lead_id", id)
		return fmt.Errorf("failed to update lead %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrLeadNotFound
	}
	slog.Debug("SQLiteStore UpdateLeadStatus succeeded", "lead_id", id, "status", status)
	return nil
}

// CreateSession inserts a session. The partial unique index on active
// sessions turns a lost creation race into ErrActiveSessionExists.
func (s *SQLiteStore) CreateSession(session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, lead_id, estado, contexto, ativa, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.LeadID, string(session.Estado), nilIfEmpty(string(session.Contexto)), session.Ativa, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			slog.Debug("SQLiteStore CreateSession lost active-session race", "lead_id", session.LeadID)
			return ErrActiveSessionExists
		}
		slog.Error("SQLiteStore CreateSession failed", "error", err, "lead_id", session.LeadID)
		return fmt.Errorf("failed to insert session: %w", err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "session_id", session.ID, "lead_id", session.LeadID)
	return nil
}

// GetSession fetches a session by ID.
func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, lead_id, estado, contexto, ativa, created_at, updated_at FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return session, nil
}

// GetActiveSession returns the lead's active session, or nil when none exists.
func (s *SQLiteStore) GetActiveSession(leadID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, lead_id, estado, contexto, ativa, created_at, updated_at FROM sessions WHERE lead_id = ? AND ativa = 1`, leadID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveSession failed", "error", err, "lead_id", leadID)
		return nil, fmt.Errorf("failed to query active session for lead %s: %w", leadID, err)
	}
	return session, nil
}

// UpdateSession persists estado, contexto and ativa of an existing session.
func (s *SQLiteStore) UpdateSession(session *models.Session) error {
	session.UpdatedAt = time.Now()
	res, err := s.db.Exec(
		`UPDATE sessions SET estado = ?, contexto = ?, ativa = ?, updated_at = ? WHERE id = ?`,
		string(session.Estado), nilIfEmpty(string(session.Contexto)), session.Ativa, session.UpdatedAt, session.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "session_id", session.ID)
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("SQLiteStore UpdateSession succeeded", "session_id", session.ID, "estado", session.Estado, "ativa", session.Ativa)
	return nil
}

// CreateMessage inserts a chat message record.
func (s *SQLiteStore) CreateMessage(message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	message.CreatedAt = time.Now()
	metadata, err := marshalMetadata(message.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO messages (id, session_id, lead_id, conteudo, tipo, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID, nilIfEmpty(message.SessionID), message.LeadID, message.Conteudo, string(message.Tipo), metadata, message.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateMessage failed", "error", err, "lead_id", message.LeadID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	slog.Debug("SQLiteStore CreateMessage succeeded", "message_id", message.ID, "tipo", message.Tipo)
	return nil
}

// ListMessages returns the messages of a session in insertion order.
func (s *SQLiteStore) ListMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, lead_id, conteudo, tipo, metadata, created_at FROM messages WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("SQLiteStore ListMessages scan failed", "error", err)
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
func (s *SQLiteStore) GetQualification(leadID string) (*models.Qualification, error) {
	row := s.db.QueryRow(`SELECT id, lead_id, respostas, qualificado, created_at, updated_at FROM qualificacoes WHERE lead_id = ?`, leadID)
	q, err := scanQualification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetQualification failed", "error", err, "lead_id", leadID)
		return nil, fmt.Errorf("failed to query qualification for lead %s: %w", leadID, err)
	}
	return q, nil
}

// CreateQualification inserts a qualification record.
func (s *SQLiteStore) CreateQualification(q *models.Qualification) error {
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
		`INSERT INTO qualificacoes (id, lead_id, respostas, qualificado, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		q.ID, q.LeadID, respostas, triStateToNullBool(q.Qualified), q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateQualification failed", "error", err, "lead_id", q.LeadID)
		return fmt.Errorf("failed to insert qualification: %w", err)
	}
	slog.Debug("SQLiteStore CreateQualification succeeded", "lead_id", q.LeadID)
	return nil
}

// UpdateQualification persists respostas and verdict of an existing record.
func (s *SQLiteStore) UpdateQualification(q *models.Qualification) error {
	respostas, err := marshalRespostas(q.Respostas)
	if err != nil {
		return err
	}
	q.UpdatedAt = time.Now()
	_, err = s.db.Exec(
		`UPDATE qualificacoes SET respostas = ?, qualificado = ?, updated_at = ? WHERE lead_id = ?`,
		respostas, triStateToNullBool(q.Qualified), q.UpdatedAt, q.LeadID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateQualification failed", "error", err, "lead_id", q.LeadID)
		return fmt.Errorf("failed to update qualification for lead %s: %w", q.LeadID, err)
	}
	slog.Debug("SQLiteStore UpdateQualification succeeded", "lead_id", q.LeadID)
	return nil
}

// CreateMeeting inserts a meeting record.
func (s *SQLiteStore) CreateMeeting(meeting *models.Meeting) error {
	if meeting.ID == "" {
		meeting.ID = uuid.NewString()
	}
	meeting.CreatedAt = time.Now()
	_, err := s.db.Exec(
		`INSERT INTO reunioes (id, lead_id, session_id, preferencia, link, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meeting.ID, meeting.LeadID, nilIfEmpty(meeting.SessionID), meeting.Preferencia, nilIfEmpty(meeting.Link), meeting.Status, meeting.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateMeeting failed", "error", err, "lead_id", meeting.LeadID)
		return fmt.Errorf("failed to insert meeting: %w", err)
	}
	slog.Debug("SQLiteStore CreateMeeting succeeded", "meeting_id", meeting.ID, "lead_id", meeting.LeadID)
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
