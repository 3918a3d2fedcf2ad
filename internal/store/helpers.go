package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

// DetectDSNType classifies a DSN as "postgres" or "sqlite3" so callers can
// pick the matching store without a separate driver setting.
func DetectDSNType(dsn string) string {
	lowered := strings.ToLower(dsn)
	if strings.HasPrefix(lowered, "postgres://") ||
		strings.HasPrefix(lowered, "postgresql://") ||
		strings.Contains(lowered, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// triStateToNullBool converts a qualification verdict to a nullable column value.
func triStateToNullBool(t models.TriState) interface{} {
	switch t {
	case models.TriStateQualified:
		return true
	case models.TriStateNotQualified:
		return false
	default:
		return nil
	}
}

// nullBoolToTriState converts a nullable column value back to a verdict.
func nullBoolToTriState(b sql.NullBool) models.TriState {
	if !b.Valid {
		return models.TriStateUnknown
	}
	if b.Bool {
		return models.TriStateQualified
	}
	return models.TriStateNotQualified
}

// marshalMetadata serializes message metadata for a nullable TEXT column.
func marshalMetadata(metadata map[string]string) (interface{}, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	return string(data), nil
}

// unmarshalMetadata deserializes message metadata from a nullable TEXT column.
func unmarshalMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
	}
	return metadata, nil
}

// marshalRespostas serializes qualification answers for a nullable TEXT column.
func marshalRespostas(respostas map[string]string) (interface{}, error) {
	if len(respostas) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(respostas)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal qualification answers: %w", err)
	}
	return string(data), nil
}

// unmarshalRespostas deserializes qualification answers from a nullable TEXT column.
func unmarshalRespostas(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var respostas map[string]string
	if err := json.Unmarshal([]byte(raw.String), &respostas); err != nil {
		return nil, fmt.Errorf("failed to unmarshal qualification answers: %w", err)
	}
	return respostas, nil
}

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanLead scans a lead row (id, nome, telefone, email, canal, status, created_at, updated_at).
func scanLead(row rowScanner) (*models.Lead, error) {
	var l models.Lead
	var nome, email, canal, status sql.NullString
	err := row.Scan(&l.ID, &nome, &l.Telefone, &email, &canal, &status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Nome = nome.String
	l.Email = email.String
	l.Canal = canal.String
	l.Status = status.String
	return &l, nil
}

// scanSession scans a session row (id, lead_id, estado, contexto, ativa, created_at, updated_at).
func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var estado string
	var contexto sql.NullString
	err := row.Scan(&s.ID, &s.LeadID, &estado, &contexto, &s.Ativa, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Estado = models.FlowState(estado)
	if contexto.Valid {
		s.Contexto = []byte(contexto.String)
	}
	return &s, nil
}

// scanMessage scans a message row (id, session_id, lead_id, conteudo, tipo, metadata, created_at).
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var sessionID, metadata sql.NullString
	var tipo string
	err := row.Scan(&m.ID, &sessionID, &m.LeadID, &m.Conteudo, &tipo, &metadata, &m.CreatedAt)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.SessionID = sessionID.String
	m.Tipo = models.MessageKind(tipo)
	m.Metadata, err = unmarshalMetadata(metadata)
	if err != nil {
		return m, err
	}
	return m, nil
}

// scanQualification scans a qualification row (id, lead_id, respostas, qualificado, created_at, updated_at).
func scanQualification(row rowScanner) (*models.Qualification, error) {
	var q models.Qualification
	var respostas sql.NullString
	var qualificado sql.NullBool
	err := row.Scan(&q.ID, &q.LeadID, &respostas, &qualificado, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.Qualified = nullBoolToTriState(qualificado)
	q.Respostas, err = unmarshalRespostas(respostas)
	if err != nil {
		return nil, err
	}
	return &q, nil
}
