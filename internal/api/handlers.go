// Package api provides HTTP handlers for the qualification engine endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/metrics"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/qualification"
)

// webhookEnvelope is the WAHA-style event wrapper posted by the WhatsApp
// gateway. A missing event field is treated as a plain message post.
type webhookEnvelope struct {
	Event   string         `json:"event"`
	Payload webhookMessage `json:"payload"`
}

// webhookMessage is the inbound message payload.
type webhookMessage struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	Body     string `json:"body"`
	FromMe   bool   `json:"fromMe"`
	FromName string `json:"fromName"`
	PushName string `json:"pushName"`
}

// contactName picks the most reliable display name the gateway exposes.
func (m webhookMessage) contactName() string {
	if name := strings.TrimSpace(m.FromName); name != "" {
		return name
	}
	return strings.TrimSpace(m.PushName)
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing webhook", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var envelope webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if envelope.Event != "" && envelope.Event != "message" {
		slog.Info("Server.webhookHandler: ignoring non-message event", "event", envelope.Event)
		writeJSON(w, http.StatusOK, models.Ignored("event is not a message"))
		return
	}

	msg := envelope.Payload
	if msg.FromMe {
		slog.Debug("Server.webhookHandler: ignoring own message", "message_id", msg.ID)
		writeJSON(w, http.StatusOK, models.Ignored("own message"))
		return
	}
	if msg.From == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("Missing required field: from"))
		return
	}
	if msg.Body == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}

	if s.isDuplicateWebhook(msg.From, msg.ID) {
		slog.Info("Server.webhookHandler: duplicate webhook delivery ignored", "from", msg.From, "message_id", msg.ID)
		s.metrics.Inc(metrics.CounterWebhookDuplicates)
		writeJSON(w, http.StatusOK, models.Ignored("duplicate message"))
		return
	}

	lead, err := s.orch.ResolveLead(msg.From, msg.contactName(), "whatsapp")
	if err != nil {
		if errors.Is(err, models.ErrInvalidPhone) {
			slog.Warn("Server.webhookHandler: invalid sender phone", "from", msg.From, "error", err)
			writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.webhookHandler: failed to resolve lead", "error", err, "from", msg.From)
		writeJSON(w, http.StatusInternalServerError, models.Error("Failed to resolve lead"))
		return
	}

	result := s.orch.HandleInbound(r.Context(), qualification.InboundRequest{
		LeadID: lead.ID,
		Phone:  lead.Telefone,
		Text:   msg.Body,
		Name:   lead.Nome,
	})
	if !result.OK {
		slog.Error("Server.webhookHandler: failed to process inbound", "error", result.Error, "lead_id", lead.ID)
		writeJSON(w, http.StatusInternalServerError, models.Error(result.Error))
		return
	}

	slog.Info("Server.webhookHandler: inbound processed", "lead_id", lead.ID, "new_state", result.NewState)
	writeJSON(w, http.StatusOK, models.Success(result))
}

// startRequestBody is the optional JSON body of the start endpoint.
type startRequestBody struct {
	Canal         string            `json:"canal,omitempty"`
	ExtraContext  map[string]string `json:"extra_context,omitempty"`
	CustomOpening string            `json:"custom_opening,omitempty"`
}

// leadsHandler routes /leads/{id}/start.
func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/leads/")
	leadID, action, found := strings.Cut(rest, "/")
	if !found || action != "start" || leadID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.startHandler(w, r, leadID)
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request, leadID string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.startHandler: processing start request", "lead_id", leadID, "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.startHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body startRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.startHandler: failed to decode JSON", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	lead, err := s.store.GetLead(leadID)
	if err != nil {
		if errors.Is(err, models.ErrLeadNotFound) {
			writeJSON(w, http.StatusNotFound, models.Error("Lead not found"))
			return
		}
		slog.Error("Server.startHandler: failed to load lead", "error", err, "lead_id", leadID)
		writeJSON(w, http.StatusInternalServerError, models.Error("Failed to load lead"))
		return
	}

	canal := body.Canal
	if canal == "" {
		canal = lead.Canal
	}
	result := s.orch.Start(r.Context(), qualification.StartRequest{
		LeadID:        lead.ID,
		Phone:         lead.Telefone,
		Name:          lead.Nome,
		Canal:         canal,
		ExtraContext:  body.ExtraContext,
		CustomOpening: body.CustomOpening,
	})
	if !result.OK {
		slog.Error("Server.startHandler: failed to start qualification", "error", result.Error, "lead_id", leadID)
		writeJSON(w, http.StatusInternalServerError, models.Error(result.Error))
		return
	}

	slog.Info("Server.startHandler: qualification started", "lead_id", leadID, "session_id", result.SessionID)
	writeJSON(w, http.StatusOK, models.Success(result))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(s.metrics.Snapshot()))
}
