// Package qualification orchestrates the lead-qualification funnel.
//
// The orchestrator sits between the HTTP ingress and the pure flow engine: it
// owns session lifecycle (start, self-healing resume, inactivity timeout),
// persists messages and qualification records, and rewrites the replies that
// need dynamic content the engine cannot know, such as the currently bookable
// meeting slots and the booking link.
package qualification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/delivery"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/flow"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/metrics"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/phone"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
)

// DefaultMeetingSlots are the bookable windows offered when no slot
// configuration is provided.
var DefaultMeetingSlots = []string{"terça às 10h", "quinta às 16h"}

// DefaultSessionTimeout is the inactivity window after which an active
// session is considered abandoned.
const DefaultSessionTimeout = 60 * time.Minute

// Orchestrator drives the qualification funnel for each lead.
type Orchestrator struct {
	store    store.Store
	engine   *flow.Engine
	pipeline *delivery.Pipeline
	metrics  *metrics.Registry

	slots          []string
	bookingLink    string
	sessionTimeout time.Duration
	templates      map[string]string

	// now is the clock source; replaceable in tests.
	now func() time.Time
}

// Option defines a configuration option for the orchestrator.
type Option func(*Orchestrator)

// WithMeetingSlots overrides the bookable meeting-slot labels.
func WithMeetingSlots(slots []string) Option {
	return func(o *Orchestrator) {
		if len(slots) > 0 {
			o.slots = slots
		}
	}
}

// WithBookingLink sets the booking link appended to meeting confirmations.
func WithBookingLink(link string) Option {
	return func(o *Orchestrator) { o.bookingLink = link }
}

// WithSessionTimeout sets the inactivity timeout after which an active
// session is finalized and a fresh one starts on the next inbound message.
// Zero disables the timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.sessionTimeout = d }
}

// WithOpeningTemplates overrides the per-channel opening template table.
func WithOpeningTemplates(templates map[string]string) Option {
	return func(o *Orchestrator) {
		if templates != nil {
			o.templates = templates
		}
	}
}

// NewOrchestrator creates an orchestrator over the given collaborators.
func NewOrchestrator(st store.Store, engine *flow.Engine, pipeline *delivery.Pipeline, reg *metrics.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		engine:    engine,
		pipeline:  pipeline,
		metrics:   reg,
		slots:     DefaultMeetingSlots,
		templates: DefaultOpeningTemplates(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRequest describes a new-lead trigger.
type StartRequest struct {
	LeadID string
	Phone  string
	Name   string
	Canal  string
	// ExtraContext entries are merged into the session's response map, so
	// upstream attributes survive into the qualification notes.
	ExtraContext map[string]string
	// CustomOpening, when set, replaces the channel template. Supports the
	// {nome} and {canal} tokens.
	CustomOpening string
}

// StartResult is the structured outcome of a Start call.
type StartResult struct {
	OK             bool   `json:"ok"`
	SessionID      string `json:"session_id,omitempty"`
	OpeningMessage string `json:"opening_message,omitempty"`
	// AlreadyActive is true when the lead had an active session and the
	// call was a no-op.
	AlreadyActive bool   `json:"already_active,omitempty"`
	Error         string `json:"error,omitempty"`
}

// InboundRequest describes one message received from a lead.
type InboundRequest struct {
	LeadID string
	Phone  string
	Text   string
	Name   string
}

// InboundResult is the structured outcome of a HandleInbound call.
type InboundResult struct {
	OK        bool             `json:"ok"`
	SessionID string           `json:"session_id,omitempty"`
	NewState  models.FlowState `json:"new_state,omitempty"`
	ReplySent bool             `json:"reply_sent,omitempty"`
	Finalized bool             `json:"finalized,omitempty"`
	// Expired is true when the previous session hit the inactivity timeout
	// and a fresh one was started for this message.
	Expired bool   `json:"expired,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Start begins qualification for a lead. It is idempotent: when an active
// session already exists it returns that session's id and sends nothing.
// A failed opening send still leaves the session created, so redelivered
// triggers cannot spawn a second funnel.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) StartResult {
	slog.Info("Orchestrator starting qualification", "lead_id", req.LeadID, "canal", req.Canal)

	canonical, err := phone.NormalizeE164(req.Phone)
	if err != nil {
		slog.Warn("Orchestrator start rejected: invalid phone", "lead_id", req.LeadID, "error", err)
		return StartResult{Error: err.Error()}
	}

	active, err := o.store.GetActiveSession(req.LeadID)
	if err != nil {
		return StartResult{Error: fmt.Sprintf("failed to look up active session: %v", err)}
	}
	if active != nil {
		slog.Info("Orchestrator found active session", "lead_id", req.LeadID, "session_id", active.ID)
		return StartResult{OK: true, SessionID: active.ID, AlreadyActive: true}
	}

	fctx := o.engine.InitialContext(req.Name)
	fctx.LeadID = req.LeadID
	fctx.Canal = req.Canal
	fctx.Telefone = canonical
	for k, v := range req.ExtraContext {
		fctx.SetResponse(k, v)
	}

	session := &models.Session{
		LeadID: req.LeadID,
		Estado: models.StateWaitingFirstReply,
		Ativa:  true,
	}
	session.Contexto, err = json.Marshal(fctx)
	if err != nil {
		return StartResult{Error: fmt.Sprintf("failed to serialize context: %v", err)}
	}
	if err := o.store.CreateSession(session); err != nil {
		// Two near-simultaneous triggers race here; the unique index lets
		// exactly one insert win and the loser adopts the winner's session.
		if errors.Is(err, store.ErrActiveSessionExists) {
			if active, lookupErr := o.store.GetActiveSession(req.LeadID); lookupErr == nil && active != nil {
				slog.Info("Orchestrator lost start race, adopting session", "lead_id", req.LeadID, "session_id", active.ID)
				return StartResult{OK: true, SessionID: active.ID, AlreadyActive: true}
			}
		}
		return StartResult{Error: fmt.Sprintf("failed to create session: %v", err)}
	}
	o.metrics.Inc(metrics.CounterSessionsStarted)

	opening := o.openingMessage(fctx, req.CustomOpening)
	sendResult := o.pipeline.Send(ctx, delivery.SendRequest{
		LeadID:    req.LeadID,
		SessionID: session.ID,
		Phone:     canonical,
		Text:      opening,
	})

	if err := o.store.UpdateLeadStatus(req.LeadID, models.LeadStatusInQualification); err != nil {
		slog.Error("Orchestrator failed to update lead status", "error", err, "lead_id", req.LeadID)
	}

	if !sendResult.OK {
		slog.Error("Orchestrator failed to send opening message", "lead_id", req.LeadID, "error", sendResult.Error)
		return StartResult{SessionID: session.ID, OpeningMessage: opening, Error: sendResult.Error}
	}
	slog.Info("Orchestrator qualification started", "lead_id", req.LeadID, "session_id", session.ID)
	return StartResult{OK: true, SessionID: session.ID, OpeningMessage: opening}
}

// HandleInbound processes one message from a lead: it self-heals a missing
// session, advances the flow engine one step, sends the (possibly rewritten)
// reply and persists every side effect.
func (o *Orchestrator) HandleInbound(ctx context.Context, req InboundRequest) InboundResult {
	slog.Info("Orchestrator handling inbound", "lead_id", req.LeadID, "text_length", len(req.Text))

	canonical, err := phone.NormalizeE164(req.Phone)
	if err != nil {
		slog.Warn("Orchestrator inbound rejected: invalid phone", "lead_id", req.LeadID, "error", err)
		return InboundResult{Error: err.Error()}
	}

	session, err := o.store.GetActiveSession(req.LeadID)
	if err != nil {
		return InboundResult{Error: fmt.Sprintf("failed to look up active session: %v", err)}
	}

	expired := false
	if session != nil && o.sessionExpired(session) {
		slog.Info("Orchestrator finalizing expired session", "lead_id", req.LeadID, "session_id", session.ID)
		session.Ativa = false
		if err := o.store.UpdateSession(session); err != nil {
			return InboundResult{Error: fmt.Sprintf("failed to finalize expired session: %v", err)}
		}
		o.metrics.Inc(metrics.CounterSessionsExpired)
		session = nil
		expired = true
	}

	if session == nil {
		// Self-healing: the lead wrote without an active session, so start
		// one and feed this message into the fresh funnel.
		canal := ""
		if lead, leadErr := o.store.GetLead(req.LeadID); leadErr == nil {
			canal = lead.Canal
		}
		startResult := o.Start(ctx, StartRequest{LeadID: req.LeadID, Phone: canonical, Name: req.Name, Canal: canal})
		if startResult.SessionID == "" {
			return InboundResult{Error: startResult.Error, Expired: expired}
		}
		session, err = o.store.GetSession(startResult.SessionID)
		if err != nil {
			return InboundResult{Error: fmt.Sprintf("failed to load session: %v", err), Expired: expired}
		}
	}

	o.metrics.Inc(metrics.CounterInboundMessages)
	if err := o.store.CreateMessage(&models.Message{
		SessionID: session.ID,
		LeadID:    req.LeadID,
		Conteudo:  req.Text,
		Tipo:      models.MessageKindReceived,
	}); err != nil {
		slog.Error("Orchestrator failed to persist inbound message", "error", err, "lead_id", req.LeadID)
	}

	fctx := o.contextFromSession(session, req.Name)
	result := o.engine.NextStep(session.Estado, fctx, req.Text)
	reply := o.rewriteReply(session.Estado, result)

	replySent := false
	if reply != "" {
		sendResult := o.pipeline.Send(ctx, delivery.SendRequest{
			LeadID:    req.LeadID,
			SessionID: session.ID,
			Phone:     canonical,
			Text:      reply,
		})
		replySent = sendResult.OK
		if !sendResult.OK {
			slog.Error("Orchestrator failed to send reply", "lead_id", req.LeadID, "error", sendResult.Error)
		}
	}

	session.Estado = result.NextState
	session.Ativa = !result.FinalizeSession
	session.Contexto, err = json.Marshal(result.Context)
	if err != nil {
		return InboundResult{Error: fmt.Sprintf("failed to serialize context: %v", err), Expired: expired}
	}
	if err := o.store.UpdateSession(session); err != nil {
		return InboundResult{Error: fmt.Sprintf("failed to update session: %v", err), Expired: expired}
	}
	if result.FinalizeSession {
		o.metrics.Inc(metrics.CounterSessionsFinalized)
	}

	o.applyLeadStatus(req.LeadID, result.LeadStatus)
	if result.Notes != nil {
		o.upsertQualification(req.LeadID, result.Notes, result.Context.Qualified)
	}
	if result.LeadStatus == models.LeadStatusMeetingScheduled {
		o.createMeeting(req.LeadID, session.ID, result.Context.MeetingPreference)
	}

	slog.Info("Orchestrator inbound handled",
		"lead_id", req.LeadID,
		"session_id", session.ID,
		"new_state", result.NextState,
		"reply_sent", replySent,
		"finalized", result.FinalizeSession)
	return InboundResult{
		OK:        true,
		SessionID: session.ID,
		NewState:  result.NextState,
		ReplySent: replySent,
		Finalized: result.FinalizeSession,
		Expired:   expired,
	}
}

// ResolveLead finds the lead owning a phone number, creating one when the
// webhook caller only knows the number.
func (o *Orchestrator) ResolveLead(rawPhone, name, canal string) (*models.Lead, error) {
	canonical, err := phone.NormalizeE164(rawPhone)
	if err != nil {
		return nil, err
	}
	lead, err := o.store.GetLeadByPhone(canonical)
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, models.ErrLeadNotFound) {
		return nil, fmt.Errorf("failed to look up lead by phone: %w", err)
	}
	lead = &models.Lead{
		Nome:     strings.TrimSpace(name),
		Telefone: canonical,
		Canal:    canal,
	}
	if err := o.store.CreateLead(lead); err != nil {
		return nil, fmt.Errorf("failed to create lead: %w", err)
	}
	slog.Info("Orchestrator created lead from inbound phone", "lead_id", lead.ID, "canal", canal)
	return lead, nil
}

// openingMessage picks the opening text: custom template, then the channel
// table, then the engine default.
func (o *Orchestrator) openingMessage(fctx *models.FlowContext, custom string) string {
	if strings.TrimSpace(custom) != "" {
		return renderTemplate(custom, fctx.FirstName, fctx.Canal)
	}
	if tpl, ok := o.templates[strings.ToLower(strings.TrimSpace(fctx.Canal))]; ok {
		return renderTemplate(tpl, fctx.FirstName, fctx.Canal)
	}
	return o.engine.OpeningMessage(fctx)
}

// contextFromSession deserializes the session context, falling back to a
// fresh one when the stored blob is corrupt.
func (o *Orchestrator) contextFromSession(session *models.Session, name string) *models.FlowContext {
	fctx := &models.FlowContext{}
	if err := json.Unmarshal(session.Contexto, fctx); err != nil || fctx.Responses == nil {
		slog.Warn("Orchestrator rebuilding corrupt session context", "session_id", session.ID)
		fctx = o.engine.InitialContext(name)
		fctx.LeadID = session.LeadID
	}
	return fctx
}

// sessionExpired reports whether the session's last update is older than the
// configured inactivity timeout.
func (o *Orchestrator) sessionExpired(session *models.Session) bool {
	if o.sessionTimeout <= 0 || session.UpdatedAt.IsZero() {
		return false
	}
	return o.now().Sub(session.UpdatedAt) > o.sessionTimeout
}

// rewriteReply swaps the engine's static reply for dynamic content in the
// states that depend on configuration: the scheduling ask and the offer
// re-prompt carry the current slot labels, and the meeting confirmation
// echoes the chosen slot plus the booking link.
func (o *Orchestrator) rewriteReply(prevState models.FlowState, result models.FlowResult) string {
	if result.Reply == "" {
		return ""
	}
	switch {
	case result.NextState == models.StateScheduling:
		return fmt.Sprintf("Ótimo! Temos janelas na %s. Alguma delas funciona?", joinSlots(o.slots))

	case result.NextState == models.StateOfferMeeting && prevState == models.StateOfferMeeting:
		// Ambiguous answer to the offer: re-ask with the concrete windows.
		return fmt.Sprintf("Perfeito. Posso te encaixar na %s, ou procurar outro horário. Qual prefere?", joinSlots(o.slots))

	case result.LeadStatus == models.LeadStatusMeetingScheduled:
		confirmation := fmt.Sprintf("Anotei sua preferência (%s). Um especialista da LDC Capital vai confirmar o horário com você ainda hoje.", result.Context.MeetingPreference)
		if o.bookingLink != "" {
			confirmation += fmt.Sprintf(" Se quiser garantir o horário agora, é só agendar por aqui: %s", o.bookingLink)
		}
		return confirmation
	}
	return result.Reply
}

func (o *Orchestrator) applyLeadStatus(leadID string, status models.LeadStatus) {
	if status == "" {
		return
	}
	if err := o.store.UpdateLeadStatus(leadID, status); err != nil {
		slog.Error("Orchestrator failed to update lead status", "error", err, "lead_id", leadID, "status", status)
		return
	}
	switch status {
	case models.LeadStatusQualified:
		o.metrics.Inc(metrics.CounterQualified)
	case models.LeadStatusNotQualified:
		o.metrics.Inc(metrics.CounterNotQualified)
	case models.LeadStatusNotInterested:
		o.metrics.Inc(metrics.CounterNotInterested)
	}
}

// upsertQualification merges newly collected responses into the lead's
// qualification record, creating it on first contact.
func (o *Orchestrator) upsertQualification(leadID string, notes map[string]string, verdict models.TriState) {
	existing, err := o.store.GetQualification(leadID)
	if err != nil {
		slog.Error("Orchestrator failed to look up qualification", "error", err, "lead_id", leadID)
		return
	}
	if existing == nil {
		q := &models.Qualification{LeadID: leadID, Respostas: notes, Qualified: verdict}
		if err := o.store.CreateQualification(q); err != nil {
			slog.Error("Orchestrator failed to create qualification", "error", err, "lead_id", leadID)
		}
		return
	}
	if existing.Respostas == nil {
		existing.Respostas = make(map[string]string, len(notes))
	}
	for k, v := range notes {
		existing.Respostas[k] = v
	}
	if verdict != models.TriStateUnknown {
		existing.Qualified = verdict
	}
	if err := o.store.UpdateQualification(existing); err != nil {
		slog.Error("Orchestrator failed to update qualification", "error", err, "lead_id", leadID)
	}
}

func (o *Orchestrator) createMeeting(leadID, sessionID, preference string) {
	meeting := &models.Meeting{
		LeadID:      leadID,
		SessionID:   sessionID,
		Preferencia: preference,
		Link:        o.bookingLink,
		Status:      models.MeetingStatusPending,
	}
	if err := o.store.CreateMeeting(meeting); err != nil {
		slog.Error("Orchestrator failed to create meeting", "error", err, "lead_id", leadID)
		return
	}
	o.metrics.RecordMeetingScheduled(leadID, preference)
}

func joinSlots(slots []string) string {
	if len(slots) == 1 {
		return slots[0]
	}
	return strings.Join(slots[:len(slots)-1], ", ") + " ou " + slots[len(slots)-1]
}
