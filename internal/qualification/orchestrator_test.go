package qualification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/delivery"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/flow"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/messaging"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/metrics"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
)

const testPhone = "+5511987654321"

type fixture struct {
	store     *store.InMemoryStore
	transport *messaging.MockService
	metrics   *metrics.Registry
	orch      *Orchestrator
	lead      *models.Lead
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	transport := messaging.NewMockService()
	reg := metrics.NewRegistry()
	pipeline := delivery.NewPipeline(transport, st, reg)
	orch := NewOrchestrator(st, flow.NewEngine(), pipeline, reg, opts...)

	lead := &models.Lead{Nome: "Maria", Telefone: testPhone, Canal: "ebook"}
	if err := st.CreateLead(lead); err != nil {
		t.Fatalf("CreateLead failed: %v", err)
	}
	return &fixture{store: st, transport: transport, metrics: reg, orch: orch, lead: lead}
}

func (f *fixture) start(t *testing.T) StartResult {
	t.Helper()
	res := f.orch.Start(context.Background(), StartRequest{
		LeadID: f.lead.ID,
		Phone:  f.lead.Telefone,
		Name:   f.lead.Nome,
		Canal:  f.lead.Canal,
	})
	if !res.OK {
		t.Fatalf("Start failed: %+v", res)
	}
	return res
}

func (f *fixture) inbound(t *testing.T, text string) InboundResult {
	t.Helper()
	res := f.orch.HandleInbound(context.Background(), InboundRequest{
		LeadID: f.lead.ID,
		Phone:  f.lead.Telefone,
		Text:   text,
		Name:   f.lead.Nome,
	})
	if !res.OK {
		t.Fatalf("HandleInbound(%q) failed: %+v", text, res)
	}
	return res
}

func (f *fixture) lastSent(t *testing.T) string {
	t.Helper()
	sent := f.transport.Sent()
	if len(sent) == 0 {
		t.Fatal("no message was sent")
	}
	return sent[len(sent)-1].Body
}

func TestStart_SendsChannelOpening(t *testing.T) {
	f := newFixture(t)
	res := f.start(t)

	if res.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if !strings.Contains(res.OpeningMessage, "e-book") {
		t.Errorf("ebook channel should use the ebook template, got %q", res.OpeningMessage)
	}
	if !strings.Contains(res.OpeningMessage, "Maria") {
		t.Errorf("opening should greet the lead by name, got %q", res.OpeningMessage)
	}
	if got := f.lastSent(t); got != res.OpeningMessage {
		t.Errorf("transport received %q, want the opening message", got)
	}

	lead, _ := f.store.GetLead(f.lead.ID)
	if lead.Status != string(models.LeadStatusInQualification) {
		t.Errorf("lead status = %q, want em_qualificacao", lead.Status)
	}
	session, _ := f.store.GetActiveSession(f.lead.ID)
	if session == nil || session.Estado != models.StateWaitingFirstReply {
		t.Errorf("expected active session at inicio, got %+v", session)
	}
}

func TestStart_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.start(t)

	second := f.orch.Start(context.Background(), StartRequest{
		LeadID: f.lead.ID, Phone: f.lead.Telefone, Name: f.lead.Nome, Canal: f.lead.Canal,
	})
	if !second.OK || !second.AlreadyActive {
		t.Fatalf("second start should be a no-op, got %+v", second)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("second start returned session %q, want %q", second.SessionID, first.SessionID)
	}
	if second.OpeningMessage != "" {
		t.Error("no-op start must not render an opening message")
	}
	if calls := len(f.transport.Sent()); calls != 1 {
		t.Errorf("expected 1 transport call, got %d", calls)
	}
}

func TestStart_CustomOpeningTokens(t *testing.T) {
	f := newFixture(t)
	res := f.orch.Start(context.Background(), StartRequest{
		LeadID:        f.lead.ID,
		Phone:         f.lead.Telefone,
		Name:          f.lead.Nome,
		Canal:         "ebook",
		CustomOpening: "Oi {nome}, vi seu interesse via {canal}!",
	})
	if !res.OK {
		t.Fatalf("Start failed: %+v", res)
	}
	if want := "Oi Maria, vi seu interesse via ebook!"; res.OpeningMessage != want {
		t.Errorf("opening = %q, want %q", res.OpeningMessage, want)
	}
}

func TestStart_UnknownChannelFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	res := f.orch.Start(context.Background(), StartRequest{
		LeadID: f.lead.ID, Phone: f.lead.Telefone, Name: f.lead.Nome, Canal: "indicacao",
	})
	if !res.OK {
		t.Fatalf("Start failed: %+v", res)
	}
	if !strings.Contains(res.OpeningMessage, "LDC Capital") {
		t.Errorf("default opening expected, got %q", res.OpeningMessage)
	}
}

func TestStart_SendFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.transport.FailWith = errors.New("transport down")

	res := f.orch.Start(context.Background(), StartRequest{
		LeadID: f.lead.ID, Phone: f.lead.Telefone, Name: f.lead.Nome, Canal: f.lead.Canal,
	})
	if res.OK {
		t.Fatalf("start with failing transport should report ok=false, got %+v", res)
	}
	if res.SessionID == "" {
		t.Fatal("session must be created even when the opening send fails")
	}

	// Redelivered trigger becomes a no-op against the surviving session.
	f.transport.FailWith = nil
	second := f.orch.Start(context.Background(), StartRequest{
		LeadID: f.lead.ID, Phone: f.lead.Telefone, Name: f.lead.Nome, Canal: f.lead.Canal,
	})
	if !second.AlreadyActive || second.SessionID != res.SessionID {
		t.Errorf("expected no-op against surviving session, got %+v", second)
	}
}

func TestHandleInbound_QualifyWalk(t *testing.T) {
	f := newFixture(t,
		WithMeetingSlots([]string{"quarta às 9h", "sexta às 14h"}),
		WithBookingLink("https://agenda.ldccapital.com.br/diagnostico"),
	)
	f.start(t)

	steps := []struct {
		text      string
		wantState models.FlowState
	}{
		{"oi, tudo bem sim", models.StateAskPatrimony},
		{"entre 100k e 500k", models.StateAskInvestmentPlaces},
		{"invisto pela XP", models.StateAskSupport},
		{"suporte fraco e rentabilidade abaixo do CDI", models.StateAskObjective},
		{"Quero diversificar e proteger em dólar", models.StateAskTimeframe},
		{"médio prazo", models.StateOfferMeeting},
	}
	for _, step := range steps {
		res := f.inbound(t, step.text)
		if res.NewState != step.wantState {
			t.Fatalf("after %q state = %q, want %q", step.text, res.NewState, step.wantState)
		}
		if !res.ReplySent || res.Finalized {
			t.Fatalf("mid-funnel step %q: %+v", step.text, res)
		}
	}

	lead, _ := f.store.GetLead(f.lead.ID)
	if lead.Status != string(models.LeadStatusQualified) {
		t.Errorf("lead status = %q, want qualificado", lead.Status)
	}
	q, _ := f.store.GetQualification(f.lead.ID)
	if q == nil || q.Qualified != models.TriStateQualified {
		t.Fatalf("qualification record missing or wrong verdict: %+v", q)
	}
	if q.Respostas[models.ResponseKeyObjective] != "Quero diversificar e proteger em dólar" {
		t.Errorf("qualification notes missing objetivo: %+v", q.Respostas)
	}

	// Positive answer: the scheduling ask must carry the configured slots.
	res := f.inbound(t, "sim, vamos")
	if res.NewState != models.StateScheduling {
		t.Fatalf("state = %q, want agendamento", res.NewState)
	}
	if ask := f.lastSent(t); !strings.Contains(ask, "quarta às 9h") || !strings.Contains(ask, "sexta às 14h") {
		t.Errorf("scheduling ask should list configured slots, got %q", ask)
	}

	// Slot choice finalizes the session and books the meeting.
	res = f.inbound(t, "quarta às 9h")
	if !res.Finalized || res.NewState != models.StateFinished {
		t.Fatalf("scheduling answer should finalize, got %+v", res)
	}
	confirmation := f.lastSent(t)
	if !strings.Contains(confirmation, "quarta às 9h") {
		t.Errorf("confirmation should echo the chosen slot, got %q", confirmation)
	}
	if !strings.Contains(confirmation, "https://agenda.ldccapital.com.br/diagnostico") {
		t.Errorf("confirmation should carry the booking link, got %q", confirmation)
	}

	lead, _ = f.store.GetLead(f.lead.ID)
	if lead.Status != string(models.LeadStatusMeetingScheduled) {
		t.Errorf("lead status = %q, want reuniao_agendada", lead.Status)
	}
	meetings := f.store.Meetings()
	if len(meetings) != 1 {
		t.Fatalf("expected 1 meeting record, got %d", len(meetings))
	}
	if meetings[0].Preferencia != "quarta às 9h" || meetings[0].Status != models.MeetingStatusPending {
		t.Errorf("unexpected meeting record: %+v", meetings[0])
	}
	if f.metrics.Get(metrics.CounterMeetingsScheduled) != 1 {
		t.Error("meeting metric not recorded")
	}
	if session, _ := f.store.GetActiveSession(f.lead.ID); session != nil {
		t.Errorf("finalized lead should have no active session, got %+v", session)
	}
}

func TestHandleInbound_AmbiguousOfferThenDecline(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	for _, text := range []string{
		"oi", "até 100 mil", "BTG", "poderia ser melhor", "quero gerar renda extra", "longo prazo",
	} {
		f.inbound(t, text)
	}

	// Ambiguous answer re-asks with concrete windows and stays put.
	res := f.inbound(t, "hmm, deixa eu ver")
	if res.NewState != models.StateOfferMeeting || res.Finalized {
		t.Fatalf("ambiguous answer should stay in oferecer_reuniao, got %+v", res)
	}
	if ask := f.lastSent(t); !strings.Contains(ask, DefaultMeetingSlots[0]) {
		t.Errorf("re-prompt should carry the slot labels, got %q", ask)
	}

	res = f.inbound(t, "não, obrigado")
	if !res.Finalized || res.NewState != models.StateNotInterested {
		t.Fatalf("decline should finalize as nao_interessado, got %+v", res)
	}
	lead, _ := f.store.GetLead(f.lead.ID)
	if lead.Status != string(models.LeadStatusNotInterested) {
		t.Errorf("lead status = %q, want nao_interessado", lead.Status)
	}
	if len(f.store.Meetings()) != 0 {
		t.Error("declined lead must not get a meeting record")
	}
}

func TestHandleInbound_SelfHealingStart(t *testing.T) {
	f := newFixture(t)

	// No Start was ever called; the inbound message must bootstrap the funnel.
	res := f.inbound(t, "olá, quero saber mais")
	if res.SessionID == "" || res.NewState != models.StateAskPatrimony {
		t.Fatalf("self-healed inbound should land in perguntar_patrimonio, got %+v", res)
	}

	sent := f.transport.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected opening plus patrimony ask, got %d sends", len(sent))
	}
	msgs, _ := f.store.ListMessages(res.SessionID)
	var received int
	for _, m := range msgs {
		if m.Tipo == models.MessageKindReceived {
			received++
		}
	}
	if received != 1 {
		t.Errorf("expected 1 persisted inbound message, got %d", received)
	}
}

func TestHandleInbound_SessionTimeout(t *testing.T) {
	f := newFixture(t, WithSessionTimeout(30*time.Minute))
	first := f.start(t)
	f.inbound(t, "oi")

	f.orch.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	res := f.inbound(t, "voltei, ainda dá tempo?")
	if !res.Expired {
		t.Fatalf("expected expired marker, got %+v", res)
	}
	if res.SessionID == first.SessionID {
		t.Error("expired session should be replaced by a fresh one")
	}
	if old, _ := f.store.GetSession(first.SessionID); old.Ativa {
		t.Error("expired session should be deactivated")
	}
	if res.NewState != models.StateAskPatrimony {
		t.Errorf("fresh funnel should advance to perguntar_patrimonio, got %q", res.NewState)
	}
	if f.metrics.Get(metrics.CounterSessionsExpired) != 1 {
		t.Error("expired-session metric not recorded")
	}
}

func TestResolveLead(t *testing.T) {
	f := newFixture(t)

	lead, err := f.orch.ResolveLead("5521998765432", "João", "whatsapp")
	if err != nil {
		t.Fatalf("ResolveLead failed: %v", err)
	}
	if lead.Telefone != "+5521998765432" {
		t.Errorf("lead phone = %q, want canonical E.164", lead.Telefone)
	}

	again, err := f.orch.ResolveLead("+55 21 99876-5432", "", "")
	if err != nil {
		t.Fatalf("second ResolveLead failed: %v", err)
	}
	if again.ID != lead.ID {
		t.Error("same phone should resolve to the same lead")
	}

	if _, err := f.orch.ResolveLead("abc", "X", "whatsapp"); !errors.Is(err, models.ErrInvalidPhone) {
		t.Errorf("invalid phone should fail with ErrInvalidPhone, got %v", err)
	}
}
