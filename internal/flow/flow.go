// Package flow implements the deterministic qualification funnel.
//
// The engine is a pure decision tree: given the current state, the session
// context and the inbound text it computes the reply, the next state and the
// lead status without performing any I/O. Re-invoking it with the same
// inputs always yields the same outputs, which keeps retries and tests
// replayable. It never returns an error; unknown states fall back to an
// absorbing transition into the finished state.
package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

// DefaultObjectiveMinLength is the answer-length threshold above which an
// objective counts as engaged even without a keyword match. The value is a
// heuristic proxy, kept tunable rather than principled.
const DefaultObjectiveMinLength = 12

const openingMessage = "Oi %s! Aqui é a LDC Capital, consultoria independente e multibroker. " +
	"Vi que você baixou nosso material sobre investimentos internacionais e queria entender " +
	"rapidamente onde está hoje para te direcionar melhor. Tudo bem responder algumas perguntas?"

// Keyword lists for the qualification predicate and the meeting-offer
// polarity classifier. Matching is case-insensitive substring containment.
var (
	weakSupportTokens = []string{"fraco", "ruim", "poderia", "melhor", "insatis", "sem", "pouco"}

	relevantObjectiveTokens = []string{"renda", "aposent", "protec", "divers", "patrim", "dolar", "internacional"}

	positiveTokens = []string{"sim", "claro", "vamos", "pode ser", "topo", "ok", "perfeito", "combinado", "esta semana", "bora", "fechado"}

	negativeTokens = []string{"nao", "não", "depois", "sem interesse", "agora nao", "talvez depois", "outro momento", "prefiro nao", "mais pra frente"}
)

// Engine implements the qualification decision tree.
type Engine struct {
	objectiveMinLength int
}

// Option defines a configuration option for the flow engine.
type Option func(*Engine)

// WithObjectiveMinLength overrides the engaged-objective length threshold.
func WithObjectiveMinLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.objectiveMinLength = n
		}
	}
}

// NewEngine creates a flow engine, applying any provided options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{objectiveMinLength: DefaultObjectiveMinLength}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitialContext builds the context for a fresh session. An empty or blank
// first name falls back to the greeting sentinel.
func (e *Engine) InitialContext(firstName string) *models.FlowContext {
	nome := strings.TrimSpace(firstName)
	if nome == "" {
		nome = models.DefaultFirstName
	}
	return &models.FlowContext{
		FirstName: nome,
		Responses: make(map[string]string),
	}
}

// OpeningMessage renders the default opening message for a context.
func (e *Engine) OpeningMessage(ctx *models.FlowContext) string {
	return fmt.Sprintf(openingMessage, ctx.FirstName)
}

// NextStep advances the funnel one step. It mutates only the passed context
// and never returns an error: states outside the funnel absorb into the
// finished state with no reply.
func (e *Engine) NextStep(state models.FlowState, ctx *models.FlowContext, incoming string) models.FlowResult {
	message := strings.TrimSpace(incoming)
	slog.Debug("Flow NextStep invoked", "state", state, "incoming_length", len(message))

	switch state {
	case models.StateWaitingFirstReply:
		ctx.SetResponse(models.ResponseKeyFirstInteraction, message)
		return e.askPatrimony(ctx)

	case models.StateAskPatrimony:
		ctx.SetResponse(models.ResponseKeyPatrimonyRange, message)
		return e.askInvestmentPlaces(ctx)

	case models.StateAskInvestmentPlaces:
		ctx.SetResponse(models.ResponseKeyInvestmentPlaces, message)
		return e.askSupport(ctx)

	case models.StateAskSupport:
		ctx.SetResponse(models.ResponseKeySupportEvaluation, message)
		return e.askObjective(ctx)

	case models.StateAskObjective:
		ctx.SetResponse(models.ResponseKeyObjective, message)
		return e.askTimeframe(ctx)

	case models.StateAskTimeframe:
		ctx.SetResponse(models.ResponseKeyTimeframe, message)
		if e.isQualified(ctx) {
			ctx.Qualified = models.TriStateQualified
			return e.offerMeeting(ctx)
		}
		ctx.Qualified = models.TriStateNotQualified
		return models.FlowResult{
			Reply: "Obrigado por compartilhar! Pelo que entendi, podemos continuar " +
				"com conteúdos sob medida e aviso você quando houver algo muito aderente.",
			NextState:       models.StateFinished,
			Context:         ctx,
			LeadStatus:      models.LeadStatusNotQualified,
			Notes:           ctx.SnapshotResponses(),
			FinalizeSession: true,
		}

	case models.StateOfferMeeting:
		if isPositive(message) {
			ctx.MeetingPreference = ""
			return e.askScheduling(ctx)
		}
		if isNegative(message) {
			return models.FlowResult{
				Reply:           "Sem problemas! Fico à disposição caso mude de ideia.",
				NextState:       models.StateNotInterested,
				Context:         ctx,
				LeadStatus:      models.LeadStatusNotInterested,
				Notes:           ctx.SnapshotResponses(),
				FinalizeSession: true,
			}
		}
		// Ambiguous answer: re-ask and stay put, context untouched.
		return models.FlowResult{
			Reply:     "Perfeito. Prefere conversar ainda esta semana ou posso olhar agenda para a próxima?",
			NextState: models.StateOfferMeeting,
			Context:   ctx,
		}

	case models.StateScheduling:
		ctx.MeetingPreference = message
		notes := ctx.SnapshotResponses()
		notes[models.ResponseKeySchedule] = message
		return models.FlowResult{
			Reply: "Anotei sua preferência. Um especialista da LDC Capital vai confirmar o horário " +
				"com você ainda hoje.",
			NextState:       models.StateFinished,
			Context:         ctx,
			LeadStatus:      models.LeadStatusMeetingScheduled,
			Notes:           notes,
			FinalizeSession: true,
		}
	}

	// Absorbing fallback: terminal or corrupt states finish the session
	// silently, guaranteeing forward progress.
	slog.Debug("Flow NextStep absorbing fallback", "state", state)
	return models.FlowResult{
		NextState:       models.StateFinished,
		Context:         ctx,
		FinalizeSession: true,
	}
}

func (e *Engine) askPatrimony(ctx *models.FlowContext) models.FlowResult {
	primeiraMencao := ctx.Response(models.ResponseKeyFirstInteraction)
	saudacao := "Perfeito. "
	if ctx.FirstName != "" && ctx.FirstName != models.DefaultFirstName {
		saudacao = fmt.Sprintf("Legal ouvir você, %s. ", ctx.FirstName)
	}
	if primeiraMencao != "" {
		saudacao += fmt.Sprintf("Sobre o que comentou (%q), quero entender melhor o seu momento. ", primeiraMencao)
	}
	return models.FlowResult{
		Reply: saudacao +
			"Hoje qual faixa de patrimônio você mantém aplicada? Pode ser em faixas, tipo até 100 mil, " +
			"entre 100k e 500k, acima de 500k...",
		NextState: models.StateAskPatrimony,
		Context:   ctx,
	}
}

func (e *Engine) askInvestmentPlaces(ctx *models.FlowContext) models.FlowResult {
	return models.FlowResult{
		Reply: "Obrigado por compartilhar. Hoje você investe por qual plataforma ou corretora? " +
			"Se for XP, BTG, Avenue ou outra instituição, é só me contar.",
		NextState: models.StateAskInvestmentPlaces,
		Context:   ctx,
	}
}

func (e *Engine) askSupport(ctx *models.FlowContext) models.FlowResult {
	prefixo := ""
	if onde := ctx.Response(models.ResponseKeyInvestmentPlaces); onde != "" {
		prefixo = fmt.Sprintf("Pensando na experiência com %s, ", onde)
	}
	return models.FlowResult{
		Reply: prefixo +
			"como você avalia o suporte que recebe hoje? Está satisfeito ou sente que " +
			"poderia ter um acompanhamento mais próximo, inclusive em rentabilidade?",
		NextState: models.StateAskSupport,
		Context:   ctx,
	}
}

func (e *Engine) askObjective(ctx *models.FlowContext) models.FlowResult {
	return models.FlowResult{
		Reply:     "Legal. Qual é o principal objetivo com esses investimentos hoje?",
		NextState: models.StateAskObjective,
		Context:   ctx,
	}
}

func (e *Engine) askTimeframe(ctx *models.FlowContext) models.FlowResult {
	return models.FlowResult{
		Reply:     "Pensando nesse objetivo, em qual prazo gostaria de ver resultados? Curto, médio ou longo?",
		NextState: models.StateAskTimeframe,
		Context:   ctx,
	}
}

func (e *Engine) offerMeeting(ctx *models.FlowContext) models.FlowResult {
	return models.FlowResult{
		Reply: fmt.Sprintf("Entendi, %s. Para ajudar você a estruturar melhor sua estratégia, "+
			"posso agendar uma reunião gratuita de diagnóstico financeiro com um especialista "+
			"da LDC Capital. Prefere esta semana ou na próxima?", ctx.FirstName),
		NextState:  models.StateOfferMeeting,
		Context:    ctx,
		LeadStatus: models.LeadStatusQualified,
		Notes:      ctx.SnapshotResponses(),
	}
}

func (e *Engine) askScheduling(ctx *models.FlowContext) models.FlowResult {
	return models.FlowResult{
		Reply:     "Ótimo! Temos janelas na terça às 10h ou quinta às 16h. Alguma delas funciona?",
		NextState: models.StateScheduling,
		Context:   ctx,
	}
}

// isQualified evaluates the qualification predicate: the lead rates the
// current support as weak AND states a clear objective.
func (e *Engine) isQualified(ctx *models.FlowContext) bool {
	suporte := strings.ToLower(ctx.Response(models.ResponseKeySupportEvaluation))
	objetivo := strings.ToLower(ctx.Response(models.ResponseKeyObjective))

	suporteRuim := containsAny(suporte, weakSupportTokens)
	// The length arm counts characters, not bytes: accented Portuguese
	// answers must not hit the threshold early.
	objetivoClaro := containsAny(objetivo, relevantObjectiveTokens) ||
		utf8.RuneCountInString(objetivo) >= e.objectiveMinLength
	return suporteRuim && objetivoClaro
}

// isPositive reports whether a meeting-offer reply reads as acceptance.
// Positives are checked before negatives by the caller.
func isPositive(message string) bool {
	return containsAny(strings.ToLower(message), positiveTokens)
}

// isNegative reports whether a meeting-offer reply reads as a decline.
func isNegative(message string) bool {
	return containsAny(strings.ToLower(message), negativeTokens)
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}
