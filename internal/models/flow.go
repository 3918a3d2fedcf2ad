// Package models defines the flow state machine types for the qualification engine.
package models

import (
	"bytes"
	"encoding/json"
)

// FlowState represents a state of the qualification funnel. The wire values
// are the session `estado` strings persisted by the record store.
type FlowState string

const (
	// StateWaitingFirstReply is the initial state: the opening message was
	// sent and the lead has not answered yet.
	StateWaitingFirstReply FlowState = "inicio"
	// StateAskPatrimony waits for the invested-wealth range answer.
	StateAskPatrimony FlowState = "perguntar_patrimonio"
	// StateAskInvestmentPlaces waits for the broker/platform answer.
	StateAskInvestmentPlaces FlowState = "perguntar_onde_investe"
	// StateAskSupport waits for the current-support evaluation answer.
	StateAskSupport FlowState = "perguntar_qualidade_suporte"
	// StateAskObjective waits for the investment-objective answer.
	StateAskObjective FlowState = "perguntar_objetivo"
	// StateAskTimeframe waits for the results-timeframe answer.
	StateAskTimeframe FlowState = "perguntar_prazo"
	// StateOfferMeeting waits for a yes/no on the advisory meeting offer.
	// May self-loop on ambiguous answers.
	StateOfferMeeting FlowState = "oferecer_reuniao"
	// StateScheduling waits for the preferred meeting slot.
	StateScheduling FlowState = "agendamento"
	// StateFinished is terminal.
	StateFinished FlowState = "finalizado"
	// StateNotInterested is terminal; the lead declined the meeting.
	StateNotInterested FlowState = "finalizado_nao_interessado"
)

// IsTerminal reports whether the state accepts no further funnel progress.
func (s FlowState) IsTerminal() bool {
	return s == StateFinished || s == StateNotInterested
}

// IsValidFlowState checks if the given state is part of the funnel.
func IsValidFlowState(s FlowState) bool {
	switch s {
	case StateWaitingFirstReply, StateAskPatrimony, StateAskInvestmentPlaces,
		StateAskSupport, StateAskObjective, StateAskTimeframe,
		StateOfferMeeting, StateScheduling, StateFinished, StateNotInterested:
		return true
	default:
		return false
	}
}

// LeadStatus tags the lead record with the funnel outcome.
type LeadStatus string

const (
	// LeadStatusInQualification marks a lead with an active funnel session.
	LeadStatusInQualification LeadStatus = "em_qualificacao"
	// LeadStatusQualified marks a lead that passed the qualification predicate.
	LeadStatusQualified LeadStatus = "qualificado"
	// LeadStatusNotQualified marks a lead that failed the qualification predicate.
	LeadStatusNotQualified LeadStatus = "nao_qualificado"
	// LeadStatusNotInterested marks a lead that declined the meeting offer.
	LeadStatusNotInterested LeadStatus = "nao_interessado"
	// LeadStatusMeetingScheduled marks a lead with a captured slot preference.
	LeadStatusMeetingScheduled LeadStatus = "reuniao_agendada"
)

// TriState is a three-valued qualification verdict. The zero value is
// TriStateUnknown, so a context created before the predicate runs never
// reads as "evaluated false".
type TriState int

const (
	// TriStateUnknown means the qualification predicate has not run yet.
	TriStateUnknown TriState = iota
	// TriStateQualified means the predicate evaluated true.
	TriStateQualified
	// TriStateNotQualified means the predicate evaluated false.
	TriStateNotQualified
)

var jsonNull = []byte("null")

// MarshalJSON encodes the tri-state as null/true/false, matching the
// serialized context format of existing sessions.
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case TriStateQualified:
		return []byte("true"), nil
	case TriStateNotQualified:
		return []byte("false"), nil
	default:
		return jsonNull, nil
	}
}

// UnmarshalJSON decodes null/true/false into the tri-state.
func (t *TriState) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, jsonNull) {
		*t = TriStateUnknown
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	if b {
		*t = TriStateQualified
	} else {
		*t = TriStateNotQualified
	}
	return nil
}

// Question keys for FlowContext.Responses, in funnel order.
const (
	ResponseKeyFirstInteraction  = "primeira_interacao"
	ResponseKeyPatrimonyRange    = "patrimonio_faixa"
	ResponseKeyInvestmentPlaces  = "onde_investe"
	ResponseKeySupportEvaluation = "avaliacao_suporte"
	ResponseKeyObjective         = "objetivo"
	ResponseKeyTimeframe         = "prazo"
	// ResponseKeySchedule is only present in qualification notes, never in
	// the context response map.
	ResponseKeySchedule = "preferencia_agenda"
)

// ResponseKeys lists the context question keys in the order the funnel
// collects them.
var ResponseKeys = []string{
	ResponseKeyFirstInteraction,
	ResponseKeyPatrimonyRange,
	ResponseKeyInvestmentPlaces,
	ResponseKeySupportEvaluation,
	ResponseKeyObjective,
	ResponseKeyTimeframe,
}

// DefaultFirstName is the greeting fallback when the lead's name is unknown.
const DefaultFirstName = "tudo bem"

// FlowContext carries the mutable conversation state of one session.
// It is owned by its session and serialized into Session.Contexto.
type FlowContext struct {
	FirstName         string            `json:"first_name"`
	Responses         map[string]string `json:"responses"`
	LeadID            string            `json:"lead_id,omitempty"`
	Qualified         TriState          `json:"qualified"`
	MeetingPreference string            `json:"meeting_preference,omitempty"`
	Canal             string            `json:"canal,omitempty"`
	Telefone          string            `json:"telefone,omitempty"`
}

// SetResponse records a free-text answer under a question key. Keys are added
// monotonically; re-answering overwrites but never removes.
func (c *FlowContext) SetResponse(key, value string) {
	if c.Responses == nil {
		c.Responses = make(map[string]string)
	}
	c.Responses[key] = value
}

// Response returns the stored answer for a question key, or "".
func (c *FlowContext) Response(key string) string {
	return c.Responses[key]
}

// SnapshotResponses returns a copy of the collected answers for use as
// persisted notes.
func (c *FlowContext) SnapshotResponses() map[string]string {
	notes := make(map[string]string, len(c.Responses))
	for k, v := range c.Responses {
		notes[k] = v
	}
	return notes
}

// FlowResult is the outcome of one flow engine step.
type FlowResult struct {
	// Reply is the raw reply text; empty means no reply should be sent.
	Reply string
	// NextState is the state the session must transition to.
	NextState FlowState
	// Context is the mutated context, to be re-serialized by the caller.
	Context *FlowContext
	// LeadStatus tags the lead when the step decided an outcome; empty
	// when the lead status is unchanged.
	LeadStatus LeadStatus
	// Notes is a snapshot of the collected responses to persist on the
	// qualification record; nil when nothing new was decided.
	Notes map[string]string
	// FinalizeSession indicates the session must be deactivated.
	FinalizeSession bool
}
