package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/delivery"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/flow"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/messaging"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/metrics"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/qualification"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/testutil"
)

const testPhone = "+5511987654321"

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *messaging.MockService, *metrics.Registry) {
	t.Helper()
	st := store.NewInMemoryStore()
	transport := messaging.NewMockService()
	reg := metrics.NewRegistry()
	pipeline := delivery.NewPipeline(transport, st, reg)
	orch := qualification.NewOrchestrator(st, flow.NewEngine(), pipeline, reg)
	return NewServer(orch, st, reg), st, transport, reg
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func webhookBody(id, from, text string) string {
	return fmt.Sprintf(`{"event":"message","payload":{"id":%q,"from":%q,"body":%q,"pushName":"Maria"}}`, id, from, text)
}

func TestWebhook_ProcessesInboundMessage(t *testing.T) {
	s, st, transport, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/webhook/whatsapp", webhookBody("wamid-1", testPhone, "olá, quero saber mais"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "webhook")
	testutil.AssertJSONResponse(t, rec, string(models.APIStatusOK))

	// An unknown sender is created as a lead and self-healed into a session.
	lead, err := st.GetLeadByPhone(testPhone)
	if err != nil {
		t.Fatalf("lead was not created: %v", err)
	}
	if lead.Nome != "Maria" {
		t.Errorf("lead name = %q, want pushName", lead.Nome)
	}
	if session, _ := st.GetActiveSession(lead.ID); session == nil {
		t.Error("expected an active session for the new lead")
	}
	if len(transport.Sent()) == 0 {
		t.Error("expected at least one outbound message")
	}
}

func TestWebhook_DuplicateDeliveryIgnored(t *testing.T) {
	s, _, transport, reg := newTestServer(t)

	first := doRequest(t, s, http.MethodPost, "/webhook/whatsapp", webhookBody("wamid-7", testPhone, "oi"))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery failed: %d", first.Code)
	}
	sentAfterFirst := len(transport.Sent())

	second := doRequest(t, s, http.MethodPost, "/webhook/whatsapp", webhookBody("wamid-7", testPhone, "oi"))
	testutil.AssertJSONResponse(t, second, string(models.APIStatusIgnored))
	if len(transport.Sent()) != sentAfterFirst {
		t.Error("redelivery must not send anything")
	}
	if reg.Get(metrics.CounterWebhookDuplicates) != 1 {
		t.Error("webhook duplicate metric not recorded")
	}
}

func TestWebhook_IgnoresOwnAndNonMessageEvents(t *testing.T) {
	s, _, transport, _ := newTestServer(t)

	own := doRequest(t, s, http.MethodPost, "/webhook/whatsapp",
		fmt.Sprintf(`{"event":"message","payload":{"id":"x","from":%q,"body":"oi","fromMe":true}}`, testPhone))
	testutil.AssertJSONResponse(t, own, string(models.APIStatusIgnored))

	ack := doRequest(t, s, http.MethodPost, "/webhook/whatsapp", `{"event":"message.ack","payload":{}}`)
	testutil.AssertJSONResponse(t, ack, string(models.APIStatusIgnored))

	if len(transport.Sent()) != 0 {
		t.Error("ignored events must not send anything")
	}
}

func TestWebhook_RejectsMalformedPayloads(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"missing from", `{"event":"message","payload":{"body":"oi"}}`},
		{"missing body", fmt.Sprintf(`{"event":"message","payload":{"from":%q}}`, testPhone)},
		{"invalid phone", `{"event":"message","payload":{"from":"abc","body":"oi"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/webhook/whatsapp", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
			}
		})
	}

	if rec := doRequest(t, s, http.MethodGet, "/webhook/whatsapp", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET should be rejected, got %d", rec.Code)
	}
}

func TestStartEndpoint(t *testing.T) {
	s, st, transport, _ := newTestServer(t)
	lead := testutil.SeedLead(t, st, "Pedro", testPhone, "youtube")

	rec := doRequest(t, s, http.MethodPost, "/leads/"+lead.ID+"/start", "")
	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "start")
	testutil.AssertJSONResponse(t, rec, string(models.APIStatusOK))
	if len(transport.Sent()) != 1 {
		t.Fatalf("expected 1 opening send, got %d", len(transport.Sent()))
	}
	if !strings.Contains(transport.Sent()[0].Body, "YouTube") {
		t.Errorf("youtube channel template expected, got %q", transport.Sent()[0].Body)
	}

	// Redelivered trigger is a no-op against the active session.
	again := doRequest(t, s, http.MethodPost, "/leads/"+lead.ID+"/start", "")
	if again.Code != http.StatusOK {
		t.Fatalf("second start status = %d", again.Code)
	}
	if len(transport.Sent()) != 1 {
		t.Error("second start must not send another opening")
	}

	if rec := doRequest(t, s, http.MethodPost, "/leads/missing/start", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown lead should 404, got %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodPost, "/leads/"+lead.ID+"/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown action should 404, got %d", rec.Code)
	}
}

func TestHealthAndStats(t *testing.T) {
	s, _, _, reg := newTestServer(t)
	reg.Inc(metrics.CounterMessagesSent)

	health := doRequest(t, s, http.MethodGet, "/health", "")
	if health.Code != http.StatusOK {
		t.Fatalf("health status = %d", health.Code)
	}

	stats := doRequest(t, s, http.MethodGet, "/stats", "")
	if stats.Code != http.StatusOK {
		t.Fatalf("stats status = %d", stats.Code)
	}
	resp := decodeResponse(t, stats)
	counters, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("stats result should be a counter map, got %T", resp.Result)
	}
	if counters[metrics.CounterMessagesSent] != float64(1) {
		t.Errorf("stats should report the incremented counter, got %v", counters)
	}
}
