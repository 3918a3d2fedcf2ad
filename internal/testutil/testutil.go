// Package testutil provides common test helpers for the qualification engine tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response envelope and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != expectedStatus {
		t.Errorf("expected status %q, got %q (message: %q)", expectedStatus, response.Status, response.Message)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}
	return httptest.NewRequest(method, url, reqBody)
}

// SeedLead inserts a lead record and fails the test on error.
func SeedLead(t *testing.T, st store.Store, nome, telefone, canal string) *models.Lead {
	t.Helper()
	lead := &models.Lead{Nome: nome, Telefone: telefone, Canal: canal}
	if err := st.CreateLead(lead); err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	return lead
}

// MustMarshalJSON marshals a value to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
