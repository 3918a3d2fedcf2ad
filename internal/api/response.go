package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

// fallbackErrorBody is served when marshaling a response fails at runtime.
// Pre-marshaled at startup so the error path cannot fail again.
var fallbackErrorBody []byte

func init() {
	body, err := json.Marshal(models.Error("internal server error"))
	if err != nil {
		panic(fmt.Sprintf("cannot marshal fallback error body: %v", err))
	}
	fallbackErrorBody = body
}

// writeJSON marshals the response before touching headers so an encoding
// failure can still be reported with a 500.
func writeJSON(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server failed to marshal response", "error", err)
		body = fallbackErrorBody
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server failed to write response", "error", err)
	}
}
