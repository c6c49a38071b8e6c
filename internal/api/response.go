package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
)

// internalErrorBody is sent when a response cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("api: cannot encode static response: " + err.Error())
	}
	return data
}

// writeJSONResponse encodes response before touching the header so an
// encoding failure still produces a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("api.writeJSONResponse: encode failed", "status", statusCode, "error", err)
		body, statusCode = internalErrorBody, http.StatusInternalServerError
	}
	writeRawJSON(w, statusCode, body)
}

// writeRawJSON writes an already encoded body, such as a replayed turn.
func writeRawJSON(w http.ResponseWriter, statusCode int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Warn("api.writeRawJSON: write failed", "status", statusCode, "error", err)
	}
}
