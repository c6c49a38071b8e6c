// Package testutil provides common test utilities and helpers for dialog core tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/store"
)

// ErrScriptExhausted is returned by ScriptedCompleter once its replies run out.
var ErrScriptExhausted = errors.New("scripted completer: no reply left")

// ScriptedCompleter is a generative-service stand-in that answers calls with
// Replies in order. An empty reply is returned as an error.
type ScriptedCompleter struct {
	mu      sync.Mutex
	Replies []string
	Models  []string // model requested by each call
}

// Complete implements llm.Completer.
func (c *ScriptedCompleter) Complete(ctx context.Context, model string, temperature float64, messages []models.ChatMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.Models)
	c.Models = append(c.Models, model)
	if i >= len(c.Replies) {
		return "", ErrScriptExhausted
	}
	if c.Replies[i] == "" {
		return "", errors.New("scripted completer: simulated failure")
	}
	return c.Replies[i], nil
}

// Calls returns how many completions were requested.
func (c *ScriptedCompleter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Models)
}

// SeedSession stores a session at the given turn index and returns it.
func SeedSession(t *testing.T, repo store.SessionRepo, id string, turnIndex int) models.Session {
	t.Helper()
	state := models.NewDialogState()
	state.TurnIndex = turnIndex
	state.TrainingType = "semantic_naming"
	now := time.Now()
	sess := models.Session{ID: id, State: state, CreatedAt: now, UpdatedAt: now}
	if err := repo.CreateSession(sess); err != nil {
		t.Fatalf("failed to seed session %s: %v", id, err)
	}
	return sess
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
