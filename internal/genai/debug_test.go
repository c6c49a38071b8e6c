package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func readDebugEntries(t *testing.T, stateDir string) []map[string]any {
	t.Helper()
	files, err := os.ReadDir(filepath.Join(stateDir, "debug"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read debug dir: %v", err)
	}
	var entries []map[string]any
	for _, f := range files {
		raw, err := os.ReadFile(filepath.Join(stateDir, "debug", f.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", f.Name(), err)
		}
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			t.Fatalf("decode %s: %v", f.Name(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestDebugLogging(t *testing.T) {
	tests := []struct {
		name      string
		debug     bool
		callErr   error
		wantFiles int
		wantError bool
	}{
		{name: "disabled", debug: false, wantFiles: 0},
		{name: "success", debug: true, wantFiles: 1},
		{name: "api error", debug: true, callErr: errors.New("rate limited"), wantFiles: 1, wantError: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stateDir := t.TempDir()
			client := &Client{
				chat:        &mockChatService{resp: completion("그러셨군요."), err: tc.callErr},
				model:       "debug-model",
				temperature: 0.4,
				debugMode:   tc.debug,
				stateDir:    stateDir,
			}
			_, _ = client.Complete(context.Background(), "override-model", 0.2, transcript)

			entries := readDebugEntries(t, stateDir)
			if len(entries) != tc.wantFiles {
				t.Fatalf("got %d debug files, want %d", len(entries), tc.wantFiles)
			}
			if tc.wantFiles == 0 {
				return
			}
			entry := entries[0]
			for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
				if _, ok := entry[field]; !ok {
					t.Errorf("debug entry missing %q", field)
				}
			}
			if entry["method"] != "Complete" || entry["model"] != "override-model" {
				t.Errorf("method/model = %v/%v", entry["method"], entry["model"])
			}
			if _, hasErr := entry["error"]; hasErr != tc.wantError {
				t.Errorf("error field present = %v, want %v", hasErr, tc.wantError)
			}
		})
	}
}
