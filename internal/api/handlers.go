package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/store"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "simbwatta"}))
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.CreateSessionRequest
	// An empty body opens a session with defaults.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	sess, err := s.service.CreateSession(r.Context(), req)
	if err != nil {
		slog.Error("Server.createSessionHandler: create failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create session"))
		return
	}
	slog.Info("Server.createSessionHandler: session created", "sessionID", sess.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session created", map[string]interface{}{
		"session_id": sess.ID,
		"state":      sess.State,
	}))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.service.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.getSessionHandler: load failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) processTurnHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	sessionID := chi.URLParam(r, "sessionID")

	var req models.TurnAPIRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.processTurnHandler: failed to decode JSON", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	tracked := false
	if req.RequestID != "" && s.dedup != nil {
		first, err := s.dedup.RecordInbound(req.RequestID, sessionID)
		if err != nil {
			slog.Error("Server.processTurnHandler: dedup record failed", "error", err, "requestID", req.RequestID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record request"))
			return
		}
		if !first {
			s.replayTurn(w, req.RequestID, sessionID)
			return
		}
		tracked = true
	}

	result, err := s.service.ProcessTurn(r.Context(), sessionID, req)
	if err != nil {
		if tracked {
			if ferr := s.dedup.ForgetInbound(req.RequestID); ferr != nil {
				slog.Error("Server.processTurnHandler: forget request failed", "error", ferr, "requestID", req.RequestID)
			}
		}
		status, msg := turnErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("Server.processTurnHandler: turn failed", "error", err, "sessionID", sessionID)
		}
		writeJSONResponse(w, status, models.Error(msg))
		return
	}

	response := models.Success(result)
	if tracked {
		payload, err := json.Marshal(response)
		if err == nil {
			err = s.dedup.MarkProcessed(req.RequestID, string(payload))
		}
		if err != nil {
			slog.Error("Server.processTurnHandler: storing response failed", "error", err, "requestID", req.RequestID)
		}
	}
	writeJSONResponse(w, http.StatusOK, response)
}

// replayTurn answers a repeated request_id from the stored response.
func (s *Server) replayTurn(w http.ResponseWriter, requestID, sessionID string) {
	rec, err := s.dedup.GetInbound(requestID)
	if err != nil {
		slog.Error("Server.replayTurn: dedup lookup failed", "error", err, "requestID", requestID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load request"))
		return
	}
	if rec.SessionID != sessionID {
		writeJSONResponse(w, http.StatusConflict, models.Error("request_id already used for another session"))
		return
	}
	if !rec.Processed() {
		writeJSONResponse(w, http.StatusConflict, models.Error("Request is still being processed"))
		return
	}
	slog.Info("Server.replayTurn: returning stored response", "requestID", requestID, "sessionID", sessionID)
	writeRawJSON(w, http.StatusOK, []byte(rec.ResponseJSON))
}

func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, models.ErrUserTextTooLong), errors.Is(err, models.ErrTooManyMessages):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "Failed to process turn"
}
