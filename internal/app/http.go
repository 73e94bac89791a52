package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"suggestions/engine/internal/auth"
	"suggestions/engine/internal/collab"
	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/search"
	"suggestions/engine/internal/store"
	"suggestions/engine/internal/suggestion"
	"suggestions/engine/internal/viewmodel"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"decisionLog": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["decisionLog"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.URL.Path == "/api/session" {
		s.handleSession(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	r = r.WithContext(WithSession(r.Context(), session))

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "managers":
		s.handleManagers(w, r, parts)
		return
	case "notebook":
		s.handleNotebook(w, r, parts)
		return
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSearch(w, r)
			return
		}
	case "decisions":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleDecisions(w, r)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			APIKey   string `json:"apiKey"`
			Username string `json:"username"`
			Name     string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.APIKey, body.Username, body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"username":  session.UserName,
			"name":      session.Name,
			"expiresAt": session.ExpiresAt.Unix(),
		})
	case http.MethodGet:
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "username": session.UserName, "name": session.Name})
	case http.MethodDelete:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.Logout(r.Context(), session); err != nil {
			log.Printf("app: revoke session %s: %v", session.JTI, err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleManagers(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.service.Managers())
		return
	}
	if len(parts) == 3 && parts[2] == "active" && r.Method == http.MethodPut {
		var body struct {
			ID string `json:"id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.ActivateManager(body.ID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleNotebook serves /api/notebook/... for the notebook named by ?path=.
func (s *HTTPServer) handleNotebook(w http.ResponseWriter, r *http.Request, parts []string) {
	path := r.URL.Query().Get("path")
	ctx := r.Context()

	if len(parts) == 2 && r.Method == http.MethodDelete {
		if err := s.service.CloseNotebook(path); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 3 && parts[2] == "cells" && r.Method == http.MethodGet {
		cells, err := s.service.Cells(ctx, path)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cells": cells})
		return
	}

	if len(parts) == 3 && parts[2] == "active-cell" {
		switch r.Method {
		case http.MethodGet:
			cellID, err := s.service.ActiveCell(ctx, path)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"cellId": cellID})
			return
		case http.MethodPut:
			var body struct {
				CellID string `json:"cellId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.SetActiveCell(ctx, path, body.CellID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"cellId": body.CellID})
			return
		}
	}

	if len(parts) == 3 && parts[2] == "history" && r.Method == http.MethodGet {
		commits, err := s.service.History(ctx, path, queryInt(r, "limit", 50))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
		return
	}

	if len(parts) >= 3 && parts[2] == "suggestions" {
		s.handleSuggestions(w, r, path, parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request, path string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 && r.Method == http.MethodGet {
		views, err := s.service.ListSuggestions(ctx, path)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": views})
		return
	}

	if len(parts) == 0 && r.Method == http.MethodPost {
		var body struct {
			CellID string `json:"cellId"`
			Kind   string `json:"kind"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.AddSuggestion(ctx, path, strings.TrimSpace(body.CellID), suggestion.Kind(body.Kind))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"suggestion": view})
		return
	}

	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	cellID, suggestionID := parts[0], parts[1]

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetSuggestion(ctx, path, cellID, suggestionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"suggestion": view})
			return
		case http.MethodPut:
			var body struct {
				Source *string `json:"source"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if body.Source == nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "source is required", nil)
				return
			}
			view, err := s.service.UpdateSuggestion(ctx, path, cellID, suggestionID, *body.Source)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"suggestion": view})
			return
		case http.MethodDelete:
			if err := s.service.DeleteSuggestion(ctx, path, cellID, suggestionID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if len(parts) == 3 && parts[2] == "accept" && r.Method == http.MethodPost {
		accepted, err := s.service.AcceptSuggestion(ctx, path, cellID, suggestionID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	filterType := search.ResultType(strings.TrimSpace(query.Get("type")))
	switch filterType {
	case "", search.ResultSuggestion, search.ResultDecision:
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be suggestion or decision", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(search.Query{
		Text:       text,
		FilterType: filterType,
		FilterPath: strings.TrimSpace(query.Get("path")),
		FilterKind: strings.TrimSpace(query.Get("kind")),
		Limit:      queryInt(r, "limit", 20),
		Offset:     queryInt(r, "offset", 0),
	}))
}

func (s *HTTPServer) handleDecisions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	view, err := s.service.Decisions(r.Context(), store.DecisionFilter{
		Path:    strings.TrimSpace(query.Get("path")),
		CellID:  strings.TrimSpace(query.Get("cellId")),
		Outcome: strings.ToUpper(strings.TrimSpace(query.Get("outcome"))),
		Author:  strings.TrimSpace(query.Get("author")),
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrWrongScope) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","notebook":%q,"status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			r.URL.Query().Get("path"),
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, collab.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, viewmodel.ErrNotBound):
		return http.StatusConflict, "NO_ACTIVE_MANAGER", "No suggestion manager is active", nil
	case errors.Is(err, suggestion.ErrInvalid):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, suggestion.ErrMergeRejected):
		return http.StatusConflict, "MERGE_REJECTED", "The fork could not be merged", nil
	case errors.Is(err, suggestion.ErrSyncTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "SYNC_TIMEOUT", "Timed out waiting for the collaboration service", nil
	case errors.Is(err, suggestion.ErrDisposed), errors.Is(err, notebook.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Notebook or manager is shutting down", nil
	case errors.Is(err, suggestion.ErrBackend):
		return http.StatusBadGateway, "BACKEND_ERROR", "Suggestion backend failure", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
