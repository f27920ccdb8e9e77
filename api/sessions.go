package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PipeOpsHQ/pai-observability/observe"
	"github.com/PipeOpsHQ/pai-observability/observe/store"
)

type sessionDetail struct {
	store.Session
	Events []observe.Event `json:"events"`
}

type completeRequest struct {
	Status store.SessionStatus `json:"status"`
}

type ratingRequest struct {
	Score *float64 `json:"score"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	query := store.SessionQuery{
		Limit:  parseInt(q.Get("limit"), store.DefaultLimit),
		Offset: parseInt(q.Get("offset"), 0),
	}
	// Unknown statuses are ignored rather than matching nothing.
	if status := store.SessionStatus(strings.TrimSpace(q.Get("status"))); status.Valid() {
		query.Status = status
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleSessionSubresources(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	if !s.requireStore(w) {
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleSessionDetail(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	switch parts[1] {
	case "complete":
		var req completeRequest
		if err := decodeOptional(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.cfg.Store.CompleteSession(r.Context(), id, req.Status); err != nil {
			s.fail(w, r, err)
			return
		}
	case "rating":
		var req ratingRequest
		if err := decodeOptional(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Score == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("score is required"))
			return
		}
		if err := s.cfg.Store.RecordRating(r.Context(), id, *req.Score); err != nil {
			s.fail(w, r, err)
			return
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	session, err := s.cfg.Store.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request, id string) {
	session, err := s.cfg.Store.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.cfg.Store.QueryEvents(r.Context(), store.EventQuery{SessionID: id, Limit: sessionEventLimit})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []observe.Event{}
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: session, Events: events})
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst as is.
func decodeOptional(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
