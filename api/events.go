package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/PipeOpsHQ/pai-observability/observe"
	"github.com/PipeOpsHQ/pai-observability/observe/store"
)

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !s.requireStore(w) {
		return
	}
	var event observe.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&event); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("event payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event payload: %w", err))
		return
	}
	event.Normalize()
	if err := s.ingest(r.Context(), event); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "id": event.ID})
}

// ingest stores the event, then fans it out. A failed insert publishes
// nothing.
func (s *Server) ingest(ctx context.Context, event observe.Event) error {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	if err := s.cfg.Store.InsertEvent(ctx, event); err != nil {
		return err
	}
	if err := s.cfg.Broadcaster.Publish(event); err != nil {
		s.logger.Warn("broadcast failed", "event_id", event.ID, "error", err)
	}
	if s.mirror != nil {
		_ = s.mirror.Emit(context.WithoutCancel(ctx), event)
	}
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	query := store.EventQuery{
		Type:      strings.TrimSpace(q.Get("type")),
		SessionID: strings.TrimSpace(q.Get("session_id")),
		Limit:     parseInt(q.Get("limit"), store.DefaultLimit),
		Offset:    parseInt(q.Get("offset"), 0),
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		from, err := observe.ParseBound(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
		query.From = from
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		to, err := observe.ParseBound(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
			return
		}
		query.To = to
	}
	events, err := s.cfg.Store.QueryEvents(r.Context(), query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []observe.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEventSubresources(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/events/"))
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	if parts[0] == "stream" {
		s.handleSSE(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !s.requireStore(w) {
		return
	}
	event, err := s.cfg.Store.GetEvent(r.Context(), parts[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.cfg.Broadcaster.Subscribe()
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
