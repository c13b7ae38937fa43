package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/chat-relay/session"
	"github.com/onnwee/chat-relay/youtubeapi"
)

type startSessionRequest struct {
	Owner   string `json:"owner"`
	VideoID string `json:"video_id"`
}

// HandleSessions handles the /sessions collection: GET lists current
// sessions, POST starts a new one.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.registry.ListAll())
	case http.MethodPost:
		h.handleSessionStart(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Owner = strings.TrimSpace(req.Owner)
	req.VideoID = strings.TrimSpace(req.VideoID)
	if req.Owner == "" || req.VideoID == "" {
		http.Error(w, "owner and video_id are required", http.StatusBadRequest)
		return
	}

	access, refresh, expiry, scope, err := h.tokens.Get(r.Context(), "youtube")
	if err != nil {
		http.Error(w, "token lookup failed", http.StatusInternalServerError)
		return
	}
	if access == "" && refresh == "" {
		http.Error(w, "no youtube credentials stored; complete /auth/youtube/start first", http.StatusServiceUnavailable)
		return
	}
	creds := youtubeapi.Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       expiry,
		Scopes:       strings.Fields(scope),
	}

	err = h.registry.StartSession(req.Owner, req.VideoID, creds, func(e session.Entry) {
		h.broadcast.Publish(e)
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrAlreadyActive):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, session.ErrCapacity):
		w.Header().Set("Retry-After", "30")
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case errors.Is(err, session.ErrBroadcastNotLive):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, youtubeapi.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	case errors.Is(err, youtubeapi.ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	stats, _ := h.registry.GetStats(req.Owner)
	writeJSON(w, http.StatusCreated, stats)
}

// HandleSessionsDispatcher routes requests under /sessions/{owner}/* to
// appropriate sub-handlers.
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	owner := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case owner == "":
		http.NotFound(w, r)
	case tail == "":
		h.handleSessionDetail(w, r, owner)
	case tail == "stream":
		h.handleEntryStream(w, r, owner)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleSessionDetail(w http.ResponseWriter, r *http.Request, owner string) {
	switch r.Method {
	case http.MethodGet:
		stats, ok := h.registry.GetStats(owner)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case http.MethodDelete:
		// Idempotent; stopping an unknown owner is a no-op.
		h.registry.StopSession(owner)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
