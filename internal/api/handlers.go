package api

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mailagent/internal/agent"
	"mailagent/internal/domain"
	"mailagent/internal/storage"
	"mailagent/internal/telemetry"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	resp, err := s.cfg.Chat.Chat(ctx, UserFrom(ctx), req.Message, req.ConversationID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "request timed out")
			return
		}
		// client went away
		telemetry.Logger(ctx).Info("chat cancelled", "error", err)
		return
	}
	status := http.StatusOK
	if resp.Error == agent.CodeInvalidMessage {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

type conversationView struct {
	ID        string        `json:"conversation_id"`
	Title     string        `json:"title"`
	Turns     []domain.Turn `json:"turns"`
	TurnCount int           `json:"turn_count"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func viewOf(c domain.Conversation) conversationView {
	turns := c.Turns
	if turns == nil {
		turns = []domain.Turn{}
	}
	return conversationView{
		ID:        c.ID,
		Title:     c.Title,
		Turns:     turns,
		TurnCount: len(c.Turns),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	convs, err := s.cfg.Chat.ListConversations(r.Context(), UserFrom(r.Context()), limit)
	if err != nil {
		telemetry.Logger(r.Context()).Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	out := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, viewOf(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.cfg.Chat.GetConversation(r.Context(), r.PathValue("id"), UserFrom(r.Context()))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		telemetry.Logger(r.Context()).Error("get conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*conv))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Chat.DeleteConversation(r.Context(), r.PathValue("id"), UserFrom(r.Context()))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		telemetry.Logger(r.Context()).Error("delete conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	url, state := s.cfg.Accounts.Authorize(r.Context(), UserFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": url, "state": state})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}
	userID, err := s.cfg.Accounts.ResolveState(state)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}
	if _, err := s.cfg.Accounts.CompleteAuthorization(r.Context(), userID, code); err != nil {
		telemetry.Logger(r.Context()).Error("authorization failed", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, "could not complete authorization")
		return
	}
	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html><body><p>Gmail connected for "+html.EscapeString(userID)+". You can close this window.</p></body></html>")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func wantsHTML(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Accept"), "text/html")
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Accounts.Revoke(r.Context(), UserFrom(r.Context())); err != nil {
		telemetry.Logger(r.Context()).Error("revoke failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not revoke access")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type statusView struct {
	Connected bool       `json:"connected"`
	State     string     `json:"state"`
	Scopes    []string   `json:"scopes,omitempty"`
	Expiry    *time.Time `json:"expiry,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cred, err := s.cfg.Accounts.Status(r.Context(), UserFrom(r.Context()))
	if err != nil {
		telemetry.Logger(r.Context()).Error("status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read connection status")
		return
	}
	v := statusView{Connected: cred.Connected(), State: string(cred.State), Scopes: cred.Scopes}
	if !cred.Expiry.IsZero() {
		exp := cred.Expiry
		v.Expiry = &exp
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	used, d, err := s.cfg.Usage.Usage(r.Context(), UserFrom(r.Context()))
	if err != nil {
		telemetry.Logger(r.Context()).Warn("usage read failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "rate limit store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"used":          used,
		"limit":         s.cfg.Usage.Limit(),
		"remaining":     d.Remaining,
		"reset_seconds": d.ResetSeconds,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
