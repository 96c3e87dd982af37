package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/cpf-advisor/internal/advisor"
	"github.com/ashureev/cpf-advisor/internal/domain"
)

type messageResponse struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

type sessionResponse struct {
	SessionID string              `json:"session_id"`
	Page      domain.Page         `json:"page"`
	Profile   *domain.UserProfile `json:"profile"`
	Messages  []messageResponse   `json:"messages"`
	Notice    *domain.Notice      `json:"notice,omitempty"`
}

type chatRequest struct {
	Message string `json:"message"`
}

// Session handles GET /api/session.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelAPI)
	st, notice, err := h.svc.View(r.Context(), ref)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "user_id", ref.UserID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	resp := sessionResponse{
		SessionID: ref.SessionID,
		Page:      st.Page,
		Profile:   st.Profile,
		Messages:  make([]messageResponse, 0, len(st.Transcript)),
	}
	for _, m := range st.Transcript {
		resp.Messages = append(resp.Messages, messageResponse{Role: m.Role, Content: m.Text()})
	}
	if !notice.IsZero() {
		resp.Notice = &notice
	}
	JSON(w, http.StatusOK, resp)
}

// APIChat handles POST /api/chat.
func (h *Handler) APIChat(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelAPI)
	if !h.gate.Authorized(r, ref.UserID) {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.svc.Ask(r.Context(), ref, req.Message)
	if err != nil {
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Chat request failed", "error", err, "user_id", ref.UserID, "session_id", ref.SessionID)
		}
		Error(w, status, msg)
		return
	}

	JSON(w, http.StatusOK, messageResponse{Role: reply.Role, Content: reply.Content})
}
