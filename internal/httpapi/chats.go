package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"konchat/backend/internal/history"
	"konchat/backend/internal/message"

	"github.com/go-chi/chi/v5"
)

func (h Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	user, _ := sessionUserFromContext(r.Context())

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	chats, err := h.chats.ListChats(r.Context(), user.ID, limit)
	if err != nil {
		h.log.Error("list chats failed", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to list chats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// GetChat serves owners and, for public chats, anyone.
func (h Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	viewerID := ""
	if user, ok := h.resolveUser(w, r); ok {
		viewerID = user.ID
	}

	chat, msgs, err := h.chats.GetChat(r.Context(), chi.URLParam(r, "chatID"), viewerID)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "chat not found")
		return
	}
	if err != nil {
		h.log.Error("get chat failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load chat")
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": chat, "messages": msgs})
}

func (h Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	user, _ := sessionUserFromContext(r.Context())

	err := h.chats.DeleteChat(r.Context(), chi.URLParam(r, "chatID"), user.ID)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "chat not found")
		return
	}
	if err != nil {
		h.log.Error("delete chat failed", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type visibilityRequest struct {
	Visibility string `json:"visibility"`
}

func (h Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	user, _ := sessionUserFromContext(r.Context())

	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := h.chats.SetVisibility(r.Context(), chi.URLParam(r, "chatID"), user.ID, strings.TrimSpace(req.Visibility))
	switch {
	case errors.Is(err, history.ErrInvalidVisibility):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "chat not found")
	case err != nil:
		h.log.Error("set visibility failed", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to update chat")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
