package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"konchat/backend/internal/credits"
	"konchat/backend/internal/message"
	"konchat/backend/internal/turn"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
)

type turnRequest struct {
	Messages             []message.Message `json:"messages"`
	ModelID              string            `json:"modelId"`
	CapabilityID         string            `json:"capabilityId"`
	UseProviderGrounding bool              `json:"useProviderGrounding"`
}

type doneFrame struct {
	Type       string            `json:"type"`
	ResponseID string            `json:"responseId"`
	Outcome    turn.Outcome      `json:"outcome"`
	Messages   []message.Message `json:"messages"`
	Balance    credits.Balance   `json:"balance"`
}

// StreamTurn runs one chat turn. Refusals are plain text; once streaming
// starts, everything is an SSE frame.
func (h Handler) StreamTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeLenient(r, &req); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	model := req.ModelID
	if model == "" {
		model = h.cfg.DefaultModel
	}
	token, _ := readSessionCookie(r, h.cfg.SessionCookieName)

	t, err := h.engine.Prepare(r.Context(), turn.Request{
		Token:                token,
		ChatID:               chi.URLParam(r, "chatID"),
		Messages:             req.Messages,
		Model:                model,
		Capability:           req.CapabilityID,
		UseProviderGrounding: req.UseProviderGrounding,
	})
	if err != nil {
		h.refuseTurn(w, err)
		return
	}
	h.applyCookie(w, t.Authorization().Cookie)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeText(w, http.StatusInternalServerError, "Streaming is not supported.")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Response-Id", t.ResponseID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	result, err := t.Run(r.Context(), sink)
	if err != nil {
		h.log.Error("turn failed", "error", err, "response_id", t.ResponseID())
		_ = sink.frame("error", map[string]string{"type": "error", "message": "The response could not be saved."})
		return
	}

	msgs := result.Messages
	if msgs == nil {
		msgs = []message.Message{}
	}
	_ = sink.frame("done", doneFrame{
		Type:       "done",
		ResponseID: result.ResponseID,
		Outcome:    result.Outcome,
		Messages:   msgs,
		Balance:    result.Balance,
	})
}

func (h Handler) refuseTurn(w http.ResponseWriter, err error) {
	var authErr *credits.AuthorizationError
	if errors.As(err, &authErr) {
		h.applyCookie(w, authErr.Cookie)
		writeText(w, authorizationStatus(authErr.Err), refusalMessage(authErr.Err))
		return
	}
	switch {
	case errors.Is(err, turn.ErrInvalidRequest):
		writeText(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, turn.ErrForbidden):
		writeText(w, http.StatusForbidden, "You do not have access to this chat.")
	default:
		h.log.Error("prepare turn failed", "error", err)
		writeText(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
	}
}

func authorizationStatus(err error) int {
	switch {
	case errors.Is(err, credits.ErrLoginRequired), errors.Is(err, credits.ErrInvalidSession):
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func refusalMessage(err error) string {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredit):
		return "You have reached your limit. Please upgrade your plan or buy more credits."
	case errors.Is(err, credits.ErrPlanRestricted):
		return "Your plan does not permit this model or attachment."
	case errors.Is(err, credits.ErrLoginRequired):
		return "You must be logged in to use this feature."
	case errors.Is(err, credits.ErrInvalidSession):
		return "Your session has expired. Please log in again."
	case errors.Is(err, credits.ErrRateLimited):
		return "You have been rate limited. Please log in to continue."
	default:
		return err.Error()
	}
}

// sseSink writes generation events to the client as they arrive. Write
// errors mean the client went away.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(ev turn.Event) error {
	return s.frame("message", ev)
}

func (s *sseSink) frame(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
