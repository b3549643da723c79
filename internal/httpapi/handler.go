package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"konchat/backend/internal/auth"
	"konchat/backend/internal/config"
	"konchat/backend/internal/credits"
	"konchat/backend/internal/history"
	"konchat/backend/internal/logger"
	"konchat/backend/internal/session"
	"konchat/backend/internal/turn"
)

type Handler struct {
	cfg      config.Config
	sessions session.Store
	chats    history.Store
	ledger   *credits.Ledger
	engine   *turn.Engine
	verifier auth.Verifier
	log      *logger.Logger
}

func NewHandler(cfg config.Config, sessions session.Store, chats history.Store, ledger *credits.Ledger, engine *turn.Engine, verifier auth.Verifier, log *logger.Logger) Handler {
	if log == nil {
		log = logger.Nop()
	}
	return Handler{
		cfg:      cfg,
		sessions: sessions,
		chats:    chats,
		ledger:   ledger,
		engine:   engine,
		verifier: verifier,
		log:      log.With("component", "httpapi"),
	}
}

type contextKey string

const sessionUserContextKey contextKey = "session_user"

func (h Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authGoogleRequest struct {
	IDToken string `json:"idToken"`
}

func (h Handler) AuthGoogle(w http.ResponseWriter, r *http.Request) {
	var req authGoogleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	identity, err := h.identityFromRequest(r.Context(), r, req.IDToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_google_token", err.Error())
		return
	}

	user, err := h.sessions.UpsertUser(r.Context(), identity.GoogleSubject, identity.Email, identity.Name, identity.AvatarURL, h.cfg.SignupCredits)
	if err != nil {
		h.log.Error("upsert user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to upsert user")
		return
	}

	token, sess, err := h.sessions.CreateSession(r.Context(), user.ID, h.cfg.SessionTTL)
	if err != nil {
		h.log.Error("create session failed", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to create session")
		return
	}

	if _, err := h.ledger.SyncFromDurable(r.Context(), user.ID); err != nil {
		h.log.Warn("seed limit cache after login failed", "error", err, "user_id", user.ID)
	}

	h.setSessionCookie(w, token, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) AuthMe(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) AuthLogout(w http.ResponseWriter, r *http.Request) {
	rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
	if err == nil {
		if err := h.ledger.Revoke(r.Context(), rawToken); err != nil {
			h.log.Warn("revoke session failed", "error", err)
		}
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":       credits.Models(),
		"defaultModel": h.cfg.DefaultModel,
	})
}

type creditsResponse struct {
	Plan      credits.Plan    `json:"plan"`
	Anonymous bool            `json:"anonymous"`
	Balance   credits.Balance `json:"balance"`
	Total     int64           `json:"total"`
}

// Credits reports the caller's balance through the same cache-first path
// turns use, so a first-time visitor is issued an anonymous identity here.
func (h Handler) Credits(w http.ResponseWriter, r *http.Request) {
	token, _ := readSessionCookie(r, h.cfg.SessionCookieName)
	resolved, err := h.ledger.Resolve(r.Context(), token)
	if err != nil {
		var authErr *credits.AuthorizationError
		if errors.As(err, &authErr) {
			h.applyCookie(w, authErr.Cookie)
			writeError(w, authorizationStatus(authErr.Err), "unauthorized", authErr.Error())
			return
		}
		h.log.Error("resolve credits failed", "error", err)
		writeError(w, http.StatusInternalServerError, "credits_unavailable", "failed to read credits")
		return
	}

	h.applyCookie(w, resolved.Cookie)
	writeJSON(w, http.StatusOK, creditsResponse{
		Plan:      resolved.Plan,
		Anonymous: resolved.Anonymous,
		Balance:   resolved.Balance,
		Total:     resolved.Balance.Total(),
	})
}

func (h Handler) SyncCredits(w http.ResponseWriter, r *http.Request) {
	user, _ := sessionUserFromContext(r.Context())
	balance, err := h.ledger.SyncFromDurable(r.Context(), user.ID)
	if err != nil {
		h.log.Error("sync credits failed", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "credits_unavailable", "failed to sync credits")
		return
	}
	writeJSON(w, http.StatusOK, creditsResponse{
		Plan:    credits.Plan(user.Plan),
		Balance: balance,
		Total:   balance.Total(),
	})
}

// RequireSession admits only callers with a durable session. Anonymous
// trial identities live in the limit cache alone and are refused here.
func (h Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.resolveUser(w, r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid session")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionUserContextKey, user)))
	})
}

// resolveUser validates the session cookie, refreshing it when the session
// slid forward and clearing it when the session is gone.
func (h Handler) resolveUser(w http.ResponseWriter, r *http.Request) (session.User, bool) {
	rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
	if err != nil || credits.IsAnonymousToken(rawToken) {
		return session.User{}, false
	}

	sess, user, err := h.sessions.ValidateToken(r.Context(), rawToken)
	if errors.Is(err, session.ErrNotFound) {
		h.clearSessionCookie(w)
		return session.User{}, false
	}
	if err != nil {
		h.log.Error("resolve session failed", "error", err)
		return session.User{}, false
	}
	h.setSessionCookie(w, rawToken, sess.ExpiresAt)
	return user, true
}

func (h Handler) identityFromRequest(ctx context.Context, r *http.Request, idToken string) (auth.GoogleIdentity, error) {
	if !h.cfg.InsecureSkipGoogleVerify {
		return h.verifier.Verify(ctx, idToken)
	}

	email := strings.TrimSpace(r.Header.Get("X-Test-Email"))
	sub := strings.TrimSpace(r.Header.Get("X-Test-Google-Sub"))
	if email == "" || sub == "" {
		return auth.GoogleIdentity{}, errors.New("insecure auth mode requires X-Test-Email and X-Test-Google-Sub headers")
	}
	return auth.GoogleIdentity{GoogleSubject: sub, Email: strings.ToLower(email), Name: strings.TrimSpace(r.Header.Get("X-Test-Name"))}, nil
}

func (h Handler) applyCookie(w http.ResponseWriter, directive credits.CookieDirective) {
	switch directive.Action {
	case credits.CookieSet:
		h.setSessionCookie(w, directive.Token, directive.Expires)
	case credits.CookieClear:
		h.clearSessionCookie(w)
	}
}

func (h Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (h Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func readSessionCookie(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cookie.Value) == "" {
		return "", errors.New("empty session cookie")
	}
	return cookie.Value, nil
}

func sessionUserFromContext(ctx context.Context) (session.User, bool) {
	value := ctx.Value(sessionUserContextKey)
	if value == nil {
		return session.User{}, false
	}
	user, ok := value.(session.User)
	return user, ok
}
