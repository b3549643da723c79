package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"konchat/backend/internal/auth"
	"konchat/backend/internal/config"
	"konchat/backend/internal/credits"
	"konchat/backend/internal/db"
	"konchat/backend/internal/history"
	"konchat/backend/internal/message"
	"konchat/backend/internal/session"
	"konchat/backend/internal/turn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"
)

type stubProvider struct {
	text string
}

func (p stubProvider) Stream(_ context.Context, _ turn.ProviderRequest, emit func(turn.Event) error) error {
	if err := emit(turn.TextDelta{Text: p.text}); err != nil {
		return err
	}
	return emit(turn.Control{Type: turn.ControlFinish, FinishReason: "stop", Usage: message.Usage{TotalTokens: 3}})
}

type testServer struct {
	handler  http.Handler
	sessions session.Store
	ledger   *credits.Ledger
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	database, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.Migrate(context.Background(), database))

	cfg := config.Config{
		SessionCookieName:        "session",
		SessionTTL:               30 * 24 * time.Hour,
		LimitCacheTTL:            24 * time.Hour,
		AnonymousCredits:         100,
		SignupCredits:            500,
		InsecureSkipGoogleVerify: true,
		AllowedOrigins:           []string{"http://localhost:5173"},
		DefaultModel:             "gemini-2.0-flash-001",
		BillingWebhookSecret:     "whsec-test",
	}

	sessions := session.NewStore(database, cfg.SessionTTL)
	chats := history.NewStore(database)
	ledger := credits.NewLedger(sessions, credits.NewMemoryCache(), credits.Options{
		TTL:              cfg.LimitCacheTTL,
		AnonymousCredits: cfg.AnonymousCredits,
	})
	engine := turn.NewEngine(ledger, chats, stubProvider{text: "Hello there"}, turn.Options{})
	h := NewHandler(cfg, sessions, chats, ledger, engine, auth.NewVerifier(nil, ""), nil)

	return testServer{handler: NewRouter(cfg, h, nil), sessions: sessions, ledger: ledger}
}

func (s testServer) do(t *testing.T, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s testServer) login(t *testing.T, sub, email string) (*http.Cookie, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/google", strings.NewReader(`{"idToken":"ignored"}`))
	req.Header.Set("X-Test-Email", email)
	req.Header.Set("X-Test-Google-Sub", sub)
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	cookie := sessionCookie(t, resp)
	return cookie, gjson.Get(resp.Body.String(), "user.id").String()
}

func sessionCookie(t *testing.T, resp *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range resp.Result().Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	t.Fatalf("expected session cookie in response")
	return nil
}

type sseFrame struct {
	event string
	data  string
}

func parseFrames(body string) []sseFrame {
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func turnBody(model, capability, text string) string {
	return `{"modelId":"` + model + `","capabilityId":"` + capability + `","messages":[{"role":"user","content":"` + text + `"}]}`
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", gjson.Get(resp.Body.String(), "status").String())
}

func TestLoginSeedsLimitCache(t *testing.T) {
	srv := newTestServer(t)
	cookie, userID := srv.login(t, "sub-1", "Ada@Example.com")
	require.NotEmpty(t, userID)
	assert.True(t, cookie.HttpOnly)

	me := srv.do(t, http.MethodGet, "/v1/auth/me", "", cookie)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Equal(t, "ada@example.com", gjson.Get(me.Body.String(), "user.email").String())

	creditsResp := srv.do(t, http.MethodGet, "/v1/credits", "", cookie)
	require.Equal(t, http.StatusOK, creditsResp.Code)
	assert.Equal(t, "free", gjson.Get(creditsResp.Body.String(), "plan").String())
	assert.EqualValues(t, 500, gjson.Get(creditsResp.Body.String(), "total").Int())
	assert.False(t, gjson.Get(creditsResp.Body.String(), "anonymous").Bool())
}

func TestLoginRequiresTestHeadersInInsecureMode(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodPost, "/v1/auth/google", `{"idToken":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "invalid_google_token", gjson.Get(resp.Body.String(), "error.code").String())
}

func TestLogoutEndsSession(t *testing.T) {
	srv := newTestServer(t)
	cookie, _ := srv.login(t, "sub-1", "a@example.com")

	resp := srv.do(t, http.MethodPost, "/v1/auth/logout", "", cookie)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, -1, sessionCookie(t, resp).MaxAge)

	me := srv.do(t, http.MethodGet, "/v1/auth/me", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, me.Code)

	turnResp := srv.do(t, http.MethodPost, "/v1/chats/c1", turnBody("gpt-4o", "chat", "hi"), cookie)
	assert.Equal(t, http.StatusUnauthorized, turnResp.Code)
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	body := resp.Body.String()
	assert.Equal(t, "gemini-2.0-flash-001", gjson.Get(body, "defaultModel").String())
	assert.Equal(t, int64(len(credits.Models())), gjson.Get(body, "models.#").Int())
	assert.False(t, gjson.Get(body, "models.0.route").Exists())
}

func TestCreditsIssuesAnonymousIdentity(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodGet, "/v1/credits", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	assert.True(t, gjson.Get(resp.Body.String(), "anonymous").Bool())
	assert.Equal(t, "trial", gjson.Get(resp.Body.String(), "plan").String())
	assert.EqualValues(t, 100, gjson.Get(resp.Body.String(), "total").Int())
	assert.True(t, strings.HasPrefix(sessionCookie(t, resp).Value, credits.AnonymousPrefix))
}

func TestStreamTurnForUserPersistsAndBills(t *testing.T) {
	srv := newTestServer(t)
	cookie, userID := srv.login(t, "sub-1", "a@example.com")

	resp := srv.do(t, http.MethodPost, "/v1/chats/chat-1", turnBody("gpt-4o", "chat", "hello"), cookie)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))
	assert.NotEmpty(t, resp.Header().Get("X-Response-Id"))

	frames := parseFrames(resp.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "message", frames[0].event)
	assert.Equal(t, "text-delta", gjson.Get(frames[0].data, "type").String())
	assert.Equal(t, "Hello there", gjson.Get(frames[0].data, "text").String())
	assert.Equal(t, "finish", gjson.Get(frames[1].data, "control").String())

	done := frames[2]
	assert.Equal(t, "done", done.event)
	assert.Equal(t, "completed", gjson.Get(done.data, "outcome").String())
	assert.EqualValues(t, 2, gjson.Get(done.data, "messages.#").Int())
	assert.EqualValues(t, 400, gjson.Get(done.data, "balance.free").Int())

	user, err := srv.sessions.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.EqualValues(t, 400, user.Credits)

	list := srv.do(t, http.MethodGet, "/v1/chats", "", cookie)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, "hello", gjson.Get(list.Body.String(), "chats.0.title").String())

	chat := srv.do(t, http.MethodGet, "/v1/chats/chat-1", "", cookie)
	require.Equal(t, http.StatusOK, chat.Code)
	assert.Equal(t, "user", gjson.Get(chat.Body.String(), "messages.0.role").String())
	assert.Equal(t, "Hello there", gjson.Get(chat.Body.String(), "messages.1.content.0.text").String())
}

func TestStreamTurnAnonymous(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodPost, "/v1/chats/chat-anon", turnBody("", "", "hi"), nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	cookie := sessionCookie(t, resp)
	assert.True(t, strings.HasPrefix(cookie.Value, credits.AnonymousPrefix))

	frames := parseFrames(resp.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, "done", frames[len(frames)-1].event)

	chat := srv.do(t, http.MethodGet, "/v1/chats/chat-anon", "", nil)
	assert.Equal(t, http.StatusNotFound, chat.Code)
}

func TestStreamTurnRefusals(t *testing.T) {
	srv := newTestServer(t)
	userCookie, userID := srv.login(t, "sub-1", "a@example.com")

	anon := srv.do(t, http.MethodPost, "/v1/chats/c1", turnBody("gemini-2.0-flash-001", "web_search", "q"), nil)
	assert.Equal(t, http.StatusUnauthorized, anon.Code)
	assert.Contains(t, anon.Body.String(), "logged in")
	assert.True(t, strings.HasPrefix(anon.Header().Get("Content-Type"), "text/plain"))

	grounded := srv.do(t, http.MethodPost, "/v1/chats/c1",
		`{"modelId":"gpt-4o","capabilityId":"web_search","useProviderGrounding":true,"messages":[{"role":"user","content":"q"}]}`, userCookie)
	assert.Equal(t, http.StatusBadRequest, grounded.Code)

	premium := srv.do(t, http.MethodPost, "/v1/chats/c1", turnBody("claude-3-7-sonnet-20250219", "chat", "q"), userCookie)
	assert.Equal(t, http.StatusBadRequest, premium.Code)
	assert.Contains(t, premium.Body.String(), "plan does not permit")

	require.NoError(t, srv.sessions.UpdatePlan(context.Background(), userID, "free", 10, 0))
	_, err := srv.ledger.SyncFromDurable(context.Background(), userID)
	require.NoError(t, err)
	broke := srv.do(t, http.MethodPost, "/v1/chats/c1", turnBody("gpt-4o", "chat", "q"), userCookie)
	assert.Equal(t, http.StatusBadRequest, broke.Code)
	assert.Contains(t, broke.Body.String(), "reached your limit")

	malformed := srv.do(t, http.MethodPost, "/v1/chats/c1", `{"messages":`, userCookie)
	assert.Equal(t, http.StatusBadRequest, malformed.Code)
}

func TestStreamTurnClearsInvalidSessionCookie(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodPost, "/v1/chats/c1", turnBody("gpt-4o", "chat", "q"), &http.Cookie{Name: "session", Value: "bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, -1, sessionCookie(t, resp).MaxAge)
}

func TestStreamTurnForeignChatForbidden(t *testing.T) {
	srv := newTestServer(t)
	owner, _ := srv.login(t, "sub-1", "a@example.com")
	other, _ := srv.login(t, "sub-2", "b@example.com")

	first := srv.do(t, http.MethodPost, "/v1/chats/shared", turnBody("gpt-4o", "chat", "mine"), owner)
	require.Equal(t, http.StatusOK, first.Code)

	second := srv.do(t, http.MethodPost, "/v1/chats/shared", turnBody("gpt-4o", "chat", "theirs"), other)
	assert.Equal(t, http.StatusForbidden, second.Code)
}

func TestChatVisibilityAndDelete(t *testing.T) {
	srv := newTestServer(t)
	owner, _ := srv.login(t, "sub-1", "a@example.com")
	other, _ := srv.login(t, "sub-2", "b@example.com")

	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/v1/chats/c1", turnBody("gpt-4o", "chat", "hi"), owner).Code)

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/v1/chats/c1", "", other).Code)

	bad := srv.do(t, http.MethodPut, "/v1/chats/c1/visibility", `{"visibility":"secret"}`, owner)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	foreign := srv.do(t, http.MethodPut, "/v1/chats/c1/visibility", `{"visibility":"public"}`, other)
	assert.Equal(t, http.StatusNotFound, foreign.Code)

	ok := srv.do(t, http.MethodPut, "/v1/chats/c1/visibility", `{"visibility":"public"}`, owner)
	require.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/chats/c1", "", nil).Code)

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodDelete, "/v1/chats/c1", "", other).Code)
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodDelete, "/v1/chats/c1", "", owner).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/v1/chats/c1", "", owner).Code)
}

func TestSyncCreditsRequiresSession(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodPost, "/v1/credits/sync", "", nil).Code)

	cookie, userID := srv.login(t, "sub-1", "a@example.com")
	require.NoError(t, srv.sessions.UpdatePlan(context.Background(), userID, "pro", 2000, 300))

	resp := srv.do(t, http.MethodPost, "/v1/credits/sync", "", cookie)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 2300, gjson.Get(resp.Body.String(), "total").Int())

	creditsResp := srv.do(t, http.MethodGet, "/v1/credits", "", cookie)
	assert.Equal(t, "pro", gjson.Get(creditsResp.Body.String(), "plan").String())
}
