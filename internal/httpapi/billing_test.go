package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func (s testServer) billing(t *testing.T, body, secret string) *httptest.ResponseRecorder {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(billingSignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func billingBody(t *testing.T, eventType, userID string, fields map[string]any) string {
	t.Helper()
	body, err := sjson.Set(`{}`, "type", eventType)
	require.NoError(t, err)
	body, err = sjson.Set(body, "userId", userID)
	require.NoError(t, err)
	for k, v := range fields {
		body, err = sjson.Set(body, k, v)
		require.NoError(t, err)
	}
	return body
}

func TestBillingPlanChangeReachesEverySession(t *testing.T) {
	srv := newTestServer(t)
	laptop, userID := srv.login(t, "sub-1", "a@example.com")
	phone, _ := srv.login(t, "sub-1", "a@example.com")

	for _, c := range []*http.Cookie{laptop, phone} {
		resp := srv.do(t, http.MethodGet, "/v1/credits", "", c)
		require.Equal(t, "free", gjson.Get(resp.Body.String(), "plan").String())
	}

	resp := srv.billing(t, billingBody(t, "subscription.active", userID, map[string]any{"plan": "pro"}), "whsec-test")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "pro", gjson.Get(resp.Body.String(), "plan").String())
	assert.EqualValues(t, 400_000, gjson.Get(resp.Body.String(), "balance.free").Int())

	for _, c := range []*http.Cookie{laptop, phone} {
		creditsResp := srv.do(t, http.MethodGet, "/v1/credits", "", c)
		assert.Equal(t, "pro", gjson.Get(creditsResp.Body.String(), "plan").String())
		assert.EqualValues(t, 400_000, gjson.Get(creditsResp.Body.String(), "total").Int())
	}

	premium := srv.do(t, http.MethodPost, "/v1/chats/c1", turnBody("claude-3-7-sonnet-20250219", "chat", "q"), phone)
	assert.Equal(t, http.StatusOK, premium.Code)

	revoked := srv.billing(t, billingBody(t, "subscription.revoked", userID, nil), "whsec-test")
	require.Equal(t, http.StatusOK, revoked.Code, revoked.Body.String())
	creditsResp := srv.do(t, http.MethodGet, "/v1/credits", "", laptop)
	assert.Equal(t, "free", gjson.Get(creditsResp.Body.String(), "plan").String())
	assert.EqualValues(t, 0, gjson.Get(creditsResp.Body.String(), "total").Int())
}

func TestBillingCreditPurchase(t *testing.T) {
	srv := newTestServer(t)
	cookie, userID := srv.login(t, "sub-1", "a@example.com")

	resp := srv.billing(t, billingBody(t, "credits.purchased", userID, map[string]any{"credits": 50_000}), "whsec-test")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.EqualValues(t, 50_000, gjson.Get(resp.Body.String(), "balance.purchased").Int())

	creditsResp := srv.do(t, http.MethodGet, "/v1/credits", "", cookie)
	assert.EqualValues(t, 50_500, gjson.Get(creditsResp.Body.String(), "total").Int())
}

func TestBillingRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t)
	_, userID := srv.login(t, "sub-1", "a@example.com")

	forged := srv.billing(t, billingBody(t, "subscription.active", userID, map[string]any{"plan": "pro"}), "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, forged.Code)

	unsigned := srv.do(t, http.MethodPost, "/v1/billing/webhook", billingBody(t, "subscription.active", userID, nil), nil)
	assert.Equal(t, http.StatusUnauthorized, unsigned.Code)

	unknownPlan := srv.billing(t, billingBody(t, "subscription.active", userID, map[string]any{"plan": "owner"}), "whsec-test")
	assert.Equal(t, http.StatusBadRequest, unknownPlan.Code)

	unknownUser := srv.billing(t, billingBody(t, "credits.purchased", "nobody", map[string]any{"credits": 10}), "whsec-test")
	assert.Equal(t, http.StatusNotFound, unknownUser.Code)

	unknownType := srv.billing(t, billingBody(t, "refund.created", userID, nil), "whsec-test")
	assert.Equal(t, http.StatusBadRequest, unknownType.Code)
}
