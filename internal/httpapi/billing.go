package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"konchat/backend/internal/credits"
	"konchat/backend/internal/session"

	json "github.com/goccy/go-json"
)

const billingSignatureHeader = "X-Billing-Signature"

const (
	billingSubscriptionActive  = "subscription.active"
	billingSubscriptionRevoked = "subscription.revoked"
	billingCreditsPurchased    = "credits.purchased"
)

type billingEvent struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Plan    string `json:"plan,omitempty"`
	Credits int64  `json:"credits,omitempty"`
}

// BillingWebhook applies plan changes and credit purchases reported by the
// payment provider. The body is signed with HMAC-SHA256 under
// BILLING_WEBHOOK_SECRET and the signature sent as "sha256=<hex>".
func (h Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	if h.cfg.BillingWebhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "billing_disabled", "billing webhook is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}
	if !validBillingSignature(h.cfg.BillingWebhookSecret, body, r.Header.Get(billingSignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "signature mismatch")
		return
	}

	var ev billingEvent
	if err := json.Unmarshal(body, &ev); err != nil || strings.TrimSpace(ev.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed billing event")
		return
	}

	ctx := r.Context()
	user, err := h.sessions.GetUser(ctx, ev.UserID)
	if errors.Is(err, session.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	if err != nil {
		h.log.Error("load billing user failed", "error", err, "user_id", ev.UserID)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load user")
		return
	}

	plan := credits.Plan(user.Plan)
	var balance credits.Balance
	switch ev.Type {
	case billingSubscriptionActive, billingSubscriptionRevoked:
		next, allowance := credits.PlanFree, int64(0)
		if ev.Type == billingSubscriptionActive {
			next = credits.Plan(ev.Plan)
			var ok bool
			if allowance, ok = next.Allowance(); !ok {
				writeError(w, http.StatusBadRequest, "invalid_request", "unknown paid plan")
				return
			}
		}
		if err := h.sessions.UpdatePlan(ctx, user.ID, string(next), allowance, user.PurchasedCredits); err != nil {
			h.log.Error("update plan failed", "error", err, "user_id", user.ID)
			writeError(w, http.StatusInternalServerError, "db_error", "failed to update plan")
			return
		}
		plan = next
		balance, err = h.ledger.SyncFromDurable(ctx, user.ID)
		if err != nil {
			h.log.Warn("limit cache sync after plan change incomplete", "error", err, "user_id", user.ID)
			balance = credits.Balance{Free: allowance, Purchased: user.PurchasedCredits}
		}
	case billingCreditsPurchased:
		balance, err = h.ledger.Grant(ctx, user.ID, ev.Credits)
		if err != nil {
			h.log.Error("grant credits failed", "error", err, "user_id", user.ID, "credits", ev.Credits)
			writeError(w, http.StatusBadRequest, "invalid_request", "failed to grant credits")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown billing event type")
		return
	}

	h.log.Info("billing event applied", "type", ev.Type, "user_id", user.ID)
	writeJSON(w, http.StatusOK, creditsResponse{Plan: plan, Balance: balance, Total: balance.Total()})
}

func validBillingSignature(secret string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
