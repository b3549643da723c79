package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"konchat/backend/internal/logger"
	"konchat/backend/internal/session"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	AnonymousPrefix  = "anon:"
	debitAttempts    = 3
	fanOutConcurrent = 8
)

// Durable is the authoritative balance store. session.Store satisfies it.
type Durable interface {
	ValidateToken(ctx context.Context, rawToken string) (session.Session, session.User, error)
	GetUser(ctx context.Context, userID string) (session.User, error)
	CompareAndSwapCredits(ctx context.Context, userID string, oldCredits, oldPurchased, newCredits, newPurchased int64) (bool, error)
	ListLiveSessionIDs(ctx context.Context, userID string) ([]string, error)
	DeleteSession(ctx context.Context, rawToken string) error
}

type Options struct {
	TTL              time.Duration
	AnonymousCredits int64
	Logger           *logger.Logger
}

// Ledger keeps the durable balance and the per-session cache projections in
// step. Reads go to the cache first; writes go to the durable store first
// and are then fanned out to every live session's cache entry.
type Ledger struct {
	durable          Durable
	cache            Cache
	ttl              time.Duration
	anonymousCredits int64
	log              *logger.Logger
	tracer           trace.Tracer
	now              func() time.Time
}

func NewLedger(durable Durable, cache Cache, opts Options) *Ledger {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ledger{
		durable:          durable,
		cache:            cache,
		ttl:              ttl,
		anonymousCredits: opts.AnonymousCredits,
		log:              log,
		tracer:           otel.Tracer("konchat/backend/credits"),
		now:              time.Now,
	}
}

// Authorization is the outcome of a successful Resolve or Authorize.
type Authorization struct {
	// Key is the cache key of the caller's limit entry.
	Key       string
	UserID    string
	Anonymous bool
	Plan      Plan
	Balance   Balance
	Cost      int64
	Cookie    CookieDirective
}

type Request struct {
	Token          string
	Model          string
	Capability     Capability
	HasAttachments bool
}

func IsAnonymousToken(token string) bool {
	return strings.HasPrefix(token, AnonymousPrefix)
}

// Resolve finds the caller's balance. The cache is consulted first; on a
// miss a user token is validated against the durable store and the cache
// is repopulated. An empty token is issued a fresh anonymous identity.
func (l *Ledger) Resolve(ctx context.Context, token string) (Authorization, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return l.issueAnonymous(ctx)
	}

	anonymous := IsAnonymousToken(token)
	key := limitKey(token)
	if !anonymous {
		key = limitKey(session.ID(token))
	}

	entry, found, err := l.cache.Get(ctx, key)
	if err != nil {
		if anonymous {
			return Authorization{}, fmt.Errorf("read limit cache: %w", err)
		}
		l.log.Warn("limit cache read failed, falling back to durable store", "error", err)
		found = false
	}
	if found {
		return Authorization{
			Key:       key,
			UserID:    entry.UserID,
			Anonymous: anonymous,
			Plan:      entry.Plan,
			Balance:   entry.Balance,
		}, nil
	}

	if anonymous {
		return Authorization{}, refuse(ErrRateLimited, CookieDirective{Action: CookieKeep})
	}

	sess, user, err := l.durable.ValidateToken(ctx, token)
	if errors.Is(err, session.ErrNotFound) {
		if err := l.cache.Delete(ctx, key); err != nil {
			l.log.Warn("drop stale limit entry failed", "error", err)
		}
		return Authorization{}, refuse(ErrInvalidSession, CookieDirective{Action: CookieClear})
	}
	if err != nil {
		return Authorization{}, fmt.Errorf("validate session: %w", err)
	}

	entry = entryFromUser(user)
	if err := l.cache.Set(ctx, key, entry, l.ttl); err != nil {
		l.log.Warn("limit cache write failed", "error", err, "user_id", user.ID)
	}
	return Authorization{
		Key:     key,
		UserID:  user.ID,
		Plan:    entry.Plan,
		Balance: entry.Balance,
		Cookie:  CookieDirective{Action: CookieSet, Token: token, Expires: sess.ExpiresAt},
	}, nil
}

// Revoke ends a signed-in session. The durable session row and its cache
// entry are both removed, so the token stops authorizing turns at once.
func (l *Ledger) Revoke(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" || IsAnonymousToken(rawToken) {
		return nil
	}
	if err := l.durable.DeleteSession(ctx, rawToken); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := l.cache.Delete(ctx, SessionKey(rawToken)); err != nil {
		return fmt.Errorf("drop limit entry: %w", err)
	}
	return nil
}

func (l *Ledger) issueAnonymous(ctx context.Context) (Authorization, error) {
	token := AnonymousPrefix + strings.ToLower(ulid.Make().String())
	entry := LimitEntry{Plan: PlanTrial, Balance: Balance{Free: l.anonymousCredits}}
	key := limitKey(token)
	if err := l.cache.Set(ctx, key, entry, l.ttl); err != nil {
		return Authorization{}, fmt.Errorf("seed anonymous limit: %w", err)
	}
	return Authorization{
		Key:       key,
		Anonymous: true,
		Plan:      entry.Plan,
		Balance:   entry.Balance,
		Cookie:    CookieDirective{Action: CookieSet, Token: token, Expires: l.now().Add(l.ttl)},
	}, nil
}

// Authorize resolves the caller and checks that the requested model and
// capability are allowed and affordable. It never mutates a balance.
func (l *Ledger) Authorize(ctx context.Context, req Request) (Authorization, error) {
	model, ok := LookupModel(req.Model)
	if !ok {
		return Authorization{}, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}
	if _, ok := ParseCapability(string(req.Capability)); !ok {
		return Authorization{}, fmt.Errorf("%w: %s", ErrUnknownCapability, req.Capability)
	}

	auth, err := l.Resolve(ctx, req.Token)
	if err != nil {
		return Authorization{}, err
	}

	if auth.Anonymous && req.Capability != CapabilityChat {
		return Authorization{}, refuse(ErrLoginRequired, auth.Cookie)
	}
	if !auth.Plan.PermitsTier(model.Tier) || (req.HasAttachments && !auth.Plan.PermitsAttachments()) {
		return Authorization{}, refuse(ErrPlanRestricted, auth.Cookie)
	}

	auth.Cost = TotalCost(req.Model, req.Capability)
	if !CanAfford(auth.Balance, auth.Cost) {
		return Authorization{}, refuse(ErrInsufficientCredit, auth.Cookie)
	}
	return auth, nil
}

// Debit charges a signed-in user for one turn. The durable balance is
// updated with compare-and-swap so concurrent turns cannot lose a debit;
// every live session's cache entry is then overwritten with the new
// balance and a fresh ttl.
func (l *Ledger) Debit(ctx context.Context, userID, model string, capability Capability) (Balance, error) {
	ctx, span := l.tracer.Start(ctx, "credits.Debit", trace.WithAttributes(
		attribute.String("credits.model", model),
		attribute.String("credits.capability", string(capability)),
	))
	defer span.End()

	cost := TotalCost(model, capability)
	span.SetAttributes(attribute.Int64("credits.cost", cost))

	for attempt := 0; attempt < debitAttempts; attempt++ {
		user, err := l.durable.GetUser(ctx, userID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load user")
			return Balance{}, fmt.Errorf("load balance: %w", err)
		}
		current := Balance{Free: user.Credits, Purchased: user.PurchasedCredits}
		next := ApplyDebit(current, cost)

		swapped, err := l.durable.CompareAndSwapCredits(ctx, userID, current.Free, current.Purchased, next.Free, next.Purchased)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write balance")
			return Balance{}, fmt.Errorf("write balance: %w", err)
		}
		if !swapped {
			l.log.Debug("debit lost compare-and-swap, retrying", "user_id", userID, "attempt", attempt+1)
			continue
		}

		entry := LimitEntry{UserID: userID, Plan: Plan(user.Plan), Balance: next}
		if err := l.fanOut(ctx, userID, entry); err != nil {
			l.log.Warn("limit cache fan-out incomplete", "error", err, "user_id", userID)
		}
		return next, nil
	}

	span.SetStatus(codes.Error, "debit conflict")
	return Balance{}, ErrDebitConflict
}

// Grant adds purchased credits to a user's durable balance and fans the
// result out to every live session.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("grant %d credits: amount must be positive", amount)
	}
	for attempt := 0; attempt < debitAttempts; attempt++ {
		user, err := l.durable.GetUser(ctx, userID)
		if err != nil {
			return Balance{}, fmt.Errorf("load balance: %w", err)
		}
		next := Balance{Free: user.Credits, Purchased: user.PurchasedCredits + amount}
		swapped, err := l.durable.CompareAndSwapCredits(ctx, userID, user.Credits, user.PurchasedCredits, next.Free, next.Purchased)
		if err != nil {
			return Balance{}, fmt.Errorf("write balance: %w", err)
		}
		if !swapped {
			continue
		}
		if err := l.fanOut(ctx, userID, LimitEntry{UserID: userID, Plan: Plan(user.Plan), Balance: next}); err != nil {
			l.log.Warn("limit cache fan-out incomplete", "error", err, "user_id", userID)
		}
		return next, nil
	}
	return Balance{}, ErrDebitConflict
}

// DebitAnonymous charges an anonymous identity. Its only balance is the
// cache entry, whose remaining lifetime is preserved. An entry that has
// already expired is left alone.
func (l *Ledger) DebitAnonymous(ctx context.Context, key, model string, capability Capability) (Balance, error) {
	cost := TotalCost(model, capability)
	entry, found, err := l.cache.Get(ctx, key)
	if err != nil {
		return Balance{}, fmt.Errorf("read anonymous limit: %w", err)
	}
	if !found {
		return Balance{}, nil
	}
	entry.Balance = ApplyDebit(entry.Balance, cost)
	if _, err := l.cache.Replace(ctx, key, entry); err != nil {
		return Balance{}, fmt.Errorf("write anonymous limit: %w", err)
	}
	return entry.Balance, nil
}

// SyncFromDurable rewrites every live session's cache entry from the
// durable balance. Call it after login and after any balance change made
// outside the ledger.
func (l *Ledger) SyncFromDurable(ctx context.Context, userID string) (Balance, error) {
	user, err := l.durable.GetUser(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("load balance: %w", err)
	}
	entry := entryFromUser(user)
	if err := l.fanOut(ctx, userID, entry); err != nil {
		return Balance{}, err
	}
	return entry.Balance, nil
}

func (l *Ledger) fanOut(ctx context.Context, userID string, entry LimitEntry) error {
	ids, err := l.durable.ListLiveSessionIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("list live sessions: %w", err)
	}

	// Every key gets its write even when another one fails.
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(fanOutConcurrent)
	for _, id := range ids {
		key := limitKey(id)
		g.Go(func() error {
			if err := l.cache.Set(ctx, key, entry, l.ttl); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("refresh %s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func entryFromUser(user session.User) LimitEntry {
	return LimitEntry{
		UserID:  user.ID,
		Plan:    Plan(user.Plan),
		Balance: Balance{Free: user.Credits, Purchased: user.PurchasedCredits},
	}
}

// SessionKey returns the cache key that a raw session token maps to.
func SessionKey(rawToken string) string {
	return limitKey(session.ID(rawToken))
}
