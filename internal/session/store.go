package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Name             string `json:"name,omitempty"`
	AvatarURL        string `json:"avatarUrl,omitempty"`
	GoogleSub        string `json:"-"`
	Plan             string `json:"plan"`
	Credits          int64  `json:"credits"`
	PurchasedCredits int64  `json:"purchasedCredits"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt"`
}

type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// Store is the durable side of users and sessions. Sessions are keyed by
// the SHA-256 of the opaque cookie token, so a leaked table never yields a
// usable cookie.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewStore(db *sql.DB, ttl time.Duration) Store {
	return Store{db: db, ttl: ttl, now: time.Now}
}

// WithClock returns a copy of the store that reads time from now.
func (s Store) WithClock(now func() time.Time) Store {
	s.now = now
	return s
}

const userColumns = `id, google_sub, email, COALESCE(display_name, ''), COALESCE(avatar_url, ''), plan, credits, purchased_credits, created_at, updated_at`

func (s Store) UpsertUser(ctx context.Context, googleSub, email, name, avatar string, signupCredits int64) (User, error) {
	now := s.now().UnixMilli()
	query := `
INSERT INTO users (id, google_sub, email, display_name, avatar_url, plan, credits, purchased_credits, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'free', ?, 0, ?, ?)
ON CONFLICT(google_sub) DO UPDATE SET
  email = excluded.email,
  display_name = excluded.display_name,
  avatar_url = excluded.avatar_url,
  updated_at = excluded.updated_at
RETURNING ` + userColumns + `;
`

	out, err := scanUser(s.db.QueryRowContext(ctx, query, uuid.NewString(), googleSub, strings.ToLower(email), strings.TrimSpace(name), strings.TrimSpace(avatar), signupCredits, now, now))
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return out, nil
}

func (s Store) GetUser(ctx context.Context, userID string) (User, error) {
	out, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ? LIMIT 1;`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return out, nil
}

// CompareAndSwapCredits writes the new balance only if the row still holds
// the balance the caller computed from. It reports whether the write landed.
func (s Store) CompareAndSwapCredits(ctx context.Context, userID string, oldCredits, oldPurchased, newCredits, newPurchased int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET credits = ?, purchased_credits = ?, updated_at = ?
WHERE id = ? AND credits = ? AND purchased_credits = ?;
`, newCredits, newPurchased, s.now().UnixMilli(), userID, oldCredits, oldPurchased)
	if err != nil {
		return false, fmt.Errorf("update credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update credits rows: %w", err)
	}
	return affected == 1, nil
}

// UpdatePlan is the entry point for externally-triggered balance changes
// (plan upgrades, purchases). Callers must resync the limit cache afterwards.
func (s Store) UpdatePlan(ctx context.Context, userID, plan string, credits, purchasedCredits int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET plan = ?, credits = ?, purchased_credits = ?, updated_at = ?
WHERE id = ?;
`, plan, credits, purchasedCredits, s.now().UnixMilli(), userID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, Session, error) {
	rawToken, err := GenerateToken()
	if err != nil {
		return "", Session{}, fmt.Errorf("generate session token: %w", err)
	}

	sess := Session{
		ID:        ID(rawToken),
		UserID:    userID,
		ExpiresAt: s.now().Add(ttl),
	}
	query := `INSERT INTO sessions (id, user_id, expires_at) VALUES (?, ?, ?);`
	if _, err := s.db.ExecContext(ctx, query, sess.ID, userID, sess.ExpiresAt.UnixMilli()); err != nil {
		return "", Session{}, fmt.Errorf("create session: %w", err)
	}

	return rawToken, sess, nil
}

// ValidateToken resolves a raw cookie token. Expired sessions are deleted and
// reported as ErrNotFound; sessions inside the second half of their lifetime
// are extended to a full ttl from now.
func (s Store) ValidateToken(ctx context.Context, rawToken string) (Session, User, error) {
	sessionID := ID(rawToken)
	query := `
SELECT s.expires_at, u.id, u.google_sub, u.email, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''), u.plan, u.credits, u.purchased_credits, u.created_at, u.updated_at
FROM sessions s
JOIN users u ON u.id = s.user_id
WHERE s.id = ?
LIMIT 1;
`

	var (
		expiresAtMillis int64
		user            User
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&expiresAtMillis,
		&user.ID,
		&user.GoogleSub,
		&user.Email,
		&user.Name,
		&user.AvatarURL,
		&user.Plan,
		&user.Credits,
		&user.PurchasedCredits,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, User{}, ErrNotFound
	}
	if err != nil {
		return Session{}, User{}, fmt.Errorf("resolve session: %w", err)
	}

	now := s.now()
	sess := Session{ID: sessionID, UserID: user.ID, ExpiresAt: time.UnixMilli(expiresAtMillis)}
	if !now.Before(sess.ExpiresAt) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, sessionID); err != nil {
			return Session{}, User{}, fmt.Errorf("delete expired session: %w", err)
		}
		return Session{}, User{}, ErrNotFound
	}

	if s.ttl > 0 && !now.Before(sess.ExpiresAt.Add(-s.ttl/2)) {
		sess.ExpiresAt = now.Add(s.ttl)
		if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ? WHERE id = ?;`, sess.ExpiresAt.UnixMilli(), sessionID); err != nil {
			return Session{}, User{}, fmt.Errorf("extend session: %w", err)
		}
	}

	return sess, user, nil
}

// ListLiveSessionIDs returns the ids of every unexpired session of the user.
func (s Store) ListLiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE user_id = ? AND expires_at > ? ORDER BY id;`, userID, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

func (s Store) DeleteSession(ctx context.Context, rawToken string) error {
	if strings.TrimSpace(rawToken) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, ID(rawToken))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ID derives the session id stored in the database (and used as the limit
// cache key) from a raw cookie token.
func ID(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

func GenerateToken() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var out User
	err := row.Scan(
		&out.ID,
		&out.GoogleSub,
		&out.Email,
		&out.Name,
		&out.AvatarURL,
		&out.Plan,
		&out.Credits,
		&out.PurchasedCredits,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	return out, err
}
