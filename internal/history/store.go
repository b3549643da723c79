package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"konchat/backend/internal/message"

	json "github.com/goccy/go-json"
)

var (
	ErrNotFound          = errors.New("chat not found")
	ErrInvalidVisibility = errors.New("visibility must be private or public")
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"

	defaultTitle  = "New Chat"
	maxTitleRunes = 80
)

type Chat struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Title      string `json:"title"`
	Visibility string `json:"visibility"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) Store {
	return Store{db: db, now: time.Now}
}

func (s Store) WithClock(now func() time.Time) Store {
	s.now = now
	return s
}

// ChatOwner reports the owner of chatID, or found=false if it does not exist.
func (s Store) ChatOwner(ctx context.Context, chatID string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM chats WHERE id = ? LIMIT 1;`, chatID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load chat owner: %w", err)
	}
	return owner, true, nil
}

// EnsureChat creates the chat on its first turn and bumps updated_at on
// later ones. A chat owned by someone else is left untouched and reported
// as ErrNotFound.
func (s Store) EnsureChat(ctx context.Context, chatID, userID, title string, at int64) error {
	if strings.TrimSpace(title) == "" {
		title = defaultTitle
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO chats (id, user_id, title, visibility, created_at, updated_at)
VALUES (?, ?, ?, 'private', ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
WHERE chats.user_id = excluded.user_id;
`, chatID, userID, title, at, at)
	if err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessages writes msgs in order inside one transaction.
func (s Store) InsertMessages(ctx context.Context, msgs []message.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert messages: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const query = `
INSERT INTO messages (id, chat_id, response_id, role, content, model, provider, provider_metadata, prompt_tokens, completion_tokens, total_tokens, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %s: %w", m.ID, err)
		}
		content, err := json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("encode content: %w", err)
		}
		meta := []byte(`{}`)
		if len(m.Metadata) > 0 {
			if meta, err = json.Marshal(m.Metadata); err != nil {
				return fmt.Errorf("encode provider metadata: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, query,
			m.ID, m.ChatID, m.ResponseID, string(m.Role), string(content),
			nullable(m.Model), nullable(m.Provider), string(meta),
			m.Usage.PromptTokens, m.Usage.CompletionTokens, m.Usage.TotalTokens, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func (s Store) ListChats(ctx context.Context, userID string, limit int) ([]Chat, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, title, visibility, created_at, updated_at
FROM chats
WHERE user_id = ?
ORDER BY updated_at DESC, created_at DESC
LIMIT ?;
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0, 16)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Visibility, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out, nil
}

// GetChat returns the chat and its messages in creation order. Private
// chats are visible only to their owner.
func (s Store) GetChat(ctx context.Context, chatID, viewerID string) (Chat, []message.Message, error) {
	var c Chat
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, title, visibility, created_at, updated_at
FROM chats WHERE id = ? LIMIT 1;
`, chatID).Scan(&c.ID, &c.UserID, &c.Title, &c.Visibility, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, nil, ErrNotFound
	}
	if err != nil {
		return Chat{}, nil, fmt.Errorf("get chat: %w", err)
	}
	if c.Visibility != VisibilityPublic && (viewerID == "" || c.UserID != viewerID) {
		return Chat{}, nil, ErrNotFound
	}

	msgs, err := s.listMessages(ctx, chatID)
	if err != nil {
		return Chat{}, nil, err
	}
	return c, msgs, nil
}

func (s Store) listMessages(ctx context.Context, chatID string) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, chat_id, response_id, role, content, COALESCE(model, ''), COALESCE(provider, ''), provider_metadata, prompt_tokens, completion_tokens, total_tokens, created_at
FROM messages
WHERE chat_id = ?
ORDER BY created_at ASC, rowid ASC;
`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]message.Message, 0, 16)
	for rows.Next() {
		var (
			m       message.Message
			role    string
			content string
			meta    string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ResponseID, &role, &content, &m.Model, &m.Provider, &meta,
			&m.Usage.PromptTokens, &m.Usage.CompletionTokens, &m.Usage.TotalTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = message.Role(role)
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decode message %s content: %w", m.ID, err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message %s metadata: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// DeleteChat removes an owned chat and its messages.
func (s Store) DeleteChat(ctx context.Context, chatID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chat: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM chats WHERE id = ? LIMIT 1;`, chatID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?;`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?;`, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

func (s Store) SetVisibility(ctx context.Context, chatID, userID, visibility string) error {
	if visibility != VisibilityPrivate && visibility != VisibilityPublic {
		return ErrInvalidVisibility
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE chats SET visibility = ?, updated_at = ? WHERE id = ? AND user_id = ?;
`, visibility, s.now().UnixMilli(), chatID, userID)
	if err != nil {
		return fmt.Errorf("update visibility: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TitleFrom derives a chat title from the first line of the user's text.
func TitleFrom(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
	if line == "" {
		return defaultTitle
	}
	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		line = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return line
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
