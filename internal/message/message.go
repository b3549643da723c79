package message

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

var ErrMixedContent = errors.New("content parts do not match message role")

// Content is an ordered list of parts. On the wire a bare string is accepted
// as a single text part.
type Content []Part

func (c Content) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte(`[]`), nil
	}
	return json.Marshal([]Part(c))
}

func (c *Content) UnmarshalJSON(input []byte) error {
	if !gjson.ValidBytes(input) {
		return fmt.Errorf("invalid json: %s", input)
	}
	jv := gjson.ParseBytes(input)
	switch {
	case jv.Type == gjson.String:
		*c = Content{TextPart{Text: jv.String()}}
		return nil
	case jv.Type == gjson.Null:
		*c = nil
		return nil
	case !jv.IsArray():
		return errors.New("content must be a string or an array of parts")
	}

	items := jv.Array()
	parts := make(Content, len(items))
	for idx, item := range items {
		p, err := DecodePart([]byte(item.Raw))
		if err != nil {
			return fmt.Errorf("content part at %d: %w", idx, err)
		}
		parts[idx] = p
	}
	*c = parts
	return nil
}

// Text joins every text part.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// HasAttachments reports whether any part is something other than text.
func (c Content) HasAttachments() bool {
	for _, p := range c {
		if _, ok := p.(TextPart); !ok {
			return true
		}
	}
	return false
}

type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Metadata is an opaque provider-scoped payload. The engine only forwards it.
type Metadata map[string]json.RawMessage

type Message struct {
	ID         string   `json:"id"`
	ChatID     string   `json:"chatId"`
	ResponseID string   `json:"responseId,omitempty"`
	Role       Role     `json:"role"`
	Content    Content  `json:"content"`
	Model      string   `json:"model,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Metadata   Metadata `json:"providerMetadata,omitempty"`
	Usage      Usage    `json:"usage"`
	CreatedAt  int64    `json:"createdAt"`
}

// Validate checks the role and that every part may appear under it: tool
// messages hold only tool results, assistant messages never hold them, and
// user messages hold text and files.
func (m Message) Validate() error {
	for idx, p := range m.Content {
		if !Allowed(m.Role, p) {
			return fmt.Errorf("%w: %s part at %d in %s message", ErrMixedContent, p.PartType(), idx, m.Role)
		}
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleTool:
		return nil
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
}

func Allowed(role Role, p Part) bool {
	switch p.(type) {
	case TextPart, FilePart:
		return role == RoleUser || role == RoleAssistant
	case ReasoningPart, ToolCallPart:
		return role == RoleAssistant
	case ToolResultPart:
		return role == RoleTool
	default:
		return false
	}
}
