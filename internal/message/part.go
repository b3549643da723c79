package message

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Part is one typed piece of message content. The set of implementations
// is closed: TextPart, ReasoningPart, ToolCallPart, ToolResultPart and
// FilePart.
type Part interface {
	PartType() string
	part()
}

const (
	TypeText       = "text"
	TypeReasoning  = "reasoning"
	TypeToolCall   = "tool-call"
	TypeToolResult = "tool-result"
	TypeFile       = "file"
)

type TextPart struct {
	Text string
}

type ReasoningPart struct {
	Text string
}

type ToolCallPart struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

type ToolResultPart struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Result     json.RawMessage
}

// FilePart references an uploaded file or image by URL; the bytes are never
// stored inline.
type FilePart struct {
	URL      string
	MimeType string
	Name     string
}

func (TextPart) PartType() string       { return TypeText }
func (ReasoningPart) PartType() string  { return TypeReasoning }
func (ToolCallPart) PartType() string   { return TypeToolCall }
func (ToolResultPart) PartType() string { return TypeToolResult }
func (FilePart) PartType() string       { return TypeFile }

func (TextPart) part()       {}
func (ReasoningPart) part()  {}
func (ToolCallPart) part()   {}
func (ToolResultPart) part() {}
func (FilePart) part()       {}

func (p TextPart) MarshalJSON() ([]byte, error) {
	return sjson.SetBytes([]byte(`{"type":"text"}`), "text", p.Text)
}

func (p ReasoningPart) MarshalJSON() ([]byte, error) {
	return sjson.SetBytes([]byte(`{"type":"reasoning"}`), "text", p.Text)
}

func (p ToolCallPart) MarshalJSON() ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{"type":"tool-call"}`), "toolCallId", p.ToolCallID)
	if err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "toolName", p.ToolName); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, "args", rawOrEmptyObject(p.Args))
}

func (p ToolResultPart) MarshalJSON() ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{"type":"tool-result"}`), "toolCallId", p.ToolCallID)
	if err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "toolName", p.ToolName); err != nil {
		return nil, err
	}
	if out, err = sjson.SetRawBytes(out, "args", rawOrEmptyObject(p.Args)); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, "result", rawOrNull(p.Result))
}

func (p FilePart) MarshalJSON() ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{"type":"file"}`), "url", p.URL)
	if err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "mimeType", p.MimeType); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return out, nil
	}
	return sjson.SetBytes(out, "name", p.Name)
}

// DecodePart parses one JSON object into the Part named by its "type" field.
func DecodePart(raw []byte) (Part, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid json: %s", raw)
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return nil, errors.New("content part must be an object")
	}

	switch tpe := obj.Get("type").String(); tpe {
	case TypeText:
		text := obj.Get("text")
		if !text.Exists() {
			return nil, errors.New("missing required field 'text'")
		}
		return TextPart{Text: text.String()}, nil
	case TypeReasoning:
		return ReasoningPart{Text: obj.Get("text").String()}, nil
	case TypeToolCall:
		id := obj.Get("toolCallId").String()
		if id == "" {
			return nil, errors.New("missing required field 'toolCallId'")
		}
		return ToolCallPart{
			ToolCallID: id,
			ToolName:   obj.Get("toolName").String(),
			Args:       rawField(obj, "args"),
		}, nil
	case TypeToolResult:
		id := obj.Get("toolCallId").String()
		if id == "" {
			return nil, errors.New("missing required field 'toolCallId'")
		}
		return ToolResultPart{
			ToolCallID: id,
			ToolName:   obj.Get("toolName").String(),
			Args:       rawField(obj, "args"),
			Result:     rawField(obj, "result"),
		}, nil
	case TypeFile, "image":
		url := obj.Get("url")
		if !url.Exists() {
			url = obj.Get("image")
		}
		if url.String() == "" {
			return nil, errors.New("missing required field 'url'")
		}
		return FilePart{URL: url.String(), MimeType: obj.Get("mimeType").String(), Name: obj.Get("name").String()}, nil
	default:
		return nil, fmt.Errorf("unknown content part type %q", tpe)
	}
}

func rawField(obj gjson.Result, key string) json.RawMessage {
	v := obj.Get(key)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

func rawOrEmptyObject(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`null`)
	}
	return raw
}
