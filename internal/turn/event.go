package turn

import (
	"konchat/backend/internal/message"

	json "github.com/goccy/go-json"
)

type EventKind int

const (
	KindNone EventKind = iota
	KindText
	KindReasoning
	KindToolCall
	KindToolResult
	KindSource
	KindControl
	KindFile
)

func (k EventKind) String() string {
	switch k {
	case KindText:
		return "text-delta"
	case KindReasoning:
		return "reasoning-delta"
	case KindToolCall:
		return "tool-call"
	case KindToolResult:
		return "tool-result"
	case KindSource:
		return "source"
	case KindControl:
		return "control"
	case KindFile:
		return "file"
	default:
		return "none"
	}
}

// Event is one item of a provider stream. Implementations are closed to
// this package.
type Event interface {
	Kind() EventKind
	event()
}

type TextDelta struct {
	Text string
}

type ReasoningDelta struct {
	Text string
}

type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

type ToolResult struct {
	ID     string
	Name   string
	Args   json.RawMessage
	Result json.RawMessage
}

// Source is a citation surfaced by provider grounding or a search tool.
type Source struct {
	ID    string
	URL   string
	Title string
}

// File is a file produced during the turn, such as a generated image. It
// becomes a file part of the assistant message.
type File struct {
	URL       string
	MediaType string
	Name      string
}

type ControlType string

const (
	ControlStepStart ControlType = "step-start"
	ControlFinish    ControlType = "finish"
	ControlError     ControlType = "error"
)

// Control marks stream structure. A finish control closes one model step
// and carries its usage and provider metadata.
type Control struct {
	Type         ControlType
	Step         int
	FinishReason string
	Usage        message.Usage
	Metadata     message.Metadata
	Message      string
}

func (TextDelta) Kind() EventKind      { return KindText }
func (ReasoningDelta) Kind() EventKind { return KindReasoning }
func (ToolCall) Kind() EventKind       { return KindToolCall }
func (ToolResult) Kind() EventKind     { return KindToolResult }
func (Source) Kind() EventKind         { return KindSource }
func (Control) Kind() EventKind        { return KindControl }
func (File) Kind() EventKind           { return KindFile }

func (TextDelta) event()      {}
func (ReasoningDelta) event() {}
func (ToolCall) event()       {}
func (ToolResult) event()     {}
func (Source) event()         {}
func (Control) event()        {}
func (File) event()           {}

func (e TextDelta) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{KindText.String(), e.Text})
}

func (e ReasoningDelta) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{KindReasoning.String(), e.Text})
}

func (e ToolCall) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string          `json:"type"`
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Args       json.RawMessage `json:"args,omitempty"`
	}{KindToolCall.String(), e.ID, e.Name, e.Args})
}

func (e ToolResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string          `json:"type"`
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Args       json.RawMessage `json:"args,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
	}{KindToolResult.String(), e.ID, e.Name, e.Args, e.Result})
}

func (e Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		ID    string `json:"id,omitempty"`
		URL   string `json:"url"`
		Title string `json:"title,omitempty"`
	}{KindSource.String(), e.ID, e.URL, e.Title})
}

func (e File) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		URL       string `json:"url"`
		MediaType string `json:"mediaType"`
		Name      string `json:"name,omitempty"`
	}{KindFile.String(), e.URL, e.MediaType, e.Name})
}

func (e Control) MarshalJSON() ([]byte, error) {
	out := struct {
		Type         string         `json:"type"`
		Control      ControlType    `json:"control"`
		Step         int            `json:"step,omitempty"`
		FinishReason string         `json:"finishReason,omitempty"`
		Usage        *message.Usage `json:"usage,omitempty"`
		Message      string         `json:"message,omitempty"`
	}{Type: KindControl.String(), Control: e.Type, Step: e.Step, FinishReason: e.FinishReason, Message: e.Message}
	if e.Type == ControlFinish {
		usage := e.Usage
		out.Usage = &usage
	}
	return json.Marshal(out)
}
