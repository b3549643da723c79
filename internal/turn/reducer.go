package turn

import (
	"fmt"
	"strings"

	"konchat/backend/internal/message"
)

// Reduced is one role-homogeneous message produced by Reduce, before ids,
// timestamps and model details are attached.
type Reduced struct {
	Role    message.Role
	Content message.Content
}

// Reduce folds an ordered event sequence into messages in one pass. Text
// and reasoning runs collapse into single parts, tool calls stay with the
// assistant content that produced them, files join the assistant content
// at their position, and every run of tool results
// becomes its own tool message. Source and control events carry no content
// and are skipped.
func Reduce(events []Event) []Reduced {
	var r reducer
	for _, ev := range events {
		r.push(ev)
	}
	return r.finish()
}

type reducer struct {
	current       EventKind
	text          strings.Builder
	reasoning     strings.Builder
	pendingCall   *ToolCall
	pendingResult *ToolResult
	assistant     message.Content
	tool          message.Content
	out           []Reduced
}

func (r *reducer) push(ev Event) {
	kind := ev.Kind()
	if kind == KindSource || kind == KindControl {
		return
	}

	if kind != r.current {
		r.flush(r.current)
		switch {
		case kind == KindToolResult:
			r.closeAssistant()
		case r.current == KindToolResult:
			r.closeTool()
		}
		r.current = kind
	}

	switch e := ev.(type) {
	case TextDelta:
		r.text.WriteString(e.Text)
	case ReasoningDelta:
		r.reasoning.WriteString(e.Text)
	case ToolCall:
		if r.pendingCall != nil {
			r.flush(KindToolCall)
		}
		r.pendingCall = &e
	case ToolResult:
		if r.pendingResult != nil {
			r.flush(KindToolResult)
		}
		r.pendingResult = &e
	case File:
		r.assistant = append(r.assistant, message.FilePart{URL: e.URL, MimeType: e.MediaType, Name: e.Name})
	default:
		panic(fmt.Sprintf("turn: reducer cannot handle %T", ev))
	}
}

func (r *reducer) flush(kind EventKind) {
	switch kind {
	case KindText:
		if r.text.Len() > 0 {
			r.assistant = append(r.assistant, message.TextPart{Text: r.text.String()})
			r.text.Reset()
		}
	case KindReasoning:
		if r.reasoning.Len() > 0 {
			r.assistant = append(r.assistant, message.ReasoningPart{Text: r.reasoning.String()})
			r.reasoning.Reset()
		}
	case KindToolCall:
		if c := r.pendingCall; c != nil {
			r.assistant = append(r.assistant, message.ToolCallPart{ToolCallID: c.ID, ToolName: c.Name, Args: c.Args})
			r.pendingCall = nil
		}
	case KindToolResult:
		if res := r.pendingResult; res != nil {
			r.tool = append(r.tool, message.ToolResultPart{ToolCallID: res.ID, ToolName: res.Name, Args: res.Args, Result: res.Result})
			r.pendingResult = nil
		}
	}
}

func (r *reducer) closeAssistant() {
	if len(r.assistant) == 0 {
		return
	}
	r.out = append(r.out, Reduced{Role: message.RoleAssistant, Content: r.assistant})
	r.assistant = nil
}

func (r *reducer) closeTool() {
	if len(r.tool) == 0 {
		return
	}
	r.out = append(r.out, Reduced{Role: message.RoleTool, Content: r.tool})
	r.tool = nil
}

func (r *reducer) finish() []Reduced {
	r.flush(r.current)
	if r.current == KindToolResult {
		r.closeTool()
	} else {
		r.closeAssistant()
	}
	r.current = KindNone
	return r.out
}
