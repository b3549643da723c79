package turn

import (
	"strings"
	"testing"

	"konchat/backend/internal/message"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceEmptyStream(t *testing.T) {
	assert.Empty(t, Reduce(nil))
	assert.Empty(t, Reduce([]Event{Control{Type: ControlStepStart}, Control{Type: ControlFinish}}))
}

func TestReduceTextOnlyConcatenates(t *testing.T) {
	fragments := []string{"Hel", "lo", ", ", "world"}
	events := make([]Event, 0, len(fragments))
	for _, f := range fragments {
		events = append(events, TextDelta{Text: f})
	}

	out := Reduce(events)
	require.Len(t, out, 1)
	assert.Equal(t, message.RoleAssistant, out[0].Role)
	assert.Equal(t, message.Content{message.TextPart{Text: strings.Join(fragments, "")}}, out[0].Content)
}

func TestReduceSplitsAroundToolResults(t *testing.T) {
	events := []Event{
		TextDelta{Text: "Hi"},
		ToolCall{ID: "1", Name: "search"},
		ToolResult{ID: "1", Name: "search", Result: json.RawMessage(`"X"`)},
		TextDelta{Text: "Done"},
	}

	out := Reduce(events)
	require.Len(t, out, 3)

	assert.Equal(t, message.RoleAssistant, out[0].Role)
	assert.Equal(t, message.Content{
		message.TextPart{Text: "Hi"},
		message.ToolCallPart{ToolCallID: "1", ToolName: "search"},
	}, out[0].Content)

	assert.Equal(t, message.RoleTool, out[1].Role)
	assert.Equal(t, message.Content{
		message.ToolResultPart{ToolCallID: "1", ToolName: "search", Result: json.RawMessage(`"X"`)},
	}, out[1].Content)

	assert.Equal(t, message.RoleAssistant, out[2].Role)
	assert.Equal(t, message.Content{message.TextPart{Text: "Done"}}, out[2].Content)
}

func TestReduceAbortMidToolCall(t *testing.T) {
	out := Reduce([]Event{
		ReasoningDelta{Text: "let me "},
		ReasoningDelta{Text: "look"},
		ToolCall{ID: "9", Name: "web_search", Args: json.RawMessage(`{"query":"go"}`)},
	})

	require.Len(t, out, 1)
	assert.Equal(t, message.RoleAssistant, out[0].Role)
	require.Len(t, out[0].Content, 2)
	assert.Equal(t, message.ReasoningPart{Text: "let me look"}, out[0].Content[0])
	call, ok := out[0].Content[1].(message.ToolCallPart)
	require.True(t, ok)
	assert.Equal(t, "9", call.ToolCallID)
}

func TestReduceEndsOnToolResult(t *testing.T) {
	out := Reduce([]Event{
		ToolCall{ID: "1", Name: "web_reader"},
		ToolResult{ID: "1", Name: "web_reader", Result: json.RawMessage(`{}`)},
	})

	require.Len(t, out, 2)
	assert.Equal(t, message.RoleAssistant, out[0].Role)
	assert.Equal(t, message.RoleTool, out[1].Role)
}

func TestReduceKeepsParallelToolCalls(t *testing.T) {
	out := Reduce([]Event{
		ToolCall{ID: "a", Name: "web_search"},
		ToolCall{ID: "b", Name: "web_search"},
		ToolResult{ID: "a", Name: "web_search"},
		ToolResult{ID: "b", Name: "web_search"},
		TextDelta{Text: "summary"},
	})

	require.Len(t, out, 3)
	require.Len(t, out[0].Content, 2)
	require.Len(t, out[1].Content, 2)
	assert.Equal(t, "a", out[1].Content[0].(message.ToolResultPart).ToolCallID)
	assert.Equal(t, "b", out[1].Content[1].(message.ToolResultPart).ToolCallID)
}

func TestReduceIgnoresSourceAndControlBetweenFragments(t *testing.T) {
	out := Reduce([]Event{
		Control{Type: ControlStepStart},
		TextDelta{Text: "see "},
		Source{URL: "https://go.dev"},
		TextDelta{Text: "go.dev"},
		Control{Type: ControlFinish},
	})

	require.Len(t, out, 1)
	assert.Equal(t, message.Content{message.TextPart{Text: "see go.dev"}}, out[0].Content)
}

func TestReduceNeverMixesRoles(t *testing.T) {
	events := []Event{
		TextDelta{Text: "a"},
		ToolCall{ID: "1"},
		ToolResult{ID: "1"},
		ReasoningDelta{Text: "b"},
		ToolCall{ID: "2"},
		ToolResult{ID: "2"},
		ToolCall{ID: "3"},
		TextDelta{Text: "c"},
	}
	for _, m := range Reduce(events) {
		require.NoError(t, message.Message{Role: m.Role, Content: m.Content}.Validate())
	}
}

func TestEventJSONCarriesType(t *testing.T) {
	raw, err := json.Marshal(Control{Type: ControlFinish, Usage: message.Usage{TotalTokens: 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control","control":"finish","usage":{"promptTokens":0,"completionTokens":0,"totalTokens":3}}`, string(raw))

	raw, err = json.Marshal(ToolCall{ID: "1", Name: "web_search", Args: json.RawMessage(`{"q":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool-call","toolCallId":"1","toolName":"web_search","args":{"q":1}}`, string(raw))
}

func TestReduceGeneratedFileJoinsAssistantAnswer(t *testing.T) {
	out := Reduce([]Event{
		ToolCall{ID: "1", Name: "generate_image", Args: json.RawMessage(`{"prompt":"cat"}`)},
		ToolResult{ID: "1", Name: "generate_image", Result: json.RawMessage(`{"files":["https://cdn.example.com/a.png"]}`)},
		File{URL: "https://cdn.example.com/a.png", MediaType: "image/png", Name: "generated_image.png"},
		TextDelta{Text: "Here is your cat."},
	})
	require.Len(t, out, 3)

	assert.Equal(t, message.RoleTool, out[1].Role)
	assert.Equal(t, message.RoleAssistant, out[2].Role)
	assert.Equal(t, message.Content{
		message.FilePart{URL: "https://cdn.example.com/a.png", MimeType: "image/png", Name: "generated_image.png"},
		message.TextPart{Text: "Here is your cat."},
	}, out[2].Content)
}
