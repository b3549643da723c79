package provider

import (
	"context"
	"fmt"
	"strings"

	"konchat/backend/internal/credits"
	"konchat/backend/internal/logger"
	"konchat/backend/internal/message"
	"konchat/backend/internal/openrouter"
	"konchat/backend/internal/tools"
	"konchat/backend/internal/turn"

	json "github.com/goccy/go-json"
)

const (
	defaultMaxSteps   = 5
	groundingResults  = 5
	metadataNamespace = "openrouter"
)

type Gateway interface {
	StreamChatCompletion(ctx context.Context, req openrouter.StreamRequest, h openrouter.StreamHandlers) (openrouter.StreamResult, error)
}

type Toolbox interface {
	For(capability credits.Capability) []tools.Tool
	Call(ctx context.Context, capability credits.Capability, name string, args json.RawMessage) (tools.Output, error)
}

type Options struct {
	MaxSteps int
	Logger   *logger.Logger
}

// OpenRouter runs a turn against the gateway, resolving tool calls between
// model steps until the model answers without calling a tool or the step
// budget runs out.
type OpenRouter struct {
	gateway  Gateway
	tools    Toolbox
	maxSteps int
	log      *logger.Logger
}

func NewOpenRouter(gateway Gateway, toolbox Toolbox, opts Options) *OpenRouter {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &OpenRouter{
		gateway:  gateway,
		tools:    toolbox,
		maxSteps: opts.MaxSteps,
		log:      opts.Logger.With("component", "provider"),
	}
}

func (p *OpenRouter) Stream(ctx context.Context, req turn.ProviderRequest, emit func(turn.Event) error) error {
	conversation := make([]openrouter.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		conversation = append(conversation, openrouter.TextMessage("system", req.System))
	}
	conversation = append(conversation, toWire(req.Messages)...)

	available := p.tools.For(req.Capability)
	definitions := make([]openrouter.Tool, 0, len(available))
	for _, t := range available {
		definitions = append(definitions, openrouter.Tool{
			Type: "function",
			Function: openrouter.FunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}

	var plugins []openrouter.Plugin
	if req.Grounding {
		plugins = []openrouter.Plugin{{ID: "web", MaxResults: groundingResults}}
	}
	var reasoning *openrouter.ReasoningConfig
	if req.Model.Reasoning {
		reasoning = &openrouter.ReasoningConfig{Effort: "medium"}
	}

	var (
		usage        message.Usage
		finishReason string
		completionID string
		seen         = map[string]struct{}{}
	)
	emitSource := func(url, title string) error {
		if url == "" {
			return nil
		}
		if _, ok := seen[url]; ok {
			return nil
		}
		seen[url] = struct{}{}
		return emit(turn.Source{ID: fmt.Sprintf("src_%d", len(seen)), URL: url, Title: title})
	}

	for step := 0; step < p.maxSteps; step++ {
		if err := emit(turn.Control{Type: turn.ControlStepStart, Step: step}); err != nil {
			return err
		}

		var text strings.Builder
		res, err := p.gateway.StreamChatCompletion(ctx, openrouter.StreamRequest{
			Model:     req.Model.Route,
			Messages:  conversation,
			Tools:     definitions,
			Plugins:   plugins,
			Reasoning: reasoning,
		}, openrouter.StreamHandlers{
			OnText: func(delta string) error {
				text.WriteString(delta)
				return emit(turn.TextDelta{Text: delta})
			},
			OnReasoning: func(delta string) error {
				return emit(turn.ReasoningDelta{Text: delta})
			},
			OnCitation: func(c openrouter.Citation) error {
				return emitSource(c.URL, c.Title)
			},
		})
		if err != nil {
			return err
		}

		usage = usage.Add(message.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		})
		finishReason = res.FinishReason
		if res.ID != "" {
			completionID = res.ID
		}
		if len(res.ToolCalls) == 0 {
			break
		}
		if step == p.maxSteps-1 {
			p.log.Warn("tool step budget exhausted", "model", req.Model.ID, "steps", p.maxSteps)
			break
		}

		assistant := openrouter.Message{Role: "assistant", ToolCalls: res.ToolCalls}
		if text.Len() > 0 {
			assistant.Content, _ = json.Marshal(text.String())
		}
		conversation = append(conversation, assistant)

		// All calls of a step are announced before any result so the step
		// reduces to one assistant message followed by one tool message.
		for _, call := range res.ToolCalls {
			if err := emit(turn.ToolCall{ID: call.ID, Name: call.Function.Name, Args: arguments(call)}); err != nil {
				return err
			}
		}
		var files []tools.File
		for _, call := range res.ToolCalls {
			args := arguments(call)
			out, err := p.tools.Call(ctx, req.Capability, call.Function.Name, args)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result := out.Result
			if err != nil {
				p.log.Warn("tool call failed", "tool", call.Function.Name, "error", err)
				result = tools.ErrorResult(err)
			}
			files = append(files, out.Files...)
			for _, src := range out.Sources {
				if err := emitSource(src.URL, src.Title); err != nil {
					return err
				}
			}
			if err := emit(turn.ToolResult{ID: call.ID, Name: call.Function.Name, Args: args, Result: result}); err != nil {
				return err
			}

			toolMessage := openrouter.TextMessage("tool", string(result))
			toolMessage.ToolCallID = call.ID
			toolMessage.Name = call.Function.Name
			conversation = append(conversation, toolMessage)
		}
		// Files follow the tool message so they open the next assistant message.
		for _, f := range files {
			if err := emit(turn.File{URL: f.URL, MediaType: f.MediaType, Name: f.Name}); err != nil {
				return err
			}
		}
	}

	var metadata message.Metadata
	if completionID != "" {
		raw, _ := json.Marshal(map[string]string{"id": completionID})
		metadata = message.Metadata{metadataNamespace: raw}
	}
	return emit(turn.Control{
		Type:         turn.ControlFinish,
		FinishReason: finishReason,
		Usage:        usage,
		Metadata:     metadata,
	})
}

func arguments(call openrouter.ToolCall) json.RawMessage {
	args := strings.TrimSpace(call.Function.Arguments)
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

// toWire converts stored conversation history to gateway messages.
// Reasoning parts and files attached to assistant answers are not replayed.
func toWire(history []message.Message) []openrouter.Message {
	out := make([]openrouter.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case message.RoleUser:
			out = append(out, userMessage(m.Content))
		case message.RoleAssistant:
			var (
				text  strings.Builder
				calls []openrouter.ToolCall
			)
			for _, part := range m.Content {
				switch p := part.(type) {
				case message.TextPart:
					text.WriteString(p.Text)
				case message.ToolCallPart:
					args := "{}"
					if len(p.Args) > 0 {
						args = string(p.Args)
					}
					calls = append(calls, openrouter.ToolCall{
						ID:       p.ToolCallID,
						Type:     "function",
						Function: openrouter.FunctionCall{Name: p.ToolName, Arguments: args},
					})
				}
			}
			if text.Len() == 0 && len(calls) == 0 {
				continue
			}
			msg := openrouter.Message{Role: "assistant", ToolCalls: calls}
			if text.Len() > 0 {
				msg.Content, _ = json.Marshal(text.String())
			}
			out = append(out, msg)
		case message.RoleTool:
			for _, part := range m.Content {
				p, ok := part.(message.ToolResultPart)
				if !ok {
					continue
				}
				result := "null"
				if len(p.Result) > 0 {
					result = string(p.Result)
				}
				msg := openrouter.TextMessage("tool", result)
				msg.ToolCallID = p.ToolCallID
				msg.Name = p.ToolName
				out = append(out, msg)
			}
		}
	}
	return out
}

func userMessage(content message.Content) openrouter.Message {
	if !content.HasAttachments() {
		return openrouter.TextMessage("user", content.Text())
	}
	parts := make([]openrouter.ContentPart, 0, len(content))
	for _, part := range content {
		switch p := part.(type) {
		case message.TextPart:
			parts = append(parts, openrouter.ContentPart{Type: "text", Text: p.Text})
		case message.FilePart:
			if strings.HasPrefix(p.MimeType, "image/") {
				parts = append(parts, openrouter.ContentPart{Type: "image_url", ImageURL: &openrouter.ImageURL{URL: p.URL}})
				continue
			}
			name := p.Name
			if name == "" {
				name = p.URL
			}
			parts = append(parts, openrouter.ContentPart{Type: "text", Text: fmt.Sprintf("[Attached file: %s](%s)", name, p.URL)})
		}
	}
	return openrouter.PartsMessage("user", parts)
}
