package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"konchat/backend/internal/config"

	json "github.com/goccy/go-json"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("openrouter api key is not configured")

// UpstreamError is a non-2xx reply from the gateway.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("openrouter returned %d: %s", e.StatusCode, e.Body)
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Message is one chat message on the wire. Content is either a string or
// a list of ContentPart; use TextMessage or PartsMessage to build one.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

func TextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

func PartsMessage(role string, parts []ContentPart) Message {
	raw, _ := json.Marshal(parts)
	return Message{Role: role, Content: raw}
}

type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Plugin enables a gateway-side feature such as web grounding.
type Plugin struct {
	ID         string `json:"id"`
	MaxResults int    `json:"max_results,omitempty"`
}

type ReasoningConfig struct {
	Effort string `json:"effort,omitempty"`
}

type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
	ReasoningTokens  int64 `json:"reasoningTokens,omitempty"`
}

type Citation struct {
	URL     string
	Title   string
	Content string
}

type StreamRequest struct {
	Model     string
	Messages  []Message
	Tools     []Tool
	Plugins   []Plugin
	Reasoning *ReasoningConfig
}

// StreamHandlers receive stream output as it arrives. Any nil handler is
// skipped. A handler error aborts the stream and is returned unchanged.
type StreamHandlers struct {
	OnStart     func() error
	OnText      func(string) error
	OnReasoning func(string) error
	OnCitation  func(Citation) error
}

// StreamResult is what remains once a completion finishes: the tool calls
// assembled from their deltas, the finish reason and the usage.
type StreamResult struct {
	ID           string
	FinishReason string
	ToolCalls    []ToolCall
	Usage        Usage
}

type streamAPIRequest struct {
	Model         string           `json:"model"`
	Messages      []Message        `json:"messages"`
	Tools         []Tool           `json:"tools,omitempty"`
	Plugins       []Plugin         `json:"plugins,omitempty"`
	Reasoning     *ReasoningConfig `json:"reasoning,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type reasoningDetail struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type annotation struct {
	Type        string `json:"type"`
	URLCitation *struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"url_citation"`
}

type streamAPIUsage struct {
	PromptTokens            int64 `json:"prompt_tokens"`
	CompletionTokens        int64 `json:"completion_tokens"`
	TotalTokens             int64 `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type streamAPIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content          string            `json:"content"`
			Reasoning        string            `json:"reasoning"`
			ReasoningDetails []reasoningDetail `json:"reasoning_details"`
			ToolCalls        []toolCallDelta   `json:"tool_calls"`
			Annotations      []annotation      `json:"annotations"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *streamAPIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type Client struct {
	apiKey     string
	baseURL    string
	referer    string
	httpClient *http.Client
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.OpenRouterAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.OpenRouterBaseURL), "/"),
		referer:    strings.TrimSpace(cfg.FrontendOrigin),
		httpClient: httpClient,
	}
}

func (c Client) StreamChatCompletion(ctx context.Context, req StreamRequest, h StreamHandlers) (StreamResult, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return StreamResult{}, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" {
		return StreamResult{}, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return StreamResult{}, errors.New("messages are required")
	}

	var reasoning *ReasoningConfig
	if req.Reasoning != nil {
		if effort := strings.TrimSpace(req.Reasoning.Effort); effort != "" {
			reasoning = &ReasoningConfig{Effort: effort}
		}
	}

	payload, err := json.Marshal(streamAPIRequest{
		Model:         strings.TrimSpace(req.Model),
		Messages:      req.Messages,
		Tools:         req.Tools,
		Plugins:       req.Plugins,
		Reasoning:     reasoning,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return StreamResult{}, fmt.Errorf("marshal openrouter request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return StreamResult{}, fmt.Errorf("build openrouter request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StreamResult{}, fmt.Errorf("request openrouter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return StreamResult{}, UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if h.OnStart != nil {
		if err := h.OnStart(); err != nil {
			return StreamResult{}, err
		}
	}

	var (
		result  StreamResult
		pending = map[int]*ToolCall{}
		seen    = map[string]struct{}{}
	)
	finish := func() StreamResult {
		result.ToolCalls = assembleToolCalls(pending)
		return result
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return finish(), nil
		}

		var parsed streamAPIResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue
		}

		if parsed.ID != "" {
			result.ID = parsed.ID
		}
		if parsed.Usage != nil {
			result.Usage = Usage{
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
				TotalTokens:      parsed.Usage.TotalTokens,
			}
			if parsed.Usage.CompletionTokensDetails != nil {
				result.Usage.ReasoningTokens = parsed.Usage.CompletionTokensDetails.ReasoningTokens
			}
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return finish(), errors.New(strings.TrimSpace(parsed.Error.Message))
		}

		for _, choice := range parsed.Choices {
			// Reasoning typically arrives before content.
			if err := emitReasoning(h, choice.Delta.Reasoning, choice.Delta.ReasoningDetails); err != nil {
				return finish(), err
			}

			if choice.Delta.Content != "" && h.OnText != nil {
				if err := h.OnText(choice.Delta.Content); err != nil {
					return finish(), err
				}
			}

			for _, d := range choice.Delta.ToolCalls {
				call, ok := pending[d.Index]
				if !ok {
					call = &ToolCall{Type: "function"}
					pending[d.Index] = call
				}
				if d.ID != "" {
					call.ID = d.ID
				}
				if d.Function.Name != "" {
					call.Function.Name = d.Function.Name
				}
				call.Function.Arguments += d.Function.Arguments
			}

			for _, a := range choice.Delta.Annotations {
				if a.Type != "url_citation" || a.URLCitation == nil || h.OnCitation == nil {
					continue
				}
				url := strings.TrimSpace(a.URLCitation.URL)
				if url == "" {
					continue
				}
				if _, dup := seen[url]; dup {
					continue
				}
				seen[url] = struct{}{}
				if err := h.OnCitation(Citation{URL: url, Title: a.URLCitation.Title, Content: a.URLCitation.Content}); err != nil {
					return finish(), err
				}
			}

			if choice.FinishReason != nil && *choice.FinishReason != "" {
				result.FinishReason = *choice.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return finish(), fmt.Errorf("read openrouter stream: %w", err)
	}
	return finish(), nil
}

func emitReasoning(h StreamHandlers, plain string, details []reasoningDetail) error {
	if h.OnReasoning == nil {
		return nil
	}
	if len(details) > 0 {
		for _, detail := range details {
			if detail.Type == "reasoning.text" && detail.Text != "" {
				if err := h.OnReasoning(detail.Text); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if plain != "" {
		return h.OnReasoning(plain)
	}
	return nil
}

func assembleToolCalls(pending map[int]*ToolCall) []ToolCall {
	if len(pending) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(pending))
	for idx := range pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		call := *pending[idx]
		if call.Function.Name == "" {
			continue
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", idx)
		}
		if strings.TrimSpace(call.Function.Arguments) == "" {
			call.Function.Arguments = "{}"
		}
		out = append(out, call)
	}
	return out
}
