package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"konchat/backend/internal/config"

	json "github.com/goccy/go-json"
)

const (
	maxErrorBodyBytes = 8 * 1024
	defaultModel      = "gpt-image-1"
)

var (
	ErrMissingAPIKey = errors.New("openai api key is not configured")
	ErrEmptyImage    = errors.New("image response carried no data")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	return fmt.Sprintf("openai images returned %d: %s", e.StatusCode, e.Body)
}

// Image is one generated picture.
type Image struct {
	Data      []byte
	MediaType string
}

// Client calls the OpenAI images endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type generateRequest struct {
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
	N            int    `json:"n"`
	OutputFormat string `json:"output_format"`
}

type generateResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		model:      defaultModel,
		httpClient: httpClient,
	}
}

func (c Client) Configured() bool {
	return c.apiKey != ""
}

// Generate creates one PNG image from prompt.
func (c Client) Generate(ctx context.Context, prompt string) (Image, error) {
	if c.apiKey == "" {
		return Image{}, ErrMissingAPIKey
	}

	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, N: 1, OutputFormat: "png"})
	if err != nil {
		return Image{}, fmt.Errorf("encode image request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return Image{}, fmt.Errorf("build image request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Image{}, fmt.Errorf("request image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Image{}, APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Image{}, fmt.Errorf("decode image response: %w", err)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return Image{}, ErrEmptyImage
	}
	data, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return Image{}, fmt.Errorf("decode image data: %w", err)
	}
	return Image{Data: data, MediaType: "image/png"}, nil
}
