package tools

import (
	"context"
	"fmt"
	"strings"

	"konchat/backend/internal/webread"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

type PageReader interface {
	Read(ctx context.Context, rawURL string) (webread.Page, error)
}

type ReadArgs struct {
	URL string `json:"url" jsonschema:"description=Absolute http or https URL of the page to read."`
}

type webReader struct {
	reader PageReader
}

func NewWebReader(r PageReader) Tool {
	return webReader{reader: r}
}

func (webReader) Name() string { return "web_reader" }

func (webReader) Description() string {
	return "Fetch a web page or PDF and return its readable text."
}

func (webReader) Parameters() *jsonschema.Schema { return schemaFor[ReadArgs]() }

func (t webReader) Call(ctx context.Context, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[ReadArgs](raw)
	if err != nil {
		return Output{}, err
	}
	if strings.TrimSpace(args.URL) == "" {
		return Output{}, fmt.Errorf("%w: url is required", ErrInvalidArgs)
	}

	page, err := t.reader.Read(ctx, args.URL)
	if err != nil {
		return Output{}, fmt.Errorf("web_reader: %w", err)
	}
	encoded, err := json.Marshal(page)
	if err != nil {
		return Output{}, fmt.Errorf("encode web_reader result: %w", err)
	}
	title := page.Title
	if title == "" {
		title = page.FinalURL
	}
	return Output{Result: encoded, Sources: []Source{{URL: page.FinalURL, Title: title}}}, nil
}
