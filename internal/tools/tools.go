package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"konchat/backend/internal/credits"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Source is a document a tool consulted, surfaced to the client as a
// citation.
type Source struct {
	URL   string
	Title string
}

// File is a file a tool produced, shown to the user as an attachment of
// the assistant's answer.
type File struct {
	URL       string
	MediaType string
	Name      string
}

type Output struct {
	Result  json.RawMessage
	Sources []Source
	Files   []File
}

type Tool interface {
	Name() string
	Description() string
	Parameters() *jsonschema.Schema
	Call(ctx context.Context, args json.RawMessage) (Output, error)
}

var reflector = jsonschema.Reflector{
	AllowAdditionalProperties: false,
	DoNotReference:            true,
}

func schemaFor[T any]() *jsonschema.Schema {
	var v T
	schema := reflector.Reflect(v)
	schema.Version = ""
	return schema
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return out, nil
}

// Set maps each capability to the tools it exposes. Chat exposes none.
type Set struct {
	byCapability map[credits.Capability][]Tool
	byName       map[string]Tool
}

// NewSet wires every capability's tools. images and objects may be nil, in
// which case image generation reports itself unavailable when called.
func NewSet(search Searcher, reader PageReader, images ImageGenerator, objects ObjectStore) Set {
	webSearch := NewWebSearch(search)
	academic := NewAcademicSearch(search)
	xSearch := NewXSearch(search)
	webReader := NewWebReader(reader)
	imageGen := NewImageGeneration(images, objects)

	s := Set{
		byCapability: map[credits.Capability][]Tool{
			credits.CapabilityChat:           nil,
			credits.CapabilityWebSearch:      {webSearch},
			credits.CapabilityAcademicSearch: {academic},
			credits.CapabilityWebReader:      {webReader},
			credits.CapabilityXSearch:        {xSearch},
			credits.CapabilityImage:          {imageGen},
		},
		byName: map[string]Tool{},
	}
	for _, t := range []Tool{webSearch, academic, xSearch, webReader, imageGen} {
		s.byName[t.Name()] = t
	}
	return s
}

func (s Set) For(capability credits.Capability) []Tool {
	return s.byCapability[capability]
}

// Call runs the named tool, but only if capability exposes it.
func (s Set) Call(ctx context.Context, capability credits.Capability, name string, args json.RawMessage) (Output, error) {
	for _, t := range s.byCapability[capability] {
		if t.Name() == name {
			return t.Call(ctx, args)
		}
	}
	return Output{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// ErrorResult is the tool result handed back to the model when a call
// fails, so the model can recover instead of the turn failing.
func ErrorResult(err error) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return raw
}
