package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"konchat/backend/internal/imagegen"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/oklog/ulid/v2"
)

var ErrImageUnavailable = errors.New("image generation is not configured")

type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (imagegen.Image, error)
}

// ObjectStore keeps generated files and returns the URL they are served from.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type ImageArgs struct {
	Prompt string `json:"prompt" jsonschema:"description=A detailed description of the image to create."`
}

type imageResult struct {
	Files []string `json:"files"`
}

type imageTool struct {
	images  ImageGenerator
	objects ObjectStore
}

func NewImageGeneration(images ImageGenerator, objects ObjectStore) Tool {
	return imageTool{images: images, objects: objects}
}

func (imageTool) Name() string { return "generate_image" }
func (imageTool) Description() string {
	return "Create an image from a text prompt. The image is attached to the answer."
}
func (imageTool) Parameters() *jsonschema.Schema { return schemaFor[ImageArgs]() }

func (t imageTool) Call(ctx context.Context, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[ImageArgs](raw)
	if err != nil {
		return Output{}, err
	}
	prompt := strings.TrimSpace(args.Prompt)
	if prompt == "" {
		return Output{}, fmt.Errorf("%w: prompt is required", ErrInvalidArgs)
	}
	if t.images == nil || t.objects == nil {
		return Output{}, ErrImageUnavailable
	}

	img, err := t.images.Generate(ctx, prompt)
	if err != nil {
		return Output{}, fmt.Errorf("generate_image: %w", err)
	}
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}

	name := "generated_image" + extensionFor(mediaType)
	key := "generated/" + strings.ToLower(ulid.Make().String()) + "-" + name
	url, err := t.objects.Put(ctx, key, mediaType, img.Data)
	if err != nil {
		return Output{}, fmt.Errorf("store generated image: %w", err)
	}

	encoded, err := json.Marshal(imageResult{Files: []string{url}})
	if err != nil {
		return Output{}, fmt.Errorf("encode generate_image result: %w", err)
	}
	return Output{
		Result: encoded,
		Files:  []File{{URL: url, MediaType: mediaType, Name: name}},
	}, nil
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
