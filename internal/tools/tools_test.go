package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"konchat/backend/internal/brave"
	"konchat/backend/internal/credits"
	"konchat/backend/internal/imagegen"
	"konchat/backend/internal/webread"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type stubSearcher struct {
	calls   atomic.Int32
	last    brave.Query
	results []brave.Result
	err     error
}

func (s *stubSearcher) Search(_ context.Context, q brave.Query) ([]brave.Result, error) {
	s.calls.Add(1)
	s.last = q
	return s.results, s.err
}

type stubReader struct {
	page webread.Page
	err  error
}

func (s stubReader) Read(_ context.Context, rawURL string) (webread.Page, error) {
	if s.err != nil {
		return webread.Page{}, s.err
	}
	page := s.page
	page.URL = rawURL
	return page, nil
}

func TestSetExposesToolsPerCapability(t *testing.T) {
	set := NewSet(&stubSearcher{}, stubReader{}, nil, nil)

	assert.Empty(t, set.For(credits.CapabilityChat))
	cases := map[credits.Capability]string{
		credits.CapabilityWebSearch:      "web_search",
		credits.CapabilityAcademicSearch: "academic_search",
		credits.CapabilityWebReader:      "web_reader",
		credits.CapabilityXSearch:        "x_search",
		credits.CapabilityImage:          "generate_image",
	}
	for capability, name := range cases {
		got := set.For(capability)
		require.Len(t, got, 1, capability)
		assert.Equal(t, name, got[0].Name())
		assert.NotEmpty(t, got[0].Description())
	}
}

func TestSetRefusesToolOutsideCapability(t *testing.T) {
	set := NewSet(&stubSearcher{}, stubReader{}, nil, nil)

	_, err := set.Call(context.Background(), credits.CapabilityWebSearch, "web_reader", json.RawMessage(`{"url":"https://example.com"}`))
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestParametersSchemaIsClosedObject(t *testing.T) {
	set := NewSet(&stubSearcher{}, stubReader{}, nil, nil)

	raw, err := json.Marshal(set.For(credits.CapabilityWebSearch)[0].Parameters())
	require.NoError(t, err)

	assert.Equal(t, "object", gjson.GetBytes(raw, "type").String())
	assert.False(t, gjson.GetBytes(raw, "additionalProperties").Bool())
	assert.True(t, gjson.GetBytes(raw, "properties.query").Exists())
	assert.Equal(t, "query", gjson.GetBytes(raw, "required.0").String())
	assert.False(t, gjson.GetBytes(raw, "$defs").Exists())
}

func TestWebSearchReturnsResultsAndSources(t *testing.T) {
	searcher := &stubSearcher{results: []brave.Result{
		{URL: "https://go.dev", Title: "Go", Snippet: "The Go language"},
		{URL: "https://pkg.go.dev", Title: "Packages"},
	}}
	tool := NewWebSearch(searcher)

	out, err := tool.Call(context.Background(), json.RawMessage(`{"query":"  golang  ","freshness":"pw"}`))
	require.NoError(t, err)

	assert.Equal(t, "golang", searcher.last.Text)
	assert.Equal(t, "pw", searcher.last.Freshness)
	assert.Empty(t, searcher.last.Sites)
	assert.Equal(t, "golang", gjson.GetBytes(out.Result, "query").String())
	assert.Equal(t, "https://go.dev", gjson.GetBytes(out.Result, "results.0.url").String())
	assert.Equal(t, []Source{{URL: "https://go.dev", Title: "Go"}, {URL: "https://pkg.go.dev", Title: "Packages"}}, out.Sources)
}

func TestAcademicSearchRestrictsSites(t *testing.T) {
	searcher := &stubSearcher{}
	tool := NewAcademicSearch(searcher)

	_, err := tool.Call(context.Background(), json.RawMessage(`{"query":"transformers"}`))
	require.NoError(t, err)
	assert.Contains(t, searcher.last.Sites, "arxiv.org")
}

func TestXSearchKeepsOnlyPosts(t *testing.T) {
	searcher := &stubSearcher{results: []brave.Result{
		{URL: "https://x.com/golang/status/1790000000000000000", Title: "Go 1.23"},
		{URL: "https://x.com/golang", Title: "Go profile"},
		{URL: "https://twitter.com/rob_pike/status/42", Title: "Rob"},
	}}
	tool := NewXSearch(searcher)

	out, err := tool.Call(context.Background(), json.RawMessage(`{"query":"@golang release"}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x.com", "twitter.com"}, searcher.last.Sites)
	assert.EqualValues(t, 2, gjson.GetBytes(out.Result, "results.#").Int())
	require.Len(t, out.Sources, 2)
	assert.Equal(t, "https://twitter.com/rob_pike/status/42", out.Sources[1].URL)
}

func TestSearchRejectsBadArguments(t *testing.T) {
	tool := NewWebSearch(&stubSearcher{})

	_, err := tool.Call(context.Background(), json.RawMessage(`{"query":"   "}`))
	require.ErrorIs(t, err, ErrInvalidArgs)

	_, err = tool.Call(context.Background(), json.RawMessage(`not json`))
	require.ErrorIs(t, err, ErrInvalidArgs)
}

func TestWebReaderReturnsPage(t *testing.T) {
	tool := NewWebReader(stubReader{page: webread.Page{FinalURL: "https://example.com/a", Title: "A", Text: "body"}})

	out, err := tool.Call(context.Background(), json.RawMessage(`{"url":"https://example.com/a"}`))
	require.NoError(t, err)
	assert.Equal(t, "body", gjson.GetBytes(out.Result, "text").String())
	assert.Equal(t, []Source{{URL: "https://example.com/a", Title: "A"}}, out.Sources)
}

func TestWebReaderWrapsReadErrors(t *testing.T) {
	tool := NewWebReader(stubReader{err: webread.ErrBlockedURL})

	_, err := tool.Call(context.Background(), json.RawMessage(`{"url":"http://127.0.0.1"}`))
	require.ErrorIs(t, err, webread.ErrBlockedURL)
}

func TestErrorResultCarriesMessage(t *testing.T) {
	raw := ErrorResult(errors.New("boom"))
	assert.Equal(t, "boom", gjson.GetBytes(raw, "error").String())
}

func TestGuardedSearcherOpensAfterRepeatedUpstreamFailures(t *testing.T) {
	inner := &stubSearcher{err: brave.APIError{StatusCode: 503, Body: "down"}}
	guarded := NewGuardedSearcher(inner, GuardOptions{RequestsPerSecond: 1000})

	for range breakerMaxFailures {
		_, err := guarded.Search(context.Background(), brave.Query{Text: "q"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, guarded.State())

	_, err := guarded.Search(context.Background(), brave.Query{Text: "q"})
	require.ErrorIs(t, err, ErrSearchUnavailable)
	assert.EqualValues(t, breakerMaxFailures, inner.calls.Load())
}

func TestGuardedSearcherIgnoresClientErrors(t *testing.T) {
	inner := &stubSearcher{err: brave.APIError{StatusCode: 400, Body: "bad"}}
	guarded := NewGuardedSearcher(inner, GuardOptions{RequestsPerSecond: 1000})

	for range breakerMaxFailures + 2 {
		_, err := guarded.Search(context.Background(), brave.Query{Text: "q"})
		var apiErr brave.APIError
		require.ErrorAs(t, err, &apiErr)
	}
	assert.Equal(t, gobreaker.StateClosed, guarded.State())
}

func TestGuardedSearcherHonoursContextWhileWaiting(t *testing.T) {
	guarded := NewGuardedSearcher(&stubSearcher{}, GuardOptions{RequestsPerSecond: 0.001})
	for range defaultRateBurstCount {
		_, err := guarded.Search(context.Background(), brave.Query{Text: "q"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := guarded.Search(ctx, brave.Query{Text: "q"})
	require.Error(t, err)
}

type stubImages struct {
	prompt string
	err    error
}

func (s *stubImages) Generate(_ context.Context, prompt string) (imagegen.Image, error) {
	s.prompt = prompt
	if s.err != nil {
		return imagegen.Image{}, s.err
	}
	return imagegen.Image{Data: []byte("png-bytes"), MediaType: "image/png"}, nil
}

type memoryObjects struct {
	objects map[string][]byte
}

func (m *memoryObjects) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return "https://files.example.com/" + key, nil
}

func TestImageGenerationStoresFileReference(t *testing.T) {
	images := &stubImages{}
	objects := &memoryObjects{}
	tool := NewImageGeneration(images, objects)

	out, err := tool.Call(context.Background(), json.RawMessage(`{"prompt":" a gopher surfing "}`))
	require.NoError(t, err)
	assert.Equal(t, "a gopher surfing", images.prompt)

	require.Len(t, objects.objects, 1)
	require.Len(t, out.Files, 1)
	file := out.Files[0]
	assert.Equal(t, "image/png", file.MediaType)
	assert.Equal(t, "generated_image.png", file.Name)
	assert.Regexp(t, `^https://files\.example\.com/generated/[0-9a-z]{26}-generated_image\.png$`, file.URL)
	for key, data := range objects.objects {
		assert.Equal(t, "https://files.example.com/"+key, file.URL)
		assert.Equal(t, []byte("png-bytes"), data)
	}
	assert.Equal(t, file.URL, gjson.GetBytes(out.Result, "files.0").String())
}

func TestImageGenerationErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewImageGeneration(nil, nil).Call(ctx, json.RawMessage(`{"prompt":"cat"}`))
	require.ErrorIs(t, err, ErrImageUnavailable)

	_, err = NewImageGeneration(&stubImages{}, &memoryObjects{}).Call(ctx, json.RawMessage(`{"prompt":""}`))
	require.ErrorIs(t, err, ErrInvalidArgs)

	upstream := errors.New("content policy")
	objects := &memoryObjects{}
	_, err = NewImageGeneration(&stubImages{err: upstream}, objects).Call(ctx, json.RawMessage(`{"prompt":"cat"}`))
	require.ErrorIs(t, err, upstream)
	assert.Empty(t, objects.objects)
}
