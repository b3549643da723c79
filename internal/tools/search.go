package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"konchat/backend/internal/brave"
	"konchat/backend/internal/logger"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

type Searcher interface {
	Search(ctx context.Context, q brave.Query) ([]brave.Result, error)
}

const (
	defaultResultCount    = 6
	breakerMaxFailures    = 5
	breakerOpenTimeout    = 30 * time.Second
	breakerClearInterval  = time.Minute
	defaultRatePerSecond  = 1.0
	defaultRateBurstCount = 2
)

var ErrSearchUnavailable = errors.New("search is temporarily unavailable")

var academicSites = []string{
	"arxiv.org",
	"pubmed.ncbi.nlm.nih.gov",
	"semanticscholar.org",
	"nature.com",
	"sciencedirect.com",
	"dl.acm.org",
	"ieeexplore.ieee.org",
	"link.springer.com",
}

var xSites = []string{"x.com", "twitter.com"}

var xPostURL = regexp.MustCompile(`(?:twitter\.com|x\.com)/\w+/status/(\d+)`)

// isXPost keeps only results that link to a single post.
func isXPost(r brave.Result) bool {
	return xPostURL.MatchString(r.URL)
}

type GuardOptions struct {
	RequestsPerSecond float64
	Logger            *logger.Logger
}

// GuardedSearcher paces calls to an upstream search API and stops calling
// it for a while after repeated upstream failures.
type GuardedSearcher struct {
	inner   Searcher
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]brave.Result]
}

func NewGuardedSearcher(inner Searcher, opts GuardOptions) *GuardedSearcher {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	perSecond := opts.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}

	cb := gobreaker.NewCircuitBreaker[[]brave.Result](gobreaker.Settings{
		Name:        "search:brave",
		MaxRequests: 1,
		Interval:    breakerClearInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr brave.APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Retryable()
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, brave.ErrMissingAPIKey)
		},
	})

	return &GuardedSearcher{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), defaultRateBurstCount),
		breaker: cb,
	}
}

func (g *GuardedSearcher) Search(ctx context.Context, q brave.Query) ([]brave.Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for search slot: %w", err)
	}
	results, err := g.breaker.Execute(func() ([]brave.Result, error) {
		return g.inner.Search(ctx, q)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}
	return results, err
}

func (g *GuardedSearcher) State() gobreaker.State {
	return g.breaker.State()
}

type SearchArgs struct {
	Query     string `json:"query" jsonschema:"description=The search query. Keep it short and specific."`
	Freshness string `json:"freshness,omitempty" jsonschema:"description=Restrict results by age: pd (day) pw (week) pm (month) py (year),enum=pd,enum=pw,enum=pm,enum=py"`
}

type searchResult struct {
	Query   string         `json:"query"`
	Results []brave.Result `json:"results"`
}

type searchTool struct {
	name        string
	description string
	sites       []string
	keep        func(brave.Result) bool
	searcher    Searcher
}

func NewWebSearch(s Searcher) Tool {
	return searchTool{
		name:        "web_search",
		description: "Search the web for current information. Returns titles, URLs and snippets.",
		searcher:    s,
	}
}

func NewAcademicSearch(s Searcher) Tool {
	return searchTool{
		name:        "academic_search",
		description: "Search scholarly sources such as arXiv, PubMed and journal sites. Returns titles, URLs and abstracts.",
		sites:       academicSites,
		searcher:    s,
	}
}

func NewXSearch(s Searcher) Tool {
	return searchTool{
		name:        "x_search",
		description: "Search posts on X (formerly Twitter). Put @username in the query to find posts by an account.",
		sites:       xSites,
		keep:        isXPost,
		searcher:    s,
	}
}

func (t searchTool) Name() string                   { return t.name }
func (t searchTool) Description() string            { return t.description }
func (t searchTool) Parameters() *jsonschema.Schema { return schemaFor[SearchArgs]() }

func (t searchTool) Call(ctx context.Context, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[SearchArgs](raw)
	if err != nil {
		return Output{}, err
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return Output{}, fmt.Errorf("%w: query is required", ErrInvalidArgs)
	}

	results, err := t.searcher.Search(ctx, brave.Query{
		Text:      query,
		Count:     defaultResultCount,
		Sites:     t.sites,
		Freshness: args.Freshness,
	})
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", t.name, err)
	}
	if t.keep != nil {
		kept := make([]brave.Result, 0, len(results))
		for _, r := range results {
			if t.keep(r) {
				kept = append(kept, r)
			}
		}
		results = kept
	}

	encoded, err := json.Marshal(searchResult{Query: query, Results: results})
	if err != nil {
		return Output{}, fmt.Errorf("encode %s result: %w", t.name, err)
	}
	sources := make([]Source, 0, len(results))
	for _, r := range results {
		sources = append(sources, Source{URL: r.URL, Title: r.Title})
	}
	return Output{Result: encoded, Sources: sources}, nil
}
