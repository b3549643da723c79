package webread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 12 * time.Second
	defaultRedirects = 3
	defaultMaxRunes  = 16_000
	defaultMaxBytes  = int64(1_500_000)
	userAgent        = "konchat-reader/1.0"
	snippetRunes     = 900
)

var ErrEmptyContent = errors.New("page has no readable text")

// UpstreamStatusError is a non-success HTTP status from the fetched page.
type UpstreamStatusError struct {
	StatusCode int
}

func (e UpstreamStatusError) Error() string {
	return fmt.Sprintf("page returned status %d", e.StatusCode)
}

type Options struct {
	Timeout      time.Duration
	MaxBytes     int64
	MaxRedirects int
	MaxTextRunes int
}

type Page struct {
	URL         string    `json:"url"`
	FinalURL    string    `json:"finalUrl"`
	Title       string    `json:"title,omitempty"`
	ContentType string    `json:"contentType"`
	Text        string    `json:"text"`
	Snippet     string    `json:"-"`
	Truncated   bool      `json:"truncated,omitempty"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Reader fetches public pages and returns their readable text. Private,
// loopback and link-local destinations are refused at validation, on every
// redirect, and at dial time.
type Reader struct {
	opts       Options
	httpClient *http.Client
}

func NewReader(opts Options, httpClient *http.Client) *Reader {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultRedirects
	}
	if opts.MaxTextRunes <= 0 {
		opts.MaxTextRunes = defaultMaxRunes
	}

	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = guardedDial((&net.Dialer{Timeout: opts.Timeout}).DialContext, net.DefaultResolver.LookupIP)
		httpClient = &http.Client{Transport: transport}
	}
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= opts.MaxRedirects {
			return errors.New("too many redirects")
		}
		_, err := CheckURL(req.URL.String())
		return err
	}

	return &Reader{opts: opts, httpClient: httpClient}
}

func (r *Reader) Read(ctx context.Context, rawURL string) (Page, error) {
	target, err := CheckURL(rawURL)
	if err != nil {
		return Page{URL: rawURL}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Page{URL: target.String()}, fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,text/markdown,application/json,text/csv,application/pdf;q=0.9,*/*;q=0.2")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Page{URL: target.String()}, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	page := Page{
		URL:       target.String(),
		FinalURL:  target.String(),
		FetchedAt: time.Now().UTC(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		page.FinalURL = resp.Request.URL.String()
	}

	page.ContentType = strings.TrimSpace(resp.Header.Get("Content-Type"))
	if parsed, _, err := mime.ParseMediaType(page.ContentType); err == nil {
		page.ContentType = parsed
	}
	if page.ContentType == "" {
		page.ContentType = "application/octet-stream"
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		return page, UpstreamStatusError{StatusCode: resp.StatusCode}
	}

	body, truncated, err := readCapped(resp.Body, r.opts.MaxBytes)
	if err != nil {
		return page, fmt.Errorf("read page body: %w", err)
	}
	page.Truncated = truncated

	title, text, err := Extract(page.ContentType, body, r.opts.MaxTextRunes)
	if err != nil {
		return page, err
	}
	if text == "" {
		return page, ErrEmptyContent
	}
	page.Title = title
	page.Text = text
	page.Snippet = trimRunes(text, snippetRunes)
	return page, nil
}

func readCapped(r io.Reader, maxBytes int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], true, nil
	}
	return body, false, nil
}
