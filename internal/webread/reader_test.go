package webread

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubClient(status int, contentType, body string) *http.Client {
	return &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: status,
				Header:     http.Header{"Content-Type": []string{contentType}},
				Body:       io.NopCloser(strings.NewReader(body)),
				Request:    req,
			}, nil
		}),
	}
}

func TestCheckURL(t *testing.T) {
	allowed := []string{"https://example.com/page", "http://example.com:80/x"}
	for _, u := range allowed {
		if _, err := CheckURL(u); err != nil {
			t.Fatalf("expected %s to be allowed: %v", u, err)
		}
	}

	blocked := []string{
		"file:///etc/passwd",
		"http://127.0.0.1:8080/admin",
		"http://[::1]/",
		"http://10.0.0.8/",
		"http://service.internal/",
		"http://localhost/",
		"https://example.com:8443/",
		"http://[::ffff:192.168.1.1]/",
	}
	for _, u := range blocked {
		if _, err := CheckURL(u); !errors.Is(err, ErrBlockedURL) {
			t.Fatalf("expected %s to be blocked, got %v", u, err)
		}
	}
}

func TestReadExtractsHTML(t *testing.T) {
	html := `<html><head><title> Go  Blog </title><style>.x{}</style></head>
<body><nav>menu</nav><article><h1>Hello</h1><p>First <b>para</b>.</p><script>alert(1)</script><p>Second</p></article></body></html>`
	reader := NewReader(Options{Timeout: 2 * time.Second}, stubClient(http.StatusOK, "text/html; charset=utf-8", html))

	page, err := reader.Read(context.Background(), "https://example.com/post")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if page.Title != "Go Blog" {
		t.Fatalf("unexpected title: %q", page.Title)
	}
	if page.ContentType != "text/html" {
		t.Fatalf("unexpected content type: %q", page.ContentType)
	}
	if page.Text != "Hello\nFirst para .\nSecond" {
		t.Fatalf("unexpected text: %q", page.Text)
	}
	if strings.Contains(page.Text, "alert") || strings.Contains(page.Text, "menu") {
		t.Fatalf("expected script and nav to be skipped: %q", page.Text)
	}
}

func TestReadCapsBody(t *testing.T) {
	reader := NewReader(Options{MaxBytes: 256, MaxTextRunes: 512}, stubClient(http.StatusOK, "text/plain", strings.Repeat("a", 2048)))

	page, err := reader.Read(context.Background(), "https://example.com/large")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !page.Truncated || len(page.Text) != 256 {
		t.Fatalf("expected truncated 256-byte text, got truncated=%v len=%d", page.Truncated, len(page.Text))
	}
}

func TestReadPrettyPrintsJSON(t *testing.T) {
	reader := NewReader(Options{}, stubClient(http.StatusOK, "application/json", `{"a":1}`))

	page, err := reader.Read(context.Background(), "https://example.com/data.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if page.Text != "{\n\"a\": 1\n}" {
		t.Fatalf("unexpected text: %q", page.Text)
	}
}

func TestReadRejectsUnsupportedAndErrors(t *testing.T) {
	reader := NewReader(Options{}, stubClient(http.StatusOK, "image/png", "\x89PNG"))
	if _, err := reader.Read(context.Background(), "https://example.com/a.png"); !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("expected ErrUnsupportedContent, got %v", err)
	}

	reader = NewReader(Options{}, stubClient(http.StatusNotFound, "text/html", "nope"))
	_, err := reader.Read(context.Background(), "https://example.com/missing")
	var status UpstreamStatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}

	reader = NewReader(Options{}, stubClient(http.StatusOK, "text/plain", "  \n "))
	if _, err := reader.Read(context.Background(), "https://example.com/blank"); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestReadRefusesBlockedURLWithoutFetching(t *testing.T) {
	called := false
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("unreachable")
	})}
	reader := NewReader(Options{}, client)

	if _, err := reader.Read(context.Background(), "http://169.254.169.254/latest/meta-data"); !errors.Is(err, ErrBlockedURL) {
		t.Fatalf("expected ErrBlockedURL, got %v", err)
	}
	if called {
		t.Fatal("expected no request for blocked url")
	}
}

func TestGuardedDialConnectsToVettedAddress(t *testing.T) {
	errDialed := errors.New("dialed")
	var dialed []string
	dial := guardedDial(
		func(_ context.Context, _, address string) (net.Conn, error) {
			dialed = append(dialed, address)
			return nil, errDialed
		},
		func(context.Context, string, string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("93.184.216.34")}, nil
		},
	)

	if _, err := dial(context.Background(), "tcp", "example.com:443"); !errors.Is(err, errDialed) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if len(dialed) != 1 || dialed[0] != "93.184.216.34:443" {
		t.Fatalf("expected dial to vetted ip, got %v", dialed)
	}
}

func TestGuardedDialRefusesPrivateAnswer(t *testing.T) {
	called := false
	dial := guardedDial(
		func(context.Context, string, string) (net.Conn, error) {
			called = true
			return nil, nil
		},
		func(context.Context, string, string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.7")}, nil
		},
	)

	if _, err := dial(context.Background(), "tcp", "rebind.example:80"); !errors.Is(err, ErrBlockedURL) {
		t.Fatalf("expected blocked url, got %v", err)
	}
	if called {
		t.Fatalf("expected no connection attempt")
	}
}
