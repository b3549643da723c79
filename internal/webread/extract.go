package webread

import (
	"bytes"
	"errors"
	"mime"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"golang.org/x/net/html"
	"rsc.io/pdf"
)

var ErrUnsupportedContent = errors.New("unsupported content type")

const (
	maxTitleRunes = 240
	maxPDFRunes   = 220_000
)

// Extract turns a response body into a title and plain text, capped at
// maxRunes.
func Extract(contentType string, body []byte, maxRunes int) (title, text string, err error) {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, parseErr := mime.ParseMediaType(mediaType); parseErr == nil {
		mediaType = parsed
	}

	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		title, text, err = extractHTML(body)
	case mediaType == "application/json":
		text, err = extractJSON(body)
	case mediaType == "application/pdf":
		text, err = extractPDF(body)
	case strings.HasPrefix(mediaType, "text/"):
		text = string(body)
	default:
		return "", "", ErrUnsupportedContent
	}
	if err != nil {
		return "", "", err
	}
	return trimRunes(strings.TrimSpace(title), maxTitleRunes), trimRunes(normalizeText(text), maxRunes), nil
}

func extractJSON(data []byte) (string, error) {
	if !json.Valid(data) {
		return string(data), nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return "", err
	}
	return pretty.String(), nil
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	runes := 0
	for n := 1; n <= reader.NumPage(); n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		for _, item := range page.Content().Text {
			chunk := strings.TrimSpace(item.S)
			if chunk == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
				runes++
			}
			b.WriteString(chunk)
			runes += utf8.RuneCountInString(chunk)
			if runes >= maxPDFRunes {
				return b.String(), nil
			}
		}
	}
	return b.String(), nil
}

func extractHTML(data []byte) (title, text string, err error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	var b strings.Builder
	walk(doc, false, &title, &b)
	return title, b.String(), nil
}

func walk(node *html.Node, skip bool, title *string, out *strings.Builder) {
	if node.Type == html.ElementNode {
		switch strings.ToLower(node.Data) {
		case "title":
			if *title == "" {
				*title = strings.Join(strings.Fields(nodeText(node)), " ")
			}
			return
		case "script", "style", "noscript", "svg", "iframe", "head", "nav", "footer":
			skip = true
		case "p", "div", "section", "article", "li", "h1", "h2", "h3", "h4", "h5", "h6", "br", "tr", "pre", "blockquote":
			out.WriteByte('\n')
		}
	}
	if node.Type == html.TextNode && !skip {
		if trimmed := strings.TrimSpace(node.Data); trimmed != "" {
			out.WriteString(trimmed)
			out.WriteByte(' ')
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		walk(child, skip, title, out)
	}
}

func nodeText(node *html.Node) string {
	if node.Type == html.TextNode {
		return node.Data
	}
	var b strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		b.WriteString(nodeText(child))
		b.WriteByte(' ')
	}
	return b.String()
}

func normalizeText(raw string) string {
	raw = strings.ToValidUTF8(strings.ReplaceAll(raw, "\r\n", "\n"), "")
	lines := strings.Split(raw, "\n")
	out := lines[:0]
	for _, line := range lines {
		if fields := strings.Fields(line); len(fields) > 0 {
			out = append(out, strings.Join(fields, " "))
		}
	}
	return strings.Join(out, "\n")
}

func trimRunes(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}
