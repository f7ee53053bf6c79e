package ingestion

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// maxFetchBytes caps the body read from a single URL.
const maxFetchBytes = 10 << 20

// boilerplate is removed before conversion.
const boilerplate = "script, style, noscript, nav, footer, aside, header, form, iframe"

// contentSelectors are tried in order to find the main page content.
var contentSelectors = []string{"main", "article", "[role='main']", "#content", ".content"}

// Fetcher retrieves web pages and reduces them to Markdown text.
type Fetcher struct {
	// client is the HTTP client used for fetching pages.
	client *http.Client
	// userAgent is sent with every request.
	userAgent string
}

// NewFetcher returns a Fetcher. A zero timeout means 30s.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: "ragkit-go/1.0 (document ingestion)",
	}
}

// Fetch downloads rawURL and returns it as a document. HTML pages are
// stripped of navigation and scripts and converted to Markdown; plain text
// and Markdown bodies are kept as-is. Metadata is inferred from the URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (rag.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return rag.Document{}, rag.Malformedf("ingestion: invalid url %q: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html, text/plain, text/markdown")

	resp, err := f.client.Do(req)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rag.Document{}, fmt.Errorf("ingestion: unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: read %s: %w", rawURL, err)
	}

	text, title := string(body), ""
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" ||
		(mediaType == "" && looksLikeHTML(text)) {
		text, title, err = htmlToText(text)
		if err != nil {
			return rag.Document{}, rag.Malformedf("ingestion: parse html from %s: %v", rawURL, err)
		}
	}
	if strings.TrimSpace(text) == "" {
		return rag.Document{}, rag.Malformedf("ingestion: %s has no text content", rawURL)
	}

	inferred := InferMetadata(rawURL)
	doc := rag.Document{
		ID:     DocumentID(rawURL),
		Source: rawURL,
		Text:   text,
		Metadata: rag.Metadata{
			Category:  inferred.Category,
			Domain:    inferred.Domain,
			Timestamp: time.Now().UTC(),
		},
	}
	if title != "" {
		doc.Metadata.Extra = map[string]string{"title": title}
	}
	return doc, nil
}

// htmlToText returns the Markdown rendering of the page's main content and
// its title.
func htmlToText(html string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", err
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find(boilerplate).Remove()
	content := doc.Find("body")
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			content = s
			break
		}
	}
	inner, err := content.Html()
	if err != nil {
		return "", "", err
	}

	markdown, err := md.NewConverter("", true, nil).ConvertString(inner)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(markdown), title, nil
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(strings.TrimSpace(s[:min(len(s), 512)]))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") || strings.Contains(head, "<body")
}
