package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/halbridge/halbridge/internal/config"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// ── HTTP fetch ───────────────────────────────────────────────

// Fetcher implements web.fetch: a plain GET with a byte cap, per-host rate
// limiting and HTML-to-text extraction.
type Fetcher struct {
	client    *http.Client
	allowed   []string
	maxBytes  int64
	userAgent string

	rate     rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption { return func(f *Fetcher) { f.client = c } }

// NewFetcher creates a fetcher from the web settings.
func NewFetcher(cfg config.WebConfig, opts ...FetcherOption) *Fetcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	f := &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		allowed:   cfg.AllowedDomains,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		rate:      limit,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
	if f.maxBytes <= 0 {
		f.maxBytes = 150_000
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements web.fetch.
func (f *Fetcher) Fetch(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	u, err := checkURL(argString(inv.Args, "url"), f.allowed)
	if err != nil {
		return refused("%v", err), nil
	}
	if err := f.limiter(u.Hostname()).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", u.Hostname(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: HTTP %d", u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.Host, err)
	}
	truncated := int64(len(body)) > f.maxBytes
	if truncated {
		body = body[:f.maxBytes]
	}

	title, text := "", string(body)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		title, text, err = htmlText(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", u.Host, err)
		}
	}

	log.Debug().Str("url", u.String()).Int("status", resp.StatusCode).Int("chars", len(text)).Bool("truncated", truncated).Msg("Page fetched")
	return done(map[string]any{
		"url":       u.String(),
		"status":    resp.StatusCode,
		"title":     title,
		"text":      text,
		"truncated": truncated,
		"message":   pageMessage(u.String(), title, text),
	}), nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.rate, f.burst)
		f.limiters[host] = l
	}
	return l
}

// checkURL accepts http(s) URLs whose host is on the allow list (or any host
// when the list is empty). Subdomains of an allowed domain pass.
func checkURL(raw string, allowed []string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("no url given")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	if len(allowed) == 0 {
		return u, nil
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("domain %s is not on the allow list", host)
}

// htmlText returns the document title and its visible text with
// whitespace collapsed. Block elements start a new line.
func htmlText(r io.Reader) (string, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var title string
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template", "svg", "iframe", "head":
				if n.Data == "head" {
					title = findTitle(n)
				}
				return
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte('\n')
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, strings.TrimSpace(sb.String()), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func pageMessage(u, title, text string) string {
	if title != "" {
		return fmt.Sprintf("%s: %s", title, excerpt(text, 280))
	}
	return fmt.Sprintf("%s: %s", u, excerpt(text, 280))
}

// ── Headless browser ─────────────────────────────────────────

// Browser implements browser.fetch: the page is rendered in headless Chrome
// and the text of <body> is extracted after scripts run.
type Browser struct {
	allowed   []string
	userAgent string
	maxChars  int
	settle    time.Duration
}

// NewBrowser creates a browser fetcher sharing the web allow list.
func NewBrowser(cfg config.WebConfig) *Browser {
	maxChars := int(cfg.MaxBytes)
	if maxChars <= 0 {
		maxChars = 150_000
	}
	return &Browser{
		allowed:   cfg.AllowedDomains,
		userAgent: cfg.UserAgent,
		maxChars:  maxChars,
		settle:    500 * time.Millisecond,
	}
}

// Fetch implements browser.fetch.
func (b *Browser) Fetch(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	u, err := checkURL(argString(inv.Args, "url"), b.allowed)
	if err != nil {
		return refused("%v", err), nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(b.userAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var title, text string
	err = chromedp.Run(browserCtx,
		chromedp.Navigate(u.String()),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.settle),
		chromedp.Title(&title),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", u.Host, err)
	}

	text = strings.TrimSpace(text)
	truncated := false
	if runes := []rune(text); len(runes) > b.maxChars {
		text = string(runes[:b.maxChars])
		truncated = true
	}

	log.Debug().Str("url", u.String()).Int("chars", len(text)).Msg("Page rendered")
	return done(map[string]any{
		"url":       u.String(),
		"title":     title,
		"text":      text,
		"truncated": truncated,
		"message":   pageMessage(u.String(), title, text),
	}), nil
}
