package tools_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halbridge/halbridge/internal/config"
	"github.com/halbridge/halbridge/internal/tools"
)

const page = `<!doctype html>
<html><head><title>Onet</title><style>body{color:red}</style></head>
<body>
  <script>var tracking = "do not show";</script>
  <h1>Headline</h1>
  <p>First   paragraph
     of text.</p>
  <div>Second <b>block</b></div>
</body></html>`

func webConfig() config.WebConfig {
	return config.WebConfig{MaxBytes: 1 << 16, UserAgent: "halbridge-test", Timeout: 5 * time.Second}
}

func TestFetch_ExtractsText(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	res, err := tools.NewFetcher(webConfig()).Fetch(context.Background(), invoke("web.fetch", map[string]any{"url": srv.URL}))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	text, _ := res.Payload["text"].(string)
	if want := "Headline\nFirst paragraph of text.\nSecond block"; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
	if strings.Contains(text, "tracking") || strings.Contains(text, "color") {
		t.Errorf("text leaks script or style: %q", text)
	}
	if res.Payload["title"] != "Onet" {
		t.Errorf("title = %v", res.Payload["title"])
	}
	if gotUA != "halbridge-test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if msg, _ := res.Payload["message"].(string); !strings.HasPrefix(msg, "Onet: Headline") {
		t.Errorf("message = %q", msg)
	}
}

func TestFetch_PlainTextAndTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("a", 100))
	}))
	defer srv.Close()

	cfg := webConfig()
	cfg.MaxBytes = 10
	res, err := tools.NewFetcher(cfg).Fetch(context.Background(), invoke("web.fetch", map[string]any{"url": srv.URL}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Payload["text"] != strings.Repeat("a", 10) {
		t.Errorf("text = %q", res.Payload["text"])
	}
	if res.Payload["truncated"] != true {
		t.Error("truncated = false, want true")
	}
}

func TestFetch_Refusals(t *testing.T) {
	cfg := webConfig()
	cfg.AllowedDomains = []string{"onet.pl"}
	f := tools.NewFetcher(cfg)

	tests := []struct {
		url     string
		wantErr string
	}{
		{"", "no url"},
		{"ftp://onet.pl", "unsupported scheme"},
		{"https://example.com", "not on the allow list"},
		{"https://evil-onet.pl", "not on the allow list"},
	}
	for _, tt := range tests {
		res, err := f.Fetch(context.Background(), invoke("web.fetch", map[string]any{"url": tt.url}))
		if err != nil {
			t.Fatalf("Fetch(%q) error = %v", tt.url, err)
		}
		if res.OK || !strings.Contains(res.Error, tt.wantErr) {
			t.Errorf("Fetch(%q) = ok:%v %q, want refusal containing %q", tt.url, res.OK, res.Error, tt.wantErr)
		}
	}
}

func TestFetch_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := tools.NewFetcher(webConfig()).Fetch(context.Background(), invoke("web.fetch", map[string]any{"url": srv.URL})); err == nil {
		t.Error("Fetch() error = nil, want HTTP 502 error")
	}
}

func TestBrowser_RefusesBeforeLaunch(t *testing.T) {
	cfg := webConfig()
	cfg.AllowedDomains = []string{"onet.pl"}

	res, err := tools.NewBrowser(cfg).Fetch(context.Background(), invoke("browser.fetch", map[string]any{"url": "https://example.com"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Error("Fetch() ok = true for a domain off the allow list")
	}
}
