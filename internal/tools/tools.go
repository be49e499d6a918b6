// Package tools implements the collaborator handlers registered in the Tool
// Registry: the Shelly hardware bridge, HTTP and headless-browser page
// fetch, sandboxed file helpers, shell execution and the clarification
// dialog. Every successful payload carries a user-facing "message".
package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/internal/config"
	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
)

// InvokeFunc is the signature shared by every handler method in this package.
type InvokeFunc func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error)

// Handlers builds the built-in handlers. browser.fetch is left out when the
// headless browser is disabled; the router then drops it from fallback chains.
func Handlers(c *catalog.Catalog, cfg *config.Config) []contracts.Handler {
	bridge := NewBridge(c, cfg.Devices.Timeout)
	fetcher := NewFetcher(cfg.Web)
	files := NewFiles(cfg.Files)
	shell := NewShell(cfg.Exec)
	clarifier := NewClarifier(c)

	spec := func(name, description string, fn InvokeFunc) contracts.Handler {
		return contracts.HandlerFunc{
			Capability: models.CapabilitySpec{
				Name:        name,
				Description: description,
				TimeoutMs:   c.Capability(name).TimeoutMs,
			},
			Fn: fn,
		}
	}

	handlers := []contracts.Handler{
		spec("iot.toggle", "Switch a device on or off through its relay and report the live state", bridge.Toggle),
		spec("iot.command", "Switch a device by running its configured shell command", bridge.Command),
		spec("iot.blink", "Blink a device a number of times", bridge.Blink),
		spec("web.fetch", "Fetch a web page over HTTP and extract its text", fetcher.Fetch),
		spec("file.read", "Read a text file", files.Read),
		spec("file.chunk", "Read part of a file by offset and size", files.Chunk),
		spec("file.write", "Write text into a file", files.Write),
		spec("file.list", "List a directory", files.List),
		spec("file.search", "Search text files for a regular expression", files.Search),
		spec("system.exec", "Run a shell command", shell.Exec),
		spec(models.CapabilityClarify, "Ask the user for a missing parameter", clarifier.Clarify),
	}
	if cfg.Web.BrowserEnabled {
		handlers = append(handlers, spec("browser.fetch", "Render a web page in headless Chrome and extract its text", NewBrowser(cfg.Web).Fetch))
	}
	return handlers
}

// ── Results ──────────────────────────────────────────────────

func done(payload map[string]any) *models.HandlerResult {
	return &models.HandlerResult{OK: true, Payload: payload}
}

func refused(format string, args ...any) *models.HandlerResult {
	return &models.HandlerResult{OK: false, Error: fmt.Sprintf(format, args...)}
}

// ── Argument helpers ─────────────────────────────────────────

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func argInt(args map[string]any, key string, fallback int64) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// excerpt shortens s to at most n runes on a single line.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
