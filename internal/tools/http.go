package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/httpkit"
)

// HTTPFetchTool is a guarded GET-only fetch with its own timeout and
// body-size cap, so the tool-calling engine never has to know either.
type HTTPFetchTool struct {
	cfg    config.HTTPFetchConfig
	client *http.Client
}

// NewHTTPFetchTool returns the fetch tool.
func NewHTTPFetchTool(cfg config.HTTPFetchConfig) *HTTPFetchTool {
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 30
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 512 * 1024
	}
	return &HTTPFetchTool{
		cfg:    cfg,
		client: httpkit.NewClient(httpkit.WithTimeout(time.Duration(cfg.TimeoutSec) * time.Second)),
	}
}

func (t *HTTPFetchTool) Name() string { return "http_fetch" }

func (t *HTTPFetchTool) Description() string {
	return "Fetch a URL over HTTP(S) with GET and return the response body as text. Bodies are size-capped; binary content is summarized."
}

func (t *HTTPFetchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "The http(s) URL to fetch"},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPFetchTool) Category() Category     { return CategoryNetwork }
func (t *HTTPFetchTool) RequiresApproval() bool { return false }

func (t *HTTPFetchTool) Execute(ctx context.Context, args map[string]any, _ *Context) (Output, error) {
	raw := argString(args, "url")
	if raw == "" {
		return ErrorOutput("url is required"), nil
	}

	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorOutput("only http and https URLs are allowed"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return ErrorOutput("build request: %v", err), nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorOutput("fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.cfg.MaxBodyBytes)+1))
	if err != nil {
		return ErrorOutput("read body: %v", err), nil
	}

	truncated := false
	if len(body) > t.cfg.MaxBodyBytes {
		body = body[:t.cfg.MaxBodyBytes]
		truncated = true
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	switch {
	case strings.Contains(contentType, "text/html"):
		// Extract readable prose so the model never wades through markup.
		title, extracted := extractHTML(string(body))
		if title != "" {
			text = "Title: " + title + "\n\n" + extracted
		} else {
			text = extracted
		}
	case strings.HasPrefix(contentType, "text/"),
		strings.Contains(contentType, "json"),
		strings.Contains(contentType, "xml"):
		text = string(body)
	default:
		text = fmt.Sprintf("(binary response, %d bytes, content-type %s)",
			len(body), contentType)
	}

	header := fmt.Sprintf("HTTP %d %s\n\n", resp.StatusCode, contentType)
	if truncated {
		text += "\n[body truncated]"
	}
	return TextOutput(header + text), nil
}
