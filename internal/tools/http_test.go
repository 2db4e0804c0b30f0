package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MLTQ/ponderer-backend/internal/config"
)

func fetchTool(maxBody int) *HTTPFetchTool {
	return NewHTTPFetchTool(config.HTTPFetchConfig{TimeoutSec: 5, MaxBodyBytes: maxBody})
}

func TestHTTPFetchSchemeGuard(t *testing.T) {
	tool := fetchTool(0)

	for _, url := range []string{"ftp://example.test/file", "file:///etc/passwd", "not a url at all", ""} {
		out, err := tool.Execute(context.Background(), map[string]any{"url": url}, nil)
		if err != nil {
			t.Fatalf("Execute(%q): %v", url, err)
		}
		if out.IsSuccess() {
			t.Errorf("url %q should be rejected, got %q", url, out.LLMString())
		}
	}
}

func TestHTTPFetchPlainTextPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello fetcher"))
	}))
	defer server.Close()

	out, err := fetchTool(0).Execute(context.Background(), map[string]any{"url": server.URL}, nil)
	if err != nil || !out.IsSuccess() {
		t.Fatalf("Execute: %v / %+v", err, out)
	}
	body := out.LLMString()
	if !strings.HasPrefix(body, "HTTP 200") {
		t.Errorf("missing status header: %q", body)
	}
	if !strings.Contains(body, "hello fetcher") {
		t.Errorf("body missing: %q", body)
	}
}

func TestHTTPFetchExtractsHTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><title>Ficus Care</title><style>body{color:red}</style>
<script>alert("tracking")</script></head>
<body>
<nav>Home | About | Contact</nav>
<article><h1>Watering</h1><p>Water the ficus every Thursday.</p>
<ul><li>avoid drafts</li><li>indirect light</li></ul></article>
<footer>Copyright 2026</footer>
</body></html>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	}))
	defer server.Close()

	out, err := fetchTool(0).Execute(context.Background(), map[string]any{"url": server.URL}, nil)
	if err != nil || !out.IsSuccess() {
		t.Fatalf("Execute: %v / %+v", err, out)
	}
	body := out.LLMString()

	if !strings.Contains(body, "Title: Ficus Care") {
		t.Errorf("title missing: %q", body)
	}
	if !strings.Contains(body, "Water the ficus every Thursday.") {
		t.Errorf("article text missing: %q", body)
	}
	for _, markup := range []string{"<p>", "<article>", "alert(", "color:red", "Home | About", "Copyright 2026"} {
		if strings.Contains(body, markup) {
			t.Errorf("extracted output still carries %q: %q", markup, body)
		}
	}
}

func TestHTTPFetchTruncatesLargeBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("z", 5000)))
	}))
	defer server.Close()

	out, err := fetchTool(1024).Execute(context.Background(), map[string]any{"url": server.URL}, nil)
	if err != nil || !out.IsSuccess() {
		t.Fatalf("Execute: %v / %+v", err, out)
	}
	body := out.LLMString()
	if !strings.Contains(body, "[body truncated]") {
		t.Error("truncation marker missing")
	}
	if strings.Count(body, "z") > 1024 {
		t.Errorf("body not truncated: %d z's", strings.Count(body, "z"))
	}
}

func TestHTTPFetchSummarizesBinary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0x01})
	}))
	defer server.Close()

	out, err := fetchTool(0).Execute(context.Background(), map[string]any{"url": server.URL}, nil)
	if err != nil || !out.IsSuccess() {
		t.Fatalf("Execute: %v / %+v", err, out)
	}
	body := out.LLMString()
	if !strings.Contains(body, "binary response") || !strings.Contains(body, "image/png") {
		t.Errorf("binary summary missing: %q", body)
	}
	if strings.Contains(body, "\x89PNG") {
		t.Error("raw binary leaked into output")
	}
}

func TestHTTPFetchJSONPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"green"}`))
	}))
	defer server.Close()

	out, err := fetchTool(0).Execute(context.Background(), map[string]any{"url": server.URL}, nil)
	if err != nil || !out.IsSuccess() {
		t.Fatalf("Execute: %v / %+v", err, out)
	}
	if !strings.Contains(out.LLMString(), `{"status":"green"}`) {
		t.Errorf("JSON body missing: %q", out.LLMString())
	}
}
