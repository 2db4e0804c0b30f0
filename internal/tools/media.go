package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/httpkit"
)

// GenerateMediaTool posts a prompt to the configured media-generation
// endpoint and saves the returned asset. Disabled unless configured.
type GenerateMediaTool struct {
	cfg    config.MediaConfig
	client *http.Client
}

func NewGenerateMediaTool(cfg config.MediaConfig) *GenerateMediaTool {
	return &GenerateMediaTool{
		cfg:    cfg,
		client: httpkit.NewClient(httpkit.WithTimeout(120 * time.Second)),
	}
}

func (t *GenerateMediaTool) Name() string { return "generate_media" }
func (t *GenerateMediaTool) Description() string {
	return "Generate an image from a text prompt via the configured media endpoint and return the saved file path."
}
func (t *GenerateMediaTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{"type": "string", "description": "The generation prompt"},
		},
		"required": []string{"prompt"},
	}
}
func (t *GenerateMediaTool) Category() Category     { return CategoryMedia }
func (t *GenerateMediaTool) RequiresApproval() bool { return false }

func (t *GenerateMediaTool) Execute(ctx context.Context, args map[string]any, _ *Context) (Output, error) {
	if !t.cfg.Enabled || t.cfg.APIURL == "" {
		return ErrorOutput("media generation is disabled; enable tools.media in configuration"), nil
	}
	prompt := argString(args, "prompt")
	if prompt == "" {
		return ErrorOutput("prompt is required"), nil
	}

	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return ErrorOutput("build request: %v", err), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorOutput("media endpoint unreachable: %v", err), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorOutput("media endpoint returned %d", resp.StatusCode), nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return ErrorOutput("read media: %v", err), nil
	}

	dir := t.cfg.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ErrorOutput("create output dir: %v", err), nil
	}
	path := filepath.Join(dir, fmt.Sprintf("media-%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ErrorOutput("save media: %v", err), nil
	}
	return TextOutput(fmt.Sprintf("Generated media saved to %s", path)), nil
}

// PublishMediaTool validates a generated asset and returns its path and
// byte size as JSON. It does not attach the asset to a message or write
// a [media] block itself.
type PublishMediaTool struct {
	cfg config.MediaConfig
}

func NewPublishMediaTool(cfg config.MediaConfig) *PublishMediaTool {
	return &PublishMediaTool{cfg: cfg}
}

func (t *PublishMediaTool) Name() string { return "publish_media_to_chat" }
func (t *PublishMediaTool) Description() string {
	return "Publish a previously generated media file into the current conversation."
}
func (t *PublishMediaTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path of the media file to publish"},
		},
		"required": []string{"path"},
	}
}
func (t *PublishMediaTool) Category() Category     { return CategoryMedia }
func (t *PublishMediaTool) RequiresApproval() bool { return false }

func (t *PublishMediaTool) Execute(_ context.Context, args map[string]any, _ *Context) (Output, error) {
	if !t.cfg.Enabled {
		return ErrorOutput("media publishing is disabled; enable tools.media in configuration"), nil
	}
	path := argString(args, "path")
	if path == "" {
		return ErrorOutput("path is required"), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return ErrorOutput("media not readable: %v", err), nil
	}
	return JSONOutput(map[string]any{
		"published": true,
		"path":      path,
		"bytes":     info.Size(),
	}), nil
}
