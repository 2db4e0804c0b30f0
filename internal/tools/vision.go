package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/httpkit"
)

// DefaultEvaluator returns an evaluation function that posts the image
// as a data URL to the vision model's chat/completions endpoint.
// Returns nil when vision is not configured.
func DefaultEvaluator(cfg config.VisionConfig) func(ctx context.Context, imagePath, question string) (string, error) {
	if !cfg.Enabled || cfg.VisionAPIURL == "" || cfg.VisionModel == "" {
		return nil
	}
	client := httpkit.NewClient(httpkit.WithTimeout(60 * time.Second))
	apiURL := strings.TrimRight(cfg.VisionAPIURL, "/")

	return func(ctx context.Context, imagePath, question string) (string, error) {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return "", fmt.Errorf("read image: %w", err)
		}
		if question == "" {
			question = "Describe this image concisely."
		}

		mime := "image/png"
		if strings.HasSuffix(strings.ToLower(imagePath), ".jpg") ||
			strings.HasSuffix(strings.ToLower(imagePath), ".jpeg") {
			mime = "image/jpeg"
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))

		body, err := json.Marshal(map[string]any{
			"model": cfg.VisionModel,
			"messages": []map[string]any{{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": question},
					{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
				},
			}},
			"max_tokens": 512,
		})
		if err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("vision endpoint returned %d", resp.StatusCode)
		}

		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return "", err
		}
		if len(parsed.Choices) == 0 {
			return "", fmt.Errorf("empty vision response")
		}
		return parsed.Choices[0].Message.Content, nil
	}
}

// visionGate returns an error output when vision is not enabled. Every
// vision tool is privacy-gated behind the same config switch.
func visionGate(cfg config.VisionConfig) *Output {
	if !cfg.Enabled {
		out := ErrorOutput("vision tools are disabled; enable tools.vision in configuration")
		return &out
	}
	return nil
}

// EvaluateImageTool sends a local image to the vision model for a text
// summary. The model contract is the same chat/completions shape used
// everywhere else; the evaluation function is injected (DefaultEvaluator
// builds the HTTP one), so the tool itself holds no client.
type EvaluateImageTool struct {
	cfg      config.VisionConfig
	evaluate func(ctx context.Context, imagePath, question string) (string, error)
}

// NewEvaluateImageTool builds the tool around an evaluation function.
func NewEvaluateImageTool(cfg config.VisionConfig, evaluate func(ctx context.Context, imagePath, question string) (string, error)) *EvaluateImageTool {
	return &EvaluateImageTool{cfg: cfg, evaluate: evaluate}
}

func (t *EvaluateImageTool) Name() string { return "evaluate_local_image" }
func (t *EvaluateImageTool) Description() string {
	return "Describe or answer a question about a local image file using the vision model."
}
func (t *EvaluateImageTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string", "description": "Path to the image file"},
			"question": map[string]any{"type": "string", "description": "Optional question about the image"},
		},
		"required": []string{"path"},
	}
}
func (t *EvaluateImageTool) Category() Category     { return CategoryVision }
func (t *EvaluateImageTool) RequiresApproval() bool { return false }

func (t *EvaluateImageTool) Execute(ctx context.Context, args map[string]any, _ *Context) (Output, error) {
	if gate := visionGate(t.cfg); gate != nil {
		return *gate, nil
	}
	path := argString(args, "path")
	if path == "" {
		return ErrorOutput("path is required"), nil
	}
	if _, err := os.Stat(path); err != nil {
		return ErrorOutput("image not readable: %v", err), nil
	}
	if t.evaluate == nil {
		return ErrorOutput("vision model is not configured"), nil
	}

	summary, err := t.evaluate(ctx, path, argString(args, "question"))
	if err != nil {
		return ErrorOutput("vision evaluation failed: %v", err), nil
	}
	return TextOutput(summary), nil
}

// CaptureScreenTool grabs a screenshot into the media output directory.
// Approval-gated: capturing the operator's screen autonomously requires a
// session grant.
type CaptureScreenTool struct {
	cfg   config.VisionConfig
	media config.MediaConfig
}

func NewCaptureScreenTool(cfg config.VisionConfig, media config.MediaConfig) *CaptureScreenTool {
	return &CaptureScreenTool{cfg: cfg, media: media}
}

func (t *CaptureScreenTool) Name() string { return "capture_screen" }
func (t *CaptureScreenTool) Description() string {
	return "Capture a screenshot of the desktop and return the saved file path."
}
func (t *CaptureScreenTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *CaptureScreenTool) Category() Category     { return CategoryVision }
func (t *CaptureScreenTool) RequiresApproval() bool { return true }

func (t *CaptureScreenTool) Execute(ctx context.Context, _ map[string]any, _ *Context) (Output, error) {
	if gate := visionGate(t.cfg); gate != nil {
		return *gate, nil
	}

	dir := t.media.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ErrorOutput("create output dir: %v", err), nil
	}
	path := filepath.Join(dir, fmt.Sprintf("screen-%d.png", time.Now().UnixNano()))

	// Best-effort across desktop environments; the first available
	// grabber wins.
	grabbers := [][]string{
		{"grim", path},
		{"scrot", path},
		{"import", "-window", "root", path},
	}
	for _, g := range grabbers {
		if _, err := exec.LookPath(g[0]); err != nil {
			continue
		}
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exec.CommandContext(runCtx, g[0], g[1:]...).Run()
		cancel()
		if err == nil {
			return TextOutput(fmt.Sprintf("Screenshot saved to %s", path)), nil
		}
	}
	return ErrorOutput("no screenshot utility available (tried grim, scrot, import)"), nil
}

// CaptureCameraTool grabs a camera frame. Approval-gated like the screen.
type CaptureCameraTool struct {
	cfg   config.VisionConfig
	media config.MediaConfig
}

func NewCaptureCameraTool(cfg config.VisionConfig, media config.MediaConfig) *CaptureCameraTool {
	return &CaptureCameraTool{cfg: cfg, media: media}
}

func (t *CaptureCameraTool) Name() string { return "capture_camera_snapshot" }
func (t *CaptureCameraTool) Description() string {
	return "Capture a single frame from the default camera and return the saved file path."
}
func (t *CaptureCameraTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *CaptureCameraTool) Category() Category     { return CategoryVision }
func (t *CaptureCameraTool) RequiresApproval() bool { return true }

func (t *CaptureCameraTool) Execute(ctx context.Context, _ map[string]any, _ *Context) (Output, error) {
	if gate := visionGate(t.cfg); gate != nil {
		return *gate, nil
	}

	dir := t.media.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ErrorOutput("create output dir: %v", err), nil
	}
	path := filepath.Join(dir, fmt.Sprintf("camera-%d.jpg", time.Now().UnixNano()))

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return ErrorOutput("ffmpeg not available for camera capture"), nil
	}
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	err := exec.CommandContext(runCtx, "ffmpeg", "-y",
		"-f", "v4l2", "-i", "/dev/video0", "-frames:v", "1", path).Run()
	if err != nil {
		return ErrorOutput("camera capture failed: %v", err), nil
	}
	return TextOutput(fmt.Sprintf("Camera snapshot saved to %s", path)), nil
}
