package tools

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/config"
)

// ShellTool executes shell commands inside the working directory.
// Disabled unless config enables it; always approval-gated.
type ShellTool struct {
	cfg config.ShellConfig
}

// NewShellTool returns the shell tool.
func NewShellTool(cfg config.ShellConfig) *ShellTool {
	if cfg.DefaultTimeoutSec <= 0 {
		cfg.DefaultTimeoutSec = 30
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	return &ShellTool{cfg: cfg}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Execute a shell command in the working directory and return stdout/stderr. Use for inspecting the system, running builds, or small scripts."
}

func (t *ShellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout_sec": map[string]any{
				"type":        "integer",
				"description": "Optional timeout in seconds (capped by config)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Category() Category     { return CategoryShell }
func (t *ShellTool) RequiresApproval() bool { return true }

func (t *ShellTool) Execute(ctx context.Context, args map[string]any, tc *Context) (Output, error) {
	if !t.cfg.Enabled {
		return ErrorOutput("shell execution is disabled by configuration"), nil
	}

	command := argString(args, "command")
	if command == "" {
		return ErrorOutput("command is required"), nil
	}

	lowered := strings.ToLower(command)
	for _, pattern := range t.cfg.DeniedPatterns {
		if pattern != "" && strings.Contains(lowered, strings.ToLower(pattern)) {
			return ErrorOutput("command blocked by denied pattern %q", pattern), nil
		}
	}

	timeout := time.Duration(t.cfg.DefaultTimeoutSec) * time.Second
	if req := argInt(args, "timeout_sec", 0); req > 0 && req < t.cfg.DefaultTimeoutSec {
		timeout = time.Duration(req) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = tc.WorkingDirectory

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n[stderr]\n" + stderr.String()
	}
	if len(out) > t.cfg.MaxOutputBytes {
		out = out[:t.cfg.MaxOutputBytes] + "\n[output truncated]"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorOutput("command timed out after %s\n%s", timeout, out), nil
	}
	if err != nil {
		return ErrorOutput("command failed: %v\n%s", err, out), nil
	}
	if strings.TrimSpace(out) == "" {
		out = "(command completed with no output, exit 0)"
	}
	return TextOutput(out), nil
}
