package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxFileReadBytes bounds read_file output fed back to the model.
const maxFileReadBytes = 256 * 1024

// resolveWorkspacePath joins a tool-supplied relative path against the
// working directory and rejects escapes. An empty working directory
// disables file tools entirely.
func resolveWorkspacePath(tc *Context, raw string) (string, error) {
	if strings.TrimSpace(tc.WorkingDirectory) == "" {
		return "", fmt.Errorf("file tools are disabled (no workspace configured)")
	}
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}

	base, err := filepath.Abs(tc.WorkingDirectory)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	joined := filepath.Clean(filepath.Join(base, raw))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", raw)
	}
	return joined, nil
}

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct{}

func NewReadFileTool() *ReadFileTool { return &ReadFileTool{} }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace. Paths are relative to the working directory."
}
func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Relative path of the file to read"},
		},
		"required": []string{"path"},
	}
}
func (t *ReadFileTool) Category() Category     { return CategoryFileSystem }
func (t *ReadFileTool) RequiresApproval() bool { return false }

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any, tc *Context) (Output, error) {
	path, err := resolveWorkspacePath(tc, argString(args, "path"))
	if err != nil {
		return ErrorOutput("%v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorOutput("read %s: %v", path, err), nil
	}
	if len(data) > maxFileReadBytes {
		data = append(data[:maxFileReadBytes], []byte("\n[file truncated]")...)
	}
	return TextOutput(string(data)), nil
}

// WriteFileTool writes a file into the workspace.
type WriteFileTool struct{}

func NewWriteFileTool() *WriteFileTool { return &WriteFileTool{} }

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write (create or overwrite) a text file in the workspace. Parent directories are created as needed."
}
func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Relative path of the file to write"},
			"content": map[string]any{"type": "string", "description": "The full file content"},
		},
		"required": []string{"path", "content"},
	}
}
func (t *WriteFileTool) Category() Category     { return CategoryFileSystem }
func (t *WriteFileTool) RequiresApproval() bool { return true }

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any, tc *Context) (Output, error) {
	path, err := resolveWorkspacePath(tc, argString(args, "path"))
	if err != nil {
		return ErrorOutput("%v", err), nil
	}
	content, _ := args["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorOutput("mkdir: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ErrorOutput("write %s: %v", path, err), nil
	}
	return TextOutput(fmt.Sprintf("Wrote %d bytes to %s", len(content), argString(args, "path"))), nil
}

// ListDirectoryTool lists workspace directory entries.
type ListDirectoryTool struct{}

func NewListDirectoryTool() *ListDirectoryTool { return &ListDirectoryTool{} }

func (t *ListDirectoryTool) Name() string { return "list_directory" }
func (t *ListDirectoryTool) Description() string {
	return "List the entries of a workspace directory. Use \".\" for the workspace root."
}
func (t *ListDirectoryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Relative directory path (default \".\")"},
		},
	}
}
func (t *ListDirectoryTool) Category() Category     { return CategoryFileSystem }
func (t *ListDirectoryTool) RequiresApproval() bool { return false }

func (t *ListDirectoryTool) Execute(_ context.Context, args map[string]any, tc *Context) (Output, error) {
	raw := argString(args, "path")
	if raw == "" {
		raw = "."
	}
	path, err := resolveWorkspacePath(tc, raw)
	if err != nil {
		return ErrorOutput("%v", err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorOutput("list %s: %v", raw, err), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return TextOutput("(empty directory)"), nil
	}
	return TextOutput(strings.Join(names, "\n")), nil
}

// PatchFileTool applies a single search/replace edit to a workspace file.
type PatchFileTool struct{}

func NewPatchFileTool() *PatchFileTool { return &PatchFileTool{} }

func (t *PatchFileTool) Name() string { return "patch_file" }
func (t *PatchFileTool) Description() string {
	return "Apply a search/replace edit to a workspace file. The search text must appear exactly once."
}
func (t *PatchFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Relative path of the file to patch"},
			"search":  map[string]any{"type": "string", "description": "Exact text to find"},
			"replace": map[string]any{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "search", "replace"},
	}
}
func (t *PatchFileTool) Category() Category     { return CategoryFileSystem }
func (t *PatchFileTool) RequiresApproval() bool { return true }

func (t *PatchFileTool) Execute(_ context.Context, args map[string]any, tc *Context) (Output, error) {
	path, err := resolveWorkspacePath(tc, argString(args, "path"))
	if err != nil {
		return ErrorOutput("%v", err), nil
	}
	search, _ := args["search"].(string)
	replace, _ := args["replace"].(string)
	if search == "" {
		return ErrorOutput("search text is required"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorOutput("read %s: %v", path, err), nil
	}
	content := string(data)

	switch strings.Count(content, search) {
	case 0:
		return ErrorOutput("search text not found in %s", argString(args, "path")), nil
	case 1:
	default:
		return ErrorOutput("search text appears more than once in %s; make it unique", argString(args, "path")), nil
	}

	patched := strings.Replace(content, search, replace, 1)
	if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
		return ErrorOutput("write %s: %v", path, err), nil
	}
	return TextOutput(fmt.Sprintf("Patched %s", argString(args, "path"))), nil
}
