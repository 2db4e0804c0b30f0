package tools

import (
	"context"
	"testing"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echoes back the input message" }
func (echoTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"message"},
	}
}
func (echoTool) Category() Category     { return CategoryGeneral }
func (echoTool) RequiresApproval() bool { return false }
func (echoTool) Execute(_ context.Context, args map[string]any, _ *Context) (Output, error) {
	msg, _ := args["message"].(string)
	return TextOutput(msg), nil
}

type gatedTool struct{}

func (gatedTool) Name() string            { return "gated" }
func (gatedTool) Description() string     { return "A tool that requires approval" }
func (gatedTool) Schema() map[string]any  { return map[string]any{"type": "object"} }
func (gatedTool) Category() Category      { return CategoryShell }
func (gatedTool) RequiresApproval() bool  { return true }
func (gatedTool) Execute(_ context.Context, _ map[string]any, _ *Context) (Output, error) {
	return TextOutput("executed"), nil
}

func testCtx() *Context {
	return &Context{WorkingDirectory: "/tmp", Username: "test"}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool{})

	rec := r.ExecuteCall(context.Background(), "echo", map[string]any{"message": "hello"}, testCtx())
	if !rec.Output.IsSuccess() || rec.Output.LLMString() != "hello" {
		t.Errorf("echo output = %+v", rec.Output)
	}

	rec = r.ExecuteCall(context.Background(), "nope", nil, testCtx())
	if rec.Output.IsSuccess() {
		t.Error("unknown tool should fail")
	}
	if got := rec.Output.LLMString(); got != "[ERROR] Unknown tool: nope" {
		t.Errorf("unknown tool output = %q", got)
	}
}

func TestApprovalGateAndSessionGrant(t *testing.T) {
	r := NewRegistry()
	r.Register(gatedTool{})

	auto := testCtx()
	auto.Autonomous = true

	// Autonomous without a grant: needs approval, nothing executes.
	rec := r.ExecuteCall(context.Background(), "gated", nil, auto)
	if rec.Output.Kind != OutputNeedsApproval {
		t.Fatalf("Kind = %v, want needs-approval", rec.Output.Kind)
	}

	// Interactive mode executes without a grant.
	rec = r.ExecuteCall(context.Background(), "gated", nil, testCtx())
	if !rec.Output.IsSuccess() {
		t.Errorf("interactive execution failed: %+v", rec.Output)
	}

	// A session grant unblocks autonomous mode.
	r.GrantSessionApproval("GATED") // case-insensitive
	rec = r.ExecuteCall(context.Background(), "gated", nil, auto)
	if !rec.Output.IsSuccess() {
		t.Errorf("granted execution failed: %+v", rec.Output)
	}
	if !r.IsSessionApproved("gated") {
		t.Error("grant did not register")
	}
}

func TestContextAllowDenyPolicy(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		tool string
		want bool
	}{
		{"default allows", Context{}, "echo", true},
		{"deny wins", Context{DisallowedTools: []string{"echo"}}, "echo", false},
		{"deny is case-insensitive", Context{DisallowedTools: []string{"ECHO "}}, "echo", false},
		{"allowlist blocks others", Context{AllowedTools: &[]string{"echo"}}, "shell", false},
		{"allowlist admits listed", Context{AllowedTools: &[]string{"echo"}}, "Echo", true},
		{
			"deny beats allow",
			Context{AllowedTools: &[]string{"echo"}, DisallowedTools: []string{"echo"}},
			"echo", false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.AllowsTool(tt.tool); got != tt.want {
				t.Errorf("AllowsTool(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestDefinitionsForContextFiltered(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool{})
	r.Register(gatedTool{})

	ctx := testCtx()
	ctx.AllowedTools = &[]string{"echo"}

	defs := r.DefinitionsForContext(ctx)
	if len(defs) != 1 || defs[0].Function.Name != "echo" {
		t.Errorf("defs = %+v, want only echo", defs)
	}
	if defs[0].Type != "function" {
		t.Errorf("Type = %q, want function", defs[0].Type)
	}

	// Denied tool executes as a policy error, not an approval prompt.
	rec := r.ExecuteCall(context.Background(), "gated", nil, ctx)
	if rec.Output.Kind != OutputError {
		t.Errorf("Kind = %v, want policy error", rec.Output.Kind)
	}
}

func TestOutputLLMStrings(t *testing.T) {
	if got := TextOutput("plain").LLMString(); got != "plain" {
		t.Errorf("text = %q", got)
	}
	if got := ErrorOutput("boom %d", 7).LLMString(); got != "[ERROR] boom 7" {
		t.Errorf("error = %q", got)
	}
	if got := ApprovalOutput("shell").LLMString(); got != "[NEEDS APPROVAL] Tool 'shell' requires approval in autonomous mode" {
		t.Errorf("approval = %q", got)
	}
	js := JSONOutput(map[string]any{"a": 1}).LLMString()
	if js == "" || js[0] != '{' {
		t.Errorf("json = %q", js)
	}
}
