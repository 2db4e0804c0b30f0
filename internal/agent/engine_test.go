package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

// scriptedStep is one LLM reply: either visible content or tool calls.
type scriptedStep struct {
	content   string
	toolCalls []llm.ToolCall
}

// scriptedLLM serves a fixed sequence of completions, handling both
// streaming and non-streaming requests, and counts LLM calls.
func scriptedLLM(t *testing.T, steps []scriptedStep) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64

	handler := func(w http.ResponseWriter, r *http.Request) {
		idx := calls.Add(1) - 1
		var step scriptedStep
		if int(idx) < len(steps) {
			step = steps[idx]
		} else {
			step = scriptedStep{content: "done\n[turn_control]{\"decision\":\"yield\",\"status\":\"done\"}[/turn_control]"}
		}

		var req llm.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			if step.content != "" {
				chunk := map[string]any{"choices": []map[string]any{{
					"delta": map[string]any{"content": step.content},
				}}}
				data, _ := json.Marshal(chunk)
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			for i, tc := range step.toolCalls {
				chunk := map[string]any{"choices": []map[string]any{{
					"delta": map[string]any{"tool_calls": []map[string]any{{
						"index": i, "id": tc.ID, "type": "function",
						"function": map[string]any{
							"name":      tc.Function.Name,
							"arguments": tc.Function.Arguments,
						},
					}}},
				}}}
				data, _ := json.Marshal(chunk)
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		msg := map[string]any{"role": "assistant", "content": step.content}
		if len(step.toolCalls) > 0 {
			msg["tool_calls"] = step.toolCalls
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": msg, "finish_reason": "stop"}},
		})
	}

	server := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)
	return server, &calls
}

func testEngine(t *testing.T, server *httptest.Server, maxIterations int, reg *tools.Registry) *Engine {
	t.Helper()
	client := llm.NewClient(server.URL, "", "test-model", nil)
	return NewEngine(EngineConfig{
		Model:         "test-model",
		MaxTokens:     512,
		MaxIterations: maxIterations,
	}, reg, client, nil)
}

func TestEngineSimpleYield(t *testing.T) {
	server, calls := scriptedLLM(t, []scriptedStep{
		{content: "hi there"},
	})
	engine := testEngine(t, server, 10, tools.NewRegistry())

	result, err := engine.Run(context.Background(), "system", nil, "hello", &tools.Context{}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "hi there" || len(result.ToolCalls) != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Iterations != 1 || calls.Load() != 1 {
		t.Errorf("iterations = %d, LLM calls = %d", result.Iterations, calls.Load())
	}
}

func TestEngineToolCallLoop(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(echoTestTool{})

	server, calls := scriptedLLM(t, []scriptedStep{
		{toolCalls: []llm.ToolCall{{
			ID: "call_1", Type: "function",
			Function: llm.FunctionCall{Name: "echo", Arguments: `{"message":"ping"}`},
		}}},
		{content: "the echo said ping"},
	})
	engine := testEngine(t, server, 10, reg)

	var toolEvents []string
	result, err := engine.Run(context.Background(), "system", nil, "echo ping", &tools.Context{},
		nil, func(record *tools.CallRecord) {
			toolEvents = append(toolEvents, record.ToolName)
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "the echo said ping" {
		t.Errorf("Response = %q", result.Response)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ToolName != "echo" {
		t.Errorf("ToolCalls = %+v", result.ToolCalls)
	}
	if result.Iterations != 2 || calls.Load() != 2 {
		t.Errorf("iterations = %d, LLM calls = %d", result.Iterations, calls.Load())
	}
	if len(toolEvents) != 1 || toolEvents[0] != "echo" {
		t.Errorf("tool events = %v", toolEvents)
	}
}

func TestEngineIterationCapIsExact(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(echoTestTool{})

	// The model always wants another tool; with a cap of 2, exactly two
	// LLM calls happen and no third is issued.
	alwaysTool := scriptedStep{toolCalls: []llm.ToolCall{{
		ID: "c", Type: "function",
		Function: llm.FunctionCall{Name: "echo", Arguments: `{"message":"again"}`},
	}}}
	server, calls := scriptedLLM(t, []scriptedStep{alwaysTool, alwaysTool, alwaysTool})
	engine := testEngine(t, server, 2, reg)

	result, err := engine.Run(context.Background(), "system", nil, "go", &tools.Context{}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.LimitHit {
		t.Error("LimitHit should be set")
	}
	if calls.Load() != 2 {
		t.Errorf("LLM calls = %d, want exactly 2", calls.Load())
	}
	if !strings.Contains(result.Response, "maximum") {
		t.Errorf("Response = %q", result.Response)
	}
}

func TestEngineApprovalGateStopsRun(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(gatedTestTool{})

	server, calls := scriptedLLM(t, []scriptedStep{
		{toolCalls: []llm.ToolCall{{
			ID: "c1", Type: "function",
			Function: llm.FunctionCall{Name: "gated", Arguments: `{}`},
		}}},
	})
	engine := testEngine(t, server, 10, reg)

	autonomous := &tools.Context{Autonomous: true}
	result, err := engine.Run(context.Background(), "system", nil, "do it", autonomous, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.PendingApproval != "gated" {
		t.Errorf("PendingApproval = %q", result.PendingApproval)
	}
	if calls.Load() != 1 {
		t.Errorf("LLM calls = %d, want 1 (run stops at the gate)", calls.Load())
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Output.Kind != tools.OutputNeedsApproval {
		t.Errorf("ToolCalls = %+v", result.ToolCalls)
	}
}

func TestEngineStreamFailureFallsBackToNonStreaming(t *testing.T) {
	var streamAttempts, plainAttempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llm.Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			streamAttempts.Add(1)
			// Broken stream payload triggers the fallback.
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {this is not json}\n\n")
			return
		}
		plainAttempts.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "recovered fine"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	engine := testEngine(t, server, 10, tools.NewRegistry())

	var sawFinal string
	result, err := engine.Run(context.Background(), "system", nil, "hello", &tools.Context{},
		func(content string, done bool) {
			if done {
				sawFinal = content
			}
		}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "recovered fine" || sawFinal != "recovered fine" {
		t.Errorf("Response = %q, streamed final = %q", result.Response, sawFinal)
	}
	if streamAttempts.Load() != 1 || plainAttempts.Load() != 1 {
		t.Errorf("stream attempts = %d, plain attempts = %d, want 1 each",
			streamAttempts.Load(), plainAttempts.Load())
	}
}

// echoTestTool and gatedTestTool are minimal tools for engine tests.
type echoTestTool struct{}

func (echoTestTool) Name() string            { return "echo" }
func (echoTestTool) Description() string     { return "echo" }
func (echoTestTool) Schema() map[string]any  { return map[string]any{"type": "object"} }
func (echoTestTool) Category() tools.Category { return tools.CategoryGeneral }
func (echoTestTool) RequiresApproval() bool  { return false }
func (echoTestTool) Execute(_ context.Context, args map[string]any, _ *tools.Context) (tools.Output, error) {
	msg, _ := args["message"].(string)
	return tools.TextOutput(msg), nil
}

type gatedTestTool struct{}

func (gatedTestTool) Name() string            { return "gated" }
func (gatedTestTool) Description() string     { return "gated" }
func (gatedTestTool) Schema() map[string]any  { return map[string]any{"type": "object"} }
func (gatedTestTool) Category() tools.Category { return tools.CategoryShell }
func (gatedTestTool) RequiresApproval() bool  { return true }
func (gatedTestTool) Execute(_ context.Context, _ map[string]any, _ *tools.Context) (tools.Output, error) {
	return tools.TextOutput("ran"), nil
}
