package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

// EngineConfig parameterizes one tool-calling run.
type EngineConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxIterations caps LLM calls per run. 0 means unbounded: the run
	// ends only when the model stops requesting tools.
	MaxIterations int
}

// EngineResult is the outcome of a tool-calling run.
type EngineResult struct {
	// Response is the final visible text (thinking stripped).
	Response string
	// ThinkingBlocks are <think>/<thinking> spans pulled out of the
	// response stream, kept as a side channel.
	ThinkingBlocks []string
	// ToolCalls are every executed (or gated) call, in order.
	ToolCalls []tools.CallRecord
	// Iterations is the number of LLM calls made.
	Iterations int
	// LimitHit is set when the iteration cap stopped the run.
	LimitHit bool
	// PendingApproval names the tool that tripped the approval gate;
	// empty when the run finished normally.
	PendingApproval string
}

// ToolEventCallback observes each tool call as it completes.
type ToolEventCallback func(record *tools.CallRecord)

// Engine executes the repeated LLM → tool calls → feed results → LLM
// pattern against an OpenAI-compatible endpoint.
type Engine struct {
	cfg      EngineConfig
	registry *tools.Registry
	client   *llm.Client
	logger   *slog.Logger
}

// NewEngine builds an engine over a registry and client.
func NewEngine(cfg EngineConfig, registry *tools.Registry, client *llm.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, registry: registry, client: client, logger: logger}
}

// Run drives one multi-iteration pass. onText receives accumulated
// visible text when streaming; onTool observes each executed call.
// Stream failures retry once as non-streaming; HTTP-layer failures end
// the run with an error.
func (e *Engine) Run(ctx context.Context, systemPrompt string, history []llm.Message, userMessage string, tc *tools.Context, onText llm.StreamCallback, onTool ToolEventCallback) (*EngineResult, error) {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})

	defs := e.registry.DefinitionsForContext(tc)
	toolDefs := make([]any, len(defs))
	for i, d := range defs {
		toolDefs[i] = d
	}

	result := &EngineResult{}

	for {
		if e.cfg.MaxIterations > 0 && result.Iterations >= e.cfg.MaxIterations {
			e.logger.Warn("tool loop hit iteration limit", "limit", e.cfg.MaxIterations)
			result.LimitHit = true
			result.Response = fmt.Sprintf("[Reached maximum of %d tool-calling iterations]", e.cfg.MaxIterations)
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.Iterations++

		req := llm.Request{
			Model:       e.cfg.Model,
			Messages:    messages,
			Temperature: e.cfg.Temperature,
			MaxTokens:   e.cfg.MaxTokens,
			Tools:       toolDefs,
		}

		resp, err := e.call(ctx, req, onText)
		if err != nil {
			return nil, err
		}

		if len(resp.Message.ToolCalls) == 0 {
			visible, thinking := stripThinkingTags(resp.Message.Content)
			result.Response = visible
			result.ThinkingBlocks = thinking
			e.logger.Debug("tool loop complete", "iterations", result.Iterations, "tools", len(result.ToolCalls))
			return result, nil
		}

		// The assistant message carrying the tool calls goes back into
		// the transcript so results correlate by tool_call_id.
		messages = append(messages, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				e.logger.Warn("tool arguments are not valid JSON", "tool", call.Function.Name, "error", err)
				args = map[string]any{}
			}

			record := e.registry.ExecuteCall(ctx, call.Function.Name, args, tc)
			if onTool != nil {
				onTool(&record)
			}
			result.ToolCalls = append(result.ToolCalls, record)

			if record.Output.Kind == tools.OutputNeedsApproval {
				result.PendingApproval = record.ToolName
				result.Response = ""
				return result, nil
			}

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    sanitizeToolOutput(record.Output.LLMString()),
				ToolCallID: call.ID,
			})
		}
	}
}

// call prefers streaming and falls back to one non-streaming retry when
// the stream breaks mid-flight.
func (e *Engine) call(ctx context.Context, req llm.Request, onText llm.StreamCallback) (*llm.Response, error) {
	if onText != nil {
		resp, err := e.client.ChatStream(ctx, req, onText)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("streaming LLM call failed, retrying non-streaming", "error", err)
	}

	resp, err := e.client.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM call failed: %w", err)
	}
	if onText != nil && resp.Message.Content != "" {
		onText(resp.Message.Content, true)
	}
	return resp, nil
}

// sanitizeToolOutput bounds what flows back into the transcript.
func sanitizeToolOutput(s string) string {
	const maxToolResultBytes = 48 * 1024
	if len(s) > maxToolResultBytes {
		return s[:maxToolResultBytes] + "\n[tool output truncated]"
	}
	return s
}
