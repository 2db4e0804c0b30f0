package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/httpkit"
)

// Client talks to one OpenAI-compatible chat/completions endpoint.
type Client struct {
	apiURL string
	apiKey string
	model  string
	logger *slog.Logger
	http   *http.Client
}

// NewClient builds a client over the shared httpkit transport.
// Streaming responses can run indefinitely, so the client carries no
// overall timeout; callers bound individual requests with contexts.
func NewClient(apiURL, apiKey, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		model:  model,
		logger: logger,
		http:   httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
	}
}

// Model returns the default model name.
func (c *Client) Model() string { return c.model }

// Chat sends a non-streaming completion request.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = false

	body, status, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("LLM API error %d: %s", status, truncate(string(body), 400))
	}

	var parsed struct {
		Choices []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in LLM response")
	}

	choice := parsed.Choices[0]
	return &Response{
		Message:      choice.Message,
		FinishReason: choice.FinishReason,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// ChatStream sends a streaming completion request, invoking callback with
// the accumulated visible text as deltas arrive. Tool-call deltas are
// accumulated by index and returned on the final message. On any stream
// failure the caller should retry once via Chat; this method does not
// fall back on its own.
func (c *Client) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = true

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("streaming request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("streaming LLM API error %d: %s", resp.StatusCode, truncate(string(body), 400))
	}

	type accumulator struct {
		id, callType, name, args string
	}

	var content strings.Builder
	var calls []accumulator
	finishReason := "stop"

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[5:])
		if payload == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    *int   `json:"index"`
						ID       string `json:"id"`
						Type     string `json:"type"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("parse stream payload: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if callback != nil {
				callback(content.String(), false)
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := len(calls)
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(calls) <= idx {
				calls = append(calls, accumulator{})
			}
			acc := &calls[idx]
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Type != "" {
				acc.callType = tc.Type
			}
			acc.name += tc.Function.Name
			acc.args += tc.Function.Arguments
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	if callback != nil && content.Len() > 0 {
		callback(content.String(), true)
	}

	var toolCalls []ToolCall
	for i, acc := range calls {
		name := strings.TrimSpace(acc.name)
		if name == "" {
			continue
		}
		id := acc.id
		if id == "" {
			id = fmt.Sprintf("stream_tool_call_%d", i)
		}
		callType := acc.callType
		if callType == "" {
			callType = "function"
		}
		args := acc.args
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:   id,
			Type: callType,
			Function: FunctionCall{
				Name:      name,
				Arguments: args,
			},
		})
	}

	return &Response{
		Message: Message{
			Role:      "assistant",
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		FinishReason: finishReason,
	}, nil
}

func (c *Client) post(ctx context.Context, req Request) ([]byte, int, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	c.logger.Debug("llm request complete",
		"status", resp.StatusCode,
		"duration", time.Since(started),
		"bytes", len(body),
	)
	return body, resp.StatusCode, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
