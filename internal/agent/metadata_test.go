package agent

import (
	"reflect"
	"testing"
)

func TestChatPayloadRoundTrip(t *testing.T) {
	control := &TurnControl{Decision: "yield", Status: "done", Reason: "finished"}
	tests := []struct {
		name    string
		payload ChatPayload
	}{
		{"visible only", ChatPayload{Visible: "hi there"}},
		{"with turn control", ChatPayload{Visible: "working on it", TurnControl: control}},
		{
			"all blocks",
			ChatPayload{
				Visible: "here are the results",
				ToolCalls: []ToolCallDetail{
					{ToolName: "shell", ArgumentsPreview: `{"command":"ls"}`, OutputPreview: "file1"},
				},
				Thinking: []string{"the operator wants a listing"},
				Media:    []MediaDetail{{Path: "/tmp/out.png", Kind: "image"}},
				Concerns: []ConcernSignal{{Action: "create", Summary: "workspace cleanup", Type: "project"}},
				TurnControl: control,
			},
		},
		{
			"blocks without visible text",
			ChatPayload{
				Thinking:    []string{"quiet turn"},
				TurnControl: &TurnControl{Decision: "continue", Status: "still_working"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseChatPayload(FormatAgentMessage(tt.payload))
			if !reflect.DeepEqual(got, tt.payload) {
				t.Errorf("round trip mismatch:\n got: %#v\nwant: %#v", got, tt.payload)
			}
		})
	}
}

func TestParseChatPayloadTolerance(t *testing.T) {
	t.Run("fenced JSON body", func(t *testing.T) {
		text := "done\n\n[turn_control]\n```json\n{\"decision\":\"yield\",\"status\":\"done\"}\n```\n[/turn_control]"
		p := ParseChatPayload(text)
		if p.TurnControl == nil || p.TurnControl.Decision != "yield" {
			t.Errorf("payload = %+v", p)
		}
		if p.Visible != "done" {
			t.Errorf("Visible = %q", p.Visible)
		}
	})

	t.Run("smart quotes", func(t *testing.T) {
		text := "ok\n[turn_control]{“decision”: “continue”, “status”: “still_working”}[/turn_control]"
		p := ParseChatPayload(text)
		if p.TurnControl == nil || p.TurnControl.Decision != "continue" {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("missing closing marker runs to end", func(t *testing.T) {
		text := "reply text\n[turn_control]{\"decision\":\"yield\",\"status\":\"done\"}"
		p := ParseChatPayload(text)
		if p.TurnControl == nil || p.TurnControl.Status != "done" {
			t.Errorf("payload = %+v", p)
		}
		if p.Visible != "reply text" {
			t.Errorf("Visible = %q", p.Visible)
		}
	})

	t.Run("malformed block degrades to absent", func(t *testing.T) {
		text := "hello\n[concerns]not json at all[/concerns]"
		p := ParseChatPayload(text)
		if p.Concerns != nil {
			t.Errorf("Concerns = %v, want nil", p.Concerns)
		}
		if p.Visible != "hello" {
			t.Errorf("Visible = %q", p.Visible)
		}
	})

	t.Run("unknown decision normalizes to yield", func(t *testing.T) {
		text := "x\n[turn_control]{\"decision\":\"maybe\",\"status\":\"perhaps\"}[/turn_control]"
		p := ParseChatPayload(text)
		if p.TurnControl.Decision != "yield" || p.TurnControl.Status != "done" {
			t.Errorf("normalized control = %+v", p.TurnControl)
		}
	})
}

func TestResolveVisibleText(t *testing.T) {
	tests := []struct {
		name    string
		visible string
		tc      *TurnControl
		want    string
	}{
		{"visible wins", "the answer", &TurnControl{UserMessage: "fallback"}, "the answer"},
		{"fallback when empty", "", &TurnControl{UserMessage: "from control"}, "from control"},
		{"transcript fallback rejected", "", &TurnControl{UserMessage: "User: hello\nAgent: hi"}, ""},
		{"operator transcript rejected", "", &TurnControl{UserMessage: "Operator: do the thing"}, ""},
		{"nil control", "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveVisibleText(tt.visible, tt.tc); got != tt.want {
				t.Errorf("resolveVisibleText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripThinkingTags(t *testing.T) {
	visible, thoughts := stripThinkingTags("<think>internal chain</think>\nHello there")
	if visible != "Hello there" {
		t.Errorf("visible = %q", visible)
	}
	if len(thoughts) != 1 || thoughts[0] != "internal chain" {
		t.Errorf("thoughts = %v", thoughts)
	}

	visible, thoughts = stripThinkingTags("<thinking>plan</thinking>\n<think>detail</think>\nDone")
	if visible != "Done" || len(thoughts) != 2 {
		t.Errorf("visible = %q, thoughts = %v", visible, thoughts)
	}

	// Unclosed tag consumes through end of input.
	visible, thoughts = stripThinkingTags("Answer first. <think>never closed")
	if visible != "Answer first." || len(thoughts) != 1 {
		t.Errorf("visible = %q, thoughts = %v", visible, thoughts)
	}
}
