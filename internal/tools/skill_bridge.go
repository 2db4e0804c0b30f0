package tools

import (
	"context"
	"fmt"
)

// SkillInvoker executes a named action against an external skill adapter.
// The agent package wires the registered skills in at startup.
type SkillInvoker interface {
	InvokeSkill(ctx context.Context, skillName, action string, params map[string]any) (string, error)
	SkillNames() []string
}

// SkillBridgeTool lets the model drive skill actions (for example,
// replying on a forum) from inside a turn. Outward-facing: capability
// profiles deny it wherever spontaneous posting must not happen.
type SkillBridgeTool struct {
	invoker SkillInvoker
}

func NewSkillBridgeTool(invoker SkillInvoker) *SkillBridgeTool {
	return &SkillBridgeTool{invoker: invoker}
}

func (t *SkillBridgeTool) Name() string { return "skill_bridge" }
func (t *SkillBridgeTool) Description() string {
	return "Invoke an action on an external skill (e.g. reply to a forum event). Provide the skill name, action, and action parameters."
}
func (t *SkillBridgeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"skill":  map[string]any{"type": "string", "description": "Name of the skill to invoke"},
			"action": map[string]any{"type": "string", "description": "Skill action (e.g. reply, post)"},
			"params": map[string]any{"type": "object", "description": "Action parameters (e.g. event_id, content)"},
		},
		"required": []string{"skill", "action"},
	}
}
func (t *SkillBridgeTool) Category() Category     { return CategorySkill }
func (t *SkillBridgeTool) RequiresApproval() bool { return false }

func (t *SkillBridgeTool) Execute(ctx context.Context, args map[string]any, _ *Context) (Output, error) {
	if t.invoker == nil {
		return ErrorOutput("no skills are registered"), nil
	}
	skillName := argString(args, "skill")
	action := argString(args, "action")
	if skillName == "" || action == "" {
		return ErrorOutput("skill and action are required (available: %v)", t.invoker.SkillNames()), nil
	}
	params, _ := args["params"].(map[string]any)

	result, err := t.invoker.InvokeSkill(ctx, skillName, action, params)
	if err != nil {
		return ErrorOutput("skill %s.%s failed: %v", skillName, action, err), nil
	}
	if result == "" {
		result = fmt.Sprintf("Skill %s completed action %s.", skillName, action)
	}
	return TextOutput(result), nil
}
