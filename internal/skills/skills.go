// Package skills defines the contract for external integrations that
// feed events into the engaged loop. Skills are polled each cycle;
// anything heavier (webhooks, sockets) lives behind an adapter that
// buffers into Poll.
package skills

import (
	"context"
	"fmt"
)

// Event is a unit of new external content produced by a skill.
type Event struct {
	// ID uniquely identifies the event for dedup across cycles.
	ID string
	// Source names the skill or channel that produced it.
	Source string
	// Author is the external author of the content.
	Author string
	// Body is the content itself.
	Body string
	// ParentIDs link threaded replies to their ancestors.
	ParentIDs []string
}

// Roster adapts a set of skills to the tool bridge's invoker contract.
type Roster struct {
	Skills []Skill
}

// InvokeSkill routes an action to the named skill.
func (r *Roster) InvokeSkill(ctx context.Context, skillName, action string, params map[string]any) (string, error) {
	for _, s := range r.Skills {
		if s.Name() == skillName {
			return s.Invoke(ctx, action, params)
		}
	}
	return "", fmt.Errorf("unknown skill %q (available: %v)", skillName, r.SkillNames())
}

// SkillNames lists the registered skill names.
func (r *Roster) SkillNames() []string {
	names := make([]string, 0, len(r.Skills))
	for _, s := range r.Skills {
		names = append(names, s.Name())
	}
	return names
}

// Skill is one external integration. username is the agent's own name so
// implementations can skip self-authored content early.
type Skill interface {
	// Name identifies the skill for logging and the skill bridge.
	Name() string
	// Poll returns new events since the last call. Implementations are
	// responsible for their own cursors; returning an already-reported
	// event is harmless (the agent dedups) but wasteful.
	Poll(ctx context.Context, username string) ([]Event, error)
	// Invoke performs an outward action (e.g. reply). Skills that are
	// read-only return an error.
	Invoke(ctx context.Context, action string, params map[string]any) (string, error)
}
