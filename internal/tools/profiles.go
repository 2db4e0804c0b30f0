package tools

import (
	"strings"

	"github.com/MLTQ/ponderer-backend/internal/config"
)

// Profile identifies which cognitive loop a tool context serves.
type Profile string

const (
	ProfilePrivateChat Profile = "private_chat"
	ProfileSkillEvents Profile = "skill_events"
	ProfileHeartbeat   Profile = "heartbeat"
	ProfileAmbient     Profile = "ambient"
	ProfileDream       Profile = "dream"
)

// Policy is the resolved capability policy for a profile.
type Policy struct {
	Autonomous      bool
	AllowedTools    *[]string
	DisallowedTools []string
}

// externalPostingTools are the outward-publishing tools denied wherever a
// profile must not post on the agent's behalf.
var externalPostingTools = []string{"skill_bridge", "publish_media_to_chat"}

// defaultPolicy returns the built-in policy for a profile.
func defaultPolicy(profile Profile) Policy {
	switch profile {
	case ProfilePrivateChat:
		// Chat turns run unattended between yields, so gated tools go
		// through the session-approval flow rather than executing
		// directly. External posting stays off so chat cannot leak
		// outward by accident.
		return Policy{
			Autonomous:      true,
			DisallowedTools: append([]string(nil), externalPostingTools...),
		}
	case ProfileSkillEvents:
		return Policy{Autonomous: true}
	case ProfileHeartbeat:
		return Policy{Autonomous: true}
	case ProfileAmbient:
		// Ambient passes observe; they do not mutate the workspace or
		// generate media.
		return Policy{
			Autonomous: true,
			DisallowedTools: []string{
				"write_file", "patch_file", "shell", "write_memory",
				"generate_media", "publish_media_to_chat",
			},
		}
	case ProfileDream:
		allowed := []string{"search_memory", "write_memory", "write_session_handoff"}
		return Policy{
			Autonomous:      true,
			AllowedTools:    &allowed,
			DisallowedTools: append([]string(nil), externalPostingTools...),
		}
	default:
		return Policy{Autonomous: true}
	}
}

// ResolveCapabilityPolicy combines a profile's defaults with config
// overrides. An override list replaces the default list entirely.
func ResolveCapabilityPolicy(profile Profile, overrides config.CapabilityProfiles) Policy {
	policy := defaultPolicy(profile)

	var o config.CapabilityOverride
	switch profile {
	case ProfilePrivateChat:
		o = overrides.PrivateChat
	case ProfileSkillEvents:
		o = overrides.SkillEvents
	case ProfileHeartbeat:
		o = overrides.Heartbeat
	case ProfileAmbient:
		o = overrides.Ambient
	case ProfileDream:
		o = overrides.Dream
	}

	if o.AllowedTools != nil {
		normalized := normalizeToolNames(*o.AllowedTools)
		policy.AllowedTools = &normalized
	}
	if o.DisallowedTools != nil {
		policy.DisallowedTools = normalizeToolNames(*o.DisallowedTools)
	}
	return policy
}

// ContextForProfile builds the tool context used by one loop pass.
func ContextForProfile(cfg *config.Config, profile Profile, workingDirectory string) *Context {
	policy := ResolveCapabilityPolicy(profile, cfg.Capabilities)
	return &Context{
		WorkingDirectory: workingDirectory,
		Username:         cfg.Username,
		Autonomous:       policy.Autonomous,
		AllowedTools:     policy.AllowedTools,
		DisallowedTools:  policy.DisallowedTools,
	}
}

// normalizeToolNames trims, drops empties, and dedupes case-insensitively
// while preserving order.
func normalizeToolNames(items []string) []string {
	var out []string
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		dup := false
		for _, existing := range out {
			if strings.EqualFold(existing, trimmed) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, trimmed)
		}
	}
	return out
}
