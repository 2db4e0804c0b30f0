package tools

import (
	"testing"

	"github.com/MLTQ/ponderer-backend/internal/config"
)

func TestPrivateChatDeniesExternalPosting(t *testing.T) {
	policy := ResolveCapabilityPolicy(ProfilePrivateChat, config.CapabilityProfiles{})
	if !policy.Autonomous {
		t.Error("private chat turns run unattended; the profile is autonomous")
	}
	found := false
	for _, tool := range policy.DisallowedTools {
		if tool == "skill_bridge" {
			found = true
		}
	}
	if !found {
		t.Error("private chat should deny skill_bridge")
	}
}

func TestAmbientIsReadOriented(t *testing.T) {
	policy := ResolveCapabilityPolicy(ProfileAmbient, config.CapabilityProfiles{})
	if !policy.Autonomous {
		t.Error("ambient should be autonomous")
	}
	for _, denied := range []string{"shell", "write_file", "write_memory"} {
		ok := false
		for _, tool := range policy.DisallowedTools {
			if tool == denied {
				ok = true
			}
		}
		if !ok {
			t.Errorf("ambient should deny %s", denied)
		}
	}
}

func TestDreamIsMemoryOnly(t *testing.T) {
	policy := ResolveCapabilityPolicy(ProfileDream, config.CapabilityProfiles{})
	if !policy.Autonomous {
		t.Error("dream should be autonomous")
	}
	if policy.AllowedTools == nil {
		t.Fatal("dream should have an allowlist")
	}
	allowed := *policy.AllowedTools
	hasSearch := false
	for _, tool := range allowed {
		if tool == "search_memory" {
			hasSearch = true
		}
		if tool == "shell" {
			t.Error("dream allowlist should not include shell")
		}
	}
	if !hasSearch {
		t.Errorf("dream allowlist = %v, want search_memory present", allowed)
	}
}

func TestOverridesReplaceDefaults(t *testing.T) {
	allowed := []string{"shell", "shell", "", " Echo "}
	denied := []string{"read_file", "READ_FILE"}
	overrides := config.CapabilityProfiles{
		PrivateChat: config.CapabilityOverride{
			AllowedTools:    &allowed,
			DisallowedTools: &denied,
		},
	}

	policy := ResolveCapabilityPolicy(ProfilePrivateChat, overrides)
	if policy.AllowedTools == nil {
		t.Fatal("override should set the allowlist")
	}
	if got := *policy.AllowedTools; len(got) != 2 || got[0] != "shell" || got[1] != "Echo" {
		t.Errorf("allowlist = %v, want normalized [shell Echo]", got)
	}
	if len(policy.DisallowedTools) != 1 || policy.DisallowedTools[0] != "read_file" {
		t.Errorf("denylist = %v, want deduped [read_file]", policy.DisallowedTools)
	}
}

func TestContextForProfileCarriesPolicy(t *testing.T) {
	cfg := config.Default()
	ctx := ContextForProfile(cfg, ProfileDream, "/tmp/work")

	if !ctx.Autonomous {
		t.Error("dream context should be autonomous")
	}
	if ctx.WorkingDirectory != "/tmp/work" {
		t.Errorf("WorkingDirectory = %q", ctx.WorkingDirectory)
	}
	if ctx.AllowsTool("shell") {
		t.Error("dream context should not allow shell")
	}
	if !ctx.AllowsTool("write_memory") {
		t.Error("dream context should allow write_memory")
	}
	if ctx.AllowsTool("skill_bridge") {
		t.Error("dream context should deny skill_bridge")
	}
}
