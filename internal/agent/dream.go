package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

// maybeDream runs the consolidation cycle when the operator is away,
// the local clock is inside the deep-night window, and the minimum
// interval has elapsed.
func (a *Agent) maybeDream(ctx context.Context) {
	if !a.cfg.Dream.Enabled {
		return
	}

	lastRun, err := a.store.GetStateTime(stateDreamLastRun)
	if err != nil {
		return
	}
	now := time.Now()
	if !a.shouldDream(now, lastRun) {
		return
	}
	if err := a.store.SetStateTime(stateDreamLastRun, now.UTC()); err != nil {
		a.logger.Warn("persist dream timestamp failed", "error", err)
	}

	a.runDream(ctx)
}

// shouldDream applies the three dream gates.
func (a *Agent) shouldDream(now time.Time, lastRun time.Time) bool {
	level := UserStateLevel(a.presence.Sample())
	if o := a.LatestOrientation(); o != nil && o.UserState.Level != "" {
		level = o.UserState.Level
	}
	if level != "away" && level != "dormant" {
		return false
	}

	start, end := a.cfg.Dream.DeepNightStartHour, a.cfg.Dream.DeepNightEndHour
	hour := now.Hour()
	inWindow := false
	if start <= end {
		inWindow = hour >= start && hour < end
	} else { // window wraps midnight
		inWindow = hour >= start || hour < end
	}
	if !inWindow {
		return false
	}

	interval := time.Duration(a.cfg.Dream.MinIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 20 * time.Hour
	}
	return lastRun.IsZero() || now.Sub(lastRun) >= interval
}

// runDream consolidates working memory under the dream capability
// profile (memory-only tools). Concern pruning during dreams is a
// deliberate no-op for now: the cycle observes concern state but leaves
// salience mutations to the ambient decay path.
func (a *Agent) runDream(ctx context.Context) {
	a.bus.Emit(events.TypeObservation, map[string]any{"text": "Entering dream consolidation cycle"})
	a.setVisualState(VisualThinking)

	journal, _ := a.store.RecentJournal(12)
	concerns, _ := a.store.AllConcerns()
	entries, _ := a.mem.List()

	var prompt strings.Builder
	prompt.WriteString("You are in a dream consolidation cycle: the operator is away and nothing is urgent.\n")
	prompt.WriteString("Review your memory and recent journal for duplicates, stale notes, and threads worth carrying forward.\n")
	prompt.WriteString("Use search_memory and write_memory to consolidate; finish by updating the session handoff note.\n\n")

	prompt.WriteString("## Working Memory Keys\n")
	for i, entry := range entries {
		if i >= 20 {
			break
		}
		fmt.Fprintf(&prompt, "- %s (updated %s)\n", entry.Key, entry.UpdatedAt.Format("2006-01-02"))
	}

	prompt.WriteString("\n## Recent Journal\n")
	for i, entry := range journal {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&prompt, "- [%s] %s\n", entry.Type, collapseText(entry.Content, 160))
	}

	prompt.WriteString("\n## Concerns (read-only during dreams)\n")
	for i, concern := range concerns {
		if i >= 12 {
			break
		}
		fmt.Fprintf(&prompt, "- [%s] %s\n", concern.Salience, concern.Summary)
	}

	engine := NewEngine(EngineConfig{
		Model:         a.cfg.LLM.Model,
		Temperature:   0.5,
		MaxTokens:     2048,
		MaxIterations: 6,
	}, a.registry, a.client, a.logger)
	toolCtx := tools.ContextForProfile(a.cfg, tools.ProfileDream, a.cfg.Tools.Workspace.Path)

	systemPrompt := a.cfg.SystemPrompt + "\n\nYou are dreaming: consolidating memory while the operator is away. Only memory tools are available."

	result, err := engine.Run(ctx, systemPrompt, nil, prompt.String(), toolCtx, nil, nil)
	if err != nil {
		a.logger.Warn("dream cycle failed", "error", err)
		a.bus.Emit(events.TypeError, map[string]any{"text": fmt.Sprintf("Dream cycle error: %v", err)})
		return
	}

	// Concern pruning stub: surfaced for ops visibility, mutates nothing.
	a.bus.Emit(events.TypeObservation, map[string]any{
		"text": "Dream concern pruning skipped (no-op policy)",
	})

	a.bus.Emit(events.TypeActionTaken, map[string]any{
		"action": "Dream consolidation",
		"result": fmt.Sprintf("%d memory tool call(s). %s",
			len(result.ToolCalls), collapseText(result.Response, 200)),
	})
	_ = a.store.AppendActivityLog("dream: " + collapseText(result.Response, 200))
}
