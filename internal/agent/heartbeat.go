package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/memory"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

// maybeRunHeartbeat executes the scheduled maintenance flow when enabled
// and due. It gathers pending checklist items and reminder-like memory
// notes, then runs an agentic pass under the heartbeat profile. Memory
// evolution hangs off heartbeat ticks with its own longer cadence.
func (a *Agent) maybeRunHeartbeat(ctx context.Context) {
	if !a.cfg.Heartbeat.Enabled {
		return
	}

	interval := time.Duration(a.cfg.Heartbeat.IntervalMins) * time.Minute
	if interval < time.Minute {
		interval = time.Minute
	}

	lastRun, err := a.store.GetStateTime(stateHeartbeatLastRun)
	if err != nil {
		a.logger.Warn("heartbeat state read failed", "error", err)
		return
	}
	now := time.Now().UTC()
	if !lastRun.IsZero() && now.Sub(lastRun) < interval {
		return
	}
	if err := a.store.SetStateTime(stateHeartbeatLastRun, now); err != nil {
		a.logger.Warn("persist heartbeat timestamp failed", "error", err)
	}

	a.maybeRunMemoryEvolution()

	checklist, err := loadPendingChecklistItems(a.cfg.Heartbeat.ChecklistPath)
	if err != nil {
		a.logger.Warn("heartbeat checklist read failed",
			"path", a.cfg.Heartbeat.ChecklistPath, "error", err)
	}
	hints := a.reminderMemoryHints()

	if len(checklist) == 0 && len(hints) == 0 {
		a.logger.Debug("heartbeat due, but no pending checklist or reminder items")
		return
	}

	a.bus.Emit(events.TypeObservation, map[string]any{"text": "Running autonomous heartbeat checks"})
	a.setVisualState(VisualThinking)

	var prompt strings.Builder
	prompt.WriteString("You are running a scheduled heartbeat cycle for routine maintenance.\n")
	prompt.WriteString("If nothing actionable remains, respond exactly with: NO_ACTION\n")
	prompt.WriteString("If action is needed, use tools to complete work, then provide a concise summary.\n")
	if len(checklist) > 0 {
		prompt.WriteString("\nPending checklist items:\n")
		for _, item := range checklist {
			prompt.WriteString("- " + item + "\n")
		}
	}
	if len(hints) > 0 {
		prompt.WriteString("\nReminder-like working-memory notes:\n")
		for _, hint := range hints {
			prompt.WriteString("- " + hint + "\n")
		}
	}
	prompt.WriteString("\nUse safe, incremental actions. If blocked by approval or missing access, explain the block in your summary.")

	engine := NewEngine(EngineConfig{
		Model:         a.cfg.LLM.Model,
		Temperature:   0.2,
		MaxTokens:     2048,
		MaxIterations: 8,
	}, a.registry, a.client, a.logger)
	toolCtx := tools.ContextForProfile(a.cfg, tools.ProfileHeartbeat, a.cfg.Tools.Workspace.Path)

	systemPrompt := a.cfg.SystemPrompt + "\n\nYou are in autonomous heartbeat mode. Be concise and execution-focused."

	result, err := engine.Run(ctx, systemPrompt, nil, prompt.String(), toolCtx, nil, nil)
	if err != nil {
		a.logger.Warn("heartbeat loop failed", "error", err)
		a.bus.Emit(events.TypeError, map[string]any{"text": fmt.Sprintf("Heartbeat error: %v", err)})
		return
	}

	summary := strings.TrimSpace(result.Response)
	noAction := strings.EqualFold(summary, "NO_ACTION")
	if noAction && len(result.ToolCalls) == 0 {
		a.logger.Debug("heartbeat completed with no action")
		return
	}

	detail := fmt.Sprintf("%d tool call(s). %s", len(result.ToolCalls), collapseText(summary, 240))
	if noAction {
		detail = fmt.Sprintf("No explicit summary; %d tool call(s) attempted.", len(result.ToolCalls))
	}
	a.recordAction("heartbeat: " + collapseText(summary, 80))
	a.bus.Emit(events.TypeActionTaken, map[string]any{
		"action": "Autonomous heartbeat",
		"result": detail,
	})
	if !noAction {
		_ = a.store.AppendActivityLog("heartbeat: " + collapseText(summary, 220))
	}
}

// maybeRunMemoryEvolution benchmarks memory backends on its own cadence
// and records a promotion decision. Never blocks a turn: it only runs
// from the heartbeat flow.
func (a *Agent) maybeRunMemoryEvolution() {
	if !a.cfg.MemoryEval.Enabled {
		return
	}

	interval := time.Duration(a.cfg.MemoryEval.IntervalHours) * time.Hour
	if interval < time.Hour {
		interval = time.Hour
	}
	lastRun, err := a.store.GetStateTime(stateMemoryEvalLastRun)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	if !lastRun.IsZero() && now.Sub(lastRun) < interval {
		return
	}
	if err := a.store.SetStateTime(stateMemoryEvalLastRun, now); err != nil {
		a.logger.Warn("persist memory evolution timestamp failed", "error", err)
	}

	a.bus.Emit(events.TypeObservation, map[string]any{"text": "Running scheduled memory evolution benchmark"})

	traceSet := memory.DefaultTraceSet()
	if path := strings.TrimSpace(a.cfg.MemoryEval.TraceSetPath); path != "" {
		loaded, err := memory.LoadTraceSet(path)
		if err != nil {
			a.logger.Warn("memory evolution trace load failed", "error", err)
			a.bus.Emit(events.TypeError, map[string]any{
				"text": fmt.Sprintf("Memory evolution skipped: %v", err),
			})
			return
		}
		traceSet = loaded
	}

	report, err := memory.Evaluate(traceSet)
	if err != nil {
		a.logger.Warn("memory evolution evaluation failed", "error", err)
		a.bus.Emit(events.TypeError, map[string]any{
			"text": fmt.Sprintf("Memory evolution evaluation failed: %v", err),
		})
		return
	}

	runID, err := memory.SaveEvalRun(a.store, report)
	if err != nil {
		a.logger.Warn("persist memory eval run failed", "error", err)
		return
	}

	baseline := memory.ActiveBackend(a.store).DesignVersion().DesignID
	candidate := report.Winner
	if candidate == "" || candidate == baseline {
		candidate = "fts_v2"
		if baseline == "fts_v2" {
			candidate = "episodic_v3"
		}
	}

	decision, err := memory.RecordPromotionDecision(a.store, runID, report, baseline, candidate, memory.DefaultPromotionPolicy())
	if err != nil {
		a.logger.Warn("record memory promotion failed", "error", err)
		return
	}

	a.bus.Emit(events.TypeActionTaken, map[string]any{
		"action": "Memory evolution eval",
		"result": fmt.Sprintf("run=%s candidate=%s decision=%s", runID, candidate, decision.Outcome),
	})
}

// reminderMemoryHints pulls reminder-flavored working-memory entries for
// the heartbeat prompt.
func (a *Agent) reminderMemoryHints() []string {
	entries, err := a.mem.List()
	if err != nil {
		a.logger.Warn("heartbeat failed to load working memory", "error", err)
		return nil
	}

	var hints []string
	for _, entry := range entries {
		lowered := strings.ToLower(entry.Key + " " + entry.Content)
		if strings.Contains(lowered, "remind") || strings.Contains(lowered, "todo") ||
			strings.Contains(lowered, "follow up") || strings.Contains(lowered, "don't forget") {
			hints = append(hints, fmt.Sprintf("%s: %s", entry.Key, collapseText(entry.Content, 160)))
		}
		if len(hints) >= 8 {
			break
		}
	}
	return hints
}

// loadPendingChecklistItems parses a HEARTBEAT.md-style markdown file and
// returns the unchecked task-list items. A missing file is not an error.
func loadPendingChecklistItems(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return parsePendingChecklistItems(raw), nil
}

// parsePendingChecklistItems walks the markdown AST collecting unchecked
// task-list items.
func parsePendingChecklistItems(source []byte) []string {
	md := goldmark.New(goldmark.WithExtensions(extension.TaskList))
	doc := md.Parser().Parse(text.NewReader(source))

	var items []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		item, ok := n.(*ast.ListItem)
		if !ok {
			return ast.WalkContinue, nil
		}

		checkbox := findTaskCheckBox(item)
		if checkbox == nil || checkbox.IsChecked {
			return ast.WalkContinue, nil
		}

		if label := strings.TrimSpace(string(nodeText(item, source))); label != "" {
			items = append(items, label)
		}
		return ast.WalkSkipChildren, nil
	})
	return items
}

func findTaskCheckBox(item *ast.ListItem) *east.TaskCheckBox {
	para := item.FirstChild()
	if para == nil {
		return nil
	}
	for child := para.FirstChild(); child != nil; child = child.NextSibling() {
		if checkbox, ok := child.(*east.TaskCheckBox); ok {
			return checkbox
		}
	}
	return nil
}

// nodeText renders the plain text of a list item's first paragraph.
func nodeText(item *ast.ListItem, source []byte) []byte {
	para := item.FirstChild()
	if para == nil {
		return nil
	}
	var out []byte
	for child := para.FirstChild(); child != nil; child = child.NextSibling() {
		if textNode, ok := child.(*ast.Text); ok {
			out = append(out, textNode.Segment.Value(source)...)
		}
	}
	return out
}
