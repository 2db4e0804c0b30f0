// Package agent implements the agent orchestrator: the cognitive loop
// scheduler, the multi-turn tool-calling engine, the chat-turn manager,
// orientation, concerns, journal, heartbeat, dream, and persona flows.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/memory"
	"github.com/MLTQ/ponderer-backend/internal/skills"
	"github.com/MLTQ/ponderer-backend/internal/store"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

// agent_state keys for flow bookkeeping.
const (
	stateHeartbeatLastRun  = "heartbeat_last_run_at"
	stateMemoryEvalLastRun = "memory_evolution_last_run_at"
	stateJournalLastWrite  = "journal_last_written_at"
	stateDreamLastRun      = "dream_last_run_at"
	statePersonaLastRun    = "persona_reflection_last_run_at"
)

// Visual states surfaced over the API.
const (
	VisualIdle     = "idle"
	VisualReading  = "reading"
	VisualThinking = "thinking"
	VisualWriting  = "writing"
	VisualHappy    = "happy"
	VisualConfused = "confused"
	VisualPaused   = "paused"
)

// Agent is the runtime: three interleaved cognitive loops (engaged,
// ambient, dream) driven by one cooperative scheduler.
type Agent struct {
	cfg      *config.Config
	store    *store.Store
	registry *tools.Registry
	client   *llm.Client
	mem      memory.Backend
	bus      *events.Bus
	logger   *slog.Logger

	skillSet []skills.Skill
	presence *PresenceMonitor
	concerns *ConcernsManager
	turns    *TurnManager
	orient   *OrientationEngine
	journal  *JournalEngine

	// wake collapses any number of signals into one pending wakeup.
	wake chan struct{}

	// actionLimiter bounds outward-facing skill actions per hour.
	actionLimiter *rate.Limiter

	mu              sync.Mutex
	paused          bool
	visualState     string
	processedEvents map[string]struct{}
	lastOrientation *Orientation
	lastSignature   string
	prevDisposition string
	recentActions   []string
	cancelTick      context.CancelFunc
}

// New wires an agent from its collaborators.
func New(cfg *config.Config, s *store.Store, registry *tools.Registry, client *llm.Client, mem memory.Backend, bus *events.Bus, skillSet []skills.Skill, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		cfg:             cfg,
		store:           s,
		registry:        registry,
		client:          client,
		mem:             mem,
		bus:             bus,
		logger:          logger,
		skillSet:        skillSet,
		presence:        NewPresenceMonitor(),
		concerns:        NewConcernsManager(s),
		wake:            make(chan struct{}, 1),
		visualState:     VisualIdle,
		processedEvents: make(map[string]struct{}),
	}

	perHour := cfg.Loop.MaxActionsPerHour
	if perHour <= 0 {
		perHour = 12
	}
	a.actionLimiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)

	a.orient = NewOrientationEngine(client, cfg.LLM.Model, cfg.LLM.OrientationTimeout(), logger)
	a.journal = NewJournalEngine(client, cfg.LLM.Model, logger)
	a.turns = NewTurnManager(cfg, s, registry, client, mem, bus, a.concerns, logger,
		a.LatestOrientation, a.recentActionDigest)

	return a
}

// Turns exposes the chat-turn manager (for the API surface).
func (a *Agent) Turns() *TurnManager { return a.turns }

// Wake short-circuits the scheduler's sleep. Multiple signals collapse
// to one pending wakeup.
func (a *Agent) Wake() {
	a.presence.RecordInteraction()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// TogglePause flips the paused flag and returns the new value.
func (a *Agent) TogglePause() bool {
	a.mu.Lock()
	a.paused = !a.paused
	paused := a.paused
	a.mu.Unlock()
	a.applyPauseState(paused)
	return paused
}

// SetPaused sets the paused flag.
func (a *Agent) SetPaused(paused bool) {
	a.mu.Lock()
	changed := a.paused != paused
	a.paused = paused
	a.mu.Unlock()
	if changed {
		a.applyPauseState(paused)
	}
}

func (a *Agent) applyPauseState(paused bool) {
	if paused {
		a.setVisualState(VisualPaused)
	} else {
		a.setVisualState(VisualIdle)
		a.Wake()
	}
}

// Paused reports the paused flag.
func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// VisualState returns the current visual state.
func (a *Agent) VisualState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visualState
}

func (a *Agent) setVisualState(state string) {
	a.mu.Lock()
	a.visualState = state
	a.mu.Unlock()
	a.bus.Emit(events.TypeStateChanged, map[string]any{"state": state})
}

// Stop aborts the in-flight cycle: the current tick's context is
// cancelled (aborting LLM calls at their next suspension point) and all
// background subtasks are cancelled. Affected turns land in failed.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancelTick
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.turns.CancelAll()
	a.bus.Emit(events.TypeObservation, map[string]any{"text": "Stop requested; in-flight work cancelled"})
}

// LatestOrientation returns the last synthesized orientation, or nil.
func (a *Agent) LatestOrientation() *Orientation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOrientation
}

// recordAction keeps a short ring of recent outward actions for the
// orientation and prompt digests.
func (a *Agent) recordAction(action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recentActions = append(a.recentActions, action)
	if len(a.recentActions) > 8 {
		a.recentActions = a.recentActions[len(a.recentActions)-8:]
	}
}

func (a *Agent) recentActionDigest() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.recentActions, "; ")
}

// Run drives the cognitive loops until ctx is cancelled. Each tick:
// pause check, persona evolution, engaged tick, ambient tick, dream
// check, adaptive sleep. Failures are confined to the tick: an error
// event is emitted and the loop continues after a short backoff.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent loop starting",
		"ambient", a.cfg.Loop.EnableAmbientLoop,
		"model", a.cfg.LLM.Model,
	)
	a.bus.Emit(events.TypeObservation, map[string]any{"text": "Agent starting up"})
	a.maybeCaptureInitialPersona(ctx)

	tick := 0
	for {
		if err := ctx.Err(); err != nil {
			a.logger.Info("agent loop stopped")
			return nil
		}

		if a.Paused() {
			if !a.sleep(ctx, 5*time.Second) {
				return nil
			}
			continue
		}

		tick++
		a.bus.Emit(events.TypeCycleStart, map[string]any{"tick": tick})
		a.setVisualState(VisualIdle)

		tickCtx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.cancelTick = cancel
		a.mu.Unlock()

		if err := a.runCycle(tickCtx); err != nil && tickCtx.Err() == nil {
			a.logger.Error("agent cycle error", "error", err)
			a.bus.Emit(events.TypeError, map[string]any{"text": err.Error()})
			a.setVisualState(VisualConfused)
			backoff := time.Duration(a.cfg.Loop.ErrorBackoffSec) * time.Second
			if backoff <= 0 {
				backoff = 10 * time.Second
			}
			if !a.sleep(ctx, backoff) {
				cancel()
				return nil
			}
		}

		cancel()
		a.mu.Lock()
		a.cancelTick = nil
		a.mu.Unlock()

		if !a.sleep(ctx, a.calculateTickDuration()) {
			return nil
		}
	}
}

// runCycle is one full pass over the loops.
func (a *Agent) runCycle(ctx context.Context) error {
	a.maybeEvolvePersona(ctx)

	// Engaged: operator messages first, then skill events.
	if err := a.engagedTick(ctx); err != nil {
		return err
	}

	if a.cfg.Loop.EnableAmbientLoop {
		a.ambientTick(ctx)
		a.maybeDream(ctx)
	} else {
		// Legacy single pass: engaged plus heartbeat only.
		a.maybeRunHeartbeat(ctx)
	}
	return nil
}

// engagedTick drains unread operator messages and runs an agentic pass
// over fresh skill events.
func (a *Agent) engagedTick(ctx context.Context) error {
	a.setVisualState(VisualThinking)
	if err := a.turns.ProcessUnread(ctx); err != nil {
		return err
	}

	fresh := a.pollSkills(ctx)
	if len(fresh) > 0 {
		a.processSkillEvents(ctx, fresh)
	}
	a.setVisualState(VisualIdle)
	return nil
}

// pollSkills collects new events from every skill, dropping already
// processed ids and the agent's own authorship.
func (a *Agent) pollSkills(ctx context.Context) []skills.Event {
	if len(a.skillSet) == 0 {
		return nil
	}
	a.setVisualState(VisualReading)

	var fresh []skills.Event
	for _, skill := range a.skillSet {
		evts, err := skill.Poll(ctx, a.cfg.Username)
		if err != nil {
			a.logger.Warn("skill poll failed", "skill", skill.Name(), "error", err)
			a.bus.Emit(events.TypeError, map[string]any{
				"text": fmt.Sprintf("Skill %q error: %v", skill.Name(), err),
			})
			continue
		}

		a.mu.Lock()
		for _, ev := range evts {
			if _, done := a.processedEvents[ev.ID]; done {
				continue
			}
			if ev.Author == a.cfg.Username {
				continue
			}
			fresh = append(fresh, ev)
		}
		a.mu.Unlock()
	}
	return fresh
}

// processSkillEvents runs one agentic pass over the fresh events under
// the skill_events capability profile.
func (a *Agent) processSkillEvents(ctx context.Context, fresh []skills.Event) {
	if a.actionLimiter.Tokens() < 1 {
		a.bus.Emit(events.TypeObservation, map[string]any{
			"text": "Hourly action limit reached; deferring skill events",
		})
		return
	}
	a.setVisualState(VisualThinking)
	a.bus.Emit(events.TypeObservation, map[string]any{
		"text": fmt.Sprintf("Found %d new skill event(s) to analyze", len(fresh)),
	})

	engine := NewEngine(EngineConfig{
		Model:         a.cfg.LLM.Model,
		Temperature:   a.cfg.LLM.Temperature,
		MaxTokens:     a.cfg.LLM.MaxTokens,
		MaxIterations: 8,
	}, a.registry, a.client, a.logger)
	toolCtx := tools.ContextForProfile(a.cfg, tools.ProfileSkillEvents, a.cfg.Tools.Workspace.Path)

	systemPrompt := a.cfg.SystemPrompt + "\n\n" +
		"You are processing external skill events. Decide whether to take action.\n" +
		"If replying externally, call tool `skill_bridge` with the skill name, action, and params (event_id, content).\n" +
		"You may use `write_memory` for durable notes and `search_memory` for recall.\n" +
		"If no action is needed, explain briefly and return."

	var prompt strings.Builder
	prompt.WriteString("## Incoming Skill Events\n\n")
	for i, ev := range fresh {
		fmt.Fprintf(&prompt, "%d. event_id=%s source=%q author=%q\n   body: %s\n\n",
			i+1, ev.ID, ev.Source, ev.Author, collapseText(ev.Body, 300))
	}
	prompt.WriteString("Decide whether to act. If no action is needed, explain why briefly.")

	result, err := engine.Run(ctx, systemPrompt, nil, prompt.String(), toolCtx, nil, nil)
	if err != nil {
		a.bus.Emit(events.TypeError, map[string]any{
			"text": fmt.Sprintf("Skill-event agentic pass failed: %v", err),
		})
		a.setVisualState(VisualConfused)
		return
	}

	trace := []string{fmt.Sprintf("Skill-event agentic pass (%d event(s), %d tool call(s))",
		len(fresh), len(result.ToolCalls))}
	if len(result.ThinkingBlocks) > 0 {
		trace = append(trace, fmt.Sprintf("Model emitted %d thinking block(s) (hidden from outputs)",
			len(result.ThinkingBlocks)))
	}
	a.bus.Emit(events.TypeReasoningTrace, map[string]any{"lines": trace})

	outward := 0
	for _, call := range result.ToolCalls {
		if call.ToolName == "skill_bridge" && call.Output.IsSuccess() {
			outward++
		}
	}
	if outward > 0 {
		// Consume limiter tokens for actions already taken.
		a.actionLimiter.AllowN(time.Now(), outward)
		action := fmt.Sprintf("%d outward skill action(s)", outward)
		a.recordAction(action)
		a.bus.Emit(events.TypeActionTaken, map[string]any{
			"action": "Skill actions via agentic pass",
			"result": action,
		})
		a.setVisualState(VisualHappy)
	}

	a.mu.Lock()
	for _, ev := range fresh {
		a.processedEvents[ev.ID] = struct{}{}
	}
	a.mu.Unlock()
}

// ambientTick refreshes orientation (signature fast-path), applies
// concern decay, maybe writes a journal entry, and runs heartbeat when
// due.
func (a *Agent) ambientTick(ctx context.Context) {
	if report, err := a.concerns.ApplyDecay(time.Now().UTC()); err == nil && report.TotalChanges() > 0 {
		a.bus.Emit(events.TypeObservation, map[string]any{
			"text": fmt.Sprintf("Concern decay: monitoring=%d, background=%d, dormant=%d",
				report.ToMonitoring, report.ToBackground, report.ToDormant),
		})
	}

	orientation := a.refreshOrientation(ctx, nil)
	if orientation != nil {
		a.maybeWriteJournal(ctx, orientation)
	}

	a.maybeRunHeartbeat(ctx)
}

// refreshOrientation computes the context signature and reuses the prior
// orientation when nothing changed; the slow path calls the LLM and
// persists a snapshot.
func (a *Agent) refreshOrientation(ctx context.Context, pendingEvents []skills.Event) *Orientation {
	input := a.orientationInput(pendingEvents)
	signature := ContextSignature(input)

	a.mu.Lock()
	unchanged := signature != "" && signature == a.lastSignature && a.lastOrientation != nil
	prior := a.lastOrientation
	a.mu.Unlock()

	if unchanged {
		// Fast-path: identical signature, no LLM request issued.
		return prior
	}

	orientation, pending := a.orient.Orient(ctx, input)
	orientation.Signature = signature

	a.mu.Lock()
	a.prevDisposition = ""
	if prior != nil {
		a.prevDisposition = prior.Disposition
	}
	a.lastOrientation = orientation
	a.lastSignature = signature
	a.mu.Unlock()

	if err := a.store.SaveOrientationSnapshot(orientation.SnapshotRecord(signature)); err != nil {
		a.logger.Warn("persist orientation snapshot failed", "error", err)
	}
	for _, thought := range pending {
		if err := a.store.EnqueuePendingThought(&thought); err != nil {
			a.logger.Warn("enqueue pending thought failed", "error", err)
		}
	}

	a.bus.Emit(events.TypeOrientationUpdate, map[string]any{
		"disposition": orientation.Disposition,
		"user_state":  orientation.UserState,
		"narrative":   collapseText(orientation.Narrative, 220),
		"anomalies":   len(orientation.Anomalies),
		"salient":     len(orientation.SalienceMap),
	})
	return orientation
}

func (a *Agent) orientationInput(pendingEvents []skills.Event) *OrientationInput {
	concerns, _ := a.store.LiveConcerns()
	journal, _ := a.store.RecentJournal(8)
	thoughts, _ := a.store.PendingThoughts(8)
	persona, _ := a.store.LatestPersona()
	prevOODA, _ := a.store.LatestOODAPacket()

	return &OrientationInput{
		Presence:           a.presence.Sample(),
		Concerns:           concerns,
		RecentJournal:      journal,
		PendingThoughts:    thoughts,
		PendingEvents:      pendingEvents,
		Persona:            persona,
		RecentActionDigest: a.recentActionDigest(),
		PrevOODA:           prevOODA,
	}
}

// maybeWriteJournal applies the journal gates and persists an entry when
// the engine produces one.
func (a *Agent) maybeWriteJournal(ctx context.Context, orientation *Orientation) {
	a.mu.Lock()
	prevDisposition := a.prevDisposition
	a.mu.Unlock()

	lastWritten, _ := a.store.GetStateTime(stateJournalLastWrite)
	minInterval := time.Duration(a.cfg.Journal.MinIntervalSecs) * time.Second
	if minInterval <= 0 {
		minInterval = 300 * time.Second
	}

	if reason := journalSkipReason(time.Now().UTC(), lastWritten, orientation.Disposition, prevDisposition, minInterval); reason != JournalWrite {
		if reason != JournalSkipDisposition {
			a.logger.Debug("journal skipped", "reason", int(reason))
		}
		return
	}

	recent, _ := a.store.RecentJournal(6)
	concerns, _ := a.store.LiveConcerns()

	entry, err := a.journal.MaybeGenerateEntry(ctx, orientation, recent, concerns, 0)
	if err != nil || entry == nil {
		return
	}

	if err := a.store.AddJournalEntry(entry); err != nil {
		a.logger.Warn("persist journal entry failed", "error", err)
		return
	}
	_ = a.store.SetStateTime(stateJournalLastWrite, entry.CreatedAt)
	_ = a.store.AppendActivityLog(fmt.Sprintf("Journal entry [%s]: %s",
		entry.Type, collapseText(entry.Content, 180)))

	// Fast-path ticks reuse the orientation, so mark the disposition as
	// seen; the unchanged-disposition gate then holds until it moves.
	a.mu.Lock()
	a.prevDisposition = orientation.Disposition
	a.mu.Unlock()

	a.bus.Emit(events.TypeJournalWritten, map[string]any{
		"text": fmt.Sprintf("%s: %s", entry.Type, collapseText(entry.Content, 180)),
	})
}

// calculateTickDuration adapts the sleep to the operator estimate:
// attending 1s, active 5s, present 15s, away 60s, dormant 300s, clamped
// from below by config.
func (a *Agent) calculateTickDuration() time.Duration {
	level := UserStateLevel(a.presence.Sample())
	if o := a.LatestOrientation(); o != nil && o.UserState.Level != "" {
		level = o.UserState.Level
	}

	var d time.Duration
	switch level {
	case "attending":
		d = 1 * time.Second
	case "active":
		d = 5 * time.Second
	case "present":
		d = 15 * time.Second
	case "away":
		d = 60 * time.Second
	default:
		d = 300 * time.Second
	}

	if min := time.Duration(a.cfg.Loop.MinTickSec) * time.Second; d < min {
		d = min
	}
	return d
}

// sleep waits for the duration, a wake signal, or cancellation. Returns
// false when ctx is done.
func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-a.wake:
		return true
	case <-timer.C:
		return true
	}
}
