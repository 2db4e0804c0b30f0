package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/memory"
	"github.com/MLTQ/ponderer-backend/internal/store"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

const maxBackgroundTurns = 32

// TurnManager drives one operator interaction through one or more
// autonomous turns to at most one yielded agent message, with optional
// handoff to a per-conversation background subtask.
type TurnManager struct {
	cfg      *config.Config
	store    *store.Store
	registry *tools.Registry
	client   *llm.Client
	mem      memory.Backend
	bus      *events.Bus
	concerns *ConcernsManager
	logger   *slog.Logger

	// orientationFn supplies the latest orientation; actionDigestFn the
	// recent-action digest. Both injected by the Agent to keep data flow
	// one-directional per tick.
	orientationFn  func() *Orientation
	actionDigestFn func() string

	mu    sync.Mutex
	convs map[string]*convState
}

// convState is per-conversation foreground/background bookkeeping.
type convState struct {
	heat                *LoopHeat
	backgroundRunning   bool
	pendingApprovalTool string
	fgCancel            context.CancelFunc
	bgCancel            context.CancelFunc
}

// NewTurnManager wires the manager.
func NewTurnManager(cfg *config.Config, s *store.Store, registry *tools.Registry, client *llm.Client, mem memory.Backend, bus *events.Bus, concerns *ConcernsManager, logger *slog.Logger, orientationFn func() *Orientation, actionDigestFn func() string) *TurnManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnManager{
		cfg:            cfg,
		store:          s,
		registry:       registry,
		client:         client,
		mem:            mem,
		bus:            bus,
		concerns:       concerns,
		logger:         logger,
		orientationFn:  orientationFn,
		actionDigestFn: actionDigestFn,
		convs:          make(map[string]*convState),
	}
}

func (tm *TurnManager) state(conversationID string) *convState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cs, ok := tm.convs[conversationID]
	if !ok {
		cs = &convState{heat: NewLoopHeat(
			tm.cfg.Chat.LoopSignatureWindow,
			tm.cfg.Chat.LoopSimilarityThreshold,
			tm.cfg.Chat.LoopHeatThreshold,
			tm.cfg.Chat.LoopHeatCooldown,
		)}
		tm.convs[conversationID] = cs
	}
	return cs
}

// CancelAll aborts every in-flight foreground turn and background
// subtask. Used by POST /agent/stop.
func (tm *TurnManager) CancelAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, cs := range tm.convs {
		if cs.fgCancel != nil {
			cs.fgCancel()
		}
		if cs.bgCancel != nil {
			cs.bgCancel()
		}
	}
}

// BackgroundActive reports whether a conversation has a live subtask.
func (tm *TurnManager) BackgroundActive(conversationID string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cs, ok := tm.convs[conversationID]
	return ok && cs.backgroundRunning
}

// ProcessUnread drains unprocessed operator messages, strictly in
// insertion order per conversation. Messages are processed while their
// conversation is free: a conversation holds either a foreground turn or
// a background subtask, never both.
func (tm *TurnManager) ProcessUnread(ctx context.Context) error {
	unread, err := tm.store.UnprocessedOperatorMessages()
	if err != nil {
		return fmt.Errorf("load unread: %w", err)
	}
	if len(unread) == 0 {
		return nil
	}

	// Group by conversation, preserving arrival order.
	order := []string{}
	grouped := map[string][]store.Message{}
	for _, msg := range unread {
		if _, ok := grouped[msg.ConversationID]; !ok {
			order = append(order, msg.ConversationID)
		}
		grouped[msg.ConversationID] = append(grouped[msg.ConversationID], msg)
	}

	tm.bus.Emit(events.TypeObservation, map[string]any{
		"text": fmt.Sprintf("Processing %d operator message(s) across %d conversation(s)", len(unread), len(order)),
	})

	for _, convID := range order {
		cs := tm.state(convID)
		if cs.backgroundRunning {
			tm.logger.Debug("conversation busy with background subtask", "conversation", convID)
			continue
		}
		if cs.pendingApprovalTool != "" && !tm.registry.IsSessionApproved(cs.pendingApprovalTool) {
			tm.logger.Debug("conversation awaiting tool approval",
				"conversation", convID, "tool", cs.pendingApprovalTool)
			continue
		}
		cs.pendingApprovalTool = ""

		if err := tm.runForeground(ctx, convID, grouped[convID]); err != nil {
			tm.logger.Warn("foreground cycle failed", "conversation", convID, "error", err)
			tm.bus.Emit(events.TypeError, map[string]any{
				"text": fmt.Sprintf("Chat cycle failed [%s]: %v", shortID(convID), err),
			})
		}
	}
	return nil
}

// turnOutcome carries one turn's results forward.
type turnOutcome struct {
	turnID   string
	payload  ChatPayload
	control  TurnControl
	result   *EngineResult
	hot      bool
	resolved string // operator-visible text after fallbacks
}

// runForeground executes the foreground turn cycle for one conversation.
func (tm *TurnManager) runForeground(ctx context.Context, convID string, msgs []store.Message) error {
	cs := tm.state(convID)
	cs.heat.Reset()

	turnCtx, cancel := context.WithCancel(ctx)
	tm.mu.Lock()
	cs.fgCancel = cancel
	tm.mu.Unlock()
	defer func() {
		cancel()
		tm.mu.Lock()
		cs.fgCancel = nil
		tm.mu.Unlock()
	}()

	budget := tm.cfg.Chat.MaxAutonomousTurns
	summaryContext := tm.maybeRefreshSummary(turnCtx, convID)
	continuationHint := ""

	for turn := 1; ; turn++ {
		newMessages := msgs
		if turn > 1 {
			newMessages = nil
		}

		outcome, err := tm.runTurn(turnCtx, convID, turn, newMessages, continuationHint, summaryContext)
		if err != nil {
			return err
		}
		if outcome == nil {
			// Turn ended in awaiting_approval or failed; both paths have
			// already persisted their state.
			return nil
		}

		shouldContinue := outcome.control.Decision == store.DecisionContinue &&
			(len(outcome.result.ToolCalls) > 0 || outcome.control.Status == store.StatusStillWorking) &&
			!outcome.hot
		withinBudget := budget <= 0 || turn < budget

		if shouldContinue && withinBudget {
			if err := tm.store.CompleteTurn(outcome.turnID, store.PhaseCompleted, store.DecisionContinue, outcome.control.Status); err != nil {
				tm.logger.Warn("persist continue turn failed", "error", err)
			}
			tm.saveOODA(outcome, msgs)
			tm.bus.Emit(events.TypeActionTaken, map[string]any{
				"action": "Continuing autonomous operator task",
				"result": fmt.Sprintf("[%s] turn %d, %d tool call(s), status=%s",
					shortID(convID), turn, len(outcome.result.ToolCalls), outcome.control.Status),
			})
			continuationHint = buildContinuationHint(outcome)
			continue
		}

		if shouldContinue && !withinBudget {
			// Justified continuation at the foreground cap: hand off to a
			// background subtask and yield control immediately.
			if err := tm.store.CompleteTurn(outcome.turnID, store.PhaseCompleted, store.DecisionContinue, outcome.control.Status); err != nil {
				tm.logger.Warn("persist handoff turn failed", "error", err)
			}
			tm.saveOODA(outcome, msgs)
			tm.spawnBackground(convID, msgs, buildContinuationHint(outcome), summaryContext)
			tm.bus.Emit(events.TypeObservation, map[string]any{
				"text": fmt.Sprintf("Handing conversation [%s] to a background subtask", shortID(convID)),
			})
			return nil
		}

		// Yield: the single point where an agent message is appended.
		return tm.yieldTurn(convID, outcome, msgs)
	}
}

// runTurn executes exactly one turn: begin record, engine pass, metadata
// parsing, concern updates, heat observation. It returns nil when the
// turn reached a terminal state itself (failed / awaiting approval).
func (tm *TurnManager) runTurn(ctx context.Context, convID string, iteration int, newMessages []store.Message, continuationHint, summaryContext string) (*turnOutcome, error) {
	systemPrompt := tm.chatSystemPrompt()
	promptText := tm.buildPromptBundle(convID, newMessages, continuationHint, summaryContext)

	turnID, err := tm.store.BeginTurn(convID, iteration, promptText, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("begin turn: %w", err)
	}

	tm.bus.Emit(events.TypeObservation, map[string]any{
		"text": fmt.Sprintf("Operator task [%s] turn %d", shortID(convID), iteration),
	})

	engine := NewEngine(EngineConfig{
		Model:         tm.cfg.LLM.Model,
		Temperature:   tm.cfg.LLM.Temperature,
		MaxTokens:     tm.cfg.LLM.MaxTokens,
		MaxIterations: tm.cfg.LLM.MaxToolIterations,
	}, tm.registry, tm.client, tm.logger)

	toolCtx := tools.ContextForProfile(tm.cfg, tools.ProfilePrivateChat, tm.cfg.Tools.Workspace.Path)

	onText := func(content string, done bool) {
		tm.bus.Emit(events.TypeChatStreaming, map[string]any{
			"conversation_id": convID,
			"content":         content,
			"done":            done,
		})
	}
	onTool := func(record *tools.CallRecord) {
		tm.bus.Emit(events.TypeToolCallProgress, map[string]any{
			"conversation_id": convID,
			"tool_name":       record.ToolName,
			"output_preview":  collapseText(record.Output.LLMString(), 220),
		})
	}

	result, err := engine.Run(ctx, systemPrompt, nil, promptText, toolCtx, onText, onTool)
	if err != nil {
		tm.failTurn(convID, turnID, err)
		return nil, nil
	}

	// Persist tool lineage before anything else can fail.
	for seq, record := range result.ToolCalls {
		argsJSON, _ := json.Marshal(record.Args)
		approved := record.Output.Kind != tools.OutputNeedsApproval
		if err := tm.store.RecordTurnToolCall(turnID, seq, record.ToolName, string(argsJSON),
			collapseText(record.Output.LLMString(), 500), approved); err != nil {
			tm.logger.Warn("persist tool call failed", "tool", record.ToolName, "error", err)
		}
	}

	if result.PendingApproval != "" {
		cs := tm.state(convID)
		cs.pendingApprovalTool = result.PendingApproval
		if err := tm.store.CompleteTurn(turnID, store.PhaseAwaitingApproval, store.DecisionContinue, store.StatusStillWorking); err != nil {
			tm.logger.Warn("persist awaiting-approval turn failed", "error", err)
		}
		tm.bus.Emit(events.TypeObservation, map[string]any{
			"text": fmt.Sprintf("Turn paused: tool %q needs approval [%s]", result.PendingApproval, shortID(convID)),
		})
		return nil, nil
	}

	payload := ParseChatPayload(result.Response)
	payload.Thinking = append(payload.Thinking, result.ThinkingBlocks...)

	control := TurnControl{Decision: store.DecisionYield, Status: store.StatusDone}
	if payload.TurnControl != nil {
		control = *payload.TurnControl
	}

	// Concern flow: mention touch over operator + visible text, then
	// structured signals from the [concerns] block.
	tm.applyConcernUpdates(convID, newMessages, payload.Visible, payload.Concerns)

	hot := tm.state(convID).heat.Observe(TurnSignatureTokens(payload.Visible, result.ToolCalls))
	if hot {
		tm.bus.Emit(events.TypeObservation, map[string]any{
			"text": fmt.Sprintf("Loop heat threshold crossed [%s]; forcing yield", shortID(convID)),
		})
	}

	outcome := &turnOutcome{
		turnID:   turnID,
		payload:  payload,
		control:  control,
		result:   result,
		hot:      hot,
		resolved: resolveVisibleText(payload.Visible, payload.TurnControl),
	}
	return outcome, nil
}

// yieldTurn persists the agent reply, marks the trigger messages
// processed, and completes the turn. The assistant content keeps metadata
// blocks inline as canonical delimiters.
func (tm *TurnManager) yieldTurn(convID string, outcome *turnOutcome, triggerMsgs []store.Message) error {
	visible := outcome.resolved
	status := outcome.control.Status

	if outcome.hot {
		visible = "I noticed I was repeating myself without making progress, so I am stopping here. " +
			"Tell me how you would like to proceed."
		status = store.StatusDone
	}
	if visible == "" {
		if len(outcome.result.ToolCalls) == 0 {
			visible = "I do not have a useful response yet."
		} else {
			visible = "I ran tools for your request. Details are attached below."
		}
	}

	payload := outcome.payload
	payload.Visible = visible
	payload.ToolCalls = toolCallDetails(outcome.result.ToolCalls)
	payload.TurnControl = &TurnControl{
		Decision: store.DecisionYield,
		Status:   status,
		Reason:   outcome.control.Reason,
	}
	content := FormatAgentMessage(payload)

	if _, err := tm.store.AddMessage(convID, "agent", content, outcome.turnID); err != nil {
		return fmt.Errorf("persist agent reply: %w", err)
	}
	for _, msg := range triggerMsgs {
		if err := tm.store.MarkMessageProcessed(msg.ID); err != nil {
			tm.logger.Warn("mark processed failed", "message", msg.ID, "error", err)
		}
		_ = tm.store.AppendActivityLog(fmt.Sprintf("operator [%s]: %s",
			shortID(convID), collapseText(msg.Content, 220)))
	}

	if err := tm.store.CompleteTurn(outcome.turnID, store.PhaseCompleted, store.DecisionYield, status); err != nil {
		tm.logger.Warn("persist yield turn failed", "error", err)
	}
	tm.saveOODA(outcome, triggerMsgs)

	tm.bus.Emit(events.TypeActionTaken, map[string]any{
		"action": "Replied to operator",
		"result": fmt.Sprintf("[%s] %d tool call(s), status=%s. %s",
			shortID(convID), len(outcome.result.ToolCalls), status, collapseText(visible, 80)),
	})
	_ = tm.store.AppendActivityLog(fmt.Sprintf("agent [%s]: decision=yield, status=%s, tools=%d",
		shortID(convID), status, len(outcome.result.ToolCalls)))
	return nil
}

// failTurn marks the turn failed and writes a concise error reply so the
// operator message still receives exactly one agent message. Streamed
// partials are superseded by the final error text.
func (tm *TurnManager) failTurn(convID, turnID string, cause error) {
	if err := tm.store.FailTurn(turnID, cause.Error()); err != nil {
		tm.logger.Warn("persist failed turn failed", "error", err)
	}

	reply := FormatAgentMessage(ChatPayload{
		Visible:     "Something went wrong while I was working on that. The error has been logged; please try again.",
		TurnControl: &TurnControl{Decision: store.DecisionYield, Status: store.StatusError},
	})
	if _, err := tm.store.AddMessage(convID, "agent", reply, turnID); err != nil {
		tm.logger.Warn("persist error reply failed", "error", err)
	}
	// The trigger messages stay processed so the failure is not retried
	// in a loop; restarting the turn is an explicit operator action.
	if unread, err := tm.store.UnprocessedOperatorMessages(); err == nil {
		for _, msg := range unread {
			if msg.ConversationID == convID {
				_ = tm.store.MarkMessageProcessed(msg.ID)
			}
		}
	}

	tm.bus.Emit(events.TypeChatStreaming, map[string]any{
		"conversation_id": convID, "content": "", "done": true,
	})
	tm.bus.Emit(events.TypeError, map[string]any{
		"text": fmt.Sprintf("Turn failed [%s]: %s", shortID(convID), collapseText(cause.Error(), 200)),
	})
}

// spawnBackground starts the per-conversation background subtask. Only
// one subtask per conversation exists at a time.
func (tm *TurnManager) spawnBackground(convID string, triggerMsgs []store.Message, continuationHint, summaryContext string) {
	cs := tm.state(convID)
	tm.mu.Lock()
	if cs.backgroundRunning {
		tm.mu.Unlock()
		return
	}
	cs.backgroundRunning = true
	bgCtx, cancel := context.WithCancel(context.Background())
	cs.bgCancel = cancel
	tm.mu.Unlock()

	go func() {
		defer func() {
			tm.mu.Lock()
			cs.backgroundRunning = false
			cs.bgCancel = nil
			tm.mu.Unlock()
			cancel()
		}()
		tm.runBackground(bgCtx, convID, triggerMsgs, continuationHint, summaryContext)
	}()
}

// runBackground continues autonomous turns with iteration ≥ 100 until
// the model yields, the loop heats up, the turn budget drains, or the
// subtask is cancelled. Yield messages persist exactly like foreground
// yields.
func (tm *TurnManager) runBackground(ctx context.Context, convID string, triggerMsgs []store.Message, continuationHint, summaryContext string) {
	hint := continuationHint
	for i := 0; i < maxBackgroundTurns; i++ {
		if ctx.Err() != nil {
			return
		}
		iteration := store.BackgroundIterationBase + i

		outcome, err := tm.runTurn(ctx, convID, iteration, nil, hint, summaryContext)
		if err != nil {
			tm.logger.Warn("background turn failed", "conversation", convID, "error", err)
			return
		}
		if outcome == nil {
			return
		}

		shouldContinue := outcome.control.Decision == store.DecisionContinue &&
			(len(outcome.result.ToolCalls) > 0 || outcome.control.Status == store.StatusStillWorking) &&
			!outcome.hot && i < maxBackgroundTurns-1

		if shouldContinue {
			if err := tm.store.CompleteTurn(outcome.turnID, store.PhaseCompleted, store.DecisionContinue, outcome.control.Status); err != nil {
				tm.logger.Warn("persist background continue failed", "error", err)
			}
			tm.saveOODA(outcome, nil)
			hint = buildContinuationHint(outcome)
			continue
		}

		if err := tm.yieldTurn(convID, outcome, triggerMsgs); err != nil {
			tm.logger.Warn("background yield failed", "conversation", convID, "error", err)
		}
		return
	}
}

func (tm *TurnManager) applyConcernUpdates(convID string, operatorMsgs []store.Message, visible string, signals []ConcernSignal) {
	var mentionText strings.Builder
	for _, msg := range operatorMsgs {
		mentionText.WriteString(msg.Content)
		mentionText.WriteString("\n")
	}
	mentionText.WriteString(visible)

	touched, err := tm.concerns.TouchFromText(mentionText.String(), "chat mention ["+shortID(convID)+"]")
	if err != nil {
		tm.logger.Warn("concern mention touch failed", "error", err)
	}

	report, err := tm.concerns.IngestSignals(signals, "private_chat")
	if err != nil {
		tm.logger.Warn("concern signal ingest failed", "error", err)
	}

	for _, concern := range report.Created {
		tm.bus.Emit(events.TypeConcernCreated, map[string]any{
			"id": concern.ID, "summary": concern.Summary,
		})
	}
	seen := make(map[string]struct{})
	for _, concern := range append(touched, report.Touched...) {
		if _, dup := seen[concern.ID]; dup {
			continue
		}
		seen[concern.ID] = struct{}{}
		tm.bus.Emit(events.TypeConcernTouched, map[string]any{
			"id": concern.ID, "summary": concern.Summary,
		})
	}
}

// saveOODA persists the per-turn Observe/Orient/Decide/Act packet.
func (tm *TurnManager) saveOODA(outcome *turnOutcome, msgs []store.Message) {
	var observe strings.Builder
	if len(msgs) == 0 {
		observe.WriteString("autonomous continuation turn")
	}
	for _, msg := range msgs {
		observe.WriteString(collapseText(msg.Content, 160))
		observe.WriteString(" ")
	}

	orient := ""
	if o := tm.orientationFn(); o != nil {
		orient = collapseText(o.Narrative, 200)
	}

	var acts []string
	for _, call := range outcome.result.ToolCalls {
		acts = append(acts, call.ToolName)
	}
	act := collapseText(outcome.resolved, 160)
	if len(acts) > 0 {
		act = "tools: " + strings.Join(acts, ", ") + ". " + act
	}

	packet := &store.OODAPacket{
		TurnID:  outcome.turnID,
		Observe: strings.TrimSpace(observe.String()),
		Orient:  orient,
		Decide:  fmt.Sprintf("decision=%s status=%s %s", outcome.control.Decision, outcome.control.Status, outcome.control.Reason),
		Act:     act,
	}
	if err := tm.store.SaveOODAPacket(packet); err != nil {
		tm.logger.Warn("persist ooda packet failed", "error", err)
	}
}

// chatSystemPrompt appends the chat-mode contract to the base persona.
func (tm *TurnManager) chatSystemPrompt() string {
	return tm.cfg.SystemPrompt + "\n\n" +
		"You are in direct operator chat mode. Use tools when they improve correctness or save effort.\n" +
		"You may run multiple internal turns before yielding back to the operator.\n" +
		"If you detect persistent topics, projects, or reminders, append a concerns block:\n" +
		blockConcernsStart + "\n" +
		`[{"action":"create|touch|resolve","summary":"short title","type":"project|household|system_health|interest|reminder|conversation","confidence":0.0,"note":"optional","linked_memory_keys":["optional-key"]}]` + "\n" +
		blockConcernsEnd + "\n" +
		"Use an empty array when there are no concern updates.\n" +
		"Every response MUST end with a turn-control JSON block in this exact envelope:\n" +
		blockTurnControlStart + "\n" +
		`{"decision":"continue|yield","status":"still_working|done|error","user_message":"operator-facing text","reason":"short internal rationale"}` + "\n" +
		blockTurnControlEnd + "\n" +
		"Choose decision='continue' only if you can make immediate progress now without operator input.\n" +
		"Choose decision='yield' when done, blocked, or waiting on the operator."
}

// buildPromptBundle assembles the turn prompt in the canonical order:
// session handoff, concern priority, working memory, situation synthesis,
// summary snapshot, recent slice, new messages, continuation hint.
func (tm *TurnManager) buildPromptBundle(convID string, newMessages []store.Message, continuationHint, summaryContext string) string {
	var sb strings.Builder
	sep := func() { sb.WriteString("\n\n---\n\n") }

	if handoff := memory.SessionHandoffNote(tm.mem); handoff != "" {
		sb.WriteString("## Session Handoff\n\n")
		sb.WriteString(strings.TrimSpace(handoff))
		sep()
	}

	if concernCtx, err := tm.concerns.PriorityContext(10, 2200, tm.lookupMemory); err == nil && concernCtx != "" {
		sb.WriteString(concernCtx)
		sep()
	}

	if wmCtx := memory.WorkingMemoryContext(tm.mem, 12, 2400); wmCtx != "" {
		sb.WriteString(wmCtx)
		sep()
	}

	if situation := tm.buildSituationContext(); situation != "" {
		sb.WriteString(situation)
		sep()
	}

	if summaryContext != "" {
		sb.WriteString("## Conversation Summary Snapshot\n\n")
		sb.WriteString(summaryContext)
		sep()
	}

	if recent := tm.recentConversationContext(convID); recent != "" {
		sb.WriteString("## Recent Conversation Context\n\n")
		sb.WriteString(recent)
		sep()
	}

	if len(newMessages) > 0 {
		sb.WriteString("## New Operator Message(s)\n\n")
		for _, msg := range newMessages {
			sb.WriteString("- ")
			sb.WriteString(strings.TrimSpace(msg.Content))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if continuationHint != "" {
		sb.WriteString("## Autonomous Continuation Context\n\n")
		sb.WriteString(continuationHint)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Respond directly to the operator. Use tools when useful. If you use tools, verify results before answering.")
	return sb.String()
}

// buildSituationContext renders observe/orient/decide synthesis from the
// latest orientation, the recent action digest, and the previous OODA
// packet.
func (tm *TurnManager) buildSituationContext() string {
	var sb strings.Builder

	if o := tm.orientationFn(); o != nil {
		sb.WriteString("## Situation\n\n")
		fmt.Fprintf(&sb, "- observe: user is %s; disposition %s\n", o.UserState.Level, o.Disposition)
		fmt.Fprintf(&sb, "- orient: %s\n", collapseText(o.Narrative, 220))
	}
	if digest := tm.actionDigestFn(); digest != "" {
		if sb.Len() == 0 {
			sb.WriteString("## Situation\n\n")
		}
		fmt.Fprintf(&sb, "- recent actions: %s\n", collapseText(digest, 220))
	}
	if packet, err := tm.store.LatestOODAPacket(); err == nil && packet != nil {
		if sb.Len() == 0 {
			sb.WriteString("## Situation\n\n")
		}
		fmt.Fprintf(&sb, "- previous turn: %s | %s\n",
			collapseText(packet.Decide, 120), collapseText(packet.Act, 160))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (tm *TurnManager) recentConversationContext(convID string) string {
	msgs, err := tm.store.Messages(convID, tm.cfg.Chat.RecentContextLimit)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, msg := range msgs {
		role := "Agent"
		if msg.Role == "operator" {
			role = "Operator"
		} else if msg.Role == "system" {
			role = "System"
		}
		// Strip inline metadata blocks before showing history back.
		visible := ParseChatPayload(msg.Content).Visible
		if visible == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, collapseText(visible, 260))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (tm *TurnManager) lookupMemory(key string) string {
	entry, err := tm.mem.Get(key)
	if err != nil || entry == nil {
		return ""
	}
	return entry.Content
}

func buildContinuationHint(outcome *turnOutcome) string {
	return fmt.Sprintf(
		"Previous autonomous turn: status=%s, tools=%d, summary=%q, reason=%q. "+
			"Continue only if meaningful progress is still possible without operator input.",
		outcome.control.Status,
		len(outcome.result.ToolCalls),
		collapseText(outcome.resolved, 220),
		collapseText(outcome.control.Reason, 180),
	)
}

func toolCallDetails(calls []tools.CallRecord) []ToolCallDetail {
	var out []ToolCallDetail
	for _, call := range calls {
		args, _ := json.Marshal(call.Args)
		out = append(out, ToolCallDetail{
			ToolName:         call.ToolName,
			ArgumentsPreview: collapseText(string(args), 160),
			OutputPreview:    collapseText(call.Output.LLMString(), 220),
		})
	}
	return out
}

// maybeRefreshSummary maintains the compaction snapshot for long
// conversations and returns the summary text for prompt injection.
func (tm *TurnManager) maybeRefreshSummary(ctx context.Context, convID string) string {
	count, err := tm.store.CountMessages(convID)
	if err != nil || count <= tm.cfg.Chat.CompactionTriggerMessages {
		return ""
	}

	olderCount := count - tm.cfg.Chat.RecentContextLimit
	if olderCount <= 0 {
		return ""
	}

	existing, err := tm.store.ConversationSummarySnapshot(convID)
	if err != nil {
		return ""
	}

	summaryText := ""
	covered := 0
	if existing != nil {
		summaryText = existing.SummaryText
		covered = existing.SummarizedMessageCount
	}
	needsRefresh := covered == 0 || covered > olderCount ||
		olderCount-covered >= tm.cfg.Chat.CompactionResummaryDelta

	if needsRefresh {
		limit := olderCount
		if limit > tm.cfg.Chat.CompactionSourceMaxMessages {
			limit = tm.cfg.Chat.CompactionSourceMaxMessages
		}
		slice, err := tm.store.HistorySlice(convID, tm.cfg.Chat.RecentContextLimit, limit)
		if err == nil && len(slice) > 0 {
			refreshed := tm.summarizeSlice(ctx, slice)
			if refreshed == "" {
				refreshed = fallbackSummary(slice)
			}
			if refreshed != "" {
				if err := tm.store.UpsertConversationSummary(convID, refreshed, olderCount); err != nil {
					tm.logger.Warn("persist summary failed", "error", err)
				} else {
					summaryText = refreshed
				}
			}
		}
	}

	if strings.TrimSpace(summaryText) == "" {
		return ""
	}
	return fmt.Sprintf("%s\n\n_Covers approximately %d earlier message(s)._",
		strings.TrimSpace(summaryText), olderCount)
}

// summarizeSlice asks the LLM to compress an older conversation slice,
// including a Recent Reasoning Digest synthesized from the slice turns'
// OODA packets. Returns "" on any failure; the caller falls back.
func (tm *TurnManager) summarizeSlice(ctx context.Context, slice []store.Message) string {
	var transcript strings.Builder
	turnIDs := map[string]struct{}{}
	for _, msg := range slice {
		role := "Agent"
		if msg.Role == "operator" {
			role = "Operator"
		}
		visible := ParseChatPayload(msg.Content).Visible
		fmt.Fprintf(&transcript, "- %s: %s\n", role, collapseText(visible, 260))
		if msg.TurnID != "" {
			turnIDs[msg.TurnID] = struct{}{}
		}
	}

	reasoningDigest := tm.reasoningDigest(turnIDs)

	callCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	systemPrompt := tm.cfg.SystemPrompt + "\n\n" +
		"You are summarizing private operator-agent chat history for internal context compaction.\n" +
		"Produce concise markdown with these sections exactly: `### Objectives`, `### Decisions & Findings`, `### Open Threads`" +
		", and when a reasoning digest is provided, `### Recent Reasoning Digest`.\n" +
		"Stay factual and keep the summary under 220 words."

	userPrompt := "Summarize this older conversation slice so future turns retain continuity without replaying full history.\n\n" +
		"## Older Conversation Slice\n\n" + transcript.String()
	if reasoningDigest != "" {
		userPrompt += "\n## Turn Reasoning (compacted OODA packets)\n\n" + reasoningDigest
	}

	resp, err := tm.client.Chat(callCtx, llm.Request{
		Model: tm.cfg.LLM.Model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.2,
		MaxTokens:   600,
	})
	if err != nil {
		tm.logger.Debug("summary generation failed", "error", err)
		return ""
	}

	cleaned := ParseChatPayload(resp.Message.Content).Visible
	visible, _ := stripThinkingTags(cleaned)
	return strings.TrimSpace(visible)
}

// reasoningDigest folds the slice turns' OODA packets into bullet lines
// and marks them compacted.
func (tm *TurnManager) reasoningDigest(turnIDs map[string]struct{}) string {
	if len(turnIDs) == 0 {
		return ""
	}
	ids := make([]string, 0, len(turnIDs))
	for id := range turnIDs {
		ids = append(ids, id)
	}
	packets, err := tm.store.OODAPacketsForTurns(ids)
	if err != nil || len(packets) == 0 {
		return ""
	}

	var sb strings.Builder
	var packetIDs []string
	for _, packet := range packets {
		fmt.Fprintf(&sb, "- %s -> %s\n",
			collapseText(packet.Decide, 100), collapseText(packet.Act, 140))
		packetIDs = append(packetIDs, packet.ID)
	}
	if err := tm.store.MarkOODAPacketsCompacted(packetIDs); err != nil {
		tm.logger.Debug("mark ooda compacted failed", "error", err)
	}
	return sb.String()
}

// fallbackSummary builds a mechanical summary when the LLM path fails.
func fallbackSummary(slice []store.Message) string {
	var operatorPoints, agentPoints []string
	for i := len(slice) - 1; i >= 0; i-- {
		msg := slice[i]
		content := collapseText(ParseChatPayload(msg.Content).Visible, 180)
		if content == "" {
			continue
		}
		if msg.Role == "operator" && len(operatorPoints) < 4 {
			operatorPoints = append(operatorPoints, content)
		} else if msg.Role == "agent" && len(agentPoints) < 4 {
			agentPoints = append(agentPoints, content)
		}
		if len(operatorPoints) >= 4 && len(agentPoints) >= 4 {
			break
		}
	}
	reverse(operatorPoints)
	reverse(agentPoints)

	var sb strings.Builder
	sb.WriteString("### Objectives\n")
	if len(operatorPoints) == 0 {
		sb.WriteString("- Operator intent not explicitly captured in older turns.\n")
	}
	for _, point := range operatorPoints {
		sb.WriteString("- " + point + "\n")
	}
	sb.WriteString("\n### Decisions & Findings\n")
	if len(agentPoints) == 0 {
		sb.WriteString("- No stable agent conclusions recorded in the compacted window.\n")
	}
	for _, point := range agentPoints {
		sb.WriteString("- " + point + "\n")
	}
	sb.WriteString("\n### Open Threads\n")
	if len(operatorPoints) > 0 {
		sb.WriteString("- Revisit latest operator objective: " + operatorPoints[len(operatorPoints)-1] + "\n")
	} else {
		sb.WriteString("- Validate whether additional operator input is needed.\n")
	}
	return sb.String()
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
