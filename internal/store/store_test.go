package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

func TestConversationLifecycle(t *testing.T) {
	s := testStore(t)

	conv, err := s.CreateConversation("morning chat")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.RuntimeState != RuntimeIdle {
		t.Errorf("RuntimeState = %q, want idle", conv.RuntimeState)
	}

	got, err := s.GetConversation(conv.ID)
	if err != nil || got == nil {
		t.Fatalf("GetConversation: %v, %v", got, err)
	}
	if got.Title != "morning chat" {
		t.Errorf("Title = %q", got.Title)
	}

	list, err := s.ListConversations(10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListConversations: %v, %v", list, err)
	}

	if missing, err := s.GetConversation("nope"); err != nil || missing != nil {
		t.Errorf("missing conversation should be nil, nil; got %v, %v", missing, err)
	}
}

func TestMessageFlow(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("")

	msgID, err := s.AddMessage(conv.ID, "operator", "hello", "")
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	unread, err := s.UnprocessedOperatorMessages()
	if err != nil || len(unread) != 1 {
		t.Fatalf("UnprocessedOperatorMessages: %v, %v", unread, err)
	}
	if unread[0].ID != msgID || unread[0].Content != "hello" {
		t.Errorf("unexpected unread message: %+v", unread[0])
	}

	if err := s.MarkMessageProcessed(msgID); err != nil {
		t.Fatalf("MarkMessageProcessed: %v", err)
	}
	unread, _ = s.UnprocessedOperatorMessages()
	if len(unread) != 0 {
		t.Errorf("still %d unread after marking processed", len(unread))
	}

	// Agent messages never show up as unprocessed operator messages.
	if _, err := s.AddMessage(conv.ID, "agent", "hi there", ""); err != nil {
		t.Fatal(err)
	}
	unread, _ = s.UnprocessedOperatorMessages()
	if len(unread) != 0 {
		t.Errorf("agent message leaked into unprocessed: %v", unread)
	}

	msgs, err := s.Messages(conv.ID, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("Messages: %v, %v", msgs, err)
	}
	if msgs[0].Role != "operator" || msgs[1].Role != "agent" {
		t.Errorf("messages out of order: %v then %v", msgs[0].Role, msgs[1].Role)
	}

	n, _ := s.CountMessages(conv.ID)
	if n != 2 {
		t.Errorf("CountMessages = %d, want 2", n)
	}
}

func TestTurnLifecycleInvariants(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("")

	turnID, err := s.BeginTurn(conv.ID, 1, "prompt body", "system body")
	if err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}

	// Conversation now points at the active turn.
	c, _ := s.GetConversation(conv.ID)
	if c.RuntimeState != RuntimeProcessing || c.ActiveTurnID != turnID {
		t.Errorf("conversation = %q/%q, want processing/%s", c.RuntimeState, c.ActiveTurnID, turnID)
	}

	prompt, system, err := s.TurnPrompt(turnID)
	if err != nil || prompt != "prompt body" || system != "system body" {
		t.Errorf("TurnPrompt = %q, %q, %v", prompt, system, err)
	}

	if err := s.CompleteTurn(turnID, PhaseCompleted, DecisionYield, StatusDone); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}

	// Terminal phase clears the active turn and returns to idle.
	c, _ = s.GetConversation(conv.ID)
	if c.RuntimeState != RuntimeIdle || c.ActiveTurnID != "" {
		t.Errorf("after complete: %q/%q, want idle/empty", c.RuntimeState, c.ActiveTurnID)
	}

	// A turn reaches a terminal phase exactly once.
	if err := s.CompleteTurn(turnID, PhaseCompleted, DecisionYield, StatusDone); err == nil {
		t.Error("second CompleteTurn should fail")
	}

	turn, _ := s.GetTurn(turnID)
	if turn.Phase != PhaseCompleted || turn.Decision != DecisionYield || turn.CompletedAt == nil {
		t.Errorf("turn = %+v", turn)
	}
}

func TestFailTurnMarksConversationFailed(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("")
	turnID, _ := s.BeginTurn(conv.ID, 1, "", "")

	if err := s.FailTurn(turnID, "llm exploded"); err != nil {
		t.Fatalf("FailTurn: %v", err)
	}

	turn, _ := s.GetTurn(turnID)
	if turn.Phase != PhaseFailed || turn.Error != "llm exploded" {
		t.Errorf("turn = %+v", turn)
	}
	c, _ := s.GetConversation(conv.ID)
	if c.RuntimeState != RuntimeFailed || c.ActiveTurnID != "" {
		t.Errorf("conversation = %q/%q", c.RuntimeState, c.ActiveTurnID)
	}
}

func TestAwaitingApprovalKeepsActiveTurn(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("")
	turnID, _ := s.BeginTurn(conv.ID, 1, "", "")

	if err := s.CompleteTurn(turnID, PhaseAwaitingApproval, DecisionContinue, StatusStillWorking); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}
	c, _ := s.GetConversation(conv.ID)
	if c.RuntimeState != RuntimeAwaitingApproval || c.ActiveTurnID != turnID {
		t.Errorf("conversation = %q/%q, want awaiting_approval/%s", c.RuntimeState, c.ActiveTurnID, turnID)
	}
}

func TestToolCallLineage(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("")
	turnID, _ := s.BeginTurn(conv.ID, 1, "", "")

	if err := s.RecordTurnToolCall(turnID, 0, "shell", `{"command":"ls"}`, "file1\nfile2", true); err != nil {
		t.Fatalf("RecordTurnToolCall: %v", err)
	}
	if err := s.RecordTurnToolCall(turnID, 1, "read_file", `{"path":"a.txt"}`, "contents", true); err != nil {
		t.Fatal(err)
	}

	calls, err := s.TurnToolCalls(turnID)
	if err != nil || len(calls) != 2 {
		t.Fatalf("TurnToolCalls: %v, %v", calls, err)
	}
	if calls[0].ToolName != "shell" || calls[1].ToolName != "read_file" {
		t.Errorf("calls out of order: %v", calls)
	}
	if !calls[0].Approved {
		t.Error("call should be approved")
	}
}

func TestSummaryUpsertOverwrites(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("")

	if snap, _ := s.ConversationSummarySnapshot(conv.ID); snap != nil {
		t.Error("fresh conversation should have no summary")
	}

	if err := s.UpsertConversationSummary(conv.ID, "first", 10); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertConversationSummary(conv.ID, "second", 20); err != nil {
		t.Fatal(err)
	}

	snap, err := s.ConversationSummarySnapshot(conv.ID)
	if err != nil || snap == nil {
		t.Fatalf("ConversationSummarySnapshot: %v, %v", snap, err)
	}
	if snap.SummaryText != "second" || snap.SummarizedMessageCount != 20 {
		t.Errorf("snapshot = %+v, want overwritten values", snap)
	}
}

func TestConcernRoundTrip(t *testing.T) {
	s := testStore(t)

	c := &Concern{
		ID:               "c1",
		Type:             ConcernProject,
		Salience:         SalienceActive,
		Summary:          "ship the loop integration",
		PrivateNote:      "phase 5 remains",
		LinkedMemoryKeys: []string{"phase-plan"},
		Context:          ConcernContext{HowItStarted: "operator chat"},
		CreatedAt:        time.Now().UTC(),
		LastTouchedAt:    time.Now().UTC(),
	}
	if err := s.SaveConcern(c); err != nil {
		t.Fatalf("SaveConcern: %v", err)
	}

	got, err := s.GetConcern("c1")
	if err != nil || got == nil {
		t.Fatalf("GetConcern: %v, %v", got, err)
	}
	if got.Summary != c.Summary || got.LinkedMemoryKeys[0] != "phase-plan" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Dormant concerns never surface via LiveConcerns.
	c.Salience = SalienceDormant
	if err := s.SaveConcern(c); err != nil {
		t.Fatal(err)
	}
	live, _ := s.LiveConcerns()
	if len(live) != 0 {
		t.Errorf("dormant concern surfaced in live set: %v", live)
	}
	all, _ := s.AllConcerns()
	if len(all) != 1 {
		t.Errorf("AllConcerns = %d, want 1", len(all))
	}
}

func TestAgentStateAndActivityLog(t *testing.T) {
	s := testStore(t)

	if v, _ := s.GetState("missing"); v != "" {
		t.Errorf("missing state = %q, want empty", v)
	}
	if err := s.SetState("heartbeat_last_run_at", "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState("heartbeat_last_run_at", "y"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetState("heartbeat_last_run_at"); v != "y" {
		t.Errorf("state = %q, want y", v)
	}

	when := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if err := s.SetStateTime("dream_last_run_at", when); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetStateTime("dream_last_run_at")
	if !got.Equal(when) {
		t.Errorf("GetStateTime = %v, want %v", got, when)
	}

	if err := s.AppendActivityLog("line one"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendActivityLog("line two"); err != nil {
		t.Fatal(err)
	}
}

func TestOODAPacketFlow(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("")
	turnID, _ := s.BeginTurn(conv.ID, 1, "", "")

	p := &OODAPacket{
		TurnID:  turnID,
		Observe: "operator asked about the build",
		Orient:  "build state is green",
		Decide:  "answer directly",
		Act:     "replied with status",
	}
	if err := s.SaveOODAPacket(p); err != nil {
		t.Fatalf("SaveOODAPacket: %v", err)
	}

	latest, err := s.LatestOODAPacket()
	if err != nil || latest == nil {
		t.Fatalf("LatestOODAPacket: %v, %v", latest, err)
	}
	if latest.Observe != p.Observe {
		t.Errorf("Observe = %q", latest.Observe)
	}

	packets, err := s.OODAPacketsForTurns([]string{turnID})
	if err != nil || len(packets) != 1 {
		t.Fatalf("OODAPacketsForTurns: %v, %v", packets, err)
	}
	if err := s.MarkOODAPacketsCompacted([]string{packets[0].ID}); err != nil {
		t.Fatal(err)
	}
}

func TestOrientationSnapshotRoundTrip(t *testing.T) {
	s := testStore(t)

	if snap, _ := s.LatestOrientationSnapshot(); snap != nil {
		t.Error("empty store should have no snapshot")
	}

	o := &OrientationSnapshot{
		ID:          "o1",
		Disposition: "journal",
		UserState:   `{"type":"idle"}`,
		SalienceMap: `[]`,
		Anomalies:   `[]`,
		Narrative:   "quiet evening",
		Signature:   "sig-abc",
	}
	if err := s.SaveOrientationSnapshot(o); err != nil {
		t.Fatalf("SaveOrientationSnapshot: %v", err)
	}

	snap, err := s.LatestOrientationSnapshot()
	if err != nil || snap == nil {
		t.Fatalf("LatestOrientationSnapshot: %v, %v", snap, err)
	}
	if snap.Disposition != "journal" || snap.Signature != "sig-abc" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestJournalAndPersona(t *testing.T) {
	s := testStore(t)

	e := &JournalEntry{
		ID:      "j1",
		Type:    JournalReflection,
		Content: "the house is quiet tonight",
		Context: JournalContext{Trigger: "disposition=journal"},
	}
	if err := s.AddJournalEntry(e); err != nil {
		t.Fatalf("AddJournalEntry: %v", err)
	}
	recent, err := s.RecentJournal(5)
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentJournal: %v, %v", recent, err)
	}
	if recent[0].Type != JournalReflection {
		t.Errorf("Type = %q", recent[0].Type)
	}

	if n, _ := s.CountPersonaSnapshots(); n != 0 {
		t.Errorf("persona count = %d, want 0", n)
	}
	if err := s.SavePersonaSnapshot(&PersonaSnapshot{Trigger: "initial", SelfDescription: "curious"}); err != nil {
		t.Fatal(err)
	}
	latest, _ := s.LatestPersona()
	if latest == nil || latest.SelfDescription != "curious" {
		t.Errorf("LatestPersona = %+v", latest)
	}
}
