package agent

import (
	"fmt"
	"testing"

	"github.com/MLTQ/ponderer-backend/internal/tools"
)

func TestLoopHeatIdenticalTurnsForceYield(t *testing.T) {
	h := NewLoopHeat(24, 0.92, 20, 1)

	sig := TurnSignatureTokens("checking the directory again", []tools.CallRecord{
		{ToolName: "shell", Args: map[string]any{"command": "ls"}},
	})

	// The first match counts the seed turn retroactively, so heat tracks
	// the streak length: 20 consecutive identical turns force the yield
	// on turn 20, and no turn 21 runs.
	hot := false
	turns := 0
	for i := 0; i < 25; i++ {
		turns++
		if h.Observe(sig) {
			hot = true
			break
		}
	}
	if !hot {
		t.Fatalf("loop never went hot after %d identical turns (heat %d)", turns, h.Heat())
	}
	if turns != 20 {
		t.Errorf("went hot on turn %d, want 20", turns)
	}
}

func TestLoopHeatCoolsOnDissimilarTurns(t *testing.T) {
	h := NewLoopHeat(24, 0.92, 20, 1)

	same := TurnSignatureTokens("repeat this exact text", nil)
	for i := 0; i < 6; i++ {
		h.Observe(same)
	}
	if h.Heat() != 6 {
		t.Fatalf("heat = %d, want 6 (streak length)", h.Heat())
	}

	for i := 0; i < 10; i++ {
		different := TurnSignatureTokens(fmt.Sprintf("totally new content number %d with fresh words", i), nil)
		h.Observe(different)
	}
	if h.Heat() != 0 {
		t.Errorf("heat = %d, want cooled to 0 (floor)", h.Heat())
	}
}

func TestLoopHeatWindowEviction(t *testing.T) {
	h := NewLoopHeat(3, 0.92, 20, 1)

	old := TurnSignatureTokens("ancient repeated message", nil)
	h.Observe(old)
	for i := 0; i < 3; i++ {
		h.Observe(TurnSignatureTokens(fmt.Sprintf("filler number %d pushing the window", i), nil))
	}

	// The old signature has been evicted; repeating it is not similar to
	// anything still in the window.
	h.Observe(old)
	if h.Heat() != 0 {
		t.Errorf("heat = %d after window eviction, want 0", h.Heat())
	}
}

func TestTurnSignatureDistinguishesToolSets(t *testing.T) {
	a := TurnSignatureTokens("same words here", []tools.CallRecord{{ToolName: "shell", Args: map[string]any{"command": "ls"}}})
	b := TurnSignatureTokens("same words here", []tools.CallRecord{{ToolName: "read_file", Args: map[string]any{"path": "x"}}})

	if sim := jaccard(a, b); sim >= 0.92 {
		t.Errorf("different tool sets should not cross the similarity threshold (sim %.2f)", sim)
	}
	if sim := jaccard(a, a); sim != 1 {
		t.Errorf("self similarity = %.2f, want 1", sim)
	}
}

func TestResetClearsState(t *testing.T) {
	h := NewLoopHeat(24, 0.92, 20, 1)
	sig := TurnSignatureTokens("loopy", nil)
	for i := 0; i < 5; i++ {
		h.Observe(sig)
	}
	h.Reset()
	if h.Heat() != 0 {
		t.Errorf("heat = %d after reset", h.Heat())
	}
	// First observation after reset has an empty window: no similarity.
	if h.Observe(sig) {
		t.Error("fresh window should not be hot")
	}
	if h.Heat() != 0 {
		t.Errorf("heat = %d, want 0 on seed turn", h.Heat())
	}
}
