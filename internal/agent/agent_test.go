package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/memory"
	"github.com/MLTQ/ponderer-backend/internal/store"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

func agentFixture(t *testing.T, serverURL string) *Agent {
	t.Helper()
	cfg := config.Default()
	cfg.LLM.APIURL = serverURL
	cfg.LLM.Model = "test-model"

	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	client := llm.NewClient(serverURL, "", "test-model", nil)
	return New(cfg, s, tools.NewRegistry(), client, memory.NewKVBackend(s), events.NewBus(), nil, nil)
}

func TestCalculateTickDuration(t *testing.T) {
	a := agentFixture(t, "http://unused.test")

	tests := []struct {
		level string
		want  time.Duration
	}{
		{"attending", 1 * time.Second},
		{"active", 5 * time.Second},
		{"present", 15 * time.Second},
		{"away", 60 * time.Second},
		{"dormant", 300 * time.Second},
	}

	for _, tt := range tests {
		a.mu.Lock()
		a.lastOrientation = &Orientation{UserState: UserState{Level: tt.level}}
		a.mu.Unlock()
		if got := a.calculateTickDuration(); got != tt.want {
			t.Errorf("tick(%s) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestTickDurationClampedByConfigMinimum(t *testing.T) {
	a := agentFixture(t, "http://unused.test")
	a.cfg.Loop.MinTickSec = 10

	a.mu.Lock()
	a.lastOrientation = &Orientation{UserState: UserState{Level: "attending"}}
	a.mu.Unlock()

	if got := a.calculateTickDuration(); got != 10*time.Second {
		t.Errorf("tick = %v, want clamped to 10s", got)
	}
}

func TestWakeCollapsesToOne(t *testing.T) {
	a := agentFixture(t, "http://unused.test")

	// Many wakes while nobody is sleeping collapse into one pending
	// signal; none of them block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.Wake()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wake blocked")
	}

	if len(a.wake) != 1 {
		t.Errorf("pending wakes = %d, want collapsed to 1", len(a.wake))
	}

	// The pending wake short-circuits one sleep, then sleeps block on
	// the timer again.
	if !a.sleep(context.Background(), time.Minute) {
		t.Error("sleep should return true on wake")
	}
	start := time.Now()
	a.sleep(context.Background(), 20*time.Millisecond)
	if time.Since(start) < 15*time.Millisecond {
		t.Error("second sleep should have waited for the timer")
	}
}

func TestPauseReflectsInStateAndEvents(t *testing.T) {
	a := agentFixture(t, "http://unused.test")
	sub := a.bus.Subscribe(16)
	defer a.bus.Unsubscribe(sub)

	if a.Paused() {
		t.Fatal("fresh agent should not be paused")
	}
	if !a.TogglePause() || !a.Paused() || a.VisualState() != VisualPaused {
		t.Error("toggle on failed")
	}
	if a.TogglePause() || a.Paused() {
		t.Error("toggle off failed")
	}

	sawPaused := false
	for {
		select {
		case e := <-sub:
			if e.Type == events.TypeStateChanged && e.Data["state"] == VisualPaused {
				sawPaused = true
			}
			continue
		default:
		}
		break
	}
	if !sawPaused {
		t.Error("no paused state_changed event observed")
	}
}

// S6: orientation fast-path. Two refreshes with identical context issue
// exactly one LLM request.
func TestOrientationFastPathSkipsSecondLLMCall(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"user_state": "active", "disposition": "ambient", "narrative": "steady afternoon"}`,
				},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	a := agentFixture(t, server.URL)
	bus := a.bus
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	first := a.refreshOrientation(context.Background(), nil)
	if first == nil {
		t.Fatal("first refresh returned nil")
	}
	if calls.Load() != 1 {
		t.Fatalf("LLM calls after first refresh = %d", calls.Load())
	}

	second := a.refreshOrientation(context.Background(), nil)
	if second != first {
		t.Error("fast-path should reuse the prior orientation value")
	}
	if calls.Load() != 1 {
		t.Errorf("LLM calls = %d, want 1 across both refreshes", calls.Load())
	}

	// Exactly one orientation_update event (on the slow path).
	updates := 0
	for {
		select {
		case e := <-sub:
			if e.Type == events.TypeOrientationUpdate {
				updates++
			}
			continue
		default:
		}
		break
	}
	if updates != 1 {
		t.Errorf("orientation_update events = %d, want 1", updates)
	}
}
