package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/skills"
	"github.com/MLTQ/ponderer-backend/internal/store"
)

func sampleInput() *OrientationInput {
	return &OrientationInput{
		Presence: PresenceSample{
			IdleSeconds: 45, CPUPercent: 12, MemoryPercent: 40,
			LocalHour: 14, LocalMinute: 3,
		},
		Concerns: []store.Concern{{ID: "c1", Summary: "loop integration", Salience: store.SalienceActive}},
	}
}

func TestContextSignatureStableAndBucketed(t *testing.T) {
	a := sampleInput()
	b := sampleInput()
	if ContextSignature(a) != ContextSignature(b) {
		t.Error("identical inputs should produce identical signatures")
	}

	// Within the same 30s idle bucket the signature is unchanged.
	b.Presence.IdleSeconds = 59
	if ContextSignature(a) != ContextSignature(b) {
		t.Error("idle 45s and 59s share a bucket; signature should match")
	}

	// Crossing a bucket changes it.
	b.Presence.IdleSeconds = 61
	if ContextSignature(a) == ContextSignature(b) {
		t.Error("crossing the idle bucket should change the signature")
	}

	// New events change it.
	c := sampleInput()
	c.PendingEvents = []skills.Event{{ID: "e1"}}
	if ContextSignature(a) == ContextSignature(c) {
		t.Error("a pending event should change the signature")
	}
}

func orientationServer(t *testing.T, body string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": body},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOrientSlowPathParsesAliases(t *testing.T) {
	var calls atomic.Int64
	// Aliased keys: salient_items, pending_actions, mood as string,
	// user_state as bare label.
	body := `{"user_state": "away",
		"salient_items": [{"summary": "quiet house", "relevance": 0.7}],
		"anomalies": [{"description": "disk filling", "severity": "concerning"}],
		"pending_actions": [{"content": "check backups later"}],
		"disposition": "journal",
		"mood": "calm",
		"synthesis": "calm afternoon, nothing urgent"}`
	server := orientationServer(t, body, &calls)

	engine := NewOrientationEngine(llm.NewClient(server.URL, "", "m", nil), "m", 5*time.Second, nil)
	o, pending := engine.Orient(context.Background(), sampleInput())

	if o.UserState.Level != "away" {
		t.Errorf("UserState = %+v", o.UserState)
	}
	if o.Disposition != DispositionJournal {
		t.Errorf("Disposition = %q", o.Disposition)
	}
	if len(o.SalienceMap) != 1 || o.SalienceMap[0].Summary != "quiet house" {
		t.Errorf("SalienceMap = %+v", o.SalienceMap)
	}
	if len(o.Anomalies) != 1 || o.Anomalies[0].Severity != "concerning" {
		t.Errorf("Anomalies = %+v", o.Anomalies)
	}
	if len(pending) != 1 || pending[0].Content != "check backups later" {
		t.Errorf("pending = %+v", pending)
	}
	if o.Narrative != "calm afternoon, nothing urgent" {
		t.Errorf("Narrative = %q", o.Narrative)
	}
	if o.Mood.Valence <= 0 {
		t.Errorf("calm mood should map to positive valence, got %+v", o.Mood)
	}
}

func TestOrientParseFailureFallsBackToHeuristic(t *testing.T) {
	var calls atomic.Int64
	server := orientationServer(t, "I cannot produce JSON today, sorry!", &calls)

	engine := NewOrientationEngine(llm.NewClient(server.URL, "", "m", nil), "m", 5*time.Second, nil)
	input := sampleInput()
	input.PendingEvents = []skills.Event{{ID: "e1", Source: "forum", Author: "anon"}}

	o, _ := engine.Orient(context.Background(), input)
	if o == nil {
		t.Fatal("fallback should never return nil")
	}
	// Heuristic path: events present → ambient disposition.
	if o.Disposition != DispositionAmbient {
		t.Errorf("Disposition = %q, want ambient", o.Disposition)
	}
	if o.UserState.Level == "" {
		t.Error("heuristic user state missing")
	}
}

func TestOrientUnreachableEndpointFallsBack(t *testing.T) {
	server := httptest.NewServer(nil)
	url := server.URL
	server.Close()

	engine := NewOrientationEngine(llm.NewClient(url, "", "m", nil), "m", time.Second, nil)
	o, _ := engine.Orient(context.Background(), sampleInput())
	if o == nil || o.Narrative == "" {
		t.Fatalf("heuristic orientation = %+v", o)
	}
}

func TestSnapshotRecordCarriesSignature(t *testing.T) {
	o := heuristicOrientation(sampleInput(), "")
	record := o.SnapshotRecord("sig-123")
	if record.Signature != "sig-123" || record.Disposition != o.Disposition {
		t.Errorf("record = %+v", record)
	}
	if record.UserState == "" || record.SalienceMap == "" {
		t.Error("snapshot JSON fields should be populated")
	}
}
