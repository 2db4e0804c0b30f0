package memory

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/MLTQ/ponderer-backend/internal/store"
)

func testBackends(t *testing.T) []Backend {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mem.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return []Backend{NewKVBackend(s), NewFTSBackend(s), NewEpisodicBackend(s)}
}

// Set-then-get holds across every backend implementation.
func TestSetGetRoundTripAllBackends(t *testing.T) {
	for _, b := range testBackends(t) {
		name := b.DesignVersion().DesignID
		t.Run(name, func(t *testing.T) {
			if err := b.Set("greeting", "hello there"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			entry, err := b.Get("greeting")
			if err != nil || entry == nil {
				t.Fatalf("Get: %v, %v", entry, err)
			}
			if entry.Content != "hello there" {
				t.Errorf("Content = %q", entry.Content)
			}

			// Overwrite replaces.
			if err := b.Set("greeting", "updated"); err != nil {
				t.Fatal(err)
			}
			entry, _ = b.Get("greeting")
			if entry.Content != "updated" {
				t.Errorf("after overwrite Content = %q", entry.Content)
			}

			// Missing keys are nil, nil.
			if missing, err := b.Get("absent"); err != nil || missing != nil {
				t.Errorf("Get(absent) = %v, %v", missing, err)
			}

			if err := b.Delete("greeting"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if gone, _ := b.Get("greeting"); gone != nil {
				t.Errorf("entry survived delete: %v", gone)
			}
		})
	}
}

func TestSearchFindsByContent(t *testing.T) {
	for _, b := range testBackends(t) {
		name := b.DesignVersion().DesignID
		t.Run(name, func(t *testing.T) {
			seed := map[string]string{
				"plants":  "water the ficus on thursday",
				"backups": "weekly backup verification on sunday",
				"loop":    "scheduler heat regressions to watch",
			}
			for k, v := range seed {
				if err := b.Set(k, v); err != nil {
					t.Fatal(err)
				}
			}

			results, err := b.Search("ficus thursday", 3)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(results) == 0 || results[0].Key != "plants" {
				t.Errorf("Search top hit = %v, want plants", results)
			}

			if none, _ := b.Search("", 3); none != nil {
				t.Errorf("empty query should return nothing, got %v", none)
			}
		})
	}
}

func TestSessionHandoffOverwrites(t *testing.T) {
	for _, b := range testBackends(t) {
		name := b.DesignVersion().DesignID
		t.Run(name, func(t *testing.T) {
			if err := WriteSessionHandoff(b, "first note"); err != nil {
				t.Fatal(err)
			}
			if err := WriteSessionHandoff(b, "second note"); err != nil {
				t.Fatal(err)
			}
			if got := SessionHandoffNote(b); got != "second note" {
				t.Errorf("handoff = %q, want overwrite semantics", got)
			}
		})
	}
}

func TestActiveBackendSelection(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "sel.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if got := ActiveBackend(s).DesignVersion().DesignID; got != "kv_v1" {
		t.Errorf("default backend = %q, want kv_v1", got)
	}

	if err := SetActiveBackend(s, DesignVersion{DesignID: "fts_v2", SchemaVersion: 2}); err != nil {
		t.Fatal(err)
	}
	if got := ActiveBackend(s).DesignVersion().DesignID; got != "fts_v2" {
		t.Errorf("backend after promote = %q, want fts_v2", got)
	}

	// Unknown designs fall back to the default.
	if err := s.SetState(ActiveBackendStateKey, "quantum_v9:1"); err != nil {
		t.Fatal(err)
	}
	if got := ActiveBackend(s).DesignVersion().DesignID; got != "kv_v1" {
		t.Errorf("unknown design fell back to %q, want kv_v1", got)
	}
}

func TestWorkingMemoryContextExcludesHandoff(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "ctx.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	b := NewKVBackend(s)
	if err := b.Set("plants", "ficus care"); err != nil {
		t.Fatal(err)
	}
	if err := WriteSessionHandoff(b, "resume the review"); err != nil {
		t.Fatal(err)
	}

	ctx := WorkingMemoryContext(b, 10, 2000)
	if ctx == "" {
		t.Fatal("context should not be empty")
	}
	if !strings.Contains(ctx, "plants") {
		t.Errorf("context missing entry: %q", ctx)
	}
	if strings.Contains(ctx, "resume the review") {
		t.Errorf("context leaked the handoff note: %q", ctx)
	}
}
