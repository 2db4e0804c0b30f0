package agent

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/store"
)

func concernsFixture(t *testing.T) (*ConcernsManager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "concerns.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewConcernsManager(s), s
}

func confidence(v float64) *float64 { return &v }

func TestIngestCreateTouchResolve(t *testing.T) {
	m, s := concernsFixture(t)

	report, err := m.IngestSignals([]ConcernSignal{{
		Action:           "create",
		Summary:          "ship concern lifecycle manager",
		Type:             "project",
		Confidence:       confidence(0.9),
		Note:             "track until phase five",
		LinkedMemoryKeys: []string{"phase-plan"},
	}}, "private_chat")
	if err != nil {
		t.Fatalf("IngestSignals: %v", err)
	}
	if len(report.Created) != 1 || len(report.Touched) != 0 {
		t.Fatalf("report = %+v", report)
	}
	created := report.Created[0]
	if created.Type != store.ConcernProject || created.Salience != store.SalienceActive {
		t.Errorf("created = %+v", created)
	}

	// Create with a matching summary touches instead of duplicating.
	report, _ = m.IngestSignals([]ConcernSignal{{
		Action:     "create",
		Summary:    "Ship concern lifecycle manager",
		Confidence: confidence(0.8),
	}}, "private_chat")
	if len(report.Created) != 0 || len(report.Touched) != 1 {
		t.Errorf("dedup report = %+v", report)
	}
	all, _ := s.AllConcerns()
	if len(all) != 1 {
		t.Fatalf("concerns = %d, want 1", len(all))
	}

	// Resolve parks it dormant.
	report, _ = m.IngestSignals([]ConcernSignal{{
		Action:  "resolve",
		Summary: "ship concern lifecycle manager",
	}}, "private_chat")
	if len(report.Resolved) != 1 {
		t.Fatalf("resolve report = %+v", report)
	}
	got, _ := s.GetConcern(created.ID)
	if got.Salience != store.SalienceDormant {
		t.Errorf("salience = %q, want dormant", got.Salience)
	}
}

func TestLowConfidenceSignalsDropped(t *testing.T) {
	m, s := concernsFixture(t)

	report, _ := m.IngestSignals([]ConcernSignal{
		{Action: "create", Summary: "barely a concern", Confidence: confidence(0.2)},
		{Action: "create", Summary: ""},
	}, "private_chat")
	if report.Skipped != 2 || len(report.Created) != 0 {
		t.Errorf("report = %+v", report)
	}
	all, _ := s.AllConcerns()
	if len(all) != 0 {
		t.Errorf("concerns = %+v, want none", all)
	}
}

func TestDecayIsMonotoneAndTouchReverses(t *testing.T) {
	m, s := concernsFixture(t)

	report, _ := m.IngestSignals([]ConcernSignal{{
		Action: "create", Summary: "watch the backup jobs", Confidence: confidence(0.9),
	}}, "test")
	id := report.Created[0].ID

	// Backdate the touch to 95 days: decay goes straight to dormant.
	concern, _ := s.GetConcern(id)
	concern.LastTouchedAt = time.Now().UTC().Add(-95 * 24 * time.Hour)
	if err := s.SaveConcern(concern); err != nil {
		t.Fatal(err)
	}

	decay, err := m.ApplyDecay(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if decay.ToDormant != 1 || decay.TotalChanges() != 1 {
		t.Errorf("decay = %+v", decay)
	}

	// Decay never moves salience up: a second pass changes nothing.
	decay, _ = m.ApplyDecay(time.Now().UTC())
	if decay.TotalChanges() != 0 {
		t.Errorf("second decay = %+v, want no changes", decay)
	}

	// Mention touch reactivates to at least monitoring.
	touched, err := m.TouchFromText("hey, can you watch the backup jobs tonight?", "operator mention")
	if err != nil {
		t.Fatal(err)
	}
	if len(touched) != 1 {
		t.Fatalf("touched = %+v", touched)
	}
	got, _ := s.GetConcern(id)
	if got.Salience != store.SalienceMonitoring {
		t.Errorf("salience = %q, want monitoring after mention touch", got.Salience)
	}

	// Text that does not mention the summary touches nothing.
	if touched, _ := m.TouchFromText("unrelated chatter", "noise"); len(touched) != 0 {
		t.Errorf("unexpected touches: %+v", touched)
	}
}

func TestPriorityContextBoundedAndOrdered(t *testing.T) {
	m, s := concernsFixture(t)

	_, _ = m.IngestSignals([]ConcernSignal{
		{Action: "create", Summary: "active project alpha", Confidence: confidence(0.9), LinkedMemoryKeys: []string{"alpha-notes"}},
		{Action: "create", Summary: "quiet topic beta", Confidence: confidence(0.9)},
	}, "test")

	// Demote beta to monitoring.
	all, _ := s.AllConcerns()
	for _, c := range all {
		if strings.Contains(c.Summary, "beta") {
			c.Salience = store.SalienceMonitoring
			_ = s.SaveConcern(&c)
		}
	}

	lookup := func(key string) string {
		if key == "alpha-notes" {
			return "alpha is nearly done"
		}
		return ""
	}

	ctx, err := m.PriorityContext(8, 2000, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ctx, "## Concern Priority Context") {
		t.Errorf("context header missing: %q", ctx)
	}
	alphaIdx := strings.Index(ctx, "active project alpha")
	betaIdx := strings.Index(ctx, "quiet topic beta")
	if alphaIdx < 0 || betaIdx < 0 || alphaIdx > betaIdx {
		t.Errorf("ordering wrong: %q", ctx)
	}
	if !strings.Contains(ctx, "memory:alpha-notes") {
		t.Errorf("linked memory preview missing: %q", ctx)
	}

	// Dormant concerns never surface.
	for _, c := range all {
		c.Salience = store.SalienceDormant
		_ = s.SaveConcern(&c)
	}
	ctx, _ = m.PriorityContext(8, 2000, nil)
	if ctx != "" {
		t.Errorf("dormant concerns surfaced: %q", ctx)
	}
}

func TestSalienceForAgeThresholds(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		age  time.Duration
		want string
	}{
		{0, store.SalienceActive},
		{6 * day, store.SalienceActive},
		{7 * day, store.SalienceMonitoring},
		{30 * day, store.SalienceBackground},
		{90 * day, store.SalienceDormant},
		{400 * day, store.SalienceDormant},
	}
	for _, tt := range tests {
		if got := salienceForAge(tt.age); got != tt.want {
			t.Errorf("salienceForAge(%v) = %q, want %q", tt.age, got, tt.want)
		}
	}
}
