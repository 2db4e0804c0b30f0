package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/store"
)

// TraceOp is one step of a replay trace: a write, a point read with an
// expected value, or a search with an expected top-k key.
type TraceOp struct {
	Op      string `json:"op"` // set, get, search
	Key     string `json:"key,omitempty"`
	Content string `json:"content,omitempty"`
	Query   string `json:"query,omitempty"`
	// Expect is the content expected from a get, or the key expected in
	// the top-K results of a search.
	Expect string `json:"expect,omitempty"`
}

// TraceSet is a deterministic replay workload.
type TraceSet struct {
	Name string    `json:"name"`
	TopK int       `json:"top_k"`
	Ops  []TraceOp `json:"ops"`
}

// Metrics summarizes one backend's replay performance.
type Metrics struct {
	RecallAt1    float64 `json:"recall_at_1"`
	RecallAtK    float64 `json:"recall_at_k"`
	GetChecks    int     `json:"get_checks"`
	GetPassed    int     `json:"get_passed"`
	MeanCheckMs  float64 `json:"mean_check_ms"`
	StorageBytes int64   `json:"storage_bytes"`
}

// GetPassRate returns passed/checks, or 1 when nothing was checked.
func (m Metrics) GetPassRate() float64 {
	if m.GetChecks == 0 {
		return 1
	}
	return float64(m.GetPassed) / float64(m.GetChecks)
}

// CandidateReport is one backend's replay result.
type CandidateReport struct {
	Design  DesignVersion `json:"design"`
	Metrics Metrics       `json:"metrics"`
}

// Report is the full eval output across backends.
type Report struct {
	TraceSet string            `json:"trace_set"`
	Winner   string            `json:"winner,omitempty"`
	Results  []CandidateReport `json:"results"`
}

// PromotionOutcome is the policy verdict.
type PromotionOutcome string

const (
	PromotionPromote PromotionOutcome = "promote"
	PromotionHold    PromotionOutcome = "hold"
)

// PromotionDecision records the verdict with its rollback target. The
// rollback target is always the baseline design, recorded even on hold so
// operators can see what a promote would have reverted to.
type PromotionDecision struct {
	ID        string           `json:"id"`
	EvalRunID string           `json:"eval_run_id"`
	Baseline  DesignVersion    `json:"baseline"`
	Candidate DesignVersion    `json:"candidate"`
	Outcome   PromotionOutcome `json:"outcome"`
	Rollback  DesignVersion    `json:"rollback"`
}

// PromotionPolicy is the deterministic promote/hold rule.
type PromotionPolicy struct {
	// MinRecallAtK the candidate must reach.
	MinRecallAtK float64
	// MinGetPassRate the candidate must reach.
	MinGetPassRate float64
	// MinRecallGain over the baseline required to justify churn.
	MinRecallGain float64
}

// DefaultPromotionPolicy mirrors the operating thresholds: promote only a
// clearly better candidate with near-perfect point reads.
func DefaultPromotionPolicy() PromotionPolicy {
	return PromotionPolicy{
		MinRecallAtK:   0.85,
		MinGetPassRate: 0.99,
		MinRecallGain:  0.05,
	}
}

// Decide applies the policy to a baseline/candidate pair from one report.
func (p PromotionPolicy) Decide(baseline, candidate CandidateReport) PromotionOutcome {
	if candidate.Metrics.GetPassRate() < p.MinGetPassRate {
		return PromotionHold
	}
	if candidate.Metrics.RecallAtK < p.MinRecallAtK {
		return PromotionHold
	}
	if candidate.Metrics.RecallAtK-baseline.Metrics.RecallAtK < p.MinRecallGain {
		return PromotionHold
	}
	return PromotionPromote
}

// DefaultTraceSet is the built-in replay workload used when no trace-set
// file is configured. Deterministic: same ops, same expectations.
func DefaultTraceSet() TraceSet {
	return TraceSet{
		Name: "builtin-replay-v1",
		TopK: 3,
		Ops: []TraceOp{
			{Op: "set", Key: "project-loop", Content: "Loop scheduler integration, phase five remains open."},
			{Op: "set", Key: "household-plants", Content: "Water the ficus every Thursday; it dislikes drafts."},
			{Op: "set", Key: "reminder-backup", Content: "Verify the weekly backup job completed on Sunday night."},
			{Op: "set", Key: "session_handoff", Content: "We were mid-way through reviewing the journal engine."},
			{Op: "set", Key: "project-loop", Content: "Loop scheduler integration shipped; watch for heat regressions."},
			{Op: "get", Key: "project-loop", Expect: "Loop scheduler integration shipped; watch for heat regressions."},
			{Op: "get", Key: "household-plants", Expect: "Water the ficus every Thursday; it dislikes drafts."},
			{Op: "get", Key: "session_handoff", Expect: "We were mid-way through reviewing the journal engine."},
			{Op: "search", Query: "backup job sunday", Expect: "reminder-backup"},
			{Op: "search", Query: "loop scheduler", Expect: "project-loop"},
			{Op: "search", Query: "ficus thursday", Expect: "household-plants"},
		},
	}
}

// LoadTraceSet reads a trace set from a JSON file.
func LoadTraceSet(path string) (TraceSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TraceSet{}, fmt.Errorf("read trace set: %w", err)
	}
	var ts TraceSet
	if err := json.Unmarshal(data, &ts); err != nil {
		return TraceSet{}, fmt.Errorf("parse trace set: %w", err)
	}
	if len(ts.Ops) == 0 {
		return TraceSet{}, fmt.Errorf("trace set %q has no operations", ts.Name)
	}
	return ts, nil
}

// backendFactory builds a backend bound to a scratch store.
type backendFactory func(*store.Store) Backend

// evalCandidates lists every design that participates in replay eval.
var evalCandidates = []backendFactory{
	func(s *store.Store) Backend { return NewKVBackend(s) },
	func(s *store.Store) Backend { return NewFTSBackend(s) },
	func(s *store.Store) Backend { return NewEpisodicBackend(s) },
}

// Evaluate replays the trace set against every candidate backend in a
// scratch database and returns the comparative report. Nothing in the
// live store is touched.
func Evaluate(traceSet TraceSet) (*Report, error) {
	scratchDir, err := os.MkdirTemp("", "ponderer-memeval-*")
	if err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	report := &Report{TraceSet: traceSet.Name}
	for i, factory := range evalCandidates {
		scratch, err := store.Open(filepath.Join(scratchDir, fmt.Sprintf("eval-%d.db", i)))
		if err != nil {
			return nil, fmt.Errorf("open scratch store: %w", err)
		}
		backend := factory(scratch)
		metrics, err := replay(backend, traceSet)
		scratch.Close()
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", backend.DesignVersion(), err)
		}
		report.Results = append(report.Results, CandidateReport{
			Design:  backend.DesignVersion(),
			Metrics: metrics,
		})
	}

	report.Winner = pickWinner(report.Results)
	return report, nil
}

func replay(b Backend, ts TraceSet) (Metrics, error) {
	topK := ts.TopK
	if topK <= 0 {
		topK = 3
	}

	var m Metrics
	var searchChecks, recall1, recallK int
	var totalCheck time.Duration
	checks := 0

	for _, op := range ts.Ops {
		switch op.Op {
		case "set":
			if err := b.Set(op.Key, op.Content); err != nil {
				return m, err
			}
		case "get":
			start := time.Now()
			entry, err := b.Get(op.Key)
			totalCheck += time.Since(start)
			checks++
			if err != nil {
				return m, err
			}
			m.GetChecks++
			if entry != nil && entry.Content == op.Expect {
				m.GetPassed++
			}
		case "search":
			start := time.Now()
			results, err := b.Search(op.Query, topK)
			totalCheck += time.Since(start)
			checks++
			if err != nil {
				return m, err
			}
			searchChecks++
			for i, r := range results {
				if r.Key == op.Expect {
					recallK++
					if i == 0 {
						recall1++
					}
					break
				}
			}
		default:
			return m, fmt.Errorf("unknown trace op %q", op.Op)
		}
	}

	if searchChecks > 0 {
		m.RecallAt1 = float64(recall1) / float64(searchChecks)
		m.RecallAtK = float64(recallK) / float64(searchChecks)
	}
	if checks > 0 {
		m.MeanCheckMs = float64(totalCheck.Milliseconds()) / float64(checks)
	}
	return m, nil
}

// pickWinner orders by recall@k, then recall@1, then get pass rate, then
// lower latency.
func pickWinner(results []CandidateReport) string {
	best := -1
	for i, r := range results {
		if best < 0 || better(r, results[best]) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return results[best].Design.DesignID
}

func better(a, b CandidateReport) bool {
	if a.Metrics.RecallAtK != b.Metrics.RecallAtK {
		return a.Metrics.RecallAtK > b.Metrics.RecallAtK
	}
	if a.Metrics.RecallAt1 != b.Metrics.RecallAt1 {
		return a.Metrics.RecallAt1 > b.Metrics.RecallAt1
	}
	if a.Metrics.GetPassRate() != b.Metrics.GetPassRate() {
		return a.Metrics.GetPassRate() > b.Metrics.GetPassRate()
	}
	return a.Metrics.MeanCheckMs < b.Metrics.MeanCheckMs
}

// SaveEvalRun persists a report and returns the run id.
func SaveEvalRun(s *store.Store, report *Report) (string, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal eval report: %w", err)
	}
	id := uuid.NewString()
	err = s.WithConn(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO memory_eval_runs (id, report, created_at) VALUES (?, ?, ?)
		`, id, string(payload), time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("save eval run: %w", err)
	}
	return id, nil
}

// RecordPromotionDecision applies the policy to a report and persists the
// decision. The live backend selection is updated only on promote; the
// rollback target (the prior design) is recorded either way.
func RecordPromotionDecision(s *store.Store, runID string, report *Report, baselineID, candidateID string, policy PromotionPolicy) (*PromotionDecision, error) {
	var baseline, candidate *CandidateReport
	for i := range report.Results {
		switch report.Results[i].Design.DesignID {
		case baselineID:
			baseline = &report.Results[i]
		case candidateID:
			candidate = &report.Results[i]
		}
	}
	if baseline == nil || candidate == nil {
		return nil, fmt.Errorf("report missing baseline %q or candidate %q", baselineID, candidateID)
	}

	decision := &PromotionDecision{
		ID:        uuid.NewString(),
		EvalRunID: runID,
		Baseline:  baseline.Design,
		Candidate: candidate.Design,
		Outcome:   policy.Decide(*baseline, *candidate),
		Rollback:  baseline.Design,
	}

	err := s.WithConn(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO memory_promotion_decisions
				(id, eval_run_id, baseline_design_id, candidate_design_id, outcome,
				 rollback_design_id, rollback_schema, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, decision.ID, runID, baselineID, candidateID, string(decision.Outcome),
			decision.Rollback.DesignID, decision.Rollback.SchemaVersion,
			time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return err
		}
		_, err = db.Exec(`
			INSERT OR IGNORE INTO memory_design_archive (design_id, schema_version, description, archived_at)
			VALUES (?, ?, '', ?)
		`, baseline.Design.DesignID, baseline.Design.SchemaVersion, time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record promotion decision: %w", err)
	}

	if decision.Outcome == PromotionPromote {
		if err := SetActiveBackend(s, candidate.Design); err != nil {
			return nil, err
		}
	}
	return decision, nil
}
