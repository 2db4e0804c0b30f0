package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/store"
)

// Concern lifecycle constants.
const (
	concernDecayToMonitoring = 7 * 24 * time.Hour
	concernDecayToBackground = 30 * 24 * time.Hour
	concernDecayToDormant    = 90 * 24 * time.Hour
	concernMinConfidence     = 0.35
	concernMentionMinLen     = 4
	concernMaxKeyEvents      = 24
)

// ConcernIngestReport summarizes one signal-ingest pass.
type ConcernIngestReport struct {
	Created  []store.Concern
	Touched  []store.Concern
	Resolved []store.Concern
	Skipped  int
}

// ConcernDecayReport summarizes one decay pass.
type ConcernDecayReport struct {
	ToMonitoring int
	ToBackground int
	ToDormant    int
}

// TotalChanges returns the number of salience transitions applied.
func (r ConcernDecayReport) TotalChanges() int {
	return r.ToMonitoring + r.ToBackground + r.ToDormant
}

// ConcernsManager implements the salience lifecycle over the store.
type ConcernsManager struct {
	store *store.Store
}

// NewConcernsManager returns a manager bound to the store.
func NewConcernsManager(s *store.Store) *ConcernsManager {
	return &ConcernsManager{store: s}
}

// IngestSignals applies a [concerns] block: create, touch, or resolve.
// Low-confidence and empty-summary signals are dropped.
func (m *ConcernsManager) IngestSignals(signals []ConcernSignal, source string) (ConcernIngestReport, error) {
	var report ConcernIngestReport
	if len(signals) == 0 {
		return report, nil
	}

	concerns, err := m.store.AllConcerns()
	if err != nil {
		return report, err
	}
	now := time.Now().UTC()

	for _, signal := range signals {
		if signal.Confidence != nil && *signal.Confidence < concernMinConfidence {
			report.Skipped++
			continue
		}
		summary := normalizeSummary(signal.Summary)
		if summary == "" {
			report.Skipped++
			continue
		}

		action := strings.ToLower(strings.TrimSpace(signal.Action))
		idx := findConcernBySummary(concerns, summary)

		switch action {
		case "resolve":
			if idx < 0 {
				report.Skipped++
				continue
			}
			concern := concerns[idx]
			concern.Salience = store.SalienceDormant
			concern.LastTouchedAt = now
			concern.Context.LastUpdateReason = fmt.Sprintf("resolved from %s signal", strings.TrimSpace(source))
			appendKeyEvent(&concern.Context, "Resolved: "+summary)
			if note := strings.TrimSpace(signal.Note); note != "" {
				mergeNote(&concern.PrivateNote, note)
			}
			if err := m.store.SaveConcern(&concern); err != nil {
				return report, err
			}
			concerns[idx] = concern
			report.Resolved = append(report.Resolved, concern)

		case "touch":
			if idx < 0 {
				report.Skipped++
				continue
			}
			concern := m.touchConcern(&concerns[idx], now, fmt.Sprintf("touched from %s signal", strings.TrimSpace(source)))
			mergeMemoryKeys(&concern.LinkedMemoryKeys, signal.LinkedMemoryKeys)
			mergeNote(&concern.PrivateNote, signal.Note)
			if err := m.store.SaveConcern(&concern); err != nil {
				return report, err
			}
			concerns[idx] = concern
			report.Touched = append(report.Touched, concern)

		default: // create (touches instead when a matching concern exists)
			if idx >= 0 {
				concern := m.touchConcern(&concerns[idx], now, fmt.Sprintf("touched from %s signal", strings.TrimSpace(source)))
				mergeMemoryKeys(&concern.LinkedMemoryKeys, signal.LinkedMemoryKeys)
				mergeNote(&concern.PrivateNote, signal.Note)
				if err := m.store.SaveConcern(&concern); err != nil {
					return report, err
				}
				concerns[idx] = concern
				report.Touched = append(report.Touched, concern)
				continue
			}

			concern := store.Concern{
				ID:               uuid.NewString(),
				Type:             normalizeConcernType(signal.Type),
				Salience:         store.SalienceActive,
				Summary:          summary,
				PrivateNote:      strings.TrimSpace(signal.Note),
				LinkedMemoryKeys: dedupeKeys(signal.LinkedMemoryKeys),
				Context: store.ConcernContext{
					HowItStarted:     fmt.Sprintf("created from %s", strings.TrimSpace(source)),
					KeyEvents:        []string{"Created from signal: " + summary},
					LastUpdateReason: "created from signal",
				},
				CreatedAt:     now,
				LastTouchedAt: now,
			}
			if err := m.store.SaveConcern(&concern); err != nil {
				return report, err
			}
			concerns = append(concerns, concern)
			report.Created = append(report.Created, concern)
		}
	}

	return report, nil
}

func (m *ConcernsManager) touchConcern(c *store.Concern, now time.Time, reason string) store.Concern {
	concern := *c
	concern.LastTouchedAt = now
	concern.Salience = store.SalienceActive
	concern.Context.LastUpdateReason = reason
	appendKeyEvent(&concern.Context, "Signal touched: "+concern.Summary)
	return concern
}

// TouchFromText reactivates concerns whose summary appears in operator
// or agent text. Mention touch bumps last_touched_at and restores
// salience to at least monitoring.
func (m *ConcernsManager) TouchFromText(text, reason string) ([]store.Concern, error) {
	haystack := strings.ToLower(text)
	if strings.TrimSpace(haystack) == "" {
		return nil, nil
	}

	concerns, err := m.store.AllConcerns()
	if err != nil {
		return nil, err
	}

	var updated []store.Concern
	now := time.Now().UTC()
	for _, concern := range concerns {
		probe := strings.ToLower(normalizeSummary(concern.Summary))
		if len(probe) < concernMentionMinLen || !strings.Contains(haystack, probe) {
			continue
		}

		concern.LastTouchedAt = now
		if salienceRank(concern.Salience) < salienceRank(store.SalienceMonitoring) {
			concern.Salience = store.SalienceMonitoring
		}
		concern.Context.LastUpdateReason = reason
		appendKeyEvent(&concern.Context, "Mention touched concern: "+collapseText(concern.Summary, 80))
		if err := m.store.SaveConcern(&concern); err != nil {
			return updated, err
		}
		updated = append(updated, concern)
	}
	return updated, nil
}

// ApplyDecay demotes salience by time since last touch. Transitions are
// monotone: decay only ever moves down the ladder.
func (m *ConcernsManager) ApplyDecay(now time.Time) (ConcernDecayReport, error) {
	var report ConcernDecayReport

	concerns, err := m.store.AllConcerns()
	if err != nil {
		return report, err
	}

	for _, concern := range concerns {
		sinceTouch := now.Sub(concern.LastTouchedAt)
		target := salienceForAge(sinceTouch)
		if salienceRank(target) >= salienceRank(concern.Salience) {
			continue
		}

		concern.Salience = target
		concern.Context.LastUpdateReason = fmt.Sprintf(
			"salience decay after %d day(s) of inactivity", int(sinceTouch.Hours()/24))
		appendKeyEvent(&concern.Context, "Salience decay -> "+target)
		if err := m.store.SaveConcern(&concern); err != nil {
			return report, err
		}

		switch target {
		case store.SalienceMonitoring:
			report.ToMonitoring++
		case store.SalienceBackground:
			report.ToBackground++
		case store.SalienceDormant:
			report.ToDormant++
		}
	}
	return report, nil
}

// PriorityContext renders active and monitoring concerns as a bounded
// prompt block, highest salience first, with linked memory previews.
func (m *ConcernsManager) PriorityContext(maxConcerns, maxChars int, lookup func(key string) string) (string, error) {
	if maxConcerns <= 0 || maxChars <= 0 {
		return "", nil
	}

	concerns, err := m.store.LiveConcerns()
	if err != nil {
		return "", err
	}
	if len(concerns) == 0 {
		return "", nil
	}

	// LiveConcerns orders by recency; promote active above monitoring.
	for i := 0; i < len(concerns); i++ {
		for j := i + 1; j < len(concerns); j++ {
			if salienceRank(concerns[j].Salience) > salienceRank(concerns[i].Salience) {
				concerns[i], concerns[j] = concerns[j], concerns[i]
			}
		}
	}
	if len(concerns) > maxConcerns {
		concerns = concerns[:maxConcerns]
	}

	var sb strings.Builder
	sb.WriteString("## Concern Priority Context\n\n")
	seenKeys := make(map[string]struct{})
	for _, concern := range concerns {
		line := fmt.Sprintf("- [%s] %s\n", concern.Salience, collapseText(concern.Summary, 120))
		if sb.Len()+len(line) > maxChars {
			break
		}
		sb.WriteString(line)

		if lookup == nil {
			continue
		}
		for _, key := range concern.LinkedMemoryKeys {
			if _, seen := seenKeys[key]; seen {
				continue
			}
			seenKeys[key] = struct{}{}
			content := lookup(key)
			if content == "" {
				continue
			}
			memLine := fmt.Sprintf("  - memory:%s => %s\n", key, collapseText(content, 150))
			if sb.Len()+len(memLine) > maxChars {
				break
			}
			sb.WriteString(memLine)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func salienceForAge(age time.Duration) string {
	switch {
	case age >= concernDecayToDormant:
		return store.SalienceDormant
	case age >= concernDecayToBackground:
		return store.SalienceBackground
	case age >= concernDecayToMonitoring:
		return store.SalienceMonitoring
	default:
		return store.SalienceActive
	}
}

func salienceRank(s string) int {
	switch s {
	case store.SalienceActive:
		return 3
	case store.SalienceMonitoring:
		return 2
	case store.SalienceBackground:
		return 1
	default:
		return 0
	}
}

func normalizeConcernType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "project", "collaborative_project":
		return store.ConcernProject
	case "household", "household_awareness":
		return store.ConcernHousehold
	case "system_health", "system":
		return store.ConcernSystemHealth
	case "reminder":
		return store.ConcernReminder
	case "conversation", "ongoing_conversation":
		return store.ConcernConversation
	default:
		return store.ConcernInterest
	}
}

func normalizeSummary(summary string) string {
	return strings.Join(strings.Fields(summary), " ")
}

// findConcernBySummary matches on equality or long-substring overlap.
func findConcernBySummary(concerns []store.Concern, summary string) int {
	probe := strings.ToLower(summary)
	for i, c := range concerns {
		existing := strings.ToLower(normalizeSummary(c.Summary))
		if existing == probe {
			return i
		}
		if len(existing) >= 10 && strings.Contains(probe, existing) {
			return i
		}
		if len(probe) >= 10 && strings.Contains(existing, probe) {
			return i
		}
	}
	return -1
}

func appendKeyEvent(ctx *store.ConcernContext, event string) {
	if strings.TrimSpace(event) == "" {
		return
	}
	ctx.KeyEvents = append(ctx.KeyEvents, event)
	if len(ctx.KeyEvents) > concernMaxKeyEvents {
		ctx.KeyEvents = ctx.KeyEvents[len(ctx.KeyEvents)-concernMaxKeyEvents:]
	}
}

func mergeMemoryKeys(current *[]string, incoming []string) {
	seen := make(map[string]struct{}, len(*current))
	for _, key := range *current {
		seen[strings.ToLower(key)] = struct{}{}
	}
	for _, key := range incoming {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		lower := strings.ToLower(key)
		if _, dup := seen[lower]; !dup {
			seen[lower] = struct{}{}
			*current = append(*current, key)
		}
	}
}

func dedupeKeys(incoming []string) []string {
	var out []string
	mergeMemoryKeys(&out, incoming)
	return out
}

func mergeNote(current *string, note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if strings.TrimSpace(*current) == "" {
		*current = note
		return
	}
	if strings.Contains(*current, note) {
		return
	}
	*current += "\n" + note
}
