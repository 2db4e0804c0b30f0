package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/skills"
	"github.com/MLTQ/ponderer-backend/internal/store"
)

// Dispositions the orientation engine can choose.
const (
	DispositionIdle      = "idle"
	DispositionAttending = "attending"
	DispositionAmbient   = "ambient"
	DispositionJournal   = "journal"
	DispositionSurface   = "surface"
	DispositionDream     = "dream"
)

// UserState is the operator presence estimate carried in an orientation.
type UserState struct {
	Level      string  `json:"level"` // attending, active, present, away, dormant
	Detail     string  `json:"detail,omitempty"`
	Confidence float64 `json:"confidence"`
}

// SalientItem is one entry of the salience map.
type SalientItem struct {
	Source    string   `json:"source"`
	Summary   string   `json:"summary"`
	Relevance float64  `json:"relevance"`
	RelatesTo []string `json:"relates_to,omitempty"`
}

// Anomaly is something orientation flagged as off-pattern.
type Anomaly struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Severity    string `json:"severity"` // interesting, notable, concerning, urgent
}

// Mood is the agent's own affect estimate.
type Mood struct {
	Valence    float64 `json:"valence"`
	Arousal    float64 `json:"arousal"`
	Confidence float64 `json:"confidence"`
}

// Orientation is the synthesized situational picture for one tick.
type Orientation struct {
	UserState   UserState     `json:"user_state"`
	SalienceMap []SalientItem `json:"salience_map"`
	Anomalies   []Anomaly     `json:"anomalies"`
	Disposition string        `json:"disposition"`
	Mood        Mood          `json:"mood"`
	Narrative   string        `json:"narrative"`
	GeneratedAt time.Time     `json:"generated_at"`
	Signature   string        `json:"-"`
}

// OrientationInput gathers everything the engine synthesizes from.
type OrientationInput struct {
	Presence           PresenceSample
	Concerns           []store.Concern
	RecentJournal      []store.JournalEntry
	PendingThoughts    []store.PendingThought
	PendingEvents      []skills.Event
	Persona            *store.PersonaSnapshot
	ObservationDigest  string
	RecentActionDigest string
	PrevOODA           *store.OODAPacket
}

// ContextSignature is a coarse bucketed digest of orientation inputs.
// Two ticks with the same signature describe the same situation, so the
// second reuses the first's orientation without an LLM call.
func ContextSignature(in *OrientationInput) string {
	type signature struct {
		IdleBucket   int64    `json:"idle_bucket"`
		Hour         int      `json:"hour"`
		MinuteBucket int      `json:"minute_bucket"`
		CPUBucket    int      `json:"cpu_bucket"`
		MemoryBucket int      `json:"memory_bucket"`
		Weekend      bool     `json:"weekend"`
		LateNight    bool     `json:"late_night"`
		ConcernIDs   []string `json:"concern_ids"`
		JournalIDs   []string `json:"journal_ids"`
		EventIDs     []string `json:"event_ids"`
		PersonaID    string   `json:"persona_id,omitempty"`
		Observation  string   `json:"observation,omitempty"`
		ActionDigest string   `json:"action_digest,omitempty"`
		OODADigest   string   `json:"ooda_digest,omitempty"`
	}

	sig := signature{
		IdleBucket:   in.Presence.IdleSeconds / 30,
		Hour:         in.Presence.LocalHour,
		MinuteBucket: in.Presence.LocalMinute / 5,
		CPUBucket:    int(in.Presence.CPUPercent / 5),
		MemoryBucket: int(in.Presence.MemoryPercent / 5),
		Weekend:      in.Presence.Weekend,
		LateNight:    in.Presence.LateNight,
		Observation:  shortDigest(in.ObservationDigest),
		ActionDigest: shortDigest(in.RecentActionDigest),
	}
	for i, c := range in.Concerns {
		if i >= 10 {
			break
		}
		sig.ConcernIDs = append(sig.ConcernIDs, c.ID)
	}
	for i, j := range in.RecentJournal {
		if i >= 10 {
			break
		}
		sig.JournalIDs = append(sig.JournalIDs, j.ID)
	}
	for _, e := range in.PendingEvents {
		sig.EventIDs = append(sig.EventIDs, e.ID)
	}
	if in.Persona != nil {
		sig.PersonaID = in.Persona.ID
	}
	if in.PrevOODA != nil {
		sig.OODADigest = shortDigest(in.PrevOODA.Observe + in.PrevOODA.Act)
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func shortDigest(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

// OrientationEngine produces orientations via the LLM with a heuristic
// fallback. Parse failures never surface to the loop.
type OrientationEngine struct {
	client  *llm.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOrientationEngine builds the engine.
func NewOrientationEngine(client *llm.Client, model string, timeout time.Duration, logger *slog.Logger) *OrientationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OrientationEngine{client: client, model: model, timeout: timeout, logger: logger}
}

// orientationLLMResponse is the tolerant shape of the model's JSON.
// Aliases accepted: salience_map/salient_items, pending_actions/
// pending_thoughts, mood/mood_estimate; user_state and mood may be a
// bare string or an object.
type orientationLLMResponse struct {
	UserState       json.RawMessage   `json:"user_state"`
	SalienceMap     []salientItemIn   `json:"salience_map"`
	SalientItems    []salientItemIn   `json:"salient_items"`
	Anomalies       []anomalyIn       `json:"anomalies"`
	PendingThoughts []pendingThoughtIn `json:"pending_thoughts"`
	PendingActions  []pendingThoughtIn `json:"pending_actions"`
	Disposition     string            `json:"disposition"`
	Mood            json.RawMessage   `json:"mood"`
	MoodEstimate    json.RawMessage   `json:"mood_estimate"`
	Synthesis       string            `json:"synthesis"`
	Narrative       string            `json:"narrative"`
}

type salientItemIn struct {
	Source    string   `json:"source"`
	Summary   string   `json:"summary"`
	Relevance *float64 `json:"relevance"`
	RelatesTo []string `json:"relates_to"`
}

type anomalyIn struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type pendingThoughtIn struct {
	Content  string   `json:"content"`
	Context  string   `json:"context"`
	Priority *float64 `json:"priority"`
}

// Orient synthesizes an orientation. On any LLM or parse failure it
// degrades to the heuristic path and logs at debug level.
func (e *OrientationEngine) Orient(ctx context.Context, in *OrientationInput) (*Orientation, []store.PendingThought) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: "You are the orientation engine for a desktop companion agent. Return strict JSON only."},
		{Role: "user", Content: buildOrientationPrompt(in)},
	}

	var resp orientationLLMResponse
	if err := e.client.GenerateJSON(callCtx, messages, e.model, &resp); err != nil {
		e.logger.Debug("orientation parse failed, using heuristic fallback", "error", err)
		return heuristicOrientation(in, fmt.Sprintf("fallback after parse error: %v", err)), nil
	}
	return e.parseOrientation(&resp, in)
}

func buildOrientationPrompt(in *OrientationInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Synthesize current signals into situational awareness.\n\n")
	fmt.Fprintf(&sb, "## Presence\nidle_seconds=%d cpu=%.1f%% mem=%.1f%% hour=%d weekend=%v late_night=%v\n\n",
		in.Presence.IdleSeconds, in.Presence.CPUPercent, in.Presence.MemoryPercent,
		in.Presence.LocalHour, in.Presence.Weekend, in.Presence.LateNight)

	sb.WriteString("## Active Concerns\n")
	if len(in.Concerns) == 0 {
		sb.WriteString("None\n")
	}
	for i, c := range in.Concerns {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", c.Salience, c.Summary)
	}

	sb.WriteString("\n## Recent Journal\n")
	if len(in.RecentJournal) == 0 {
		sb.WriteString("None\n")
	}
	for i, j := range in.RecentJournal {
		if i >= 8 {
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", j.Type, collapseText(j.Content, 140))
	}

	sb.WriteString("\n## Pending Events\n")
	if len(in.PendingEvents) == 0 {
		sb.WriteString("None\n")
	}
	for i, ev := range in.PendingEvents {
		if i >= 12 {
			break
		}
		fmt.Fprintf(&sb, "- id=%s source=%s author=%s\n", ev.ID, ev.Source, ev.Author)
	}

	sb.WriteString("\n## Pending Thoughts\n")
	if len(in.PendingThoughts) == 0 {
		sb.WriteString("None\n")
	}
	for i, t := range in.PendingThoughts {
		if i >= 8 {
			break
		}
		fmt.Fprintf(&sb, "- %s\n", collapseText(t.Content, 120))
	}

	if in.Persona != nil {
		fmt.Fprintf(&sb, "\n## Persona Trajectory\n%s", in.Persona.SelfDescription)
		if in.Persona.InferredTrajectory != "" {
			fmt.Fprintf(&sb, " | %s", in.Persona.InferredTrajectory)
		}
		sb.WriteString("\n")
	}
	if in.ObservationDigest != "" {
		fmt.Fprintf(&sb, "\n## Desktop Observation\n%s\n", collapseText(in.ObservationDigest, 220))
	}
	if in.RecentActionDigest != "" {
		fmt.Fprintf(&sb, "\n## Recent Actions\n%s\n", collapseText(in.RecentActionDigest, 220))
	}
	if in.PrevOODA != nil {
		fmt.Fprintf(&sb, "\n## Previous Turn (OODA)\nobserve: %s\nact: %s\n",
			collapseText(in.PrevOODA.Observe, 160), collapseText(in.PrevOODA.Act, 160))
	}

	sb.WriteString("\nReturn JSON with keys: user_state, salience_map, anomalies, pending_thoughts, disposition, mood, narrative.\n")
	sb.WriteString("Use disposition in [idle, attending, ambient, journal, surface, dream].")
	return sb.String()
}

func (e *OrientationEngine) parseOrientation(resp *orientationLLMResponse, in *OrientationInput) (*Orientation, []store.PendingThought) {
	o := &Orientation{
		UserState:   parseUserState(resp.UserState, in.Presence),
		Disposition: parseDisposition(resp.Disposition),
		Mood:        parseMood(firstRaw(resp.Mood, resp.MoodEstimate)),
		GeneratedAt: time.Now().UTC(),
	}

	items := resp.SalienceMap
	if len(items) == 0 {
		items = resp.SalientItems
	}
	for _, item := range items {
		if strings.TrimSpace(item.Summary) == "" {
			continue
		}
		source := item.Source
		if source == "" {
			source = "orientation"
		}
		relevance := 0.5
		if item.Relevance != nil {
			relevance = clamp01(*item.Relevance)
		}
		o.SalienceMap = append(o.SalienceMap, SalientItem{
			Source: source, Summary: item.Summary, Relevance: relevance, RelatesTo: item.RelatesTo,
		})
	}

	for _, a := range resp.Anomalies {
		if strings.TrimSpace(a.Description) == "" {
			continue
		}
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		o.Anomalies = append(o.Anomalies, Anomaly{
			ID: id, Description: a.Description, Severity: parseSeverity(a.Severity),
		})
	}

	thoughts := resp.PendingThoughts
	if len(thoughts) == 0 {
		thoughts = resp.PendingActions
	}
	var pending []store.PendingThought
	for _, t := range thoughts {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		priority := 0.5
		if t.Priority != nil {
			priority = clamp01(*t.Priority)
		}
		pending = append(pending, store.PendingThought{
			Content: t.Content, Context: t.Context, Priority: priority,
		})
	}

	o.Narrative = resp.Narrative
	if o.Narrative == "" {
		o.Narrative = resp.Synthesis
	}
	if o.Narrative == "" {
		o.Narrative = "No synthesis returned"
	}
	return o, pending
}

// heuristicOrientation derives an orientation from the inputs alone.
func heuristicOrientation(in *OrientationInput, note string) *Orientation {
	level := UserStateLevel(in.Presence)

	o := &Orientation{
		UserState: UserState{
			Level:      level,
			Detail:     "heuristic estimate from idle time",
			Confidence: 0.6,
		},
		Mood:        Mood{Valence: 0, Arousal: 0.4, Confidence: 0.45},
		GeneratedAt: time.Now().UTC(),
	}

	for i, ev := range in.PendingEvents {
		if i >= 6 {
			break
		}
		o.SalienceMap = append(o.SalienceMap, SalientItem{
			Source:    "skill_event",
			Summary:   fmt.Sprintf("New content from %s in %s", ev.Author, ev.Source),
			Relevance: 0.8,
		})
	}
	for i, c := range in.Concerns {
		if i >= 6 {
			break
		}
		o.SalienceMap = append(o.SalienceMap, SalientItem{
			Source:    "concern",
			Summary:   c.Summary,
			Relevance: 0.65,
			RelatesTo: []string{c.ID},
		})
	}

	if in.Presence.MemoryPercent >= 92 {
		o.Anomalies = append(o.Anomalies, Anomaly{
			ID:          uuid.NewString(),
			Description: fmt.Sprintf("Memory usage is very high (%.1f%%)", in.Presence.MemoryPercent),
			Severity:    "notable",
		})
	}

	switch {
	case len(in.PendingEvents) > 0:
		o.Disposition = DispositionAmbient
	case len(o.Anomalies) > 0:
		o.Disposition = DispositionSurface
	case level == "away" || level == "dormant":
		o.Disposition = DispositionJournal
	default:
		o.Disposition = DispositionIdle
	}

	o.Narrative = fmt.Sprintf("Heuristic orientation: idle=%ds cpu=%.1f%% mem=%.1f%% events=%d",
		in.Presence.IdleSeconds, in.Presence.CPUPercent, in.Presence.MemoryPercent, len(in.PendingEvents))
	if note != "" {
		o.Narrative += " (" + note + ")"
	}
	return o
}

func parseUserState(raw json.RawMessage, presence PresenceSample) UserState {
	fallback := UserState{Level: UserStateLevel(presence), Confidence: 0.55}
	if len(raw) == 0 {
		return fallback
	}

	// String form: a bare level label.
	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		if level := normalizeUserLevel(label); level != "" {
			return UserState{Level: level, Confidence: 0.55}
		}
		return fallback
	}

	// Object form.
	var obj struct {
		Level      string   `json:"level"`
		Type       string   `json:"type"`
		State      string   `json:"state"`
		Detail     string   `json:"detail"`
		Activity   string   `json:"activity"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fallback
	}
	level := normalizeUserLevel(firstNonEmpty(obj.Level, obj.Type, obj.State))
	if level == "" {
		return fallback
	}
	out := UserState{Level: level, Detail: firstNonEmpty(obj.Detail, obj.Activity), Confidence: 0.55}
	if obj.Confidence != nil {
		out.Confidence = clamp01(*obj.Confidence)
	}
	return out
}

func normalizeUserLevel(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "attending", "deep_work", "focused":
		return "attending"
	case "active", "light_work", "working", "busy":
		return "active"
	case "present", "idle", "inactive":
		return "present"
	case "away", "afk", "offline":
		return "away"
	case "dormant", "asleep", "sleeping":
		return "dormant"
	default:
		return ""
	}
}

func parseMood(raw json.RawMessage) Mood {
	fallback := Mood{Valence: 0, Arousal: 0.4, Confidence: 0.6}
	if len(raw) == 0 {
		return fallback
	}

	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		switch strings.ToLower(strings.TrimSpace(label)) {
		case "positive", "content", "happy", "calm":
			return Mood{Valence: 0.5, Arousal: 0.3, Confidence: 0.5}
		case "negative", "frustrated", "anxious":
			return Mood{Valence: -0.4, Arousal: 0.6, Confidence: 0.5}
		default:
			return fallback
		}
	}

	var obj struct {
		Valence    *float64 `json:"valence"`
		Arousal    *float64 `json:"arousal"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fallback
	}
	out := fallback
	if obj.Valence != nil {
		out.Valence = clampSigned(*obj.Valence)
	}
	if obj.Arousal != nil {
		out.Arousal = clamp01(*obj.Arousal)
	}
	if obj.Confidence != nil {
		out.Confidence = clamp01(*obj.Confidence)
	}
	return out
}

func parseDisposition(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "attending", "interrupt":
		return DispositionAttending
	case "ambient", "observe", "maintain":
		return DispositionAmbient
	case "journal":
		return DispositionJournal
	case "surface":
		return DispositionSurface
	case "dream":
		return DispositionDream
	default:
		return DispositionIdle
	}
}

func parseSeverity(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "notable":
		return "notable"
	case "concerning":
		return "concerning"
	case "urgent":
		return "urgent"
	default:
		return "interesting"
	}
}

// SnapshotRecord converts an orientation into its persisted form.
func (o *Orientation) SnapshotRecord(signature string) *store.OrientationSnapshot {
	userState, _ := json.Marshal(o.UserState)
	salience, _ := json.Marshal(o.SalienceMap)
	anomalies, _ := json.Marshal(o.Anomalies)
	valence := o.Mood.Valence
	arousal := o.Mood.Arousal
	return &store.OrientationSnapshot{
		ID:          uuid.NewString(),
		CapturedAt:  o.GeneratedAt,
		Disposition: o.Disposition,
		UserState:   string(userState),
		SalienceMap: string(salience),
		Anomalies:   string(anomalies),
		MoodValence: &valence,
		MoodArousal: &arousal,
		Narrative:   o.Narrative,
		Signature:   signature,
	}
}

func firstRaw(options ...json.RawMessage) json.RawMessage {
	for _, o := range options {
		if len(o) > 0 {
			return o
		}
	}
	return nil
}

func firstNonEmpty(options ...string) string {
	for _, o := range options {
		if strings.TrimSpace(o) != "" {
			return o
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSigned(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

func collapseText(s string, max int) string {
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "\n", " ")), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
