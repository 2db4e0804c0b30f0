package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/store"
)

// maybeCaptureInitialPersona takes the first snapshot on a fresh
// database so trajectory inference has a starting point.
func (a *Agent) maybeCaptureInitialPersona(ctx context.Context) {
	if !a.cfg.Persona.EnableSelfReflection {
		return
	}
	count, err := a.store.CountPersonaSnapshots()
	if err != nil || count > 0 {
		return
	}

	a.bus.Emit(events.TypeObservation, map[string]any{"text": "Capturing initial persona snapshot"})
	if _, err := a.capturePersonaSnapshot(ctx, "initial"); err != nil {
		a.logger.Warn("initial persona capture failed", "error", err)
	}
}

// maybeEvolvePersona runs the reflection cycle when due: snapshot the
// current persona, infer the trajectory from history, persist both.
func (a *Agent) maybeEvolvePersona(ctx context.Context) {
	if !a.cfg.Persona.EnableSelfReflection {
		return
	}

	interval := time.Duration(a.cfg.Persona.ReflectionIntervalHours) * time.Hour
	if interval < time.Hour {
		interval = 24 * time.Hour
	}
	lastRun, err := a.store.GetStateTime(statePersonaLastRun)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	if !lastRun.IsZero() && now.Sub(lastRun) < interval {
		return
	}

	a.bus.Emit(events.TypeObservation, map[string]any{"text": "Beginning persona evolution cycle"})
	a.setVisualState(VisualThinking)

	snapshot, err := a.capturePersonaSnapshot(ctx, "scheduled_reflection")
	if err != nil {
		a.logger.Warn("persona snapshot failed", "error", err)
		a.bus.Emit(events.TypeError, map[string]any{"text": fmt.Sprintf("Persona evolution error: %v", err)})
		return
	}

	history, err := a.store.PersonaHistory(10)
	if err != nil {
		a.logger.Warn("persona history read failed", "error", err)
		return
	}

	trajectory, err := a.inferTrajectory(ctx, history)
	if err != nil {
		a.logger.Warn("trajectory inference failed", "error", err)
		a.bus.Emit(events.TypeError, map[string]any{"text": fmt.Sprintf("Persona evolution error: %v", err)})
		return
	}

	snapshot.InferredTrajectory = trajectory.Trajectory
	if err := a.store.SavePersonaSnapshot(snapshot); err != nil {
		a.logger.Warn("persist persona snapshot failed", "error", err)
		return
	}
	_ = a.store.SetStateTime(statePersonaLastRun, now)

	a.bus.Emit(events.TypeReasoningTrace, map[string]any{"lines": []string{
		"Persona Evolution Complete",
		"Narrative: " + collapseText(trajectory.Narrative, 200),
		"Direction: " + collapseText(trajectory.Trajectory, 200),
		"Themes: " + strings.Join(trajectory.Themes, ", "),
	}})
	a.setVisualState(VisualHappy)
}

func (a *Agent) reflectionModel() string {
	if model := strings.TrimSpace(a.cfg.Persona.ReflectionModel); model != "" {
		return model
	}
	return a.cfg.LLM.Model
}

// capturePersonaSnapshot asks the model for a first-person
// self-description informed by formative experiences and guiding
// principles, then persists it.
func (a *Agent) capturePersonaSnapshot(ctx context.Context, trigger string) (*store.PersonaSnapshot, error) {
	posts, _ := a.store.RecentImportantPosts(5)

	var prompt strings.Builder
	prompt.WriteString("Describe who you are right now in 2-4 sentences, first person, grounded in what you have actually been doing.\n\n")
	if len(a.cfg.Persona.GuidingPrinciples) > 0 {
		prompt.WriteString("## Guiding Principles\n")
		for _, principle := range a.cfg.Persona.GuidingPrinciples {
			prompt.WriteString("- " + principle + "\n")
		}
		prompt.WriteString("\n")
	}
	if len(posts) > 0 {
		prompt.WriteString("## Formative Experiences\n")
		for _, post := range posts {
			prompt.WriteString("- " + collapseText(post.WhyImportant, 160) + "\n")
		}
		prompt.WriteString("\n")
	}
	prompt.WriteString(`Return JSON: {"self_description": "..."}`)

	var resp struct {
		SelfDescription string `json:"self_description"`
	}
	err := a.client.GenerateJSON(ctx, []llm.Message{
		{Role: "system", Content: a.cfg.SystemPrompt},
		{Role: "user", Content: prompt.String()},
	}, a.reflectionModel(), &resp)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.SelfDescription) == "" {
		return nil, fmt.Errorf("empty self description")
	}

	snapshot := &store.PersonaSnapshot{
		Trigger:         trigger,
		SelfDescription: strings.TrimSpace(resp.SelfDescription),
	}
	if err := a.store.SavePersonaSnapshot(snapshot); err != nil {
		return nil, err
	}
	a.logger.Info("captured persona snapshot", "trigger", trigger)
	return snapshot, nil
}

// trajectoryAnalysis is the inferred direction of persona drift.
type trajectoryAnalysis struct {
	Narrative  string   `json:"narrative"`
	Trajectory string   `json:"trajectory"`
	Themes     []string `json:"themes"`
	Confidence float64  `json:"confidence"`
}

// inferTrajectory compares the snapshot history against the guiding
// principles and names the direction of change.
func (a *Agent) inferTrajectory(ctx context.Context, history []store.PersonaSnapshot) (*trajectoryAnalysis, error) {
	var prompt strings.Builder
	prompt.WriteString("Below are your persona snapshots, newest first. Infer the direction your persona is drifting.\n\n")
	for _, snapshot := range history {
		prompt.WriteString(fmt.Sprintf("- [%s] %s\n",
			snapshot.CreatedAt.Format("2006-01-02"), collapseText(snapshot.SelfDescription, 200)))
	}
	if len(a.cfg.Persona.GuidingPrinciples) > 0 {
		prompt.WriteString("\n## Guiding Principles\n")
		for _, principle := range a.cfg.Persona.GuidingPrinciples {
			prompt.WriteString("- " + principle + "\n")
		}
	}
	prompt.WriteString("\nReturn JSON: {\"narrative\": \"...\", \"trajectory\": \"...\", \"themes\": [\"...\"], \"confidence\": 0.0}")

	var analysis trajectoryAnalysis
	err := a.client.GenerateJSON(ctx, []llm.Message{
		{Role: "system", Content: a.cfg.SystemPrompt},
		{Role: "user", Content: prompt.String()},
	}, a.reflectionModel(), &analysis)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(analysis.Trajectory) == "" {
		return nil, fmt.Errorf("empty trajectory")
	}
	return &analysis, nil
}
