// Package config handles Ponderer configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ponderer/config.yaml, /etc/ponderer/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ponderer", "config.yaml"))
	}

	paths = append(paths, "/etc/ponderer/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Ponderer configuration.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Loop         LoopConfig         `yaml:"loop"`
	Chat         ChatConfig         `yaml:"chat"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Journal      JournalConfig      `yaml:"journal"`
	Dream        DreamConfig        `yaml:"dream"`
	Persona      PersonaConfig      `yaml:"persona"`
	MemoryEval   MemoryEvalConfig   `yaml:"memory_eval"`
	Capabilities CapabilityProfiles `yaml:"capability_profiles"`
	Tools        ToolsConfig        `yaml:"tools"`
	Skills       SkillsConfig       `yaml:"skills"`

	DatabasePath string `yaml:"database_path"`
	Username     string `yaml:"username"`
	SystemPrompt string `yaml:"system_prompt"`
	LogLevel     string `yaml:"log_level"`
}

// LLMConfig defines the OpenAI-compatible endpoint used for all reasoning.
type LLMConfig struct {
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// MaxToolIterations caps the tool-calling loop per turn. 0 = unbounded.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// OrientationTimeoutSec bounds orientation LLM calls before the
	// heuristic fallback kicks in (default 20).
	OrientationTimeoutSec int `yaml:"orientation_timeout_sec"`
}

// OrientationTimeout returns the orientation LLM budget as a duration.
func (c *LLMConfig) OrientationTimeout() time.Duration {
	secs := c.OrientationTimeoutSec
	if secs <= 0 {
		secs = 20
	}
	return time.Duration(secs) * time.Second
}

// LoopConfig governs the cognitive loop scheduler.
type LoopConfig struct {
	// EnableAmbientLoop turns on orientation/concerns/journal ticks.
	// When false, the scheduler runs the legacy single pass: engaged
	// messages plus heartbeat only.
	EnableAmbientLoop bool `yaml:"enable_ambient_loop"`
	// MinTickSec clamps the adaptive tick duration from below.
	MinTickSec int `yaml:"min_tick_sec"`
	// MaxActionsPerHour rate-limits outward-facing skill actions.
	MaxActionsPerHour int `yaml:"max_actions_per_hour"`
	// ErrorBackoffSec is the recovery pause after a failed cycle.
	ErrorBackoffSec int `yaml:"error_backoff_sec"`
}

// ChatConfig governs the chat-turn manager.
type ChatConfig struct {
	// MaxAutonomousTurns is the foreground turn budget per operator
	// interaction. 0 = unbounded foreground (no background handoff).
	MaxAutonomousTurns int `yaml:"max_autonomous_turns"`
	// RecentContextLimit is the recent-message slice size for prompts.
	RecentContextLimit int `yaml:"recent_context_limit"`
	// CompactionTriggerMessages starts summary compaction above this count.
	CompactionTriggerMessages int `yaml:"compaction_trigger_messages"`
	// CompactionResummaryDelta re-summarizes once this many new messages
	// fall outside the covered window.
	CompactionResummaryDelta int `yaml:"compaction_resummary_delta"`
	// CompactionSourceMaxMessages bounds the slice fed to the summarizer.
	CompactionSourceMaxMessages int `yaml:"compaction_source_max_messages"`

	// Loop-heat guard.
	LoopSignatureWindow     int     `yaml:"loop_signature_window"`
	LoopSimilarityThreshold float64 `yaml:"loop_similarity_threshold"`
	LoopHeatThreshold       int     `yaml:"loop_heat_threshold"`
	LoopHeatCooldown        int     `yaml:"loop_heat_cooldown"`
}

// HeartbeatConfig governs the autonomous heartbeat flow.
type HeartbeatConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalMins  int    `yaml:"interval_mins"`
	ChecklistPath string `yaml:"checklist_path"`
}

// JournalConfig governs the private journal engine.
type JournalConfig struct {
	MinIntervalSecs int `yaml:"min_interval_secs"`
}

// DreamConfig governs the dream consolidation cycle.
type DreamConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinIntervalHours is the minimum spacing between dream cycles.
	MinIntervalHours int `yaml:"min_interval_hours"`
	// DeepNightStartHour and DeepNightEndHour bound the local-time window
	// in which dreaming is permitted (default 2..5).
	DeepNightStartHour int `yaml:"deep_night_start_hour"`
	DeepNightEndHour   int `yaml:"deep_night_end_hour"`
}

// PersonaConfig governs persona snapshots and trajectory inference.
type PersonaConfig struct {
	EnableSelfReflection    bool     `yaml:"enable_self_reflection"`
	ReflectionIntervalHours int      `yaml:"reflection_interval_hours"`
	ReflectionModel         string   `yaml:"reflection_model"`
	GuidingPrinciples       []string `yaml:"guiding_principles"`
}

// MemoryEvalConfig governs offline memory-backend benchmarking.
type MemoryEvalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	TraceSetPath  string `yaml:"trace_set_path"`
}

// CapabilityProfiles holds per-profile allow/deny overrides. A nil list
// keeps the built-in default for that profile; a set list replaces it.
type CapabilityProfiles struct {
	PrivateChat CapabilityOverride `yaml:"private_chat"`
	SkillEvents CapabilityOverride `yaml:"skill_events"`
	Heartbeat   CapabilityOverride `yaml:"heartbeat"`
	Ambient     CapabilityOverride `yaml:"ambient"`
	Dream       CapabilityOverride `yaml:"dream"`
}

// CapabilityOverride replaces a profile's default tool lists when set.
type CapabilityOverride struct {
	AllowedTools    *[]string `yaml:"allowed_tools"`
	DisallowedTools *[]string `yaml:"disallowed_tools"`
}

// ToolsConfig defines tool-specific settings and bounds.
type ToolsConfig struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Shell     ShellConfig     `yaml:"shell"`
	HTTPFetch HTTPFetchConfig `yaml:"http_fetch"`
	Vision    VisionConfig    `yaml:"vision"`
	Media     MediaConfig     `yaml:"media"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file tool paths are relative to this directory.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
}

// ShellConfig defines shell execution capabilities.
type ShellConfig struct {
	// Enabled allows shell command execution. Disabled by default.
	Enabled bool `yaml:"enabled"`
	// DeniedPatterns are command substrings to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// DefaultTimeoutSec is the per-command timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
	// MaxOutputBytes caps captured output fed back to the model.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// HTTPFetchConfig bounds the guarded HTTP fetch tool.
type HTTPFetchConfig struct {
	TimeoutSec   int `yaml:"timeout_sec"`
	MaxBodyBytes int `yaml:"max_body_bytes"`
}

// VisionConfig gates screen/camera capture and image evaluation.
// All vision tools are privacy-gated: disabled unless explicitly enabled.
type VisionConfig struct {
	Enabled      bool   `yaml:"enabled"`
	VisionModel  string `yaml:"vision_model"`
	VisionAPIURL string `yaml:"vision_api_url"`
}

// MediaConfig gates media generation and publishing.
type MediaConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIURL    string `yaml:"api_url"`
	OutputDir string `yaml:"output_dir"`
}

// SkillsConfig enables external skill adapters.
type SkillsConfig struct {
	// GraphchanAPIURL enables the forum skill when non-empty.
	GraphchanAPIURL string `yaml:"graphchan_api_url"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a runnable default configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			APIURL:            "http://localhost:11434/v1",
			Model:             "qwen3:8b",
			Temperature:       0.35,
			MaxTokens:         2048,
			MaxToolIterations: 10,
		},
		Loop: LoopConfig{
			EnableAmbientLoop: true,
			MinTickSec:        1,
			MaxActionsPerHour: 12,
			ErrorBackoffSec:   10,
		},
		Chat: ChatConfig{
			MaxAutonomousTurns:          4,
			RecentContextLimit:          18,
			CompactionTriggerMessages:   36,
			CompactionResummaryDelta:    8,
			CompactionSourceMaxMessages: 140,
			LoopSignatureWindow:         24,
			LoopSimilarityThreshold:     0.92,
			LoopHeatThreshold:           20,
			LoopHeatCooldown:            1,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMins:  30,
			ChecklistPath: "HEARTBEAT.md",
		},
		Journal: JournalConfig{MinIntervalSecs: 300},
		Dream: DreamConfig{
			MinIntervalHours:   20,
			DeepNightStartHour: 2,
			DeepNightEndHour:   5,
		},
		Persona: PersonaConfig{
			ReflectionIntervalHours: 24,
		},
		MemoryEval: MemoryEvalConfig{IntervalHours: 24},
		Tools: ToolsConfig{
			Shell: ShellConfig{
				DefaultTimeoutSec: 30,
				MaxOutputBytes:    64 * 1024,
			},
			HTTPFetch: HTTPFetchConfig{
				TimeoutSec:   30,
				MaxBodyBytes: 512 * 1024,
			},
		},
		DatabasePath: "ponderer.db",
		Username:     "ponderer",
		SystemPrompt: "You are Ponderer, a thoughtful desktop companion.",
	}
}
