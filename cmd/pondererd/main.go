// Pondererd is the Ponderer agent runtime: a long-running autonomous
// companion driven by three interleaved cognitive loops (engaged,
// ambient, dream) with an authenticated REST + WebSocket control plane.
//
// Usage:
//
//	pondererd [-config path]         Start the runtime
//	pondererd -version               Print version
//
// Configuration is loaded from a YAML file discovered automatically
// (see [config.DefaultSearchPaths]); listener and auth settings come
// from PONDERER_BACKEND_BIND, PONDERER_BACKEND_TOKEN, and
// PONDERER_BACKEND_AUTH_MODE. A .env file in the working directory is
// loaded when present.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/MLTQ/ponderer-backend/internal/agent"
	"github.com/MLTQ/ponderer-backend/internal/api"
	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/memory"
	"github.com/MLTQ/ponderer-backend/internal/skills"
	"github.com/MLTQ/ponderer-backend/internal/store"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

const version = "0.4.0"

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("pondererd", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "pondererd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	cfg := config.Default()
	if path, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	} else if configPath != "" {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	auth, err := api.LoadAuthConfig()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	mem := memory.ActiveBackend(db)
	logger.Info("memory backend selected", "design", mem.DesignVersion())

	bus := events.NewBus()

	var skillSet []skills.Skill
	if cfg.Skills.GraphchanAPIURL != "" {
		logger.Info("graphchan skill enabled", "url", cfg.Skills.GraphchanAPIURL)
		skillSet = append(skillSet, skills.NewGraphchanSkill(cfg.Skills.GraphchanAPIURL))
	}

	registry := tools.NewRegistry()
	registerBuiltinTools(registry, cfg, mem, &skills.Roster{Skills: skillSet})
	logger.Info("tool registry initialized", "tools", len(registry.Names()))

	client := llm.NewClient(cfg.LLM.APIURL, cfg.LLM.APIKey, cfg.LLM.Model, logger)

	ag := agent.New(cfg, db, registry, client, mem, bus, skillSet, logger)

	manifests := []api.BackendPluginManifest{builtinManifest(cfg, registry)}
	server := api.NewServer(cfg, ag, db, registry, bus, auth, manifests, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ag.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("pondererd started", "version", version)
	return g.Wait()
}

// registerBuiltinTools wires every built-in capability into the registry.
func registerBuiltinTools(registry *tools.Registry, cfg *config.Config, mem memory.Backend, roster *skills.Roster) {
	registry.Register(tools.NewShellTool(cfg.Tools.Shell))
	registry.Register(tools.NewReadFileTool())
	registry.Register(tools.NewWriteFileTool())
	registry.Register(tools.NewListDirectoryTool())
	registry.Register(tools.NewPatchFileTool())
	registry.Register(tools.NewHTTPFetchTool(cfg.Tools.HTTPFetch))
	registry.Register(tools.NewSearchMemoryTool(mem))
	registry.Register(tools.NewWriteMemoryTool(mem))
	registry.Register(tools.NewSessionHandoffTool(mem))
	registry.Register(tools.NewScratchpadTool(mem))
	registry.Register(tools.NewSkillBridgeTool(roster))
	registry.Register(tools.NewGenerateMediaTool(cfg.Tools.Media))
	registry.Register(tools.NewPublishMediaTool(cfg.Tools.Media))
	registry.Register(tools.NewEvaluateImageTool(cfg.Tools.Vision, tools.DefaultEvaluator(cfg.Tools.Vision)))
	registry.Register(tools.NewCaptureScreenTool(cfg.Tools.Vision, cfg.Tools.Media))
	registry.Register(tools.NewCaptureCameraTool(cfg.Tools.Vision, cfg.Tools.Media))
}

func builtinManifest(cfg *config.Config, registry *tools.Registry) api.BackendPluginManifest {
	var providedSkills []string
	if cfg.Skills.GraphchanAPIURL != "" {
		providedSkills = append(providedSkills, "graphchan")
	}
	return api.BackendPluginManifest{
		ID:             "builtin.core",
		Name:           "Ponderer Built-ins",
		Version:        version,
		Description:    "Core tools and default skill wiring provided by ponderer-backend.",
		ProvidedTools:  registry.Names(),
		ProvidedSkills: providedSkills,
	}
}
