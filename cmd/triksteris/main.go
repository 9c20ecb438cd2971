// Command triksteris is the main entry point for the Triksteris dialogue
// server: it wires the prompt store, the AI provider failover group, the
// session store, and the dialogue engine behind the HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pamoka-labs/triksteris/internal/assembler"
	"github.com/pamoka-labs/triksteris/internal/cartridge"
	"github.com/pamoka-labs/triksteris/internal/config"
	"github.com/pamoka-labs/triksteris/internal/engine"
	"github.com/pamoka-labs/triksteris/internal/health"
	"github.com/pamoka-labs/triksteris/internal/httpapi"
	"github.com/pamoka-labs/triksteris/internal/observe"
	"github.com/pamoka-labs/triksteris/internal/promptstore"
	"github.com/pamoka-labs/triksteris/internal/resilience"
	"github.com/pamoka-labs/triksteris/internal/session"
	sessionpg "github.com/pamoka-labs/triksteris/internal/session/postgres"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm/claude"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm/gemini"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm/mock"
	"github.com/pamoka-labs/triksteris/pkg/provider/llm/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "triksteris: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "triksteris: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := &slog.LevelVar{}
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("triksteris starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownObserve(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Config hot reload (log level only; everything else needs a restart) ──
	cfgWatcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel {
			logLevel.Set(slogLevel(new.Server.LogLevel))
			slog.Info("log level changed", "log_level", new.Server.LogLevel)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer cfgWatcher.Stop()

	// ── AI providers ──────────────────────────────────────────────────────────
	failover, err := buildFailover(ctx, cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Prompt store ──────────────────────────────────────────────────────────
	prompts := promptstore.New(cfg.Prompts.Root)
	if cfg.Prompts.Watch {
		watcher, err := promptstore.NewWatcher(prompts)
		if err != nil {
			slog.Error("failed to start prompt watcher", "err", err)
			return 1
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("prompt watcher stopped", "err", err)
			}
		}()
	}

	// ── Task cartridges ───────────────────────────────────────────────────────
	tasks, err := cartridge.LoadDir(cfg.Cartridges.Root)
	if err != nil {
		slog.Error("failed to load cartridges", "dir", cfg.Cartridges.Root, "err", err)
		return 1
	}
	for id, cart := range tasks {
		for _, verr := range prompts.Validate(cart) {
			slog.Warn("prompt validation", "task_id", id, "err", verr)
		}
	}
	slog.Info("cartridges loaded", "count", len(tasks))

	// ── Session store ─────────────────────────────────────────────────────────
	var sessions session.Store
	var pgStore *sessionpg.Store
	if cfg.Sessions.PostgresDSN != "" {
		pgStore, err = sessionpg.NewStore(ctx, cfg.Sessions.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect session store", "err", err)
			return 1
		}
		defer pgStore.Close()
		sessions = pgStore
	} else {
		sessions = session.NewMemStore()
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	var asmOpts []assembler.Option
	if cfg.Assembler.TokenBudget > 0 {
		asmOpts = append(asmOpts, assembler.WithTokenBudget(cfg.Assembler.TokenBudget))
	}
	if cfg.Assembler.CharsPerToken > 0 {
		asmOpts = append(asmOpts, assembler.WithCharsPerToken(cfg.Assembler.CharsPerToken))
	}
	asm := assembler.New(prompts, asmOpts...)
	eng := engine.New(failover, asm, engine.TierTable(cfg.Tiers.TierTable()), engine.WithMetrics(metrics))

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	httpapi.NewServer(eng, sessions, tasks, httpapi.WithMetrics(metrics)).Register(mux)

	checkers := []health.Checker{health.Providers(failover)}
	if pgStore != nil {
		checkers = append(checkers, health.Sessions(pgStore))
	}
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: observe.Middleware(metrics)(mux)}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildFailover constructs the vendor adapters named in providers.order and
// wraps them in the circuit-breaker failover group. With no order configured,
// every vendor carrying credentials is used, gemini first.
func buildFailover(ctx context.Context, cfg *config.Config) (*resilience.Failover, error) {
	order := cfg.Providers.Order
	if len(order) == 0 {
		if cfg.Providers.Gemini.Configured() {
			order = append(order, "gemini")
		}
		if cfg.Providers.Claude.Configured() {
			order = append(order, "claude")
		}
		if cfg.Providers.OpenAI.Configured() {
			order = append(order, "openai")
		}
		if len(order) == 0 {
			order = append(order, "mock")
			slog.Warn("no provider credentials configured; using the deterministic stub")
		}
	}

	backends := make([]resilience.Backend, 0, len(order))
	for _, name := range order {
		p, err := buildProvider(ctx, cfg, name)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		backends = append(backends, resilience.Backend{Name: name, Provider: p})
	}
	slog.Info("providers ready", "order", order)
	return resilience.NewFailover(backends...)
}

func buildProvider(ctx context.Context, cfg *config.Config, name string) (llm.Provider, error) {
	switch name {
	case "gemini":
		return gemini.New(ctx, cfg.Providers.Gemini.APIKey)
	case "claude":
		return claude.New(cfg.Providers.Claude.APIKey)
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.New(cfg.Providers.OpenAI.APIKey, opts...)
	case "mock":
		return &mock.Provider{}, nil
	}
	return nil, fmt.Errorf("unknown provider name %q", name)
}

// slogLevel maps the config log level to slog's.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
