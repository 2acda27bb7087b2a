// Command imld runs the IML execution daemon: it loads configuration,
// wires the permission guard, security pipeline, plan executor, plan group
// executor, trigger daemon and the HTTP/WebSocket surface together, then
// serves until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imld/daemon/internal/config"
	"github.com/imld/daemon/internal/eventbus"
	"github.com/imld/daemon/internal/executor"
	"github.com/imld/daemon/internal/group"
	"github.com/imld/daemon/internal/httpapi"
	"github.com/imld/daemon/internal/iml"
	"github.com/imld/daemon/internal/intent"
	"github.com/imld/daemon/internal/logging"
	"github.com/imld/daemon/internal/permission"
	"github.com/imld/daemon/internal/procscan"
	"github.com/imld/daemon/internal/registry"
	"github.com/imld/daemon/internal/security"
	"github.com/imld/daemon/internal/store"
	"github.com/imld/daemon/internal/telemetry"
	"github.com/imld/daemon/internal/trigger"
)

func main() {
	configPath := flag.String("config", os.Getenv("IMLD_CONFIG"), "path to the daemon's YAML config file")
	flag.Parse()

	logger := logging.New()

	shutdownTelemetry, err := telemetry.Setup(context.Background(), "imld")
	if err != nil {
		log.Fatalf("setup telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := store.Open(cfg.Triggers.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	bus := buildEventBus(cfg.EventBus, logger)
	reg := registry.New()
	guard := permission.New(sandboxPaths())
	pipeline := buildSecurityPipeline(cfg.Security, logger)

	exec := executor.New(executor.Config{
		Registry:         reg,
		Store:            st,
		Bus:              bus,
		Logger:           logger,
		PermissionGuard:  guard,
		Profile:          permission.Profile(cfg.Security.Profile),
		SecurityPipeline: pipeline,
		DefaultRetryBase: cfg.Executor.DefaultRetryBase,
		DefaultRetryMax:  cfg.Executor.DefaultRetryMax,
		MaxOutputBytes:   cfg.Executor.MaxOutputBytes,
		ResourceLimits:   cfg.ResourceLimits,
	})
	groupExec := group.New(exec, cfg.Executor.MaxConcurrentPlans)

	var triggerDaemon *trigger.Daemon
	if cfg.Triggers.Enabled {
		triggerDaemon = trigger.NewDaemon(trigger.DaemonConfig{
			Store:              st,
			Bus:                bus,
			Logger:             logger,
			Submit:             submitFunc(exec),
			Cancel:             exec.Cancel,
			ResourceSampler:    resourceSampler(),
			ProcessLister:      processLister(),
			MaxConcurrentPlans: cfg.Triggers.MaxConcurrentPlans,
		})
	}

	srv := &httpapi.Server{
		Executor:    exec,
		Group:       groupExec,
		Registry:    reg,
		Triggers:    triggerDaemon,
		Bus:         bus,
		Logger:      logger,
		BearerToken: cfg.HTTP.BearerToken,
	}
	router := srv.NewRouter()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if triggerDaemon != nil {
		if err := triggerDaemon.Start(ctx); err != nil {
			log.Fatalf("start trigger daemon: %v", err)
		}
	}

	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: router,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down", map[string]interface{}{})

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		cancel()
		if triggerDaemon != nil {
			triggerDaemon.Stop()
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.Info("imld listening", map[string]interface{}{"address": cfg.HTTP.Address})
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

// submitFunc adapts the executor's plan-submission entry point to the
// trigger daemon's SubmitFunc contract, stamping the plan's chain depth so
// downstream events and the chain-depth guard can see how it was spawned.
func submitFunc(exec *executor.Executor) trigger.SubmitFunc {
	return func(ctx context.Context, plan *iml.Plan, chainDepth int) (string, error) {
		plan.TriggerChainDepth = chainDepth
		state, err := exec.Submit(ctx, plan, executor.NewSessionMemory())
		if err != nil {
			return "", err
		}
		return state.PlanID, nil
	}
}

func buildEventBus(cfg config.EventBusConfig, logger logging.Logger) eventbus.Bus {
	if cfg.Backend == "redis" && cfg.RedisURL != "" {
		bus, err := eventbus.NewRedisBus(cfg.RedisURL, "imld:events", logger)
		if err != nil {
			logger.Warn("redis event bus unavailable, falling back to in-process bus", map[string]interface{}{"error": err.Error()})
			return eventbus.NewMemoryBus(logger)
		}
		return bus
	}
	return eventbus.NewMemoryBus(logger)
}

// buildSecurityPipeline composes the admission scanner chain named in
// cfg.Scanners, in the fixed heuristic -> ml_adapter -> intent_verifier
// order regardless of list order, since each stage is strictly slower and
// more authoritative than the one before it.
func buildSecurityPipeline(cfg config.SecurityConfig, logger logging.Logger) *security.Pipeline {
	enabled := map[string]bool{}
	for _, name := range cfg.Scanners {
		enabled[name] = true
	}

	var scanners []security.Scanner
	if enabled["heuristic"] || len(cfg.Scanners) == 0 {
		scanners = append(scanners, security.HeuristicScanner{})
	}
	if enabled["ml_adapter"] && cfg.MLAdapter.Enabled {
		scanners = append(scanners, security.NewMLAdapterScanner(cfg.MLAdapter.URL, cfg.MLAdapter.Timeout))
	}
	if enabled["intent_verifier"] && cfg.IntentVerifier.Enabled {
		if verifier := buildIntentVerifier(cfg.IntentVerifier, logger); verifier != nil {
			scanners = append(scanners, security.IntentVerifierScanner{Verifier: verifier})
		}
	}
	return security.NewPipeline(scanners...)
}

func buildIntentVerifier(cfg config.IntentVerifierConfig, logger logging.Logger) *intent.Verifier {
	strictness := intent.Lenient
	if cfg.Strict {
		strictness = intent.Strict
	}

	var provider intent.Provider
	switch cfg.Provider {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			logger.Warn("intent verifier disabled: ANTHROPIC_API_KEY not set", map[string]interface{}{})
			return nil
		}
		provider = intent.NewAnthropicProvider(apiKey, cfg.Model)
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			logger.Warn("intent verifier disabled: OPENAI_API_KEY not set", map[string]interface{}{})
			return nil
		}
		provider = intent.NewOpenAIProvider(apiKey, cfg.Model)
	case "ollama":
		provider = intent.NewOllamaProvider(os.Getenv("OLLAMA_URL"), cfg.Model)
	default:
		logger.Warn("intent verifier disabled: unknown provider", map[string]interface{}{"provider": cfg.Provider})
		return nil
	}

	return &intent.Verifier{
		Provider:   provider,
		Strictness: strictness,
		Timeout:    cfg.Timeout,
	}
}

func sandboxPaths() []string {
	if v := os.Getenv("IMLD_SANDBOX_PATHS"); v != "" {
		return []string{v}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{home}
}

func resourceSampler() func(trigger.ResourceMetric) (float64, error) {
	return func(metric trigger.ResourceMetric) (float64, error) {
		return procscan.Sample(string(metric))
	}
}

func processLister() func() (map[string]bool, error) {
	return procscan.List
}
