// Eleanor DFIR server: ingests forensic sources, evaluates detection
// and correlation rules, and drives evidence handling and response
// playbooks.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eleanor-dfir/eleanor/pkg/buffer"
	"github.com/eleanor-dfir/eleanor/pkg/cleanup"
	"github.com/eleanor-dfir/eleanor/pkg/config"
	"github.com/eleanor-dfir/eleanor/pkg/connectors"
	"github.com/eleanor-dfir/eleanor/pkg/correlation"
	"github.com/eleanor-dfir/eleanor/pkg/database"
	"github.com/eleanor-dfir/eleanor/pkg/evidence"
	"github.com/eleanor-dfir/eleanor/pkg/index"
	"github.com/eleanor-dfir/eleanor/pkg/notify"
	"github.com/eleanor-dfir/eleanor/pkg/parsers"
	"github.com/eleanor-dfir/eleanor/pkg/playbook"
	"github.com/eleanor-dfir/eleanor/pkg/processor"
	"github.com/eleanor-dfir/eleanor/pkg/services"
	"github.com/eleanor-dfir/eleanor/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > configured default
func resolvePodID(configured string) string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return configured
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	metricsPort := getEnv("METRICS_PORT", "9090")

	slog.Info("Starting Eleanor",
		"version", version.Full(),
		"metrics_port", metricsPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	podID := resolvePodID(cfg.Processor.PodID)

	// 2. Initialize database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	pool := dbClient.Pool()
	slog.Info("Connected to PostgreSQL database")

	// 3. Connect the event buffer
	buf, err := buffer.NewRedisBuffer(ctx, buffer.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := buf.Close(); err != nil {
			slog.Error("Error closing event buffer", "error", err)
		}
	}()
	slog.Info("Connected to event buffer", "addr", cfg.Redis.Addr)

	// 4. Domain services and rule sync from disk
	alertService := services.NewAlertService(pool)
	ruleService := services.NewRuleService(pool)

	if _, err := services.SyncSimpleRules(ctx, ruleService, cfg.Rules.SimpleDir, slog.Default()); err != nil {
		slog.Error("Failed to sync sigma rules", "error", err)
		os.Exit(1)
	}
	if _, err := services.SyncCorrelationRules(ctx, ruleService, cfg.Rules.CorrelationDir, slog.Default()); err != nil {
		slog.Error("Failed to sync correlation rules", "error", err)
		os.Exit(1)
	}

	// 5. Evidence store
	objectStore, err := evidence.NewFSStore(cfg.Evidence.Root)
	if err != nil {
		slog.Error("Failed to open evidence store", "root", cfg.Evidence.Root, "error", err)
		os.Exit(1)
	}
	evidenceService := evidence.NewService(objectStore, evidence.NewPostgresRepository(pool), slog.Default())
	slog.Info("Evidence store ready", "root", cfg.Evidence.Root)

	// 6. Correlation engine over the persisted state store
	searchIndex := index.NewMemoryIndex()
	corrEngine := correlation.NewEngine(searchIndex, correlation.NewPostgresStateStore(pool), slog.Default())

	// 7. Real-time processor
	registry := prometheus.NewRegistry()
	proc := processor.New(processor.Config{
		PodID:            podID,
		WorkerCount:      cfg.Processor.WorkerCount,
		Group:            cfg.Processor.Group,
		BatchSize:        cfg.Processor.BatchSize,
		RetryMax:         cfg.Processor.RetryMax,
		RecoveryInterval: cfg.Processor.RecoveryInterval,
		RecoveryMinIdle:  cfg.Processor.RecoveryMinIdle,
		CleanupInterval:  cfg.Processor.CleanupInterval,
		BatchInterval:    cfg.Processor.BatchInterval,
	}, buf, ruleService, alertService, corrEngine, searchIndex, registry, slog.Default())

	if err := proc.Start(ctx); err != nil {
		slog.Error("Failed to start processor", "error", err)
		os.Exit(1)
	}

	// 8. Alert fan-out to notification channels
	slackNotifier := notify.NewSlackNotifier(notify.SlackConfig{
		Token:      cfg.Notifications.Slack.Token,
		Channel:    cfg.Notifications.Slack.Channel,
		ConsoleURL: cfg.Notifications.Slack.ConsoleURL,
	})
	var alertNotifiers []notify.Notifier
	if slackNotifier != nil {
		alertNotifiers = append(alertNotifiers, slackNotifier)
	}
	alertDispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		PodID: podID,
		Group: cfg.Notifications.Group,
	}, buf, slog.Default(), alertNotifiers...)
	if err := alertDispatcher.Start(ctx); err != nil {
		slog.Error("Failed to start alert dispatcher", "error", err)
		os.Exit(1)
	}

	// 9. Playbook engine with the built-in action set
	actions := playbook.NewActionRegistry()
	registerBuiltinActions(actions, evidenceService, alertService)
	notifiers := playbook.NewNotifierRegistry()
	if slackNotifier != nil {
		notifiers.Register("slack", func(ctx context.Context, params map[string]any) error {
			msg, _ := params["message"].(string)
			return slackNotifier.PostText(ctx, msg)
		})
	}
	playbookEngine := playbook.NewEngine(
		playbook.NewPostgresStore(pool),
		actions,
		notifiers,
		nil,
		slog.Default(),
	)

	// 10. Retention and approval-expiry loops
	cleanupService := cleanup.NewService(cfg.Retention, cfg.Playbooks, alertService, corrEngine, playbookEngine)
	cleanupService.Start(ctx)

	// 11. Ingestion: parsers, dispatcher, connectors
	parserRegistry := buildParserRegistry()
	dispatcher := parsers.NewDispatcher(parserRegistry, buf, slog.Default())
	manager := connectors.NewManager(dispatcher, slog.Default())
	for _, cc := range cfg.Connectors {
		conn, err := buildConnector(cc)
		if err != nil {
			slog.Error("Failed to build connector", "connector", cc.Name, "error", err)
			os.Exit(1)
		}
		if err := manager.Register(conn); err != nil {
			slog.Error("Failed to register connector", "connector", cc.Name, "error", err)
			os.Exit(1)
		}
	}
	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start connectors", "error", err)
		os.Exit(1)
	}
	slog.Info("Connectors started", "count", len(cfg.Connectors))

	// 12. Metrics and health endpoint (non-blocking)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := database.Health(r.Context(), pool); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := objectStore.HealthCheck(r.Context()); err != nil {
			http.Error(w, "evidence store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: ":" + metricsPort, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Eleanor started successfully",
		"pod_id", podID,
		"workers", cfg.Processor.WorkerCount)

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown: stop producing first, then draining
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	manager.Stop(shutdownCtx)
	slog.Info("Connectors stopped")

	done := make(chan struct{})
	go func() {
		proc.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Processor stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Processor shutdown timeout exceeded, pending messages will be claim-recovered")
	}

	alertDispatcher.Stop()
	cleanupService.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := metricsServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// buildParserRegistry registers every built-in parser.
func buildParserRegistry() *parsers.Registry {
	registry := parsers.NewRegistry()
	for _, p := range []parsers.Parser{
		parsers.NewCEFParser(),
		parsers.NewCrowdStrikeFDRParser(),
		parsers.NewSuricataParser(),
		parsers.NewZeekParser(),
		parsers.NewAccessLogParser(),
		parsers.NewOsqueryParser(),
		parsers.NewVolatilityParser(),
		parsers.NewBrowserHistoryParser(),
	} {
		if err := registry.Register(p); err != nil {
			slog.Error("Failed to register parser", "parser", p.Name(), "error", err)
			os.Exit(1)
		}
	}
	return registry
}
