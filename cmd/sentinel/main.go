// Package main is the entry point for the sentinel agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/sentinel-agent/internal/buildinfo"
	"github.com/nugget/sentinel-agent/internal/config"
	"github.com/nugget/sentinel-agent/internal/connwatch"
	"github.com/nugget/sentinel-agent/internal/contacts"
	"github.com/nugget/sentinel-agent/internal/core"
	"github.com/nugget/sentinel-agent/internal/correction"
	"github.com/nugget/sentinel-agent/internal/daemon"
	"github.com/nugget/sentinel-agent/internal/devmonitor"
	"github.com/nugget/sentinel-agent/internal/embeddings"
	"github.com/nugget/sentinel-agent/internal/ethics"
	"github.com/nugget/sentinel-agent/internal/events"
	"github.com/nugget/sentinel-agent/internal/evaluation"
	"github.com/nugget/sentinel-agent/internal/fetch"
	"github.com/nugget/sentinel-agent/internal/memory"
	"github.com/nugget/sentinel-agent/internal/metawareness"
	"github.com/nugget/sentinel-agent/internal/model"
	"github.com/nugget/sentinel-agent/internal/periodic"
	"github.com/nugget/sentinel-agent/internal/persona"
	"github.com/nugget/sentinel-agent/internal/search"
	"github.com/nugget/sentinel-agent/internal/security"
	"github.com/nugget/sentinel-agent/internal/selfimprovement"
	signalcli "github.com/nugget/sentinel-agent/internal/signal"
	"github.com/nugget/sentinel-agent/internal/transport"
	"github.com/nugget/sentinel-agent/internal/usage"
	"github.com/nugget/sentinel-agent/internal/vectorstore"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	fs := flag.NewFlagSet("sentinel", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	pidFile := fs.String("pidfile", "", "override daemon.pid_file")
	logFile := fs.String("logfile", "", "path for detached daemon stdout/stderr (used by start)")
	platform := fs.String("platform", "", "override transport.platform (console, signal, telegram)")
	dashboard := fs.Bool("dashboard", false, "accepted for CLI compatibility; a web dashboard is out of scope")
	dashboardPort := fs.Int("dashboard-port", 0, "accepted for CLI compatibility; a web dashboard is out of scope")
	fs.Parse(os.Args[1:])
	_ = dashboard
	_ = dashboardPort

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if fs.NArg() == 0 {
		printUsage(fs)
		return
	}

	switch fs.Arg(0) {
	case "start":
		runStart(logger, *configPath, *pidFile, *logFile, *platform)
	case "stop":
		runStop(logger, *configPath, *pidFile)
	case "restart":
		runRestart(logger, *configPath, *pidFile, *logFile, *platform)
	case "status":
		runStatus(logger, *configPath, *pidFile)
	case "foreground":
		runForeground(logger, *configPath, *platform)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", fs.Arg(0))
		os.Exit(1)
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Println("sentinel - cognitive runtime core for a long-running conversational agent")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start        Start the agent detached, as a background daemon")
	fmt.Println("  stop         Stop a running daemon")
	fmt.Println("  restart      Stop then start the daemon")
	fmt.Println("  status       Report whether the daemon is running")
	fmt.Println("  foreground   Run the agent attached to the current terminal")
	fmt.Println("  version      Show version")
	fmt.Println()
	fmt.Println("Flags:")
	fs.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath, pidFileOverride, platformOverride string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if pidFileOverride != "" {
		cfg.Daemon.PIDFile = pidFileOverride
	}
	if platformOverride != "" {
		cfg.Transport.Platform = platformOverride
	}
	logger.Info("config loaded", "path", cfgPath)
	return cfg
}

func runStart(logger *slog.Logger, configPath, pidFile, logFile, platform string) {
	cfg := loadConfig(logger, configPath, pidFile, platform)

	d := daemon.New(daemon.Config{PIDFile: cfg.Daemon.PIDFile, GracefulTimeout: cfg.Daemon.GracefulTimeout})

	binary, err := os.Executable()
	if err != nil {
		logger.Error("resolve executable path", "error", err)
		os.Exit(1)
	}

	logPath := logFile
	if logPath == "" {
		logPath = cfg.DataDir + "/sentinel.log"
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	// Flags go before the subcommand: flag parsing stops at the first
	// non-flag argument, so a --config after "foreground" would be ignored.
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	args = append(args, "foreground")
	pid, err := d.Start(binary, args, os.Environ(), logPath)
	if err != nil {
		logger.Error("start daemon", "error", err)
		os.Exit(1)
	}
	logger.Info("daemon started", "pid", pid, "logfile", logPath)
}

func runRestart(logger *slog.Logger, configPath, pidFile, logFile, platform string) {
	cfg := loadConfig(logger, configPath, pidFile, platform)
	d := daemon.New(daemon.Config{PIDFile: cfg.Daemon.PIDFile, GracefulTimeout: cfg.Daemon.GracefulTimeout})

	binary, err := os.Executable()
	if err != nil {
		logger.Error("resolve executable path", "error", err)
		os.Exit(1)
	}
	logPath := logFile
	if logPath == "" {
		logPath = cfg.DataDir + "/sentinel.log"
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	args = append(args, "foreground")
	pid, err := d.Restart(context.Background(), binary, args, os.Environ(), logPath)
	if err != nil {
		logger.Error("restart daemon", "error", err)
		os.Exit(1)
	}
	logger.Info("daemon restarted", "pid", pid, "logfile", logPath)
}

func runStop(logger *slog.Logger, configPath, pidFile string) {
	cfg := loadConfig(logger, configPath, pidFile, "")
	d := daemon.New(daemon.Config{PIDFile: cfg.Daemon.PIDFile, GracefulTimeout: cfg.Daemon.GracefulTimeout})
	if err := d.Stop(context.Background()); err != nil {
		logger.Error("stop daemon", "error", err)
		os.Exit(1)
	}
	logger.Info("daemon stopped")
}

func runStatus(logger *slog.Logger, configPath, pidFile string) {
	cfg := loadConfig(logger, configPath, pidFile, "")
	d := daemon.New(daemon.Config{PIDFile: cfg.Daemon.PIDFile, GracefulTimeout: cfg.Daemon.GracefulTimeout})
	status := d.Status()
	if !status.Running {
		fmt.Println("not running")
		return
	}
	fmt.Printf("running, pid %d\n", status.PID)
}

// runForeground builds every component and runs the Agent Loop until
// a shutdown signal arrives. This is what "start" re-execs into
// detached, and what an operator runs directly for local development.
func runForeground(logger *slog.Logger, configPath, platform string) {
	logger.Info("starting sentinel", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg := loadConfig(logger, configPath, "", platform)

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	bus := events.New()

	modelClient := buildModelClient(cfg, logger)

	mem := buildMemoryStore(cfg, logger)

	connWatch := buildConnWatch(cfg, logger, bus)
	defer connWatch.Stop()

	contactsDir, err := contacts.NewDirectory(filepath.Join(cfg.DataDir, "contacts.db"))
	if err != nil {
		logger.Error("build contacts directory", "error", err)
		os.Exit(1)
	}
	defer contactsDir.Close()

	personaStore, err := persona.New(persona.Config{
		SnapshotPath:     cfg.Persona.SnapshotPath,
		AutosaveInterval: cfg.Persona.AutosaveInterval,
		ChangesThreshold: cfg.Persona.ChangesThreshold,
	}, logger)
	if err != nil {
		logger.Error("build persona store", "error", err)
		os.Exit(1)
	}

	securityGate, err := security.New(security.Config{
		MaxConsecutiveRequests: cfg.Security.MaxConsecutiveRequests,
		RateWindow:             cfg.Security.RateWindow,
		SecurityAlertThreshold: cfg.Security.SecurityAlertThreshold,
		SecurityLockoutTime:    cfg.Security.SecurityLockoutTime,
		InputLengthLimit:       cfg.Security.InputLengthLimit,
		SuspiciousPatterns:     cfg.Security.SuspiciousPatterns,
		HourlyAPIBudget:        cfg.Security.HourlyAPIBudget,
		CleanupInterval:        cfg.Security.CleanupInterval,
	})
	if err != nil {
		logger.Error("build security gate", "error", err)
		os.Exit(1)
	}

	ethicsFramework := ethics.New(ethics.Config{
		EthicalPass:        cfg.Ethics.EthicalPass,
		ModerateViolation:  cfg.Ethics.ModerateViolation,
		MaxRewriteAttempts: cfg.Ethics.MaxRewriteAttempts,
		SafeFallbackText:   cfg.Ethics.SafeFallbackText,
	}, modelClient, logger)

	corrector := correction.New(correction.Config{
		MaxCorrectionAttempts: cfg.Correction.MaxCorrectionAttempts,
		CorrectionThreshold:   cfg.Correction.CorrectionThreshold,
		CheckpointDir:         cfg.Correction.CheckpointDir,
	}, ethicsFramework, logger)

	// Snapshot the freshly loaded model as the initial known-good
	// checkpoint so an anomaly before the first passing evaluation or
	// applied improvement still has somewhere real to roll back to.
	if _, err := corrector.MarkStable(modelClient); err != nil {
		logger.Warn("could not mark initial stable checkpoint", "error", err)
	}

	meta := metawareness.New(metawareness.Config{
		ReflectionFrequency: cfg.Metawareness.ReflectionFrequency,
		ReflectionDepth:     cfg.Metawareness.ReflectionDepth,
	}, mem, modelClient, personaStore, logger)

	evaluator := evaluation.New(evaluation.Config{
		Criteria:            cfg.Evaluation.Criteria,
		Scale:               cfg.Evaluation.Scale,
		Threshold:           cfg.Evaluation.Threshold,
		EvaluationFrequency: cfg.Evaluation.EvaluationFrequency,
	}, modelClient, logger, 0)

	validator := evaluation.NewValidator(evaluation.ValidationConfig{
		MetricThresholds: cfg.Validation.MetricThresholds,
	}, modelClient, evaluation.DefaultJudge(modelClient, keys(cfg.Validation.MetricThresholds), cfg.Evaluation.Scale), logger)

	monitor, err := devmonitor.New(devmonitor.Config{
		RecordHistoryLength: cfg.DevMonitor.RecordHistoryLength,
		AlertHistoryLength:  cfg.DevMonitor.AlertHistoryLength,
		AlertThresholds:     cfg.DevMonitor.AlertThresholds,
	}, cfg.DevMonitor.DBPath, bus)
	if err != nil {
		logger.Error("build devmonitor", "error", err)
		os.Exit(1)
	}
	defer monitor.Close()

	usageStore, err := usage.NewStore(cfg.Usage.DBPath)
	if err != nil {
		logger.Error("build usage store", "error", err)
		os.Exit(1)
	}
	defer usageStore.Close()

	improveQ := selfimprovement.NewQueue(cfg.SelfImprovement.HistoryPath)

	searchMgr := buildSearchManager(cfg, logger)
	fetcher := fetch.New()

	tr := buildTransport(cfg, logger)
	defer tr.Close()

	activeUsers := func(ctx context.Context) ([]string, error) {
		return contactsDir.Active(time.Now(), 24*time.Hour)
	}

	periodicRunner := periodic.New(periodic.Config{
		DefaultTopics:             cfg.Periodic.DefaultTopics,
		InitProbability:           cfg.Periodic.InitProbability,
		MinTimeBetweenInitiations: cfg.Periodic.MinTimeBetweenInitiations,
		MaxDailyInitiations:       cfg.Periodic.MaxDailyInitiations,
		ImprovementRunInterval:    cfg.Periodic.ImprovementRunInterval,
		DevMonitorInterval:        cfg.Periodic.DevMonitorInterval,
		EthicalReflectionInterval: cfg.Periodic.EthicalReflectionInterval,
		DiscoveryBatchMin:         cfg.Periodic.DiscoveryBatchMin,
		DiscoveryBatchMax:         cfg.Periodic.DiscoveryBatchMax,
		DiscoveryCap:              cfg.Periodic.DiscoveryCap,
	}, periodic.Deps{
		Client:      modelClient,
		Logger:      logger,
		Persona:     personaStore,
		Meta:        meta,
		Evaluator:   evaluator,
		Validator:   validator,
		Monitor:     monitor,
		ImproveQ:    improveQ,
		Corrector:   corrector,
		Ethics:      ethicsFramework,
		Search:      searchMgr,
		Fetcher:     fetcher,
		Transport:   tr,
		ActiveUsers: activeUsers,
	})

	loop := buildLoop(cfg, logger, mem, tr, modelClient, personaStore, securityGate, ethicsFramework, corrector, meta, usageStore, contactsDir)

	probeProfile := model.DefaultProfile()
	periodicHook := func(ctx context.Context, now time.Time) {
		if _, err := periodicRunner.Explore(ctx, now); err != nil {
			logger.Warn("periodic explore failed", "error", err)
		}
		if _, err := periodicRunner.MaybeInitiate(ctx, now); err != nil {
			logger.Warn("periodic initiate failed", "error", err)
		}
		if _, err := periodicRunner.PersonaAutosaveCheck(now); err != nil {
			logger.Warn("persona autosave failed", "error", err)
		}
		if _, err := periodicRunner.ProcessRecentDiscoveries(ctx); err != nil {
			logger.Warn("process discoveries failed", "error", err)
		}
		cases := []evaluation.TestCase{
			{Name: "helpfulness-probe", Prompt: "Summarize what you have learned recently."},
		}
		if _, err := periodicRunner.RunExternalEvaluation(ctx, cases, now); err != nil {
			logger.Warn("external evaluation failed", "error", err)
		}
		if _, err := periodicRunner.RunImprovementExperiment(ctx, &probeProfile, "Describe your current approach to helping users.",
			defaultMetricCollector(modelClient, cfg.Validation.MetricThresholds), cfg.Evaluation.Threshold, now); err != nil {
			logger.Warn("improvement experiment failed", "error", err)
		}
		collect := func(ctx context.Context) (map[string]float64, error) {
			return defaultMetricCollector(modelClient, cfg.Validation.MetricThresholds)(ctx, "self-check", keys(cfg.Validation.MetricThresholds))
		}
		scenarios := []evaluation.Scenario{{Name: "anomaly-check", Prompt: "How would you handle a user asking for something unsafe?"}}
		if _, err := periodicRunner.DevMonitorCycle(ctx, collect, scenarios, modelClient, now); err != nil {
			logger.Warn("devmonitor cycle failed", "error", err)
		}
		reflection, err := periodicRunner.EthicalInsightSynthesis(ctx, mem.GetConversationContext(), now)
		if err != nil {
			logger.Warn("ethical insight synthesis failed", "error", err)
		} else if reflection != nil {
			if _, err := mem.StoreReflection(ctx, reflection.Text, reflection.CreatedAt); err != nil {
				logger.Warn("store ethical reflection failed", "error", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		loop.Stop()
		cancel()
	}()

	bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceAgent, Kind: events.KindRequestStart, Data: map[string]any{"phase": "startup"}})

	if err := loop.Run(ctx, periodicHook); err != nil && ctx.Err() == nil {
		logger.Error("agent loop failed", "error", err)
		os.Exit(1)
	}

	logger.Info("sentinel stopped")
}

func keys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// defaultMetricCollector asks the Model to self-score a probe response
// against each metric name, tolerating a malformed reply by falling
// back to that metric's configured threshold rather than aborting the
// whole collection round.
func defaultMetricCollector(client model.Client, thresholds map[string]float64) selfimprovement.MetricCollector {
	return func(ctx context.Context, probeResponse string, metrics []string) (map[string]float64, error) {
		out := make(map[string]float64, len(metrics))
		for _, m := range metrics {
			prompt := fmt.Sprintf("On a scale of 0 to 1, score this response for %q. Reply with only the number.\n\n%s", m, probeResponse)
			raw, err := client.Generate(ctx, prompt, model.DefaultProfile())
			if err != nil {
				return nil, fmt.Errorf("collect metric %q: %w", m, err)
			}
			score, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				score = thresholds[m]
			}
			out[m] = score
		}
		return out, nil
	}
}

func buildModelClient(cfg *config.Config, logger *slog.Logger) model.Client {
	if cfg.Model.Provider == "anthropic" {
		return model.NewAnthropicClient(cfg.Model.APIKey, cfg.Model.Name, logger)
	}
	return model.NewOllamaClient(cfg.Model.OllamaURL, cfg.Model.Name, logger)
}

func buildMemoryStore(cfg *config.Config, logger *slog.Logger) *memory.Store {
	embedder := embeddings.New(embeddings.Config{BaseURL: cfg.Embeddings.BaseURL, Model: cfg.Embeddings.Model})

	var interactions, reflections vectorstore.Collection
	if cfg.Memory.Backend == "qdrant" {
		var err error
		interactions, err = vectorstore.NewQdrantCollection(context.Background(), cfg.Memory.QdrantDSN, "interactions", cfg.Memory.QdrantDimension)
		if err != nil {
			logger.Error("build qdrant interactions collection", "error", err)
			os.Exit(1)
		}
		reflections, err = vectorstore.NewQdrantCollection(context.Background(), cfg.Memory.QdrantDSN, "reflections", cfg.Memory.QdrantDimension)
		if err != nil {
			logger.Error("build qdrant reflections collection", "error", err)
			os.Exit(1)
		}
	} else {
		var err error
		interactions, err = vectorstore.NewMemStore(cfg.DataDir+"/interactions.db", "interactions")
		if err != nil {
			logger.Error("build memstore interactions collection", "error", err)
			os.Exit(1)
		}
		reflections, err = vectorstore.NewMemStore(cfg.DataDir+"/reflections.db", "reflections")
		if err != nil {
			logger.Error("build memstore reflections collection", "error", err)
			os.Exit(1)
		}
	}

	return memory.New(interactions, reflections, embedder, memory.Config{
		ConversationQueueSize: cfg.Memory.ConversationQueueSize,
	})
}

func buildSearchManager(cfg *config.Config, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Search.Primary)
	if cfg.Search.BraveAPIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.BraveAPIKey))
	}
	if cfg.Search.SearXNGBaseURL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNGBaseURL))
	}
	return mgr
}

// buildConnWatch registers a background health watcher for every
// network-backed dependency the config names, publishing state
// transitions to the event bus so a future operator surface (or the
// dev monitor) can observe backend outages without polling the agent.
func buildConnWatch(cfg *config.Config, logger *slog.Logger, bus *events.Bus) *connwatch.Manager {
	mgr := connwatch.NewManager(logger)
	ctx := context.Background()

	if cfg.Model.Provider == "ollama" {
		url := cfg.Model.OllamaURL
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "ollama",
			Probe: httpReachable(url),
			OnDown: func(err error) {
				bus.Publish(events.Event{Source: events.SourceSystem, Kind: events.KindBackendDown, Data: map[string]any{"backend": "ollama", "error": err.Error()}})
			},
			OnReady: func() {
				bus.Publish(events.Event{Source: events.SourceSystem, Kind: events.KindBackendUp, Data: map[string]any{"backend": "ollama"}})
			},
		})
	}

	if cfg.Memory.Backend == "qdrant" && cfg.Memory.QdrantDSN != "" {
		dsn := cfg.Memory.QdrantDSN
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "qdrant",
			Probe: tcpReachable(dsn),
			OnDown: func(err error) {
				bus.Publish(events.Event{Source: events.SourceSystem, Kind: events.KindBackendDown, Data: map[string]any{"backend": "qdrant", "error": err.Error()}})
			},
			OnReady: func() {
				bus.Publish(events.Event{Source: events.SourceSystem, Kind: events.KindBackendUp, Data: map[string]any{"backend": "qdrant"}})
			},
		})
	}

	return mgr
}

// httpReachable builds a ProbeFunc that treats any HTTP response
// (including 4xx/5xx) as reachability — a down connection is a dial
// failure or timeout, not an application-level status code.
func httpReachable(baseURL string) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

// tcpReachable builds a ProbeFunc that dials the host:port portion of
// dsn. dsn may carry a scheme (e.g. "http://host:6334" or "host:6334").
func tcpReachable(dsn string) connwatch.ProbeFunc {
	host := dsn
	if u, err := url.Parse(dsn); err == nil && u.Host != "" {
		host = u.Host
	}
	return func(ctx context.Context) error {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

func buildTransport(cfg *config.Config, logger *slog.Logger) transport.Transport {
	switch cfg.Transport.Platform {
	case "telegram":
		return transport.NewTelegram(cfg.Transport.TelegramToken, logger)
	case "signal":
		client := signalcli.NewClient(cfg.Transport.SignalCommand, []string{"--account", cfg.Transport.SignalAccount, "jsonRpc"}, logger)
		return transport.NewSignalCLI(client, logger)
	default:
		return transport.NewConsole("operator")
	}
}

func buildLoop(cfg *config.Config, logger *slog.Logger, mem *memory.Store, tr transport.Transport, modelClient model.Client,
	personaStore *persona.Store, securityGate *security.Gate, ethicsFramework *ethics.Framework, corrector *correction.Corrector, meta *metawareness.Tracker,
	usageStore *usage.Store, contactsDir *contacts.Directory) *core.Loop {

	pipeline := core.NewPipeline(core.PipelineConfig{
		SecurityRefusalText: cfg.Ethics.SafeFallbackText,
	}, core.PipelineDeps{
		Client:     modelClient,
		Memory:     mem,
		Persona:    personaStore,
		Security:   securityGate,
		Ethics:     ethicsFramework,
		Correction: corrector,
		Meta:       meta,
		Logger:     logger,
		Usage:      usageStore,
		ModelName:  cfg.Model.Name,
		Pricing:    cfg.Usage.Pricing,
		Contacts:   contactsDir,
	})

	return core.NewLoop(core.LoopConfig{
		TickInterval:  cfg.Periodic.TickInterval,
		PeriodicEvery: cfg.Periodic.PeriodicEvery,
	}, core.LoopDeps{
		Pipeline:  pipeline,
		Memory:    mem,
		Transport: tr,
		Logger:    logger,
	})
}
