package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/praybot/internal/agent"
	"github.com/nextlevelbuilder/praybot/internal/approval"
	"github.com/nextlevelbuilder/praybot/internal/bus"
	"github.com/nextlevelbuilder/praybot/internal/channels/discord"
	"github.com/nextlevelbuilder/praybot/internal/config"
	"github.com/nextlevelbuilder/praybot/internal/cron"
	"github.com/nextlevelbuilder/praybot/internal/discovery"
	"github.com/nextlevelbuilder/praybot/internal/gateway"
	"github.com/nextlevelbuilder/praybot/internal/httpapi"
	"github.com/nextlevelbuilder/praybot/internal/monitor"
	"github.com/nextlevelbuilder/praybot/internal/providers/claude"
	"github.com/nextlevelbuilder/praybot/internal/providers/codex"
	"github.com/nextlevelbuilder/praybot/internal/providers/codexapp"
	"github.com/nextlevelbuilder/praybot/internal/store/file"
	"github.com/nextlevelbuilder/praybot/internal/store/sqlite"
	"github.com/nextlevelbuilder/praybot/internal/throttle"
	"github.com/nextlevelbuilder/praybot/internal/tracing"
)

func runHub() {
	// Setup structured logging. OUTPUT_FORMAT=json switches to JSON
	// records for log shippers.
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(os.Getenv("OUTPUT_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	log := slog.Default()

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// No token means the wizard never ran. Redirect instead of crashing
	// into the Discord connect.
	if cfg.Discord.Token == "" {
		fmt.Println("No Discord bot token configured. Run the setup wizard first:")
		fmt.Println()
		fmt.Println("  praybot onboard")
		fmt.Println()
		fmt.Println("or export PRAY_BOT_DISCORD_TOKEN.")
		os.Exit(1)
	}

	stateDir := config.ExpandHome(cfg.StateDir)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		slog.Error("failed to create state dir", "dir", stateDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OpenTelemetry tracing (no-op when disabled)
	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// Event bus: everything observable flows through here and out to
	// websocket subscribers and the lifecycle database.
	events := bus.NewBroker()

	// Stores
	routes, err := sqlite.OpenRouteStore(cfg.RouteDBPath())
	if err != nil {
		slog.Error("failed to open route store", "error", err)
		os.Exit(1)
	}
	defer routes.Close()

	lifecycle, err := sqlite.OpenLifecycleStore(cfg.LifecycleDBPath())
	if err != nil {
		slog.Error("failed to open lifecycle store", "error", err)
		os.Exit(1)
	}
	defer lifecycle.Close()
	events.Subscribe("lifecycle-persist", bus.NewLifecyclePersister(lifecycle))

	// Hook scripts append to lifecycle.jsonl; the tailer folds it into
	// the lifecycle database with offsets stored alongside the rows.
	ingest := sqlite.NewLifecycleIngest(cfg.LifecycleJSONLPath(), lifecycle, 2*time.Second)
	ingest.Start(ctx)
	defer ingest.Stop()

	// Discord
	bot, err := discord.New(discord.Config{
		Token:          cfg.Discord.Token,
		GuildID:        cfg.Discord.GuildID,
		CustomIDPrefix: approval.DefaultCustomIDPrefix,
	}, log)
	if err != nil {
		slog.Error("failed to initialize discord", "error", err)
		os.Exit(1)
	}

	// Throttle queue: every outbound Discord message funnels through it
	queue := throttle.NewQueue(throttleConfig(cfg.Throttle), bot.Execute)
	defer queue.Destroy()

	// Approval broker (agent-side approval requests → Discord prompts)
	broker := approval.NewBroker(bot, events)

	// Agent backends
	manager := agent.NewManager()
	claudeProvider := claude.New()
	claudeProvider.SetBinary(cfg.Providers.Claude.Binary)
	claudeProvider.SetMaxConcurrent(cfg.Providers.Claude.MaxConcurrent)
	manager.RegisterProvider(ctx, claudeProvider)
	manager.RegisterProvider(ctx, codex.New(&codex.ExecStarter{Binary: cfg.Providers.Codex.Binary}))
	codexApp := codexapp.New(codexCallbacks(routes, broker, cfg.Discord.FallbackChannel))
	codexApp.SetCommand(cfg.Providers.Codex.Binary, cfg.Providers.Codex.Args)
	manager.RegisterProvider(ctx, codexApp)
	defer manager.CloseAll()

	// Session monitor
	mon := monitor.New(monitor.Config{
		ClaudeHomes: expandAll(cfg.Monitor.ClaudeHomes),
		CodexHome:   config.ExpandHome(cfg.Monitor.CodexHome),
	}, monitor.NewProcScanner())

	// Channel registry: file wins over the inline map
	var registry *discovery.Registry
	if path := cfg.Discovery.ChannelsFile; path != "" {
		registry, err = discovery.LoadRegistry(config.ExpandHome(path))
		if err != nil {
			slog.Error("failed to load channel registry", "path", path, "error", err)
			os.Exit(1)
		}
		slog.Info("channel registry loaded", "path", path)
	} else {
		registry = discovery.NewRegistry(cfg.Discovery.Channels)
	}

	watchState, err := file.LoadWatchState(cfg.WatchStatePath())
	if err != nil {
		slog.Error("failed to load watch state", "error", err)
		os.Exit(1)
	}

	// Auto-thread discovery
	disc := discovery.New(discovery.Config{
		TargetStates:    targetStates(cfg.Discovery.TargetStates),
		ExcludePrefixes: cfg.Discovery.ExcludePrefixes,
		FallbackChannel: cfg.Discord.FallbackChannel,
		WatchInterval:   parseInterval(cfg.Discovery.WatchInterval, 0),
		InitialEmbed:    true,
	}, discovery.Deps{
		Routes:   routes,
		Queue:    queue,
		Chat:     bot,
		Prompter: bot,
		Registry: registry,
		Watch:    watchState,
		Events:   events,
		Log:      log,
	})
	defer disc.Close()

	// Pre-tool-use gate bridge. Discovery posts the gate prompts, the
	// bridge renders their buttons, so the two meet after construction.
	bridge := approval.NewBridge(disc, events)
	disc.SetGates(bridge)

	// Dispatcher: thread replies → agent turns → thread output
	dispatcher := gateway.NewDispatcher(manager, routes, queue, broker, log)
	defer dispatcher.Close()
	bot.SetInbox(dispatcher)
	bot.SetHandlers(broker, bridge, broker)

	// Cron scheduler
	cronSvc := cron.NewService(cfg.CronStorePath(), events, log)
	cronSvc.RegisterAction(cron.ActionShell, cron.ShellAction())
	cronSvc.RegisterAction(cron.ActionChatMessage, makeChatMessageAction(queue, cfg.Discord.FallbackChannel))
	cronSvc.RegisterAction(cron.ActionAgentPrompt, makeAgentPromptAction(dispatcher))
	if err := cronSvc.Start(ctx); err != nil {
		slog.Warn("cron service failed to start", "error", err)
	}
	defer cronSvc.Stop()

	// HTTP API
	api := httpapi.NewRouter()
	hooks := httpapi.NewHookHandler(mon, disc, bridge)
	hooks.SetRate(cfg.Gateway.HookRatePerSec)
	hooks.RegisterRoutes(api)
	httpapi.NewAdminHandler(mon, cronSvc, dispatcher, broker).RegisterRoutes(api)
	httpapi.NewGateHandler(bridge).RegisterRoutes(api)

	// Monitor refresh pipeline: fsnotify + periodic tick → snapshots →
	// discovery. The watcher runs the first refresh itself.
	mon.OnRefresh(disc.HandleRefresh)
	watcher := monitor.NewWatcher(mon)
	watcher.Interval = parseInterval(cfg.Monitor.RefreshInterval, watcher.Interval)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("transcript watcher stopped", "error", err)
		}
	}()

	// Opt-in: point the codex CLI's notify hook at this hub
	if enabledEnv("PRAY_BOT_ENABLE_CODEX_CONFIG_FIX") {
		maybeFixCodexConfig(config.ExpandHome(cfg.Monitor.CodexHome), hookURL(cfg), log)
	}

	// auto-threads.json mirror: import once, then export on a slow tick.
	// The database stays authoritative.
	autoThreads := file.NewAutoThreads(cfg.AutoThreadsPath())
	importAutoThreads(routes, autoThreads, log)
	go mirrorAutoThreads(ctx, routes, autoThreads, log)

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	// Connect Discord last so every interaction handler is wired
	if err := bot.Start(ctx); err != nil {
		slog.Error("failed to start discord", "error", err)
		os.Exit(1)
	}
	defer bot.Stop(context.Background())

	slog.Info("praybot hub starting",
		"version", Version,
		"host", cfg.Gateway.Host,
		"port", cfg.Gateway.Port,
		"providers", manager.ListProviders(),
		"state_dir", stateDir,
	)

	// Tailscale listener: build the mux first, then hand it over so the
	// same routes are served on both listeners.
	server := gateway.NewServer(gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, events, api, log)
	mux := server.BuildMux()
	tsCleanup, err := gateway.StartTailscale(ctx, gateway.TailscaleOptions{
		Hostname:  cfg.Tailscale.Hostname,
		StateDir:  config.ExpandHome(cfg.Tailscale.StateDir),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}, mux, log)
	if err != nil {
		slog.Warn("tailscale listener unavailable", "error", err)
	} else {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// throttleConfig maps the persisted millisecond tuning knobs onto the
// queue config. Zeros fall through to the queue defaults.
func throttleConfig(tc config.ThrottleConfig) throttle.Config {
	return throttle.Config{
		MergeWindow:     time.Duration(tc.MergeWindowMs) * time.Millisecond,
		ChannelMaxQueue: tc.ChannelMaxQueue,
		ChannelLimit:    tc.ChannelLimit,
		ChannelWindow:   time.Duration(tc.ChannelWindowMs) * time.Millisecond,
		GlobalLimit:     tc.GlobalLimit,
		GlobalWindow:    time.Duration(tc.GlobalWindowMs) * time.Millisecond,
	}
}

func targetStates(names []string) []monitor.State {
	states := make([]monitor.State, 0, len(names))
	for _, n := range names {
		states = append(states, monitor.State(n))
	}
	return states
}

func expandAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, config.ExpandHome(p))
	}
	return out
}

// parseInterval reads a duration like "90s" or "10m"; empty or invalid
// values keep def.
func parseInterval(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid interval, using default", "value", s, "default", def)
		return def
	}
	return d
}

func enabledEnv(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// hookURL is the address hook scripts on this machine should post to.
func hookURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d/api/hook", host, cfg.Gateway.Port)
}
