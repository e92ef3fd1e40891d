package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/aide/internal/agent"
	"github.com/nugget/aide/internal/auth"
	"github.com/nugget/aide/internal/buildinfo"
	"github.com/nugget/aide/internal/calendar"
	"github.com/nugget/aide/internal/config"
	"github.com/nugget/aide/internal/connwatch"
	"github.com/nugget/aide/internal/conversation"
	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/kv"
	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/mcp"
	"github.com/nugget/aide/internal/mqtt"
	"github.com/nugget/aide/internal/retry"
	"github.com/nugget/aide/internal/scheduler"
	"github.com/nugget/aide/internal/summarizer"
	"github.com/nugget/aide/internal/summary"
	"github.com/nugget/aide/internal/telegram"
	"github.com/nugget/aide/internal/timezone"
	"github.com/nugget/aide/internal/tools"
	"github.com/nugget/aide/internal/transcribe"
	"github.com/nugget/aide/internal/usage"
	"github.com/nugget/aide/internal/watcher"
	"github.com/nugget/aide/internal/web"
	"github.com/nugget/aide/internal/wizard"
)

// runServe wires every component and blocks until a shutdown signal
// arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The Telegram bridge stops polling and finishes in-flight updates
//  3. The scheduler, watcher, summary group service and summarizer
//     are stopped
//  4. MQTT publishes "offline" and the HTTP server drains
//  5. The health monitor, MCP connections and the key-value store are
//     closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting aide", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", cfgPath, err)
	}

	// Everything after this point uses the configured level and format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"store", cfg.Store.Backend,
		"model", cfg.LLM.Model,
		"llm_url", cfg.LLM.BaseURL,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Key-value store ---
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.New()

	// --- LLM ---
	retryExec := retry.New(retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Retry.MaxDelaySec) * time.Second,
		RateLimitDelay: time.Duration(cfg.Retry.RateLimitDelaySec) * time.Second,
	}, logger)
	ledger := usage.NewLedger(store, cfg.LLM.Pricing, cfg.Usage.Retention(), logger)
	llmClient := usage.NewMeter(
		llm.WithRetry(llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout(), logger), retryExec),
		ledger, logger)

	// --- Tools ---
	registry := tools.NewRegistry()
	servers, err := bridgeMCPServers(ctx, cfg.MCP.Servers, registry, logger)
	defer func() {
		for _, srv := range servers {
			_ = srv.client.Close()
		}
	}()
	if err != nil {
		return err
	}

	// --- Dependency health ---
	monitor := connwatch.NewMonitor(connwatch.DefaultBackoff(), bus, logger)
	defer monitor.Stop()
	if err := monitor.Watch(ctx, connwatch.Service{Name: "store", Probe: store.Ping}); err != nil {
		return err
	}
	for _, srv := range servers {
		if err := monitor.Watch(ctx, srv.service(registry, logger)); err != nil {
			return err
		}
	}

	history := conversation.NewStore(store, conversation.Config{
		MaxMessages: cfg.Conversation.MaxMessages,
		TTL:         time.Duration(cfg.Conversation.TTLSec) * time.Second,
	}, logger)

	loop := agent.New(llmClient, history, registry, bus, agent.Config{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Markdown:    cfg.Telegram.ParseMode == "html",
	}, logger)

	timezones := timezone.NewStore(store)
	cal := calendar.New(registry, calendar.Config{Tag: cfg.Scheduler.ReminderTag}, logger)

	// --- Google sign-in ---
	var authProvider *auth.Provider
	if cfg.Google.Configured() {
		authProvider = auth.New(auth.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			Scopes:       cfg.Google.Scopes,
		}, store, bus, logger)
		logger.Info("google sign-in enabled", "redirect_url", cfg.Google.RedirectURL)
	} else {
		logger.Info("google sign-in disabled (not configured)")
	}

	// The bridge is built last; reminders and watchers deliver through
	// it once it exists.
	var bridge *telegram.Bridge
	sendMarkdown := func(ctx context.Context, owner int64, text string) error {
		return bridge.Send(ctx, owner, text)
	}
	sendPlain := func(ctx context.Context, owner int64, text string) error {
		return bridge.SendPlain(ctx, owner, text)
	}

	// --- Reminders ---
	schedOpts := []scheduler.Option{
		scheduler.WithTimezones(timezones),
		scheduler.WithBus(bus),
	}
	if len(servers) > 0 {
		schedOpts = append(schedOpts, scheduler.WithCalendar(cal))
	}
	if authProvider != nil {
		schedOpts = append(schedOpts, scheduler.WithAuthorizer(authProvider))
	}
	sched := scheduler.New(scheduler.NewStore(store), scheduler.Deliver(respondWith(loop), sendMarkdown), scheduler.Config{
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
		ReconcileHour:   cfg.Scheduler.ReconcileHour,
		ReconcileMinute: cfg.Scheduler.ReconcileMinute,
		ConfirmTTL:      time.Duration(cfg.Scheduler.ConfirmTTLSec) * time.Second,
		FireTimeout:     time.Duration(cfg.Scheduler.FireTimeoutSec) * time.Second,
		ReminderTag:     cfg.Scheduler.ReminderTag,
	}, logger, schedOpts...)
	if err := sched.RegisterTools(registry); err != nil {
		return fmt.Errorf("register reminder tools: %w", err)
	}

	// --- Watchers and summary groups ---
	chats := watcher.NewRemoteSource(registry, "fetch_new_chat_messages")
	watchers := watcher.New(
		watcher.NewStore(store),
		chats,
		llmClient,
		sendPlain,
		bus,
		watcher.Config{
			TickInterval:    time.Duration(cfg.Watcher.TickSec) * time.Second,
			DefaultInterval: time.Duration(cfg.Watcher.DefaultIntervalSec) * time.Second,
			MaxBatchChars:   cfg.Watcher.BatchChars,
			Model:           cfg.LLM.Model,
		},
		logger,
	)
	if err := watchers.RegisterTools(registry); err != nil {
		return fmt.Errorf("register watcher tools: %w", err)
	}
	digests := summary.New(summary.NewStore(store), chats, llmClient, sendPlain, bus, summary.Config{
		TickInterval:    time.Duration(cfg.Summaries.TickSec) * time.Second,
		DefaultInterval: time.Duration(cfg.Summaries.DefaultIntervalHours) * time.Hour,
		MaxChunkChars:   cfg.Summaries.ChunkChars,
		Model:           cfg.LLM.Model,
		Timeout:         time.Duration(cfg.Summaries.TimeoutSec) * time.Second,
	}, logger)
	logger.Info("tools registered", "count", len(registry.Names()), "mcp_servers", len(servers))

	compactor := summarizer.New(store, history, llmClient, bus, logger, summarizer.Config{
		Model:       cfg.LLM.Model,
		MaxMessages: cfg.Summarizer.MaxMessages,
		MaxChars:    cfg.Summarizer.MaxChars,
		Temperature: cfg.Summarizer.Temperature,
		MaxTokens:   cfg.Summarizer.MaxTokens,
		Timeout:     time.Duration(cfg.Summarizer.TimeoutSec) * time.Second,
	})

	dialogs := wizard.New(store, 10*time.Minute, logger, wizard.WatchFlow(), wizard.SummaryFlow())

	// --- Telegram ---
	tgClient := telegram.NewClient(telegram.ClientConfig{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
	}, logger)

	bridgeCfg := telegram.BridgeConfig{
		Client:       tgClient,
		Runner:       loop,
		Logger:       logger,
		Bus:          bus,
		History:      history,
		Reminders:    sched,
		Watchers:     watchers,
		Summaries:    digests,
		Dialogs:      dialogs,
		Timezones:    timezones,
		Transcriber:  newTranscriber(cfg, logger),
		Usage:        ledger,
		QRCode:       auth.QRCode,
		AllowedUsers: cfg.Telegram.AllowedUsers,
		UserRetries:  cfg.Retry.UserRetries,
		TurnTimeout:  time.Duration(cfg.Conversation.TurnTimeoutSec) * time.Second,
		HTML:         cfg.Telegram.ParseMode == "html",
	}
	if len(servers) > 0 {
		bridgeCfg.TimezoneSource = cal
	}
	if authProvider != nil {
		bridgeCfg.Auth = authProvider
	}
	bridge = telegram.NewBridge(bridgeCfg)

	// --- Stats ---
	statsFunc := func() map[string]any {
		stats := sched.Stats()
		stats["bus_subscribers"] = bus.Subscribers()
		stats["bus_dropped"] = bus.Dropped()
		statsCtx, statsCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer statsCancel()
		if today, err := ledger.Today(statsCtx); err == nil {
			stats["usage_today"] = today.Total
		}
		return stats
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(ctx, store)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, bus, statsFunc, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"instance_id", instanceID,
			"topic_prefix", cfg.MQTT.TopicPrefix,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Background workers ---
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	watchers.Start(ctx)
	digests.Start(ctx)
	if err := compactor.Start(ctx); err != nil {
		sched.Stop()
		watchers.Stop()
		digests.Stop()
		return fmt.Errorf("start summarizer: %w", err)
	}

	// --- HTTP ---
	if mqttPub != nil {
		if err := monitor.Watch(ctx, connwatch.Service{Name: "mqtt", Probe: mqttPub.AwaitConnection}); err != nil {
			return err
		}
	}
	checks := monitor.Checks()
	webCfg := web.Config{
		Checks:    checks,
		StatsFunc: statsFunc,
		Notify:    sendPlain,
		Logger:    logger,
	}
	if authProvider != nil {
		webCfg.Auth = authProvider
	}
	server := web.New(webCfg)
	addr := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	httpErr := make(chan error, 1)
	go func() { httpErr <- server.Start(ctx, addr) }()

	// The bridge blocks until ctx is cancelled.
	bridgeDone := make(chan struct{})
	go func() {
		bridge.Start(ctx)
		close(bridgeDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
		cancel()
	}

	<-bridgeDone
	sched.Stop()
	watchers.Stop()
	digests.Stop()
	compactor.Stop()

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		offlineCancel()
	}

	select {
	case err := <-httpErr:
		if err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
	case <-time.After(10 * time.Second):
		logger.Warn("http server did not stop in time")
	}

	logger.Info("aide stopped")
	return nil
}

// openStore connects the configured key-value backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		s, err := kv.NewSQLite(cfg.Store.SQLitePath, time.Duration(cfg.Store.SweepSec)*time.Second, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("sqlite store opened", "path", cfg.Store.SQLitePath)
		return s, nil
	default:
		s, err := kv.NewRedis(ctx, cfg.Store.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("redis store connected")
		return s, nil
	}
}

// mcpServer is one configured tool server. bridged flips once its
// tools are in the registry.
type mcpServer struct {
	cfg     config.MCPServerConfig
	client  *mcp.Client
	timeout time.Duration
	bridged atomic.Bool
}

// bridge initializes the session and registers the server's tools.
func (s *mcpServer) bridge(ctx context.Context, registry *tools.Registry, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Initialize(ctx); err != nil {
		return err
	}
	n, err := mcp.BridgeTools(ctx, s.client, registry, s.cfg.Include, s.cfg.Exclude, s.timeout, logger)
	if err != nil {
		return err
	}
	s.bridged.Store(true)
	logger.Info("mcp server bridged", "server", s.cfg.Name, "tools", n)
	return nil
}

// service watches the server. One that was down at startup is
// bridged the first time it answers.
func (s *mcpServer) service(registry *tools.Registry, logger *slog.Logger) connwatch.Service {
	return connwatch.Service{
		Name: "mcp:" + s.cfg.Name,
		Probe: func(ctx context.Context) error {
			if !s.bridged.Load() {
				return s.client.Initialize(ctx)
			}
			return s.client.Ping(ctx)
		},
		OnReady: func(ctx context.Context) {
			if s.bridged.Load() {
				return
			}
			if err := s.bridge(ctx, registry, logger); err != nil {
				logger.Error("late mcp bridge failed", "server", s.cfg.Name, "error", err)
			}
		},
	}
}

// bridgeMCPServers connects each configured MCP server and registers
// its tools. A server that is down at startup leaves its tools
// unavailable until the health monitor sees it come up. A tool name
// collision is a configuration error.
func bridgeMCPServers(ctx context.Context, cfgs []config.MCPServerConfig, registry *tools.Registry, logger *slog.Logger) ([]*mcpServer, error) {
	var servers []*mcpServer
	for _, c := range cfgs {
		timeout := time.Duration(c.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		srv := &mcpServer{
			cfg:     c,
			timeout: timeout,
			client: mcp.NewClient(c.Name, mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:     c.URL,
				Headers: c.Headers,
				Logger:  logger,
			}), logger),
		}
		servers = append(servers, srv)

		err := srv.bridge(ctx, registry, logger)
		var collision *tools.ErrNameCollision
		if errors.As(err, &collision) {
			return servers, fmt.Errorf("mcp server %s: %w", c.Name, err)
		}
		if err != nil {
			logger.Error("mcp server unavailable", "server", c.Name, "url", c.URL, "error", err)
		}
	}
	return servers, nil
}

// respondWith adapts the agent loop to the scheduler's delivery hook:
// a fired reminder is one ordinary turn with the reminder text as the
// user message.
func respondWith(loop *agent.Loop) func(ctx context.Context, owner int64, prompt, tz string) (string, error) {
	return func(ctx context.Context, owner int64, prompt, tz string) (string, error) {
		reply, err := loop.Run(ctx, agent.Request{Owner: owner, Text: prompt, Timezone: tz})
		if err != nil {
			return "", err
		}
		return reply.Text, nil
	}
}

// newTranscriber builds the voice client. Without its own endpoint it
// reuses the LLM provider's base URL and key.
func newTranscriber(cfg *config.Config, logger *slog.Logger) *transcribe.Client {
	base, key := cfg.Transcription.BaseURL, cfg.Transcription.APIKey
	if base == "" {
		base = cfg.LLM.BaseURL
	}
	if key == "" {
		key = cfg.LLM.APIKey
	}
	return transcribe.New(transcribe.Config{
		BaseURL: base,
		APIKey:  key,
		Model:   cfg.Transcription.Model,
	}, logger)
}
