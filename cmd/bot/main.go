package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalbot/config"
	"signalbot/internal/broker"
	"signalbot/internal/dedup"
	"signalbot/internal/journal"
	"signalbot/internal/lockfile"
	"signalbot/internal/logger"
	"signalbot/internal/metrics"
	"signalbot/internal/model"
	"signalbot/internal/notification"
	"signalbot/internal/orchestrator"
	"signalbot/internal/replay"
	"signalbot/internal/session"
	"signalbot/internal/store/barcache"
	"signalbot/internal/strategy"
)

// namedSource translates display names to broker symbols before fetching,
// so replay can work in display-name space like the orchestrator does.
type namedSource struct {
	src     model.BarSource
	symbols map[string]string
}

func (s namedSource) FetchBars(ctx context.Context, name string, tf model.Timeframe, count int) ([]model.Bar, error) {
	sym, ok := s.symbols[name]
	if !ok {
		sym = name
	}
	return s.src.FetchBars(ctx, sym, tf, count)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	slogger := logger.Init("signalbot", slog.LevelInfo)
	log.Println("[bot] starting...")

	// ---- Load and validate config ----
	cfg := config.Load()
	params, err := cfg.StrategyParams()
	if err != nil {
		log.Fatalf("[bot] config: %v", err)
	}
	primaryTF, confirmationTF, err := cfg.Timeframes()
	if err != nil {
		log.Fatalf("[bot] config: %v", err)
	}
	symbols, err := cfg.SymbolMap()
	if err != nil {
		log.Fatalf("[bot] config: %v", err)
	}
	displayTZ, err := time.LoadLocation(cfg.DisplayTZ)
	if err != nil {
		log.Fatalf("[bot] config: invalid DISPLAY_TZ %q: %v", cfg.DisplayTZ, err)
	}
	log.Printf("[bot] %d symbols, %s/%s, dry-run=%v", len(symbols), primaryTF, confirmationTF, cfg.DryRun)

	// ---- Single-instance lock ----
	os.MkdirAll("data", 0o755)
	lock, err := lockfile.Acquire(cfg.LockFile)
	if err != nil {
		log.Fatalf("[bot] %v", err)
	}
	defer lock.Release()

	// ---- Graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Strategy evaluator ----
	eval, err := strategy.New(params,
		strategy.RegimeFilter{Enabled: cfg.RegimeEnabled, ADXPeriod: cfg.ADXPeriod, MinADX: cfg.MinADX},
		strategy.RiskConfig{Enabled: cfg.RiskEnabled, ATRPeriod: cfg.ATRPeriod,
			StopMultiplier: cfg.StopMultiplier, RR1: cfg.RR1, RR2: cfg.RR2})
	if err != nil {
		log.Fatalf("[bot] strategy init failed: %v", err)
	}

	// ---- Broker session ----
	client := broker.NewClient(broker.Config{
		BaseURL:    cfg.BrokerBaseURL,
		Account:    cfg.BrokerAccount,
		Password:   cfg.BrokerPassword,
		TOTPSecret: cfg.BrokerTOTPSecret,
	})
	if err := client.Login(ctx); err != nil {
		if !cfg.DryRun {
			log.Fatalf("[bot] broker login failed: %v", err)
		}
		log.Printf("[bot] WARNING: broker login failed in dry run: %v", err)
	} else {
		health.SetBrokerSessionOK(true)
	}

	// ---- Bar cache (optional Redis read-through) ----
	var cache *barcache.Cache
	if cfg.RedisAddr != "" {
		cache, err = barcache.New(barcache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, client)
		if err != nil {
			log.Printf("[bot] WARNING: %v (continuing without bar cache)", err)
			cache = barcache.Passthrough(client)
		}
	} else {
		cache = barcache.Passthrough(client)
	}
	defer cache.Close()

	// ---- Signal journal ----
	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Fatalf("[bot] journal init failed: %v", err)
	}
	defer jnl.Close()
	health.SetJournalOK(true)
	if pending, err := jnl.Pending(); err == nil && len(pending) > 0 {
		log.Printf("[bot] WARNING: %d signals were pending delivery at last shutdown", len(pending))
	}

	health.StartLivenessChecker(ctx, cache.Client(), jnl.DB(), 10*time.Second)

	// ---- Dedup store ----
	store, err := dedup.Open(cfg.DedupStateFile, cfg.CooldownWindow, cfg.DedupRetention)
	if err != nil {
		log.Fatalf("[bot] dedup init failed: %v", err)
	}

	// ---- Notification channel ----
	var notifier notification.Notifier
	var telegram *notification.TelegramNotifier
	if cfg.DryRun && cfg.TelegramBotToken == "" {
		notifier = notification.NewLogNotifier()
		log.Println("[bot] dry run without Telegram credentials, logging signals only")
	} else {
		telegram = notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken:  cfg.TelegramBotToken,
			ChatID:    cfg.TelegramChatID,
			QueueFile: cfg.TelegramQueueFile,
			DisplayTZ: displayTZ,
			DryRun:    cfg.DryRun,
		})
		notifier = telegram
	}
	if cfg.WebhookURL != "" {
		notifier = notification.NewTeeNotifier(notifier, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	alerter := notification.NewHealthAlerter(notifier, cfg.HealthThrottle, cfg.HealthAlerts)

	// ---- Trading session filter ----
	var sess *session.Filter
	if windows := cfg.SessionWindowList(); len(windows) > 0 {
		sess, err = session.New(cfg.SessionTZ, windows, cfg.WeekdaysOnly)
		if err != nil {
			log.Fatalf("[bot] session config: %v", err)
		}
	}

	// ---- Live quote stream ----
	brokerSymbols := make([]string, 0, len(symbols))
	for _, b := range symbols {
		brokerSymbols = append(brokerSymbols, b)
	}
	stream := broker.NewQuoteStream(client, brokerSymbols)
	stream.OnReconnect = func(ok bool) {
		prom.StreamReconnects.Inc()
		health.SetStreamConnected(ok)
		alerter.OnStreamDisconnect(ctx, ok)
	}
	go func() {
		health.SetStreamConnected(true)
		if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[bot] quote stream stopped: %v", err)
		}
		health.SetStreamConnected(false)
	}()

	// ---- Orchestrator ----
	orch, err := orchestrator.New(orchestrator.Config{
		Symbols:         symbols,
		PrimaryTF:       primaryTF,
		ConfirmationTF:  confirmationTF,
		CandleBuffer:    cfg.CandleBuffer,
		MaxBackfill:     cfg.ReplayLookback,
		SingleTFEnabled: cfg.SingleTFEnabled,
		HeartbeatPeriod: cfg.HeartbeatPeriod,
		HeartbeatFile:   cfg.HeartbeatFile,
	}, orchestrator.Deps{
		Bars:       cache,
		Trad:       client,
		Prices:     stream,
		Eval:       eval,
		Store:      store,
		Journal:    jnl,
		Notifier:   notifier,
		Alerter:    alerter,
		Session:    sess,
		Metrics:    prom,
		Health:     health,
		Logger:     slogger,
		RetryQueue: queueRetrier(telegram),
		QueueSize:  queueSizer(telegram),
	}, nil)
	if err != nil {
		log.Fatalf("[bot] orchestrator init failed: %v", err)
	}

	// ---- Startup replay of recently closed bars ----
	replayer, err := replay.New(
		namedSource{src: cache, symbols: symbols},
		eval, orch.Emit, primaryTF, confirmationTF,
		cfg.ReplayLookback, cfg.CandleBuffer)
	if err != nil {
		log.Fatalf("[bot] replay init failed: %v", err)
	}
	names := make([]string, 0, len(symbols))
	for name := range symbols {
		names = append(names, name)
	}
	cursors, err := replayer.Run(ctx, names)
	if err != nil {
		log.Fatalf("[bot] replay failed: %v", err)
	}
	orch.SetCursors(cursors)
	log.Printf("[bot] replay complete, %d symbols recovered", len(cursors))

	if telegram != nil {
		if err := telegram.SendStartupMessage(ctx); err != nil {
			log.Printf("[bot] startup message failed: %v", err)
		}
	}
	alerter.OnStartup(ctx)

	// ---- Run until signalled ----
	go func() {
		sig := <-sigCh
		log.Printf("[bot] received %v, shutting down", sig)
		alerter.OnShutdown(context.Background(), sig.String())
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[bot] orchestrator stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	log.Println("[bot] shutdown complete")
}

func queueRetrier(t *notification.TelegramNotifier) func(ctx context.Context) int {
	if t == nil {
		return nil
	}
	return t.RetryFailedQueue
}

func queueSizer(t *notification.TelegramNotifier) func() int {
	if t == nil {
		return nil
	}
	return t.QueueSize
}
