// Package config loads application configuration from environment
// variables.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"signalbot/internal/indicator"
	"signalbot/internal/model"
	"signalbot/internal/strategy"
)

// Config holds all application configuration.
type Config struct {
	// Broker credentials
	BrokerBaseURL    string
	BrokerAccount    string
	BrokerPassword   string
	BrokerTOTPSecret string

	// Universe: comma-separated "NAME" or "NAME=BrokerSymbol" entries
	Symbols string

	// Timeframes
	PrimaryTF      string
	ConfirmationTF string

	// Strategy parameters
	LWMAFast     int
	LWMASlow     int
	StochK       int
	StochD       int
	StochSlowing int
	BuyZoneLow   float64
	BuyZoneHigh  float64
	SellZoneLow  float64
	SellZoneHigh float64

	// Regime filter (optional)
	RegimeEnabled bool
	ADXPeriod     int
	MinADX        float64

	// Risk context (optional)
	RiskEnabled    bool
	ATRPeriod      int
	StopMultiplier float64
	RR1            float64
	RR2            float64

	// Fetching
	CandleBuffer    int // bars fetched per request
	ReplayLookback  int // closed primary bars replayed at startup
	SingleTFEnabled bool

	// Dedup
	CooldownWindow time.Duration
	DedupRetention time.Duration
	DedupStateFile string

	// Persistence and delivery
	JournalPath       string
	TelegramBotToken  string
	TelegramChatID    string
	TelegramQueueFile string
	WebhookURL        string // optional JSON mirror of every delivery
	DisplayTZ         string
	DryRun            bool

	// Sessions: comma-separated "HH:MM-HH:MM" windows; empty = always on
	SessionTZ       string
	SessionWindows  string
	WeekdaysOnly    bool
	HealthAlerts    bool
	HealthThrottle  time.Duration
	HeartbeatPeriod time.Duration
	HeartbeatFile   string

	// Infrastructure
	RedisAddr     string // empty disables the bar cache
	RedisPassword string
	MetricsAddr   string
	LockFile      string
}

// Load reads configuration from environment variables with sensible
// defaults. Credentials are only mandatory outside dry-run mode.
func Load() *Config {
	dryRun := getBool("DRY_RUN", false)
	cred := mustEnv
	if dryRun {
		cred = func(key string) string { return getEnv(key, "") }
	}

	return &Config{
		BrokerBaseURL:    getEnv("BROKER_BASE_URL", "https://api.broker.example.com"),
		BrokerAccount:    cred("BROKER_ACCOUNT"),
		BrokerPassword:   cred("BROKER_PASSWORD"),
		BrokerTOTPSecret: cred("BROKER_TOTP_SECRET"),

		Symbols: getEnv("SYMBOLS", "XAUUSD=GOLD,EURUSD"),

		PrimaryTF:      getEnv("PRIMARY_TF", "M15"),
		ConfirmationTF: getEnv("CONFIRMATION_TF", "M1"),

		LWMAFast:     getInt("LWMA_FAST", 200),
		LWMASlow:     getInt("LWMA_SLOW", 350),
		StochK:       getInt("STOCH_K", 5),
		StochD:       getInt("STOCH_D", 3),
		StochSlowing: getInt("STOCH_SLOWING", 3),
		BuyZoneLow:   getFloat("BUY_ZONE_LOW", 10),
		BuyZoneHigh:  getFloat("BUY_ZONE_HIGH", 20),
		SellZoneLow:  getFloat("SELL_ZONE_LOW", 80),
		SellZoneHigh: getFloat("SELL_ZONE_HIGH", 90),

		RegimeEnabled: getBool("REGIME_FILTER_ENABLED", false),
		ADXPeriod:     getInt("ADX_PERIOD", 14),
		MinADX:        getFloat("MIN_ADX", 20),

		RiskEnabled:    getBool("RISK_CONTEXT_ENABLED", false),
		ATRPeriod:      getInt("ATR_PERIOD", 14),
		StopMultiplier: getFloat("STOP_ATR_MULTIPLIER", 1.5),
		RR1:            getFloat("RISK_RR1", 1.0),
		RR2:            getFloat("RISK_RR2", 2.0),

		CandleBuffer:    getInt("CANDLE_BUFFER", 400),
		ReplayLookback:  getInt("REPLAY_LOOKBACK", 3),
		SingleTFEnabled: getBool("SINGLE_TF_ENABLED", false),

		CooldownWindow: getDuration("COOLDOWN_WINDOW", time.Hour),
		DedupRetention: getDuration("DEDUP_RETENTION", 72*time.Hour),
		DedupStateFile: getEnv("DEDUP_STATE_FILE", "data/dedup_state.json"),

		JournalPath:       getEnv("JOURNAL_PATH", "data/signals.db"),
		TelegramBotToken:  cred("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    cred("TELEGRAM_CHAT_ID"),
		TelegramQueueFile: getEnv("TELEGRAM_QUEUE_FILE", "data/failed_queue.json"),
		WebhookURL:        getEnv("WEBHOOK_URL", ""),
		DisplayTZ:         getEnv("DISPLAY_TZ", "Asia/Phnom_Penh"),
		DryRun:            dryRun,

		SessionTZ:       getEnv("SESSION_TZ", "UTC"),
		SessionWindows:  getEnv("SESSION_WINDOWS", ""),
		WeekdaysOnly:    getBool("WEEKDAYS_ONLY", true),
		HealthAlerts:    getBool("HEALTH_ALERTS", true),
		HealthThrottle:  getDuration("HEALTH_THROTTLE", 15*time.Minute),
		HeartbeatPeriod: getDuration("HEARTBEAT_PERIOD", 6*time.Hour),
		HeartbeatFile:   getEnv("HEARTBEAT_FILE", "data/heartbeat.json"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9091"),
		LockFile:      getEnv("LOCK_FILE", "data/bot.lock"),
	}
}

// StrategyParams converts the config into validated strategy parameters.
func (c *Config) StrategyParams() (strategy.Params, error) {
	p := strategy.Params{
		LWMAFast:     c.LWMAFast,
		LWMASlow:     c.LWMASlow,
		StochK:       c.StochK,
		StochD:       c.StochD,
		StochSlowing: c.StochSlowing,
		BuyZone:      indicator.Zone{Low: c.BuyZoneLow, High: c.BuyZoneHigh},
		SellZone:     indicator.Zone{Low: c.SellZoneLow, High: c.SellZoneHigh},
	}
	if err := p.Validate(); err != nil {
		return strategy.Params{}, err
	}
	if c.CandleBuffer < p.MinBars()+c.ReplayLookback {
		return strategy.Params{}, fmt.Errorf(
			"config: CANDLE_BUFFER=%d too small for min bars %d plus replay lookback %d",
			c.CandleBuffer, p.MinBars(), c.ReplayLookback)
	}
	return p, nil
}

// Timeframes parses and validates the primary/confirmation pair.
func (c *Config) Timeframes() (primary, confirmation model.Timeframe, err error) {
	primary, err = model.ParseTimeframe(c.PrimaryTF)
	if err != nil {
		return "", "", err
	}
	confirmation, err = model.ParseTimeframe(c.ConfirmationTF)
	if err != nil {
		return "", "", err
	}
	if confirmation.Duration() >= primary.Duration() {
		return "", "", fmt.Errorf("config: confirmation timeframe %s must be finer than primary %s", confirmation, primary)
	}
	return primary, confirmation, nil
}

// SymbolMap parses the SYMBOLS entries into display-name -> broker-symbol
// pairs. A bare name maps to itself.
func (c *Config) SymbolMap() (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(c.Symbols, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, broker, found := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("config: empty symbol in SYMBOLS entry %q", entry)
		}
		if !found || strings.TrimSpace(broker) == "" {
			broker = name
		}
		out[name] = strings.TrimSpace(broker)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: SYMBOLS is empty")
	}
	return out, nil
}

// SessionWindowList splits the configured windows.
func (c *Config) SessionWindowList() []string {
	if strings.TrimSpace(c.SessionWindows) == "" {
		return nil
	}
	parts := strings.Split(c.SessionWindows, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
