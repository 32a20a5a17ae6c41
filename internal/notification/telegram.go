package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"signalbot/internal/model"
)

// TelegramConfig configures a TelegramNotifier.
type TelegramConfig struct {
	BotToken        string
	ChatID          string
	QueueFile       string
	MaxQueue        int           // failed-send queue capacity
	MaxRetries      int           // attempts per send
	MaxQueueRetries int           // attempts per queued signal before dropping
	Timeout         time.Duration // per-request timeout
	DisplayTZ       *time.Location
	DryRun          bool
}

// TelegramNotifier sends signals via the Telegram Bot API. Failed sends
// land in a durable queue retried from the orchestrator loop.
type TelegramNotifier struct {
	cfg    TelegramConfig
	client *http.Client
	queue  *failedQueue
	apiURL string
	sleep  func(time.Duration)
}

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxQueueRetries <= 0 {
		cfg.MaxQueueRetries = 12
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DisplayTZ == nil {
		cfg.DisplayTZ = time.UTC
	}
	return &TelegramNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  newFailedQueue(cfg.QueueFile, cfg.MaxQueue),
		apiURL: fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.BotToken),
		sleep:  time.Sleep,
	}
}

// SendSignal delivers the signal, queueing it on failure for later retry.
func (t *TelegramNotifier) SendSignal(ctx context.Context, sig *model.Signal) error {
	if t.cfg.DryRun {
		log.Printf("[telegram] DRY RUN signal: %s %s %s", sig.Symbol, sig.Direction, sig.Scenario)
		return nil
	}
	if err := t.sendWithRetry(ctx, t.formatSignal(sig)); err != nil {
		log.Printf("[telegram] send failed, queueing signal %s: %v", sig.ID, err)
		if qErr := t.queue.append(queuedSignal{
			Signal:     sig,
			FailedAt:   time.Now().UTC(),
			RetryCount: 0,
			LastError:  err.Error(),
		}); qErr != nil {
			log.Printf("[telegram] could not queue failed signal: %v", qErr)
		}
		return err
	}
	return nil
}

// SendText delivers a plain operational message without queueing.
func (t *TelegramNotifier) SendText(ctx context.Context, text string) error {
	if t.cfg.DryRun {
		log.Printf("[telegram] DRY RUN text: %s", text)
		return nil
	}
	return t.sendWithRetry(ctx, text)
}

// SendStartupMessage verifies connectivity at boot.
func (t *TelegramNotifier) SendStartupMessage(ctx context.Context) error {
	return t.SendText(ctx, "Trading Signal Bot\nstartup check passed")
}

// RetryFailedQueue re-attempts every queued signal once, dropping entries
// past the retry cap. Returns the number of signals delivered.
func (t *TelegramNotifier) RetryFailedQueue(ctx context.Context) int {
	items := t.queue.load()
	if len(items) == 0 {
		return 0
	}

	sent := 0
	var remaining []queuedSignal
	for _, item := range items {
		if item.Signal == nil {
			continue
		}
		if item.RetryCount >= t.cfg.MaxQueueRetries {
			log.Printf("[telegram] dropping failed signal %s after %d retries", item.Signal.ID, item.RetryCount)
			continue
		}
		if t.cfg.DryRun {
			sent++
			continue
		}
		if err := t.sendWithRetry(ctx, t.formatSignal(item.Signal)); err != nil {
			item.RetryCount++
			item.FailedAt = time.Now().UTC()
			item.LastError = err.Error()
			if item.RetryCount >= t.cfg.MaxQueueRetries {
				log.Printf("[telegram] dropping failed signal %s after %d retries", item.Signal.ID, item.RetryCount)
				continue
			}
			remaining = append(remaining, item)
			continue
		}
		sent++
	}
	if err := t.queue.persist(remaining); err != nil {
		log.Printf("[telegram] persist failed queue: %v", err)
	}
	if sent > 0 {
		log.Printf("[telegram] retried failed queue, sent=%d remaining=%d", sent, len(remaining))
	}
	return sent
}

// QueueSize reports the current failed-send queue depth.
func (t *TelegramNotifier) QueueSize() int {
	return t.queue.size()
}

func (t *TelegramNotifier) sendWithRetry(ctx context.Context, text string) error {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		retryAfter, err := t.sendOnce(ctx, text)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retryAfter > 0 {
			t.sleep(retryAfter)
			continue
		}
		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 8*time.Second {
			backoff = 8 * time.Second
		}
		t.sleep(backoff)
	}
	return lastErr
}

// sendOnce performs one sendMessage call. A positive retryAfter means the
// API rate-limited us and told us how long to wait.
func (t *TelegramNotifier) sendOnce(ctx context.Context, text string) (retryAfter time.Duration, err error) {
	payload, _ := json.Marshal(map[string]any{
		"chat_id":                  t.cfg.ChatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed struct {
			OK bool `json:"ok"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.OK {
			return 0, nil
		}
		return 0, fmt.Errorf("telegram: api rejected message: %s", truncate(body, 200))
	case resp.StatusCode == http.StatusTooManyRequests:
		return parseRetryAfter(body), fmt.Errorf("telegram: rate limited")
	default:
		return 0, fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

func parseRetryAfter(body []byte) time.Duration {
	var parsed struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Parameters.RetryAfter < 1 {
		return time.Second
	}
	return time.Duration(parsed.Parameters.RetryAfter) * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

var scenarioTitles = map[model.Scenario]string{
	model.BuyS1:  "Scenario 1 (Stoch -> Stoch)",
	model.BuyS2:  "Scenario 2 (Stoch -> LWMA)",
	model.SellS1: "Scenario 1 (Stoch -> Stoch)",
	model.SellS2: "Scenario 2 (Stoch -> LWMA)",
	model.BuyM1:  "M1-Only (Low Confidence)",
	model.SellM1: "M1-Only (Low Confidence)",
}

func (t *TelegramNotifier) formatSignal(sig *model.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n%s\n\n", sig.Direction, sig.Symbol, scenarioTitles[sig.Scenario])
	fmt.Fprintf(&b, "Price: %.5f\n", sig.Price)
	fmt.Fprintf(&b, "Time: %s\n", sig.BarTime().In(t.cfg.DisplayTZ).Format("2006-01-02 15:04 MST"))

	if p := sig.PrimaryIndicators; p != nil {
		b.WriteString("\nPrimary Indicators:\n")
		fmt.Fprintf(&b, "|- LWMA fast: %.5f\n", p.LWMAFast)
		fmt.Fprintf(&b, "|- LWMA slow: %.5f\n", p.LWMASlow)
		fmt.Fprintf(&b, "|- Stoch %%K: %.2f\n", p.StochK)
		fmt.Fprintf(&b, "|- Stoch %%D: %.2f\n", p.StochD)
	}
	if c := sig.ConfirmationIndicators; c != nil {
		if sig.PrimaryIndicators != nil {
			b.WriteString("\nConfirmation:\n")
		} else {
			b.WriteString("\nIndicators:\n")
		}
		fmt.Fprintf(&b, "|- Stoch %%K: %.2f\n", c.StochK)
		fmt.Fprintf(&b, "|- Stoch %%D: %.2f\n", c.StochD)
		fmt.Fprintf(&b, "|- LWMA fast: %.5f\n", c.LWMAFast)
		fmt.Fprintf(&b, "|- LWMA slow: %.5f\n", c.LWMASlow)
	}
	if r := sig.Risk; r != nil {
		b.WriteString("\nRisk:\n")
		fmt.Fprintf(&b, "|- Stop distance: %.5f\n", r.StopDistance)
		fmt.Fprintf(&b, "|- Invalidation: %.5f\n", r.InvalidationPrice)
		fmt.Fprintf(&b, "|- TP1: %.5f\n", r.TP1Price)
		fmt.Fprintf(&b, "|- TP2: %.5f", r.TP2Price)
	}
	return strings.TrimRight(b.String(), "\n")
}
