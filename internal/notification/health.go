package notification

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// HealthAlerter sends throttled operational alerts through a Notifier.
// Alerts are throttled per event type so a flapping condition does not
// spam the channel.
type HealthAlerter struct {
	notifier Notifier
	throttle time.Duration
	enabled  bool
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewHealthAlerter wraps a notifier with per-event throttling.
func NewHealthAlerter(n Notifier, throttle time.Duration, enabled bool) *HealthAlerter {
	return &HealthAlerter{
		notifier: n,
		throttle: throttle,
		enabled:  enabled,
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[string]time.Time),
	}
}

// Alert sends a health message unless the event type fired within the
// throttle window. Throttled alerts count as success.
func (h *HealthAlerter) Alert(ctx context.Context, eventType, message string) error {
	if !h.enabled {
		return nil
	}
	now := h.now()

	h.mu.Lock()
	if last, ok := h.lastSent[eventType]; ok && now.Sub(last) < h.throttle {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.notifier.SendText(ctx, "[HEALTH] "+message); err != nil {
		log.Printf("[health] alert %q failed: %v", eventType, err)
		return err
	}
	h.mu.Lock()
	h.lastSent[eventType] = now
	h.mu.Unlock()
	return nil
}

// OnStartup alerts that the bot has started.
func (h *HealthAlerter) OnStartup(ctx context.Context) error {
	return h.Alert(ctx, "startup", "Bot started")
}

// OnShutdown alerts that the bot is shutting down.
func (h *HealthAlerter) OnShutdown(ctx context.Context, reason string) error {
	return h.Alert(ctx, "shutdown", "Bot shutting down: "+reason)
}

// OnFetchFailure alerts that bar data could not be fetched for a symbol.
func (h *HealthAlerter) OnFetchFailure(ctx context.Context, symbol string, err error) error {
	return h.Alert(ctx, "fetch_failure", fmt.Sprintf("bar fetch failed for %s: %v", symbol, err))
}

// OnStreamDisconnect alerts on a quote stream disconnect event.
func (h *HealthAlerter) OnStreamDisconnect(ctx context.Context, reconnected bool) error {
	status := "reconnected"
	if !reconnected {
		status = "reconnect FAILED"
	}
	return h.Alert(ctx, "stream_disconnect", "quote stream disconnected - "+status)
}
