// Package notification delivers signals and health alerts to external
// channels (Telegram, webhooks).
package notification

import (
	"context"
	"log"

	"signalbot/internal/model"
)

// Notifier is the interface for signal delivery backends.
type Notifier interface {
	// SendSignal delivers one signal. Returns error if delivery fails.
	SendSignal(ctx context.Context, sig *model.Signal) error
	// SendText delivers a plain operational message.
	SendText(ctx context.Context, text string) error
}

// LogNotifier logs instead of delivering (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) SendSignal(_ context.Context, sig *model.Signal) error {
	log.Printf("[notify] %s %s %s @ %.5f", sig.Direction, sig.Symbol, sig.Scenario, sig.Price)
	return nil
}

func (n *LogNotifier) SendText(_ context.Context, text string) error {
	log.Printf("[notify] %s", text)
	return nil
}

// TeeNotifier mirrors everything sent through the primary channel to a
// secondary one. Delivery success is the primary's alone; mirror failures
// are logged and never queued or retried.
type TeeNotifier struct {
	primary Notifier
	mirror  Notifier
}

// NewTeeNotifier wraps primary with a best-effort mirror.
func NewTeeNotifier(primary, mirror Notifier) *TeeNotifier {
	return &TeeNotifier{primary: primary, mirror: mirror}
}

func (t *TeeNotifier) SendSignal(ctx context.Context, sig *model.Signal) error {
	if err := t.mirror.SendSignal(ctx, sig); err != nil {
		log.Printf("[notify] mirror signal failed: %v", err)
	}
	return t.primary.SendSignal(ctx, sig)
}

func (t *TeeNotifier) SendText(ctx context.Context, text string) error {
	if err := t.mirror.SendText(ctx, text); err != nil {
		log.Printf("[notify] mirror text failed: %v", err)
	}
	return t.primary.SendText(ctx, text)
}
