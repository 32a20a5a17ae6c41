package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// quote is one streamed price update.
type quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// QuoteStream maintains a websocket subscription to live quotes and keeps
// the latest mid price per symbol. Signals are priced from it when it is
// connected; the evaluator falls back to bar closes otherwise.
type QuoteStream struct {
	client  *Client
	symbols []string
	dialer  *websocket.Dialer

	// Optional hook fired after a dropped connection, with the outcome
	// of the reconnect attempt.
	OnReconnect func(ok bool)

	mu     sync.RWMutex
	prices map[string]float64
}

// NewQuoteStream creates a stream for the given symbols, authenticated
// through the client's session token.
func NewQuoteStream(client *Client, symbols []string) *QuoteStream {
	return &QuoteStream{
		client:  client,
		symbols: symbols,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		prices:  make(map[string]float64),
	}
}

// Run connects and consumes quotes until ctx is cancelled, reconnecting
// with capped exponential backoff after any drop.
func (s *QuoteStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[stream] connection lost: %v (retrying in %v)", err, backoff)
		if s.OnReconnect != nil {
			s.OnReconnect(false)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *QuoteStream) consume(ctx context.Context) error {
	wsURL, err := s.wsURL()
	if err != nil {
		return err
	}
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("broker: dial quote stream: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"action":  "subscribe",
		"symbols": s.symbols,
	}); err != nil {
		return fmt.Errorf("broker: subscribe: %w", err)
	}
	log.Printf("[stream] connected, subscribed to %d symbols", len(s.symbols))
	if s.OnReconnect != nil {
		s.OnReconnect(true)
	}

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("broker: read quote: %w", err)
		}
		var q quote
		if err := json.Unmarshal(data, &q); err != nil || q.Symbol == "" {
			continue
		}
		s.mu.Lock()
		s.prices[q.Symbol] = (q.Bid + q.Ask) / 2
		s.mu.Unlock()
	}
}

func (s *QuoteStream) wsURL() (string, error) {
	u, err := url.Parse(s.client.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("broker: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + routes["quotesWS"]

	s.client.mu.RLock()
	token := s.client.token
	s.client.mu.RUnlock()
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// CurrentPrice returns the latest mid price for the symbol, or 0 when no
// quote has been received yet.
func (s *QuoteStream) CurrentPrice(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prices[symbol]
}
