// Package broker provides the REST and websocket client for the broker's
// trading API: session login, historical candles, tradability checks, and
// a streaming quote feed.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"signalbot/internal/model"
)

// Config holds broker connection settings.
type Config struct {
	BaseURL    string
	Account    string
	Password   string
	TOTPSecret string        // base32 secret; a fresh code is generated per login
	Timeout    time.Duration // default 10s
}

// Client is the broker REST client. Safe for concurrent use after Login.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu    sync.RWMutex
	token string
	now   func() time.Time
}

var routes = map[string]string{
	"login":    "/api/v1/session/login",
	"candles":  "/api/v1/market/candles",
	"symbol":   "/api/v1/market/symbols/%s",
	"quotesWS": "/api/v1/stream/quotes",
}

// NewClient creates a broker client. Call Login before fetching data.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Login opens a session. The one-time password is derived from the
// configured TOTP secret at call time.
func (c *Client) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
	if err != nil {
		return fmt.Errorf("broker: generate totp: %w", err)
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
		Error string `json:"error"`
	}
	err = c.post(ctx, routes["login"], map[string]string{
		"account":  c.cfg.Account,
		"password": c.cfg.Password,
		"totp":     code,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.OK || resp.Token == "" {
		return fmt.Errorf("broker: login rejected: %s", resp.Error)
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	log.Printf("[broker] session established for account %s", c.cfg.Account)
	return nil
}

// FetchBars returns up to count closed bars for the symbol and timeframe,
// oldest first, with Time normalized to the UTC close boundary. A bar
// still forming at call time is dropped. Returns model.ErrNoData when the
// broker has nothing for the request.
func (c *Client) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, count int) ([]model.Bar, error) {
	var resp struct {
		OK      bool        `json:"ok"`
		Candles [][]float64 `json:"candles"` // [epochSeconds, o, h, l, c, v] with open time
		Error   string      `json:"error"`
	}
	err := c.post(ctx, routes["candles"], map[string]any{
		"symbol":    symbol,
		"timeframe": string(tf),
		"count":     count,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("broker: candles rejected: %s", resp.Error)
	}
	if len(resp.Candles) == 0 {
		return nil, fmt.Errorf("broker: %s %s: %w", symbol, tf, model.ErrNoData)
	}

	d := tf.Duration()
	now := c.now()
	bars := make([]model.Bar, 0, len(resp.Candles))
	for _, row := range resp.Candles {
		if len(row) < 6 {
			return nil, fmt.Errorf("broker: malformed candle row for %s", symbol)
		}
		closeTime := time.Unix(int64(row[0]), 0).UTC().Add(d)
		if closeTime.After(now) {
			continue // still forming
		}
		bars = append(bars, model.Bar{
			Time:   closeTime,
			Open:   row[1],
			High:   row[2],
			Low:    row[3],
			Close:  row[4],
			Volume: int64(row[5]),
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("broker: %s %s: only forming bars: %w", symbol, tf, model.ErrNoData)
	}
	return bars, nil
}

// IsTradable reports whether the symbol's market is currently open for
// trading.
func (c *Client) IsTradable(ctx context.Context, symbol string) (bool, error) {
	var resp struct {
		OK       bool   `json:"ok"`
		Tradable bool   `json:"tradable"`
		Error    string `json:"error"`
	}
	if err := c.get(ctx, fmt.Sprintf(routes["symbol"], symbol), &resp); err != nil {
		return false, err
	}
	if !resp.OK {
		return false, fmt.Errorf("broker: symbol query rejected: %s", resp.Error)
	}
	return resp.Tradable, nil
}

func (c *Client) post(ctx context.Context, route string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+route, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("broker: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, route string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+route, nil)
	if err != nil {
		return fmt.Errorf("broker: create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("broker: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker: %s: status %d: %s", req.URL.Path, resp.StatusCode, truncate(data, 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("broker: decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
