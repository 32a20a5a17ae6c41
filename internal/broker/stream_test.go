package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestQuoteStreamTracksMidPrice(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != routes["quotesWS"] {
			t.Errorf("path = %s, want %s", r.URL.Path, routes["quotesWS"])
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Expect the subscribe frame first.
		var sub struct {
			Action  string   `json:"action"`
			Symbols []string `json:"symbols"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Action != "subscribe" || len(sub.Symbols) != 1 || sub.Symbols[0] != "EURUSD" {
			t.Errorf("subscribe frame = %+v", sub)
		}

		data, _ := json.Marshal(quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002})
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	stream := NewQuoteStream(client, []string{"EURUSD"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for stream.CurrentPrice("EURUSD") == 0 {
		select {
		case <-deadline:
			t.Fatal("no quote received before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := stream.CurrentPrice("EURUSD"); got != 1.1001 {
		t.Errorf("mid price = %v, want 1.1001", got)
	}
	if stream.CurrentPrice("GBPUSD") != 0 {
		t.Error("unknown symbol should report 0")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}
