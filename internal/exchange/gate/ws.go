package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Ticker is one best bid/ask update from the spot book ticker channel.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	TS     time.Time
}

// WS subscribes to Gate's spot book ticker over the JSON websocket API.
type WS struct {
	URL    string
	Dialer *websocket.Dialer
	conn   *websocket.Conn
	mu     sync.Mutex
}

func NewWS(url string) *WS {
	return &WS{
		URL: strings.TrimRight(url, "/"),
		Dialer: &websocket.Dialer{
			HandshakeTimeout:  15 * time.Second,
			EnableCompression: true,
		},
	}
}

func (w *WS) connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}
	c, _, err := w.Dialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		return err
	}
	w.conn = c

	_ = w.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	return nil
}

func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

type wsRequest struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
}

type wsMessage struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

type bookTickerResult struct {
	TimeMs int64  `json:"t"`
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// SubscribeBookTicker streams best bid/ask updates for the given currency
// pairs until ctx is cancelled.
func (w *WS) SubscribeBookTicker(ctx context.Context, pairs []string) (<-chan Ticker, error) {
	if err := w.connect(ctx); err != nil {
		return nil, err
	}

	sub := wsRequest{
		Time:    time.Now().Unix(),
		Channel: "spot.book_ticker",
		Event:   "subscribe",
		Payload: pairs,
	}
	if err := w.conn.WriteJSON(sub); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Ticker, 1024)

	go func() {
		defer close(out)
		defer w.Close()

		pingStop := make(chan struct{})
		go func() {
			t := time.NewTicker(20 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-pingStop:
					return
				case <-t.C:
					_ = w.conn.WriteJSON(wsRequest{Time: time.Now().Unix(), Channel: "spot.ping"})
				}
			}
		}()
		defer close(pingStop)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, data, err := w.conn.ReadMessage()
			if err != nil {
				return
			}
			_ = w.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

			var msg wsMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if msg.Channel != "spot.book_ticker" || msg.Event != "update" || msg.Error != nil {
				continue
			}

			var bt bookTickerResult
			if json.Unmarshal(msg.Result, &bt) != nil {
				continue
			}
			bid, _ := strconv.ParseFloat(bt.Bid, 64)
			ask, _ := strconv.ParseFloat(bt.Ask, 64)
			if bid == 0 && ask == 0 {
				continue
			}

			ts := time.Now()
			if bt.TimeMs > 0 {
				ts = time.UnixMilli(bt.TimeMs)
			}
			out <- Ticker{Symbol: bt.Symbol, Bid: bid, Ask: ask, TS: ts}
		}
	}()

	return out, nil
}
