package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 15 * time.Second

	defaultPingInterval = 10 * time.Second
	defaultPongGrace    = 30 * time.Second
)

// WSOptions tunes the keepalive of a WSClient.
type WSOptions struct {
	// PingInterval is the period of the text PING keepalive.
	PingInterval time.Duration
	// PongGrace is how long the connection may stay silent before it is
	// considered dead. Any inbound frame, PONG included, resets it.
	PongGrace time.Duration
}

// subscribeInitial is the first message on a fresh market channel connection.
type subscribeInitial struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// subscribeUpdate changes the subscription of a live connection.
type subscribeUpdate struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

// WSClient is a single connection to the CLOB market channel. It is not
// reconnecting: once Run returns, the client is spent and a new one must be
// dialled.
type WSClient struct {
	url  string
	opts WSOptions

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
}

// NewWSClient creates a client for the given market channel URL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(url string, opts WSOptions) *WSClient {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongGrace <= 0 {
		opts.PongGrace = defaultPongGrace
	}
	return &WSClient{url: url, opts: opts}
}

// Connect dials the venue and sends the initial batch subscription for
// tokens in a single message.
func (w *WSClient) Connect(ctx context.Context, tokens []string) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	w.conn = conn

	if tokens == nil {
		tokens = []string{}
	}
	if err := w.writeJSON(subscribeInitial{Type: "market", AssetIDs: tokens}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("polymarket/ws: initial subscribe: %w", err)
	}
	return nil
}

// Subscribe adds tokens to the live subscription.
func (w *WSClient) Subscribe(tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := w.writeJSON(subscribeUpdate{AssetIDs: tokens, Operation: "subscribe"}); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes tokens from the live subscription.
func (w *WSClient) Unsubscribe(tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := w.writeJSON(subscribeUpdate{AssetIDs: tokens, Operation: "unsubscribe"}); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}
	return nil
}

// Run reads frames until the connection fails, the keepalive grace expires or
// ctx is cancelled. Every data frame is passed to onFrame on the calling
// goroutine; keepalive replies are consumed here. Run always closes the
// connection before returning.
func (w *WSClient) Run(ctx context.Context, onFrame func([]byte)) error {
	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}
	defer w.Close()

	grace := w.opts.PongGrace
	_ = w.conn.SetReadDeadline(time.Now().Add(grace))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(grace))
	})

	stop := make(chan struct{})
	defer close(stop)
	go w.pingLoop(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-stop:
		}
	}()

	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("polymarket/ws: keepalive expired after %s: %w", grace, domain.ErrWSDisconnect)
			}
			return fmt.Errorf("polymarket/ws: read: %w", errors.Join(domain.ErrWSDisconnect, err))
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(grace))

		if msgType != websocket.TextMessage {
			continue
		}
		switch string(data) {
		case "PONG", "PING":
			continue
		}
		onFrame(data)
	}
}

// Close terminates the connection. It is safe to call more than once.
func (w *WSClient) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.conn == nil {
			return
		}
		w.writeMu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// pingLoop sends the venue's text PING keepalive until stop is closed or a
// write fails. A failed write surfaces as a read error in Run.
func (w *WSClient) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.write(websocket.TextMessage, []byte("PING")); err != nil {
				return
			}
		}
	}
}

func (w *WSClient) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return w.write(websocket.TextMessage, data)
}

// write serialises writers; gorilla connections allow one at a time.
func (w *WSClient) write(msgType int, data []byte) error {
	if w.conn == nil {
		return domain.ErrWSDisconnect
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(msgType, data)
}
