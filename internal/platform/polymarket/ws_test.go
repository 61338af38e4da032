package polymarket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/platform/polymarket"
)

// venue is a scripted market channel server.
type venue struct {
	srv      *httptest.Server
	received chan map[string]any
	pings    chan struct{}
}

func newVenue(t *testing.T, script func(conn *websocket.Conn)) *venue {
	t.Helper()
	v := &venue{received: make(chan map[string]any, 16), pings: make(chan struct{}, 16)}
	upgrader := websocket.Upgrader{}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if string(data) == "PING" {
					select {
					case v.pings <- struct{}{}:
					default:
					}
					continue
				}
				var m map[string]any
				if json.Unmarshal(data, &m) == nil {
					v.received <- m
				}
			}
		}()
		script(conn)
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *venue) url() string { return "ws" + strings.TrimPrefix(v.srv.URL, "http") }

func TestWSClientSubscribeAndReceive(t *testing.T) {
	done := make(chan struct{})
	v := newVenue(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"last_trade_price","asset_id":"a","price":"0.7"}`))
		<-done
	})
	defer close(done)

	c := polymarket.NewWSClient(v.url(), polymarket.WSOptions{PingInterval: 20 * time.Millisecond, PongGrace: time.Second})
	require.NoError(t, c.Connect(context.Background(), []string{"a", "b"}))

	initial := <-v.received
	assert.Equal(t, "market", initial["type"])
	assert.ElementsMatch(t, []any{"a", "b"}, initial["assets_ids"])

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan []byte, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, func(b []byte) { frames <- b }) }()

	select {
	case f := <-frames:
		assert.Contains(t, string(f), "last_trade_price", "PONG is not forwarded")
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
	}

	require.NoError(t, c.Subscribe([]string{"c"}))
	upd := <-v.received
	assert.Equal(t, "subscribe", upd["operation"])
	assert.Equal(t, []any{"c"}, upd["assets_ids"])

	require.NoError(t, c.Unsubscribe([]string{"a"}))
	upd = <-v.received
	assert.Equal(t, "unsubscribe", upd["operation"])

	select {
	case <-v.pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWSClientKeepaliveExpiry(t *testing.T) {
	done := make(chan struct{})
	v := newVenue(t, func(conn *websocket.Conn) { <-done })
	defer close(done)

	c := polymarket.NewWSClient(v.url(), polymarket.WSOptions{PingInterval: time.Hour, PongGrace: 100 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background(), nil))

	err := c.Run(context.Background(), func([]byte) {})
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}

func TestWSClientServerClose(t *testing.T) {
	v := newVenue(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	})
	c := polymarket.NewWSClient(v.url(), polymarket.WSOptions{})
	require.NoError(t, c.Connect(context.Background(), []string{"a"}))
	err := c.Run(context.Background(), func([]byte) {})
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}

func TestWSClientRunWithoutConnect(t *testing.T) {
	c := polymarket.NewWSClient("ws://unused", polymarket.WSOptions{})
	assert.ErrorIs(t, c.Run(context.Background(), func([]byte) {}), domain.ErrWSDisconnect)
}
