package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/events"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHubStreamsLifecycleEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := events.NewStream(nil, logger)
	hub := NewHub(StreamSource{Stream: stream}, nil, logger, Config{
		Mode:   "dry-run",
		Status: func() Status { return Status{TradingHalted: true, LastSeq: stream.Seq()} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	status := read(t, conn)
	assert.Equal(t, "engine_status", status.Type)
	var st Status
	require.NoError(t, json.Unmarshal(status.Payload, &st))
	assert.Equal(t, "dry-run", st.Mode)
	assert.True(t, st.TradingHalted)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Topics: []string{"*"}}))
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Topics: []string{string(domain.EventExecuted)}}))

	// Give the read pump time to apply the subscription change.
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stream.Emit(domain.LifecycleEvent{Type: domain.EventDetected, OpportunityID: "o1"})
	stream.Emit(domain.LifecycleEvent{Type: domain.EventExecuted, OpportunityID: "o1"})

	f := read(t, conn)
	assert.Equal(t, "lifecycle", f.Type)
	var ev domain.LifecycleEvent
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, domain.EventExecuted, ev.Type, "detected is filtered out")
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://desk.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "no origin header")
	req.Header.Set("Origin", "https://desk.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := &client{subs: map[string]bool{"exec*": true}}
	assert.True(t, c.isSubscribed("executed"))
	assert.True(t, c.isSubscribed("executing"))
	assert.False(t, c.isSubscribed("halted"))
}

