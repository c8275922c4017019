package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T, h *Hub) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func connected(h *Hub, n int) func() bool {
	return func() bool { return h.Stats().ConnectedClients == n }
}

func ev(user string, t events.Type) events.Event {
	return events.Event{ID: "evt_" + user, Type: t, UserID: user, Title: string(t), CreatedAt: time.Now()}
}

func readFrame(t *testing.T, ch <-chan []byte) Frame {
	t.Helper()
	select {
	case msg := <-ch:
		var f Frame
		require.NoError(t, json.Unmarshal(msg, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return Frame{}
	}
}

func TestWants(t *testing.T) {
	assert.True(t, wants(Subscription{}, events.MilestonePaid))
	some := Subscription{Types: []events.Type{events.DisputeOpened}}
	assert.True(t, wants(some, events.DisputeOpened))
	assert.False(t, wants(some, events.MilestonePaid))
}

func TestHub_Stats_Initial(t *testing.T) {
	assert.Equal(t, Stats{}, testHub().Stats())
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t, testHub())
	a1 := &Client{hub: h, userID: "alice", send: make(chan []byte, 8)}
	a2 := &Client{hub: h, userID: "alice", send: make(chan []byte, 8)}

	h.register <- a1
	h.register <- a2
	require.Eventually(t, connected(h, 2), time.Second, 10*time.Millisecond)
	stats := h.Stats()
	assert.Equal(t, 1, stats.ConnectedUsers)
	assert.Equal(t, int64(2), stats.PeakClients)

	h.unregister <- a1
	h.unregister <- a1 // second unregister is a no-op
	require.Eventually(t, connected(h, 1), time.Second, 10*time.Millisecond)
	_, open := <-a1.send
	assert.False(t, open, "send queue closed on unregister")

	stats = h.Stats()
	assert.Equal(t, int64(2), stats.PeakClients, "peak is kept")
	assert.Equal(t, int64(2), stats.TotalClients)
}

func TestHub_PublishRoutesByUser(t *testing.T) {
	h := runHub(t, testHub())
	alice := &Client{hub: h, userID: "alice", send: make(chan []byte, 8)}
	bob := &Client{hub: h, userID: "bob", send: make(chan []byte, 8)}
	h.register <- alice
	h.register <- bob

	require.NoError(t, h.Publish(context.Background(), ev("alice", events.MilestonePaid)))

	f := readFrame(t, alice.send)
	assert.Equal(t, FrameEvent, f.Kind)
	require.NotNil(t, f.Event)
	assert.Equal(t, events.MilestonePaid, f.Event.Type)

	require.Eventually(t, func() bool { return h.Stats().TotalEvents == 1 }, time.Second, 10*time.Millisecond)
	select {
	case <-bob.send:
		t.Fatal("bob received alice's event")
	default:
	}
}

func TestHub_SubscribeAcksAndFilters(t *testing.T) {
	h := runHub(t, testHub())
	c := &Client{hub: h, userID: "alice", send: make(chan []byte, 8)}
	h.register <- c

	h.subscribe <- subscribeRequest{client: c, sub: Subscription{Types: []events.Type{events.DisputeOpened}}}
	ack := readFrame(t, c.send)
	assert.Equal(t, FrameSubscribed, ack.Kind)
	assert.Equal(t, []events.Type{events.DisputeOpened}, ack.Types)

	require.NoError(t, h.Publish(context.Background(), ev("alice", events.MilestonePaid)))
	require.NoError(t, h.Publish(context.Background(), ev("alice", events.DisputeOpened)))
	f := readFrame(t, c.send)
	require.NotNil(t, f.Event)
	assert.Equal(t, events.DisputeOpened, f.Event.Type)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := runHub(t, testHub())
	slow := &Client{hub: h, userID: "alice", send: make(chan []byte)} // nobody reads
	h.register <- slow
	require.Eventually(t, connected(h, 1), time.Second, 10*time.Millisecond)

	require.NoError(t, h.Publish(context.Background(), ev("alice", events.MilestonePaid)))
	require.Eventually(t, connected(h, 0), time.Second, 10*time.Millisecond)
	_, open := <-slow.send
	assert.False(t, open)
}

func TestHub_PublishBackpressure(t *testing.T) {
	h := testHub() // not running, so nothing drains the queue
	for i := 0; i < cap(h.broadcast); i++ {
		require.NoError(t, h.Publish(context.Background(), ev("alice", events.MilestonePaid)))
	}
	assert.ErrorIs(t, h.Publish(context.Background(), ev("alice", events.MilestonePaid)), ErrBackpressure)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	c := &Client{hub: h, userID: "alice", send: make(chan []byte, 8)}
	h.register <- c
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	_, open := <-c.send
	assert.False(t, open, "clients are closed on shutdown")

	w := httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "alice")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_ConnectionLimits(t *testing.T) {
	h := testHub()
	h.maxPerUser = 1
	runHub(t, h)
	h.register <- &Client{hub: h, userID: "alice", send: make(chan []byte, 8)}
	require.Eventually(t, connected(h, 1), time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	h.maxClients = 1
	w = httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "bob")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHub_AllowedOrigins(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.milepay.test/v1/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	h := testHub()
	assert.True(t, h.upgrader.CheckOrigin(req("")))
	assert.True(t, h.upgrader.CheckOrigin(req("https://api.milepay.test")))
	assert.False(t, h.upgrader.CheckOrigin(req("https://app.milepay.test")))

	h.WithAllowedOrigins([]string{"https://app.milepay.test"})
	assert.True(t, h.upgrader.CheckOrigin(req("https://app.milepay.test")))
	assert.False(t, h.upgrader.CheckOrigin(req("https://evil.test")))

	assert.True(t, testHub().WithAllowedOrigins([]string{"*"}).upgrader.CheckOrigin(req("https://evil.test")))
}

func TestHub_AdminStats(t *testing.T) {
	h := testHub()
	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/realtime", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Stats Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, Stats{}, body.Stats)
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := runHub(t, testHub())
	mgr := auth.NewManager("realtime-test-secret-realtime-test-se", "")
	r := gin.New()
	r.Use(auth.Middleware(mgr))
	h.RegisterProtectedRoutes(r.Group("/v1", auth.RequireAuth()))
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := mgr.Issue("alice", auth.RoleUser, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?access_token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{Types: []events.Type{events.DisputeOpened, "bogus.type"}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack Frame
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, FrameSubscribed, ack.Kind)
	assert.Equal(t, []events.Type{events.DisputeOpened}, ack.Types, "unknown types dropped")

	require.NoError(t, h.Publish(context.Background(), ev("alice", events.MilestonePaid)))
	require.NoError(t, h.Publish(context.Background(), ev("alice", events.DisputeOpened)))

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	require.NotNil(t, f.Event)
	assert.Equal(t, events.DisputeOpened, f.Event.Type, "filtered types are skipped")
}
