package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/classroom-relay/internal/stats"
	"github.com/npezzotti/classroom-relay/internal/store"
	"github.com/npezzotti/classroom-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func TestHub_SlowConsumerDropped(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	h, err := NewHub(testutil.TestLogger(t), store.NewMemoryStore(), &stubDirectory{}, &stubChats{}, su, Options{NodeId: "a"})
	require.NoError(t, err)

	slow := newTestClient(t, h, student)
	slow.send = make(chan *ServerMessage, 1)
	fast := newTestClient(t, h, observer)
	h.Register(slow)
	h.Register(fast)
	drain(fast)

	h.BroadcastAll(eventMessage(&Event{MemberOnline: &student2}))

	assert.Len(t, events(fast, isOnline), 1, "expected other connections to be unaffected")
	su.AssertCalled(t, "Incr", metricDropped)
}

// serveTestWs upgrades requests into clients of h, all admitted as id.
func serveTestWs(t *testing.T, h *Hub) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(student, conn, h, testutil.TestLogger(t))
		h.Register(c)
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTestWs(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "failed to dial websocket")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestClient_ReadWrite(t *testing.T) {
	h := newTestHub(t, store.NewMemoryStore(), testDirectory(), Options{NodeId: "a"})
	srv := serveTestWs(t, h)
	conn := dialTestWs(t, srv)

	hello := readServerMessage(t, conn)
	require.Contains(t, hello, "event")
	assert.Contains(t, hello["event"], "hello")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":7,"join-room":{"room_id":"class:10"}}`)))
	for {
		msg := readServerMessage(t, conn)
		resp, ok := msg["response"].(map[string]any)
		if !ok {
			continue
		}
		assert.EqualValues(t, 7, msg["id"])
		assert.EqualValues(t, http.StatusOK, resp["response_code"])
		break
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":8}`)))
	for {
		msg := readServerMessage(t, conn)
		resp, ok := msg["response"].(map[string]any)
		if !ok {
			continue
		}
		assert.EqualValues(t, http.StatusBadRequest, resp["response_code"], "expected malformed frames to be answered, not fatal")
		break
	}

	conn.Close()
	assert.Eventually(t, func() bool {
		return !h.IsOnline(context.Background(), student.MemberId)
	}, 2*time.Second, 20*time.Millisecond, "expected disconnect to clear presence")
	assert.Eventually(t, func() bool {
		return h.rooms.Count() == 0
	}, 2*time.Second, 20*time.Millisecond, "expected disconnect to leave every room")
}

func TestHubShutdown_StatsStoppedAfterDrain(t *testing.T) {
	su := stats.NewStatsUpdater(http.NewServeMux())
	su.Run()

	h, err := NewHub(testutil.TestLogger(t), store.NewMemoryStore(), testDirectory(), &stubChats{}, su, Options{NodeId: "a"})
	require.NoError(t, err)
	go h.Run()

	srv := serveTestWs(t, h)
	conn := dialTestWs(t, srv)
	readServerMessage(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"join-room":{"room_id":"class:10"}}`)))
	assert.Eventually(t, func() bool {
		return h.rooms.Count() == 1
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx), "expected the open connection to unregister during shutdown")

	assert.Zero(t, h.presence.LocalCount(), "expected presence to be released before shutdown returns")
	assert.Zero(t, h.rooms.Count(), "expected rooms to be released before shutdown returns")
	assert.NotPanics(t, su.Stop, "expected no metric updates after shutdown")
}
