package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/classroom-relay/internal/activity"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/store"
	"github.com/npezzotti/classroom-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T, srv *httptest.Server, memberId int64) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, memberId))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err, "failed to dial websocket")
	t.Cleanup(func() { conn.Close() })

	readUntil(t, conn, func(f map[string]any) bool { return hasEvent(f, "hello") })
	return conn
}

func hasEvent(f map[string]any, name string) bool {
	ev, ok := f["event"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = ev[name]
	return ok
}

func responseCode(f map[string]any) (int, bool) {
	resp, ok := f["response"].(map[string]any)
	if !ok {
		return 0, false
	}
	code, _ := resp["response_code"].(float64)
	return int(code), true
}

// readUntil reads frames until one matches, failing after two seconds.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "expected a matching frame")

		var f map[string]any
		require.NoError(t, jsonAPI.Unmarshal(raw, &f))
		if match(f) {
			return f
		}
	}
}

func TestServeWs_Rejected(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.app.Handler())
	t.Cleanup(srv.Close)

	tcases := []struct {
		name   string
		header http.Header
		query  string
		reason string
	}{
		{name: "no credentials", reason: "missing credentials"},
		{name: "bad token", header: http.Header{"Authorization": {"Bearer nope"}}, reason: "invalid token"},
		{name: "unknown guest session", query: "?guest_session=abc&code=123", reason: "unknown identity"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+tc.query, tc.header)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			var errResp ApiError
			require.NoError(t, jsonAPI.Unmarshal(body, &errResp))
			assert.Equal(t, tc.reason, errResp.Reason)
		})
	}

	assert.Empty(t, env.hub.ListOnline(context.Background()), "expected rejected connections never to reach presence")
}

func TestServeWs_Draining(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.app.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(ctx))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, studentId))
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, env.hub.IsOnline(context.Background(), studentId), "expected the refused connection never to reach presence")
}

func TestServeWs_DisallowedOrigin(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.app.Handler())
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, studentId))
	header.Set("Origin", "http://evil.example")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
		assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	}
}

// A student's page view on a document reaches the class room the teacher
// supervises, and a notification reaches the online student live.
func TestServeWs_ClassroomFlow(t *testing.T) {
	env := newTestEnv(t)
	env.repo.On("CreateActivityEvent", mock.Anything, mock.MatchedBy(func(e database.ActivityEvent) bool {
		return e.ActorKey == "member:2" && e.DocumentId == 5 && e.PageNumber == 3 && e.TimeSpentMs == 12000
	})).Return(true, nil).Once()
	env.repo.On("CreateNotification", mock.Anything, mock.Anything).Return(echoNotification, nil).Once()
	env.repo.On("MarkNotificationsDelivered", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	relay := activity.New(env.repo, store.NewMemoryStore(), classDirectory{}, env.hub, time.Minute, testutil.TestLogger(t))
	env.hub.UseActivityRelay(relay)

	srv := httptest.NewServer(env.app.Handler())
	t.Cleanup(srv.Close)

	teacher := env.dial(t, srv, teacherId)
	require.NoError(t, teacher.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"join-room":{"room_id":"class:10"}}`)))
	joined := readUntil(t, teacher, func(f map[string]any) bool { _, ok := responseCode(f); return ok })
	code, _ := responseCode(joined)
	require.Equal(t, http.StatusOK, code)

	student := env.dial(t, srv, studentId)
	require.NoError(t, student.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":2,"page-view":{"subject_id":5,"page":3,"time_spent":12000,"ts":1700000000000}}`)))

	accepted := readUntil(t, student, func(f map[string]any) bool { _, ok := responseCode(f); return ok })
	code, _ = responseCode(accepted)
	assert.Equal(t, http.StatusAccepted, code)

	notice := readUntil(t, teacher, func(f map[string]any) bool { return hasEvent(f, "activity") })
	ev := notice["event"].(map[string]any)["activity"].(map[string]any)
	assert.EqualValues(t, 10, ev["class_id"])
	assert.EqualValues(t, 3, ev["page"])
	assert.EqualValues(t, 12000, ev["time_spent"])

	rr := env.do(t, teacherId, http.MethodPost, "/api/notifications", `{"member_id":2,"type":"announcement","title":"Nice work"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	pushed := readUntil(t, student, func(f map[string]any) bool { return hasEvent(f, "notification-new") })
	n := pushed["event"].(map[string]any)["notification-new"].(map[string]any)
	assert.Equal(t, "Nice work", n["title"])
	env.repo.AssertExpectations(t)

	student.Close()
	assert.Eventually(t, func() bool {
		return !env.hub.IsOnline(context.Background(), studentId)
	}, 2*time.Second, 20*time.Millisecond, "expected the student to go offline")
	readUntil(t, teacher, func(f map[string]any) bool { return hasEvent(f, "member-offline") })
}

func TestServeWs_DocumentRoomActivity(t *testing.T) {
	env := newTestEnv(t)
	env.repo.On("CreateActivityEvent", mock.Anything, mock.Anything).Return(true, nil).Once()
	env.hub.UseActivityRelay(activity.New(env.repo, store.NewMemoryStore(), classDirectory{}, env.hub, time.Minute, testutil.TestLogger(t)))

	srv := httptest.NewServer(env.app.Handler())
	t.Cleanup(srv.Close)

	observer := env.dial(t, srv, teacherId)
	require.NoError(t, observer.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"join-room":{"room_id":"document:5"}}`)))
	joined := readUntil(t, observer, func(f map[string]any) bool { _, ok := responseCode(f); return ok })
	code, _ := responseCode(joined)
	require.Equal(t, http.StatusOK, code)

	student := env.dial(t, srv, studentId)
	require.NoError(t, student.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":2,"page-view":{"subject_id":5,"page":3,"time_spent":12000,"ts":1700000000000}}`)))

	notice := readUntil(t, observer, func(f map[string]any) bool { return hasEvent(f, "activity") })
	ev := notice["event"].(map[string]any)["activity"].(map[string]any)
	assert.EqualValues(t, 5, ev["document_id"])
	assert.EqualValues(t, 0, ev["class_id"], "expected the document room notice to carry no class")
	assert.EqualValues(t, 3, ev["page"])
}
