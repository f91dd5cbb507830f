package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/classroom-relay/internal/auth"
	"github.com/npezzotti/classroom-relay/internal/config"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/notify"
	"github.com/npezzotti/classroom-relay/internal/server"
	"github.com/npezzotti/classroom-relay/internal/stats"
	"github.com/npezzotti/classroom-relay/internal/store"
	"github.com/npezzotti/classroom-relay/internal/testutil"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/stretchr/testify/require"
)

const (
	teacherId int64 = 1
	studentId int64 = 2
)

var signingKey = []byte("test-signing-key")

type memberTable map[int64]database.Member

func (m memberTable) GetMember(_ context.Context, id int64) (database.Member, error) {
	if member, ok := m[id]; ok {
		return member, nil
	}
	return database.Member{}, database.ErrNotFound
}

type noGuests struct{}

func (noGuests) GetGuestSession(context.Context, string) (database.GuestSession, error) {
	return database.GuestSession{}, database.ErrNotFound
}

// classDirectory enrolls the student in class 10, which the teacher
// teaches and which uses document 5.
type classDirectory struct{}

func (classDirectory) IsClassMember(_ context.Context, memberId, classId int64) (bool, error) {
	return classId == 10 && (memberId == teacherId || memberId == studentId), nil
}

func (classDirectory) Supervises(_ context.Context, memberId, classId int64) (bool, error) {
	return classId == 10 && memberId == teacherId, nil
}

func (classDirectory) TeacherClasses(_ context.Context, memberId int64) ([]types.Class, error) {
	if memberId == teacherId {
		return []types.Class{{Id: 10, Name: "Algebra"}}, nil
	}
	return nil, nil
}

func (classDirectory) DocumentClasses(_ context.Context, documentId int64) ([]types.Class, error) {
	if documentId == 5 {
		return []types.Class{{Id: 10, Name: "Algebra"}}, nil
	}
	return nil, nil
}

func (classDirectory) CanAccessDocument(_ context.Context, _, documentId int64) (bool, error) {
	return documentId == 5, nil
}

func (classDirectory) IsChatParticipant(context.Context, int64, int64) (bool, error) {
	return false, nil
}

type testEnv struct {
	app    *RelayApp
	hub    *server.Hub
	repo   *database.MockRelayRepository
	tokens *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testutil.TestLogger(t)

	repo := &database.MockRelayRepository{}
	hub, err := server.NewHub(logger, store.NewMemoryStore(), classDirectory{}, repo, stats.NewNoopStats(), server.Options{NodeId: "test"})
	require.NoError(t, err)
	go hub.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	members := memberTable{
		teacherId: {Id: teacherId, Name: "Tess", Role: string(types.RoleTeacher)},
		studentId: {Id: studentId, Name: "Sam", Role: string(types.RoleStudent)},
	}
	tokens := auth.NewJWTVerifier(signingKey, members)
	gate := auth.NewGate(tokens, auth.NewGuestVerifier(noGuests{}), logger)
	dispatcher := notify.NewDispatcher(repo, hub, logger)

	app := NewRelayApp(http.NewServeMux(), logger, hub, gate, tokens, dispatcher, repo, &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	return &testEnv{app: app, hub: hub, repo: repo, tokens: tokens}
}

func (e *testEnv) token(t *testing.T, memberId int64) string {
	token, err := e.tokens.CreateToken(memberId, time.Hour)
	require.NoError(t, err, "failed to create token")
	return token
}

// do sends a request through the full handler chain as the given member;
// memberId 0 sends no credentials.
func (e *testEnv) do(t *testing.T, memberId int64, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if memberId != 0 {
		req.AddCookie(&http.Cookie{Name: "token", Value: e.token(t, memberId)})
	}

	rr := httptest.NewRecorder()
	e.app.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, jsonAPI.Unmarshal(rr.Body.Bytes(), v), "failed to decode response body")
}
