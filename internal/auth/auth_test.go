package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/testutil"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestJWTVerifier_Verify(t *testing.T) {
	member := database.Member{Id: 7, Name: "Ada", Role: "teacher"}

	tcases := []struct {
		name      string
		token     func(v *JWTVerifier) string
		setupMock func(db *database.MockRelayRepository)
		reason    string
	}{
		{
			name: "valid token",
			token: func(v *JWTVerifier) string {
				tok, _ := v.CreateToken(7, time.Hour)
				return tok
			},
			setupMock: func(db *database.MockRelayRepository) {
				db.On("GetMember", mock.Anything, int64(7)).Return(member, nil).Once()
			},
		},
		{
			name:   "missing token",
			token:  func(*JWTVerifier) string { return "" },
			reason: ReasonMissingCredentials,
		},
		{
			name: "expired token",
			token: func(v *JWTVerifier) string {
				tok, _ := v.CreateToken(7, -time.Hour)
				return tok
			},
			reason: ReasonInvalidToken,
		},
		{
			name: "wrong signing key",
			token: func(*JWTVerifier) string {
				tok, _ := NewJWTVerifier([]byte("other"), nil).CreateToken(7, time.Hour)
				return tok
			},
			reason: ReasonInvalidToken,
		},
		{
			name: "missing exp claim",
			token: func(*JWTVerifier) string {
				tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{userIdClaim: 7}).SignedString(testSecret)
				return tok
			},
			reason: ReasonInvalidToken,
		},
		{
			name: "unknown member",
			token: func(v *JWTVerifier) string {
				tok, _ := v.CreateToken(9, time.Hour)
				return tok
			},
			setupMock: func(db *database.MockRelayRepository) {
				db.On("GetMember", mock.Anything, int64(9)).Return(database.Member{}, database.ErrNotFound).Once()
			},
			reason: ReasonUnknownIdentity,
		},
		{
			name: "member lookup fails",
			token: func(v *JWTVerifier) string {
				tok, _ := v.CreateToken(9, time.Hour)
				return tok
			},
			setupMock: func(db *database.MockRelayRepository) {
				db.On("GetMember", mock.Anything, int64(9)).Return(database.Member{}, errors.New("db down")).Once()
			},
			reason: ReasonVerifierFailure,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRelayRepository{}
			defer db.AssertExpectations(t)
			if tc.setupMock != nil {
				tc.setupMock(db)
			}

			v := NewJWTVerifier(testSecret, db)
			id, err := v.Verify(context.Background(), tc.token(v))

			if tc.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, types.Identity{MemberId: 7, Name: "Ada", Role: types.RoleTeacher}, id)
				return
			}

			assert.ErrorIs(t, err, ErrAuthRejected)
			var rejectErr *RejectError
			require.ErrorAs(t, err, &rejectErr)
			assert.Equal(t, tc.reason, rejectErr.Reason)
		})
	}
}

func TestGuestVerifier_Verify(t *testing.T) {
	hash, err := HashCode("1234")
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	session := database.GuestSession{
		Id:         "gs-1",
		DocumentId: sql.NullInt64{Int64: 11, Valid: true},
		CodeHash:   hash,
		ExpiresAt:  now.Add(time.Hour),
	}
	const clientGuestId = "0b6a3f43-2a0e-4d8a-9b7e-3c1f1f2f7a10"

	tcases := []struct {
		name    string
		code    string
		guestId string
		session database.GuestSession
		lookErr error
		reason  string
	}{
		{name: "valid code keeps guest id", code: "1234", guestId: clientGuestId, session: session},
		{name: "valid code mints guest id", code: "1234", guestId: "not-a-uuid", session: session},
		{name: "wrong code", code: "0000", session: session, reason: ReasonInvalidGuestCode},
		{
			name:    "expired session",
			code:    "1234",
			session: database.GuestSession{Id: "gs-1", CodeHash: hash, ExpiresAt: now.Add(-time.Minute)},
			reason:  ReasonGuestExpired,
		},
		{name: "unknown session", code: "1234", lookErr: database.ErrNotFound, reason: ReasonUnknownIdentity},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRelayRepository{}
			defer db.AssertExpectations(t)
			db.On("GetGuestSession", mock.Anything, "gs-1").Return(tc.session, tc.lookErr).Once()

			v := NewGuestVerifier(db)
			v.now = func() time.Time { return now }

			id, err := v.Verify(context.Background(), "gs-1", tc.code, tc.guestId)
			if tc.reason != "" {
				var rejectErr *RejectError
				require.ErrorAs(t, err, &rejectErr)
				assert.Equal(t, tc.reason, rejectErr.Reason)
				return
			}

			require.NoError(t, err)
			assert.True(t, id.IsGuest(), "expected guest identity")
			assert.Equal(t, types.RoleGuest, id.Role)
			assert.Equal(t, "gs-1", id.GuestSessionId)
			assert.Equal(t, int64(11), id.GuestDocumentId)
			if tc.guestId == clientGuestId {
				assert.Equal(t, clientGuestId, id.GuestId)
			} else {
				assert.NotEqual(t, tc.guestId, id.GuestId)
				assert.NotEmpty(t, id.GuestId)
			}
		})
	}
}

func TestGuestVerifier_MissingCredentials(t *testing.T) {
	v := NewGuestVerifier(&database.MockRelayRepository{})
	_, err := v.Verify(context.Background(), "gs-1", "", "")
	var rejectErr *RejectError
	require.ErrorAs(t, err, &rejectErr)
	assert.Equal(t, ReasonMissingCredentials, rejectErr.Reason)
}

func TestTokenFromRequest(t *testing.T) {
	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		target   string
		expected string
	}{
		{
			name:     "cookie",
			setup:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"}) },
			target:   "/ws?token=from-query",
			expected: "from-cookie",
		},
		{
			name:     "bearer header",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer from-header") },
			target:   "/ws",
			expected: "from-header",
		},
		{
			name:     "query parameter",
			setup:    func(*http.Request) {},
			target:   "/ws?token=from-query",
			expected: "from-query",
		},
		{
			name:     "none",
			setup:    func(*http.Request) {},
			target:   "/ws",
			expected: "",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.setup(r)
			assert.Equal(t, tc.expected, TokenFromRequest(r))
		})
	}
}

type stubMemberVerifier struct {
	id  types.Identity
	err error
}

func (s stubMemberVerifier) Verify(context.Context, string) (types.Identity, error) {
	return s.id, s.err
}

type stubGuestVerifier struct {
	id  types.Identity
	err error
}

func (s stubGuestVerifier) Verify(context.Context, string, string, string) (types.Identity, error) {
	return s.id, s.err
}

func TestGate_Admit(t *testing.T) {
	member := types.Identity{MemberId: 1, Name: "Ada", Role: types.RoleStudent}
	guest := types.Identity{GuestId: "g1", Name: "Guest", Role: types.RoleGuest}

	t.Run("member", func(t *testing.T) {
		g := NewGate(stubMemberVerifier{id: member}, stubGuestVerifier{}, testutil.TestLogger(t))
		id, err := g.Admit(httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil))
		assert.NoError(t, err)
		assert.Equal(t, member, id)
	})

	t.Run("guest takes precedence", func(t *testing.T) {
		g := NewGate(stubMemberVerifier{id: member}, stubGuestVerifier{id: guest}, testutil.TestLogger(t))
		id, err := g.Admit(httptest.NewRequest(http.MethodGet, "/ws?token=abc&guest_session=gs&code=1", nil))
		assert.NoError(t, err)
		assert.Equal(t, guest, id)
	})

	t.Run("rejected", func(t *testing.T) {
		g := NewGate(stubMemberVerifier{err: reject(ReasonInvalidToken, nil)}, stubGuestVerifier{}, testutil.TestLogger(t))
		_, err := g.Admit(httptest.NewRequest(http.MethodGet, "/ws", nil))
		assert.ErrorIs(t, err, ErrAuthRejected)
	})

	t.Run("plain error is wrapped as rejection", func(t *testing.T) {
		g := NewGate(stubMemberVerifier{err: errors.New("boom")}, stubGuestVerifier{}, testutil.TestLogger(t))
		_, err := g.Admit(httptest.NewRequest(http.MethodGet, "/ws", nil))
		var rejectErr *RejectError
		require.ErrorAs(t, err, &rejectErr)
		assert.Equal(t, ReasonVerifierFailure, rejectErr.Reason)
	})
}
