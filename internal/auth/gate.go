package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/rs/zerolog"
)

const tokenCookieKey = "token"

type MemberVerifier interface {
	Verify(ctx context.Context, token string) (types.Identity, error)
}

type GuestSessionVerifier interface {
	Verify(ctx context.Context, sessionId, code, guestId string) (types.Identity, error)
}

// Gate authenticates connection requests before they are upgraded.
type Gate struct {
	members MemberVerifier
	guests  GuestSessionVerifier
	log     zerolog.Logger
}

func NewGate(members MemberVerifier, guests GuestSessionVerifier, logger zerolog.Logger) *Gate {
	return &Gate{
		members: members,
		guests:  guests,
		log:     logger.With().Str("module", "gate").Logger(),
	}
}

// TokenFromRequest reads a member token from the token cookie, a bearer
// Authorization header or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value
	}

	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	return r.URL.Query().Get("token")
}

// Admit resolves the identity behind a connection request. Guest
// credentials take precedence when present. Every rejection is logged.
func (g *Gate) Admit(r *http.Request) (types.Identity, error) {
	var (
		id  types.Identity
		err error
	)

	q := r.URL.Query()
	if sessionId := q.Get("guest_session"); sessionId != "" {
		id, err = g.guests.Verify(r.Context(), sessionId, q.Get("code"), q.Get("guest_id"))
	} else {
		id, err = g.members.Verify(r.Context(), TokenFromRequest(r))
	}

	if err != nil {
		var rejectErr *RejectError
		if !errors.As(err, &rejectErr) {
			rejectErr = reject(ReasonVerifierFailure, err)
		}

		g.log.Warn().
			Str("reason", rejectErr.Reason).
			Str("remote_addr", r.RemoteAddr).
			AnErr("cause", rejectErr.Err).
			Msg("connection rejected")
		return types.Identity{}, rejectErr
	}

	return id, nil
}
