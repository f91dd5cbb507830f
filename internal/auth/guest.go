package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const guestName = "Guest"

type GuestSessionLookup interface {
	GetGuestSession(ctx context.Context, sessionId string) (database.GuestSession, error)
}

// GuestVerifier admits anonymous participants holding a session code.
type GuestVerifier struct {
	sessions GuestSessionLookup
	now      func() time.Time
}

func NewGuestVerifier(sessions GuestSessionLookup) *GuestVerifier {
	return &GuestVerifier{sessions: sessions, now: time.Now}
}

// HashCode hashes a guest session code for storage.
func HashCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	return string(hash), err
}

func verifyCode(codeHash, code string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(codeHash), []byte(code))
	return err == nil
}

// Verify checks the session code. A valid client-supplied guestId is kept
// so a reconnecting guest keeps its actor key; otherwise a new one is minted.
func (v *GuestVerifier) Verify(ctx context.Context, sessionId, code, guestId string) (types.Identity, error) {
	if sessionId == "" || code == "" {
		return types.Identity{}, reject(ReasonMissingCredentials, nil)
	}

	s, err := v.sessions.GetGuestSession(ctx, sessionId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Identity{}, reject(ReasonUnknownIdentity, err)
		}
		return types.Identity{}, reject(ReasonVerifierFailure, err)
	}

	if !v.now().Before(s.ExpiresAt) {
		return types.Identity{}, reject(ReasonGuestExpired, nil)
	}

	if !verifyCode(s.CodeHash, code) {
		return types.Identity{}, reject(ReasonInvalidGuestCode, nil)
	}

	if _, err := uuid.Parse(guestId); err != nil {
		guestId = uuid.NewString()
	}

	return types.Identity{
		Name:            guestName,
		Role:            types.RoleGuest,
		GuestId:         guestId,
		GuestSessionId:  s.Id,
		GuestDocumentId: s.DocumentId.Int64,
	}, nil
}
