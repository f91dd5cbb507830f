package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/types"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

type MemberLookup interface {
	GetMember(ctx context.Context, memberId int64) (database.Member, error)
}

// JWTVerifier resolves HS256 member tokens to identities. The member named
// by the token must still exist.
type JWTVerifier struct {
	secretKey []byte
	members   MemberLookup
}

func NewJWTVerifier(secretKey []byte, members MemberLookup) *JWTVerifier {
	return &JWTVerifier{secretKey: secretKey, members: members}
}

// CreateToken signs a member token that expires after exp.
func (v *JWTVerifier) CreateToken(memberId int64, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: memberId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(v.secretKey)
}

func (v *JWTVerifier) memberId(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	// exp is optional for jwt.MapClaims.Valid, but not for us
	if _, ok := claims[expClaim]; !ok {
		return 0, fmt.Errorf("missing exp claim")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return 0, fmt.Errorf("invalid user id claim")
	}

	return int64(userId), nil
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (types.Identity, error) {
	if tokenString == "" {
		return types.Identity{}, reject(ReasonMissingCredentials, nil)
	}

	memberId, err := v.memberId(tokenString)
	if err != nil {
		return types.Identity{}, reject(ReasonInvalidToken, err)
	}

	m, err := v.members.GetMember(ctx, memberId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Identity{}, reject(ReasonUnknownIdentity, err)
		}
		return types.Identity{}, reject(ReasonVerifierFailure, err)
	}

	return types.Identity{
		MemberId: m.Id,
		Name:     m.Name,
		Role:     types.Role(m.Role),
	}, nil
}
