package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/npezzotti/classroom-relay/internal/auth"
	"github.com/npezzotti/classroom-relay/internal/types"
)

func (s *RelayApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error().Err(panicError).Str("path", r.URL.Path).Msg("panic")
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the member token on the request and stores the
// identity in the request context.
func (s *RelayApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.tokens.Verify(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			var rejectErr *auth.RejectError
			errResp := NewUnauthorizedError()
			if errors.As(err, &rejectErr) {
				errResp.Reason = rejectErr.Reason
			}
			s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("request rejected")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithIdentity(r.Context(), id)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

// requireRole limits a handler to members holding one of roles. It runs
// inside authMiddleware.
func (s *RelayApp) requireRole(next http.HandlerFunc, roles ...types.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if !slices.Contains(roles, id.Role) {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r)
	}
}
