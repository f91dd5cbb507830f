package auth

import (
	"errors"
	"fmt"
)

var ErrAuthRejected = errors.New("authentication rejected")

const (
	ReasonMissingCredentials = "missing credentials"
	ReasonInvalidToken       = "invalid token"
	ReasonUnknownIdentity    = "unknown identity"
	ReasonInvalidGuestCode   = "invalid guest session code"
	ReasonGuestExpired       = "guest session expired"
	ReasonVerifierFailure    = "identity verifier unavailable"
)

// RejectError carries the reason a connection was refused.
type RejectError struct {
	Reason string
	Err    error
}

func reject(reason string, err error) *RejectError {
	return &RejectError{Reason: reason, Err: err}
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", ErrAuthRejected, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrAuthRejected, e.Reason)
}

func (e *RejectError) Is(target error) bool {
	return target == ErrAuthRejected
}

func (e *RejectError) Unwrap() error {
	return e.Err
}
