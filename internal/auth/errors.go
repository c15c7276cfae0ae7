package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidToken indicates an access credential failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrTokenNotFound means the presented refresh secret matches no record,
	// active or revoked. Indistinguishable from a forged token.
	ErrTokenNotFound = errors.New("auth: refresh token not found")

	// ErrTokenExpired means the record is active but its validity window has
	// lapsed. Expiry is expected and never triggers a revocation cascade.
	ErrTokenExpired = errors.New("auth: refresh token expired")

	// ErrTokenReused means the presented secret belongs to a record that was
	// already revoked. See TokenReusedError for the cascade contract.
	ErrTokenReused = errors.New("auth: refresh token reused")

	// ErrDigestConflict is returned by stores when an inserted secret digest
	// already exists. With 256-bit secrets this is a transient fault: the
	// caller regenerates the secret and retries once.
	ErrDigestConflict = errors.New("auth: refresh token digest already exists")

	// ErrAlreadyRevoked is returned by stores when a revocation targets a
	// record whose revocation timestamp is already set.
	ErrAlreadyRevoked = errors.New("auth: refresh token already revoked")
)

// TokenReusedError is the failure returned when a refresh secret resurfaces
// after revocation. When Raced is false, every active session of the owner
// has already been revoked by the time the error is returned; callers must
// not repeat the cascade. When Raced is true, the rotation lost against a
// concurrent rotation of the same secret and no cascade was performed.
type TokenReusedError struct {
	UserID          string
	RevokedSessions int
	Raced           bool
}

func (e *TokenReusedError) Error() string {
	if e.Raced {
		return fmt.Sprintf("auth: refresh token reused: concurrent rotation won for user %s", e.UserID)
	}
	return fmt.Sprintf("auth: refresh token reused: revoked %d active sessions for user %s", e.RevokedSessions, e.UserID)
}

func (e *TokenReusedError) Unwrap() error { return ErrTokenReused }
