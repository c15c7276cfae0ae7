package auth

import (
	"context"
	"time"
)

// Store describes persistence required by the session service. It is a thin
// contract: every operation is a single durable unit and no business rules
// live below it.
type Store interface {
	UserStore
	RefreshTokenStore
}

// UserStore manages account rows.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
}

// RefreshTokenStore manages refresh token records.
//
// Revocation semantics: RevokeRefreshToken and RotateRefreshToken transition
// a record exactly once. A caller that finds the record already transitioned
// receives ErrAlreadyRevoked, which makes the conditional write usable as
// the arbiter for concurrent rotations of one secret.
type RefreshTokenStore interface {
	// InsertRefreshToken stores a fresh record. ErrDigestConflict when the
	// secret digest already exists; the insert never overwrites.
	InsertRefreshToken(ctx context.Context, tok *RefreshToken) error

	// FindRefreshTokenByDigest returns the record for a digest in any
	// revocation state, or ErrNotFound. Distinguishing "never existed" from
	// "already revoked" is what reuse detection is built on.
	FindRefreshTokenByDigest(ctx context.Context, digest string) (*RefreshToken, error)

	// FindActiveRefreshTokenByDigest is the same lookup restricted to
	// records that have not been revoked.
	FindActiveRefreshTokenByDigest(ctx context.Context, digest string) (*RefreshToken, error)

	// RevokeRefreshToken sets the revocation timestamp, and the successor
	// reference when supersededBy is non-empty. ErrAlreadyRevoked if the
	// record was already revoked, ErrNotFound if it does not exist.
	RevokeRefreshToken(ctx context.Context, id, supersededBy string) error

	// RotateRefreshToken atomically inserts child and revokes the parent
	// with supersededBy pointing at the child. Nothing of the child survives
	// when the parent turns out to be already revoked (ErrAlreadyRevoked) or
	// missing (ErrNotFound), so a lost rotation race leaves no orphan rows.
	RotateRefreshToken(ctx context.Context, parentID string, child *RefreshToken) error

	// RevokeAllRefreshTokensForUser revokes every active record of the user
	// and reports how many rows transitioned. Used by the reuse cascade and
	// logout-all; already-revoked rows are untouched, so repeating it is
	// harmless.
	RevokeAllRefreshTokensForUser(ctx context.Context, userID string) (int, error)

	// DeleteExpiredRefreshTokens removes records whose validity window ended
	// before cutoff, whatever their revocation state. Housekeeping only: it
	// touches rows no live request can accept.
	DeleteExpiredRefreshTokens(ctx context.Context, cutoff time.Time) (int, error)
}
