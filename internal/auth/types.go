package auth

import "time"

// User statuses. Only active users may log in or rotate sessions.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// User is the account entity. Role is an opaque tag carried into access
// credentials; it is re-read from this entity on every rotation so role
// changes take effect without waiting for the refresh lifetime.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RefreshToken is the durable record of one issued refresh secret. The raw
// secret is never stored; SecretDigest is both the storage form and the
// lookup key. SupersededBy is set only when the record is retired by
// rotation, never by logout or cascade revocation, so the chain of
// SupersededBy links reconstructs the rotation lineage.
type RefreshToken struct {
	ID           string
	UserID       string
	SecretDigest string
	ValidFrom    time.Time
	ValidUntil   time.Time
	RevokedAt    *time.Time
	SupersededBy *string
	UserAgent    string
	SourceIP     string
	CreatedAt    time.Time
}

// Revoked reports whether the record has been retired. A revoked record is
// never accepted again, whatever its validity window says.
func (t *RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// Expired reports whether the validity window has lapsed at the given
// instant. Expiry is checked at read time; nothing proactively evicts rows.
func (t *RefreshToken) Expired(now time.Time) bool { return now.After(t.ValidUntil) }

// Origin carries advisory request metadata stored on each record. It is
// audit material only and never participates in authorization decisions.
type Origin struct {
	UserAgent string
	SourceIP  string
}

// TokenPair represents access and refresh tokens along with their
// expirations. SessionID names the refresh record backing the pair; it is
// observability material, not a credential, and stays out of response bodies.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
}
