package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kilit.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// A collision means either the CSPRNG misbehaved or the same secret was
// generated twice across the fleet; regenerate once, then give up.
const digestConflictAttempts = 2

// Service runs the refresh-token lifecycle: login issues the root of a new
// rotation lineage, refresh rotates it, logout retires it. Access
// credentials are minted alongside but never stored.
type Service struct {
	store      Store
	accessTTL  time.Duration
	refreshTTL time.Duration

	now       func() time.Time
	newSecret func() (string, error)
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithAccessTTL configures access credential lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSecretSource overrides opaque secret generation (useful for tests).
func WithSecretSource(fn func() (string, error)) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newSecret = fn
		}
	}
}

// NewService constructs a Service over the given store.
func NewService(store Store, opts ...ServiceOption) *Service {
	svc := &Service{
		store:      store,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
		newSecret:  GenerateOpaqueSecret,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// refreshState is the closed set of outcomes for a presented refresh secret.
// Evaluated strictly in this order; each request resolves to exactly one.
type refreshState int

const (
	// refreshUnknown: no record matches the digest, active or revoked.
	refreshUnknown refreshState = iota
	// refreshRevoked: the record exists but was already retired. A reuse
	// signal even when the record is also expired; revocation is checked
	// first so reuse detection cannot be dodged by waiting out the window.
	refreshRevoked
	// refreshExpired: active record whose validity window lapsed.
	refreshExpired
	// refreshValid: active and inside the window, eligible for rotation.
	refreshValid
)

func classifyRefreshToken(rec *RefreshToken, now time.Time) refreshState {
	switch {
	case rec == nil:
		return refreshUnknown
	case rec.Revoked():
		return refreshRevoked
	case rec.Expired(now):
		return refreshExpired
	default:
		return refreshValid
	}
}

// Login verifies credentials and opens a new session: a root refresh record
// with no predecessor plus a fresh access credential. Every failure mode
// collapses into ErrInvalidCredentials so callers cannot probe for accounts.
func (s *Service) Login(ctx context.Context, email, password string, origin Origin) (TokenPair, *User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, fmt.Errorf("lookup user: %w", err)
	}
	if user.Status != StatusActive {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	access, accessExp, err := IssueAccessCredential(user.ID, user.Role, s.accessTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}

	var (
		secret string
		rec    *RefreshToken
	)
	for attempt := 0; attempt < digestConflictAttempts; attempt++ {
		secret, rec, err = s.mintRefreshToken(user.ID, now, origin)
		if err != nil {
			return TokenPair{}, nil, err
		}
		err = s.store.InsertRefreshToken(ctx, rec)
		if err == nil || !errors.Is(err, ErrDigestConflict) {
			break
		}
	}
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("insert refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     secret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ValidUntil,
		SessionID:        rec.ID,
	}, user, nil
}

// Refresh rotates a presented refresh secret. The outcome follows
// classifyRefreshToken:
//
//   - unknown secrets fail with ErrTokenNotFound and touch nothing;
//   - revoked secrets are a reuse signal: every active session of the owner
//     is revoked first, then a TokenReusedError is returned;
//   - expired secrets fail with ErrTokenExpired, no cascade;
//   - valid secrets rotate atomically: the child record is durably inserted
//     before the parent is marked superseded, inside one store transaction.
//
// Two concurrent rotations of one secret are arbitrated by the store's
// conditional revoke: exactly one inserts a surviving child, the loser
// returns a raced TokenReusedError without cascading.
func (s *Service) Refresh(ctx context.Context, secret string, origin Origin) (TokenPair, *User, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return TokenPair{}, nil, ErrTokenNotFound
	}

	rec, err := s.store.FindRefreshTokenByDigest(ctx, DigestSecret(secret))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return TokenPair{}, nil, fmt.Errorf("find refresh token: %w", err)
	}

	now := s.now().UTC()
	switch classifyRefreshToken(rec, now) {
	case refreshUnknown:
		return TokenPair{}, nil, ErrTokenNotFound

	case refreshRevoked:
		// The secret was retired by rotation or logout, yet it is back: a
		// replay from a lost race or a stolen copy, and those cannot be told
		// apart. Kill the whole lineage before reporting; the cascade is a
		// correctness requirement of this error, not logging.
		revoked, err := s.store.RevokeAllRefreshTokensForUser(ctx, rec.UserID)
		if err != nil {
			return TokenPair{}, nil, fmt.Errorf("revoke sessions after reuse: %w", err)
		}
		return TokenPair{}, nil, &TokenReusedError{UserID: rec.UserID, RevokedSessions: revoked}

	case refreshExpired:
		return TokenPair{}, nil, ErrTokenExpired
	}

	// Role is re-read from the user entity, never trusted from the old
	// record, so role changes land on the next rotation.
	user, err := s.store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrTokenNotFound
		}
		return TokenPair{}, nil, fmt.Errorf("lookup token owner: %w", err)
	}
	if user.Status != StatusActive {
		return TokenPair{}, nil, ErrTokenNotFound
	}

	access, accessExp, err := IssueAccessCredential(user.ID, user.Role, s.accessTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}

	var (
		childSecret string
		child       *RefreshToken
	)
	for attempt := 0; attempt < digestConflictAttempts; attempt++ {
		childSecret, child, err = s.mintRefreshToken(user.ID, now, origin)
		if err != nil {
			return TokenPair{}, nil, err
		}
		err = s.store.RotateRefreshToken(ctx, rec.ID, child)
		if err == nil || !errors.Is(err, ErrDigestConflict) {
			break
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRevoked):
		// Lost the race against a concurrent rotation of the same secret.
		// The winner's child is the live session; no cascade.
		return TokenPair{}, nil, &TokenReusedError{UserID: rec.UserID, Raced: true}
	case errors.Is(err, ErrNotFound):
		return TokenPair{}, nil, ErrTokenNotFound
	default:
		return TokenPair{}, nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     childSecret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: child.ValidUntil,
		SessionID:        child.ID,
	}, user, nil
}

// Logout retires the presented refresh secret with no successor. Absent,
// expired or already-revoked secrets count as already logged out: logout is
// idempotent and never fails on token state.
func (s *Service) Logout(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	rec, err := s.store.FindActiveRefreshTokenByDigest(ctx, DigestSecret(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find refresh token: %w", err)
	}
	err = s.store.RevokeRefreshToken(ctx, rec.ID, "")
	if err != nil && !errors.Is(err, ErrAlreadyRevoked) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// LogoutAll revokes every active session of the user and reports the count.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	revoked, err := s.store.RevokeAllRefreshTokensForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return revoked, nil
}

// SweepExpired deletes records whose validity window ended before now.
// Advisory housekeeping: it only ever touches rows no request can accept,
// so it is safe on any cadence, concurrently with live traffic.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredRefreshTokens(ctx, s.now().UTC())
}

func (s *Service) mintRefreshToken(userID string, now time.Time, origin Origin) (string, *RefreshToken, error) {
	secret, err := s.newSecret()
	if err != nil {
		return "", nil, err
	}
	rec := &RefreshToken{
		ID:           ids.New(),
		UserID:       userID,
		SecretDigest: DigestSecret(secret),
		ValidFrom:    now,
		ValidUntil:   now.Add(s.refreshTTL),
		UserAgent:    origin.UserAgent,
		SourceIP:     origin.SourceIP,
		CreatedAt:    now,
	}
	return secret, rec, nil
}
