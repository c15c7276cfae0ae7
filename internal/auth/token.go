package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "kilit"
	secretEnvVariable = "KILIT_AUTH_SECRET"
)

var (
	errMissingSecret = errors.New("auth: signing secret is not configured")

	signingMu sync.Mutex
	signing   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// AccessClaims are the verified contents of an access credential.
type AccessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueAccessCredential signs a short-lived HS256 credential for the subject.
// The credential is self-contained and never persisted; there is no
// revocation path, the short ttl bounds exposure.
func IssueAccessCredential(subject, role string, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	key, err := loadSigningSecret()
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := AccessClaims{
		Role: normalizeRole(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access credential: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessCredential checks signature, structure and expiry. Purely
// computational: no storage or network access, safe on every request.
func VerifyAccessCredential(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	key, err := loadSigningSecret()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return key, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := validateAccessClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Role = normalizeRole(claims.Role)
	return claims, nil
}

func validateAccessClaims(claims *AccessClaims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := time.Now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("credential expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("credential not yet valid")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("credential issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("credential expiry precedes issued-at")
	}
	return nil
}

func normalizeRole(role string) string {
	return strings.TrimSpace(strings.ToLower(role))
}

// EnsureSigningSecret verifies the signing secret is configured. Called once
// at process start; a missing secret is a fatal startup condition rather
// than a per-request failure.
func EnsureSigningSecret() error {
	_, err := loadSigningSecret()
	return err
}

func loadSigningSecret() ([]byte, error) {
	signingMu.Lock()
	defer signingMu.Unlock()
	if signing.ready {
		return signing.value, signing.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		signing.err = errMissingSecret
		signing.ready = true
		return nil, signing.err
	}
	signing.value = []byte(raw)
	signing.err = nil
	signing.ready = true
	return signing.value, nil
}

// ResetSigningSecretForTests clears the cached secret value. Only intended for test use.
func ResetSigningSecretForTests() {
	signingMu.Lock()
	defer signingMu.Unlock()
	signing = cachedSecret{}
}
