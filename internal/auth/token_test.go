package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func setSigningSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv(secretEnvVariable, value)
	ResetSigningSecretForTests()
	t.Cleanup(ResetSigningSecretForTests)
}

func TestIssueAndVerifyAccessCredential(t *testing.T) {
	setSigningSecret(t, "unit-test-secret")

	token, expiresAt, err := IssueAccessCredential("user-1", "Admin", 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty access token")
	}
	if until := time.Until(expiresAt); until < 14*time.Minute || until > 16*time.Minute {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := VerifyAccessCredential(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Role != "admin" {
		t.Fatalf("role not normalized: %q", claims.Role)
	}
	if claims.Issuer != issuer {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("jti missing")
	}
}

func TestVerifyAccessCredentialRejectsTampering(t *testing.T) {
	setSigningSecret(t, "unit-test-secret")

	token, _, err := IssueAccessCredential("user-1", "user", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := VerifyAccessCredential(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyAccessCredentialRejectsWrongKey(t *testing.T) {
	setSigningSecret(t, "key-one")
	token, _, err := IssueAccessCredential("user-1", "user", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	setSigningSecret(t, "key-two")
	if _, err := VerifyAccessCredential(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyAccessCredentialRejectsExpired(t *testing.T) {
	setSigningSecret(t, "unit-test-secret")

	past := time.Now().UTC().Add(-time.Hour)
	claims := AccessClaims{
		Role: "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(past.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(past),
			ID:        "expired",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyAccessCredential(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyAccessCredentialRejectsForeignIssuer(t *testing.T) {
	setSigningSecret(t, "unit-test-secret")

	claims := AccessClaims{
		Role: "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "somebody-else",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(time.Minute)),
			ID:        "foreign",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyAccessCredential(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssueAccessCredentialValidatesInput(t *testing.T) {
	setSigningSecret(t, "unit-test-secret")

	if _, _, err := IssueAccessCredential("", "user", time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty subject, got %v", err)
	}
	if _, _, err := IssueAccessCredential("user-1", "user", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero ttl, got %v", err)
	}
}

func TestSigningSecretRequired(t *testing.T) {
	setSigningSecret(t, "")

	if err := EnsureSigningSecret(); err == nil {
		t.Fatal("expected error with no signing secret configured")
	}
	if _, _, err := IssueAccessCredential("user-1", "user", time.Minute); err == nil {
		t.Fatal("expected issue to fail with no signing secret")
	}
}
