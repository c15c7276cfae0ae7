package auth

import (
	"context"
	"strings"
)

type userIDContextKey struct{}
type roleContextKey struct{}

// ContextWithUser stores the authenticated identity in the context.
func ContextWithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, userIDContextKey{}, strings.TrimSpace(userID))
	if role = normalizeRole(role); role != "" {
		ctx = context.WithValue(ctx, roleContextKey{}, role)
	}
	return ctx
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userIDContextKey{}).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RoleFromContext returns the role stored in context (normalized lower-case).
func RoleFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(roleContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// HasRole checks whether the context carries the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = normalizeRole(role)
	if role == "" {
		return false
	}
	got, ok := RoleFromContext(ctx)
	return ok && got == role
}
