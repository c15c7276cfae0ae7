package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"kilit.org/internal/audit"
	"kilit.org/internal/auth"
	"kilit.org/internal/obs"
	"kilit.org/internal/stream"
)

const (
	accessCookieName  = "kilit_access"
	refreshCookieName = "kilit_refresh"

	// Refresh secret travels only to the auth endpoints.
	refreshCookiePath = "/v1/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	User             *auth.User `json:"user"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	pair, user, err := a.sessions.Login(r.Context(), email, req.Password, originFromRequest(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			obs.CountAuthEvent("login_failed")
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{"email": email})
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		obs.LogApp("error", "login_error", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	obs.CountAuthEvent("login_ok")
	_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
		"user_id":    user.ID,
		"email":      user.Email,
		"session_id": pair.SessionID,
	})
	a.publish(stream.Event(stream.EventLogin, user.ID, pair.SessionID, ""))

	w.Header().Set("Cache-Control", "no-store")
	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, sessionResponse{
		User:             user,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	secret := refreshSecretFromRequest(w, r)
	if secret == "" {
		obs.CountAuthEvent("refresh_not_found")
		a.rejectRefresh(w, r)
		return
	}

	pair, user, err := a.sessions.Refresh(r.Context(), secret, originFromRequest(r))
	if err != nil {
		a.handleRefreshError(w, r, err)
		return
	}

	obs.CountAuthEvent("refresh_rotated")
	_ = audit.LogEvent(r.Context(), audit.EventRefreshRotate, map[string]any{
		"user_id":    user.ID,
		"session_id": pair.SessionID,
	})
	a.publish(stream.Event(stream.EventRefresh, user.ID, pair.SessionID, ""))

	w.Header().Set("Cache-Control", "no-store")
	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, sessionResponse{
		User:             user,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

// handleRefreshError maps every rotation failure onto the same 401 so the
// response does not reveal whether a guessed secret exists, existed, or
// expired. The distinctions live in metrics and audit logs only.
func (a *API) handleRefreshError(w http.ResponseWriter, r *http.Request, err error) {
	var reused *auth.TokenReusedError
	switch {
	case errors.As(err, &reused):
		if reused.Raced {
			obs.CountAuthEvent("refresh_raced")
		} else {
			obs.CountAuthEvent("refresh_reused")
		}
		_ = audit.LogEvent(r.Context(), audit.EventReuseDetected, map[string]any{
			"user_id":          reused.UserID,
			"revoked_sessions": reused.RevokedSessions,
			"raced":            reused.Raced,
		})
		a.publish(stream.Event(stream.EventReuseDetected, reused.UserID, "", ""))
	case errors.Is(err, auth.ErrTokenExpired):
		obs.CountAuthEvent("refresh_expired")
	case errors.Is(err, auth.ErrTokenNotFound):
		obs.CountAuthEvent("refresh_not_found")
	default:
		obs.LogApp("error", "refresh_error", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.rejectRefresh(w, r)
}

func (a *API) rejectRefresh(w http.ResponseWriter, r *http.Request) {
	a.clearAuthCookies(w)
	writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	secret := refreshSecretFromRequest(w, r)
	if err := a.sessions.Logout(r.Context(), secret); err != nil {
		// Logout stays idempotent even when the store hiccups; the client
		// still sheds its cookies.
		obs.LogApp("error", "logout_error", map[string]any{"error": err.Error()})
	}

	obs.CountAuthEvent("logout")
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	a.publish(stream.Event(stream.EventLogout, "", "", ""))

	a.clearAuthCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	revoked, err := a.sessions.LogoutAll(r.Context(), userID)
	if err != nil {
		obs.LogApp("error", "logout_all_error", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	obs.CountAuthEvent("logout_all")
	_ = audit.LogEvent(r.Context(), audit.EventLogoutAll, map[string]any{"revoked_sessions": revoked})
	a.publish(stream.Event(stream.EventLogoutAll, userID, "", ""))

	a.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"revoked_sessions": revoked})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	claims, err := auth.VerifyAccessCredential(accessTokenFromRequest(r))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    claims.Subject,
		"role":       claims.Role,
		"issued_at":  claims.IssuedAt.Time,
		"expires_at": claims.ExpiresAt.Time,
	})
}

// --- cookie and request plumbing ---

func (a *API) setAuthCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(time.Until(pair.AccessExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		MaxAge:   int(time.Until(pair.RefreshExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// refreshSecretFromRequest reads the refresh cookie, falling back to a JSON
// body for clients that do not keep a cookie jar.
func refreshSecretFromRequest(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(refreshCookieName); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return ""
	}
	return strings.TrimSpace(req.RefreshToken)
}

func originFromRequest(r *http.Request) auth.Origin {
	return auth.Origin{
		UserAgent: r.UserAgent(),
		SourceIP:  clientIP(r),
	}
}

func (a *API) publish(evt stream.SessionEvent) {
	if a.events == nil {
		return
	}
	a.events.Publish(evt)
}
