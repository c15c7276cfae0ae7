package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kilit.org/internal/auth"
	"kilit.org/internal/ids"
	"kilit.org/internal/stream"
)

const (
	demoEmail     = "demo@kilit.test"
	demoPassword  = "correct-horse-battery"
	adminEmail    = "root@kilit.test"
	adminPassword = "admin-pass-123456"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *auth.InMemoryStore
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("KILIT_AUTH_SECRET", "test-secret")
	auth.ResetSigningSecretForTests()

	store := auth.NewInMemoryStore()
	seedUser(t, store, demoEmail, demoPassword, "user")
	seedUser(t, store, adminEmail, adminPassword, "admin")

	svc := auth.NewService(store)
	api := New(ReadyProbe{}, "test", svc, stream.New(), WithCookieSecure(false))
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

func seedUser(t *testing.T, store *auth.InMemoryStore, email, password, role string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	err = store.CreateUser(context.Background(), &auth.User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Status:       auth.StatusActive,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// login returns the access token and refresh secret minted for the user.
func (c *apiClient) login(email, password string) (string, string) {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"email":    email,
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	access, refresh := authCookies(c.t, resp)
	if access == "" || refresh == "" {
		c.t.Fatal("login response missing auth cookies")
	}
	return access, refresh
}

func authCookies(t *testing.T, resp *http.Response) (access, refresh string) {
	t.Helper()
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case accessCookieName:
			access = ck.Value
		case refreshCookieName:
			refresh = ck.Value
		}
	}
	return access, refresh
}

func refreshCookieHeader(secret string) map[string]string {
	return map[string]string{"Cookie": refreshCookieName + "=" + secret}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" || body["service"] != "kilit-api" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
}

func TestLoginSetsSessionCookies(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/login", map[string]any{
		"email":    demoEmail,
		"password": demoPassword,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var gotAccess, gotRefresh bool
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case accessCookieName:
			gotAccess = true
			if !ck.HttpOnly || ck.Path != "/" {
				t.Fatalf("bad access cookie attributes: %+v", ck)
			}
		case refreshCookieName:
			gotRefresh = true
			if !ck.HttpOnly || ck.Path != refreshCookiePath {
				t.Fatalf("bad refresh cookie attributes: %+v", ck)
			}
			if ck.MaxAge <= 0 {
				t.Fatalf("refresh cookie should carry a positive max-age, got %d", ck.MaxAge)
			}
		}
	}
	if !gotAccess || !gotRefresh {
		t.Fatal("expected both auth cookies on login")
	}

	body := decode[map[string]any](t, resp)
	user, ok := body["user"].(map[string]any)
	if !ok || user["email"] != demoEmail {
		t.Fatalf("unexpected login body: %v", body)
	}
	if body["access_expires_at"] == nil || body["refresh_expires_at"] == nil {
		t.Fatalf("missing expiry fields: %v", body)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	api := newTestAPI(t)

	badPassword := api.post("/v1/auth/login", map[string]any{
		"email":    demoEmail,
		"password": "wrong-password",
	}, nil)
	unknownUser := api.post("/v1/auth/login", map[string]any{
		"email":    "ghost@kilit.test",
		"password": "wrong-password",
	}, nil)

	for _, resp := range []*http.Response{badPassword, unknownUser} {
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		body := decode[map[string]any](t, resp)
		if body["error"] != "invalid credentials" {
			t.Fatalf("unexpected error body: %v", body)
		}
	}
}

func TestLoginValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/login", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/login", map[string]any{"email": "", "password": "x"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank email, got %d", resp.StatusCode)
	}
}

func TestRefreshRotatesSession(t *testing.T) {
	api := newTestAPI(t)
	_, refresh := api.login(demoEmail, demoPassword)

	resp := api.post("/v1/auth/refresh", nil, refreshCookieHeader(refresh))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected refresh status: %d", resp.StatusCode)
	}
	_, rotated := authCookies(t, resp)
	resp.Body.Close()
	if rotated == "" || rotated == refresh {
		t.Fatalf("expected a new refresh secret after rotation")
	}

	// The rotated secret keeps working.
	resp = api.post("/v1/auth/refresh", nil, refreshCookieHeader(rotated))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotated secret rejected: %d", resp.StatusCode)
	}
}

func TestReplayedRefreshRevokesLineage(t *testing.T) {
	api := newTestAPI(t)
	_, root := api.login(demoEmail, demoPassword)

	// Rotate once: root is retired, child is live.
	resp := api.post("/v1/auth/refresh", nil, refreshCookieHeader(root))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected refresh status: %d", resp.StatusCode)
	}
	_, child := authCookies(t, resp)
	resp.Body.Close()

	// Replay of the retired root secret: uniform 401, lineage killed.
	resp = api.post("/v1/auth/refresh", nil, refreshCookieHeader(root))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] != "invalid refresh token" {
		t.Fatalf("unexpected replay error body: %v", body)
	}

	user, err := api.store.GetUserByEmail(context.Background(), demoEmail)
	if err != nil {
		t.Fatalf("lookup user: %v", err)
	}
	if n := api.store.ActiveRefreshTokenCount(user.ID); n != 0 {
		t.Fatalf("expected zero active sessions after reuse, got %d", n)
	}

	// The previously valid child went down with the lineage.
	resp = api.post("/v1/auth/refresh", nil, refreshCookieHeader(child))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for cascaded child, got %d", resp.StatusCode)
	}
}

func TestRefreshWithoutCookieFails(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/refresh", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRefreshAcceptsBodySecret(t *testing.T) {
	api := newTestAPI(t)
	_, refresh := api.login(demoEmail, demoPassword)

	resp := api.post("/v1/auth/refresh", map[string]any{"refresh_token": refresh}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected body-carried secret to rotate, got %d", resp.StatusCode)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	api := newTestAPI(t)

	// No session at all still logs out cleanly.
	resp := api.post("/v1/auth/logout", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	_, refresh := api.login(demoEmail, demoPassword)

	resp = api.post("/v1/auth/logout", nil, refreshCookieHeader(refresh))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	// Second logout with the same dead secret: still 204.
	resp = api.post("/v1/auth/logout", nil, refreshCookieHeader(refresh))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on repeat logout, got %d", resp.StatusCode)
	}

	// The secret no longer rotates.
	resp = api.post("/v1/auth/refresh", nil, refreshCookieHeader(refresh))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	api := newTestAPI(t)
	access, first := api.login(demoEmail, demoPassword)
	_, second := api.login(demoEmail, demoPassword)

	resp := api.post("/v1/auth/logout-all", nil, map[string]string{
		"Authorization": "Bearer " + access,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected logout-all status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["revoked_sessions"].(float64) != 2 {
		t.Fatalf("expected 2 revoked sessions, got %v", body["revoked_sessions"])
	}

	for _, secret := range []string{first, second} {
		resp := api.post("/v1/auth/refresh", nil, refreshCookieHeader(secret))
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 after logout-all, got %d", resp.StatusCode)
		}
	}
}

func TestLogoutAllRequiresAuthentication(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/logout-all", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSessionReflectsAccessClaims(t *testing.T) {
	api := newTestAPI(t)
	access, _ := api.login(demoEmail, demoPassword)

	resp := api.get("/v1/auth/session", map[string]string{
		"Authorization": "Bearer " + access,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected session status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["role"] != "user" || body["user_id"] == "" {
		t.Fatalf("unexpected session body: %v", body)
	}

	resp = api.get("/v1/auth/session", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
}

func TestSessionAcceptsAccessCookie(t *testing.T) {
	api := newTestAPI(t)
	access, _ := api.login(demoEmail, demoPassword)

	resp := api.get("/v1/auth/session", map[string]string{
		"Cookie": accessCookieName + "=" + access,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected cookie-authenticated session, got %d", resp.StatusCode)
	}
}

func TestEventsEndpointIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	access, _ := api.login(demoEmail, demoPassword)

	resp := api.get("/v1/events", map[string]string{
		"Authorization": "Bearer " + access,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/events", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 unauthenticated, got %d", resp.StatusCode)
	}
}

func TestEventStreamDeliversLoginEvents(t *testing.T) {
	api := newTestAPI(t)
	adminAccess, _ := api.login(adminEmail, adminPassword)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminAccess)

	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() {
		t.Fatalf("no opening line: %v", scanner.Err())
	}
	if !strings.HasPrefix(scanner.Text(), ":") {
		t.Fatalf("expected SSE comment first, got %q", scanner.Text())
	}

	// Trigger an event once the subscription is live.
	api.login(demoEmail, demoPassword)

	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if data == "" {
		t.Fatalf("no event received: %v", scanner.Err())
	}

	var evt stream.SessionEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != stream.EventLogin {
		t.Fatalf("unexpected event type: %q", evt.Type)
	}
}

func TestMethodNotAllowedOnAuthRoutes(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/auth/login", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", resp.Header.Get("Allow"))
	}
}
