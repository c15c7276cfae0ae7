// Package sim drives scripted session-lifecycle scenarios against a running
// API instance: honest rotation chains, stolen-secret replays and
// double-submit races. It exists to exercise reuse detection end to end.
package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrRejected marks a request the server answered with 401. Scenarios
// assert on it: a replay MUST be rejected, an honest rotation must not.
var ErrRejected = errors.New("sim: request rejected")

// Session is the client-side view of one login: the access credential and
// the current refresh secret.
type Session struct {
	Access  string
	Refresh string
	UserID  string
}

// Client is a minimal consumer of the auth API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Login opens a fresh session.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	resp, err := c.postJSON(ctx, "/v1/auth/login", map[string]any{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Session{}, fmt.Errorf("%w: login", ErrRejected)
	}
	if resp.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("login: unexpected status %s", resp.Status)
	}

	sess := sessionFromCookies(resp)
	if sess.Access == "" || sess.Refresh == "" {
		return Session{}, errors.New("login: auth cookies missing")
	}
	var body struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		sess.UserID = body.User.ID
	}
	return sess, nil
}

// Refresh rotates the session's refresh secret and returns the successor
// session. A 401 surfaces as ErrRejected.
func (c *Client) Refresh(ctx context.Context, sess Session) (Session, error) {
	resp, err := c.postJSON(ctx, "/v1/auth/refresh", map[string]any{
		"refresh_token": sess.Refresh,
	})
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Session{}, fmt.Errorf("%w: refresh", ErrRejected)
	}
	if resp.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("refresh: unexpected status %s", resp.Status)
	}

	next := sessionFromCookies(resp)
	if next.Access == "" || next.Refresh == "" {
		return Session{}, errors.New("refresh: auth cookies missing")
	}
	next.UserID = sess.UserID
	return next, nil
}

// Logout retires the session. Any 2xx is success; logout is idempotent
// server-side so a dead secret is not an error.
func (c *Client) Logout(ctx context.Context, sess Session) error {
	resp, err := c.postJSON(ctx, "/v1/auth/logout", map[string]any{
		"refresh_token": sess.Refresh,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("logout: unexpected status %s", resp.Status)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func sessionFromCookies(resp *http.Response) Session {
	var sess Session
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case "kilit_access":
			sess.Access = ck.Value
		case "kilit_refresh":
			sess.Refresh = ck.Value
		}
	}
	return sess
}
