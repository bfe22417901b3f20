package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Identity is the signed-in user.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Lang     string `json:"lang,omitempty"`
}

// AuthProvider yields the current user and the anti-forgery token presented
// during the websocket handshake. A nil identity or empty token means
// "not signed in" and makes Connect a silent no-op.
type AuthProvider interface {
	Identity() *Identity
	AntiForgeryToken() string
}

// LocaleProvider supplies the display language sent with locale-sensitive requests.
type LocaleProvider interface {
	Locale() string
}

// StaticLocale is a fixed LocaleProvider.
type StaticLocale string

func (l StaticLocale) Locale() string { return string(l) }

// StaticAuth is an AuthProvider with fixed values.
type StaticAuth struct {
	User  *Identity
	Token string
}

func (a StaticAuth) Identity() *Identity      { return a.User }
func (a StaticAuth) AntiForgeryToken() string { return a.Token }

// ============================================================================
// HTTPAuth
// ============================================================================

// HTTPAuth resolves the identity and anti-forgery token from the web API
// (/api/auth/user and /api/auth/csrf-token). The HTTP client must carry the
// session cookie; share it with the session so the websocket handshake sends
// the same cookie.
type HTTPAuth struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	user  *Identity
	token string
}

// NewHTTPAuth creates an HTTPAuth. Call Refresh before connecting.
func NewHTTPAuth(baseURL string, httpClient *http.Client) *HTTPAuth {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPAuth{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (a *HTTPAuth) Identity() *Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user
}

func (a *HTTPAuth) AntiForgeryToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Refresh fetches the current user and a fresh anti-forgery token. A signed-out
// session is not an error: Identity returns nil afterwards.
func (a *HTTPAuth) Refresh(ctx context.Context) error {
	status, data, err := a.get(ctx, "/api/auth/user")
	if err != nil {
		return err
	}
	var user *Identity
	switch status {
	case http.StatusOK:
		user, err = decodeJSON[Identity](data)
		if err != nil {
			return err
		}
	case http.StatusUnauthorized:
		user = nil
	default:
		return fmt.Errorf("fetch user: HTTP %d", status)
	}

	status, data, err = a.get(ctx, "/api/auth/csrf-token")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("fetch csrf token: HTTP %d", status)
	}
	tok, err := decodeJSON[struct {
		CSRFToken string `json:"csrf_token"`
	}](data)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.user = user
	a.token = tok.CSRFToken
	a.mu.Unlock()
	return nil
}

func (a *HTTPAuth) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
