// Package identity acquires and caches short-lived gateway bearer tokens
// from the identity provider via the OAuth2 resource-owner-password grant.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// refreshSlack is how long before expiry a token is treated as expired.
const refreshSlack = 10 * time.Second

// maxTokenResponseSize bounds the identity provider response body.
const maxTokenResponseSize = 1 << 20 // 1MB

// Config identifies the identity provider realm and the gateway credentials.
type Config struct {
	IssuerURL string
	Realm     string
	ClientID  string
	Username  string
	Password  string
}

// TokenSource lazily acquires and caches a gateway bearer token. The mutex is
// held across a refresh, so concurrent callers see at most one in-flight
// refresh and wait for its result instead of racing their own.
type TokenSource struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a TokenSource for the given identity provider.
func NewTokenSource(cfg Config, logger *slog.Logger) *TokenSource {
	return &TokenSource{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Token returns a bearer token valid for at least the slack window,
// refreshing from the identity provider when the cached one is stale.
// Refresh failure is a transient upstream error; the next call re-attempts.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.token, nil
}

// Invalidate drops the cached token, forcing a refresh on the next call.
// Used when the authority rejects a request with 401.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

// refreshLocked performs the password grant. Caller holds s.mu.
func (s *TokenSource) refreshLocked(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token",
		strings.TrimRight(s.cfg.IssuerURL, "/"), s.cfg.Realm)

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {s.cfg.ClientID},
		"username":   {s.cfg.Username},
		"password":   {s.cfg.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity provider status %d: %s", resp.StatusCode, string(body))
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if grant.AccessToken == "" {
		return fmt.Errorf("identity provider returned no access_token")
	}
	if grant.ExpiresIn == 0 {
		grant.ExpiresIn = 60
	}

	s.token = grant.AccessToken
	s.expiresAt = s.now().Add(time.Duration(grant.ExpiresIn)*time.Second - refreshSlack)
	s.logger.Info("refreshed gateway token", "expires_in_seconds", grant.ExpiresIn)
	return nil
}
