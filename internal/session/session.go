// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/internal/auth"
)

// ErrSignedOut is returned by Token after SignOut.
var ErrSignedOut = errors.New("no active session")

// Issuer obtains a fresh bearer token.
type Issuer interface {
	Issue(ctx context.Context, userID, deviceID string) (token string, expiresAt time.Time, err error)
}

// LocalIssuer signs tokens with a shared secret. It is meant for development
// setups where the device and the server share the secret.
type LocalIssuer struct {
	Auth *auth.JWTAuth
	TTL  time.Duration
}

func (l LocalIssuer) Issue(ctx context.Context, userID, deviceID string) (string, time.Time, error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	expiresAt := time.Now().Add(ttl)
	token, err := l.Auth.GenerateToken(userID, deviceID, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// RemoteIssuer requests tokens from the server's POST /auth/token endpoint.
type RemoteIssuer struct {
	BaseURL  string
	Password string
	HTTP     *http.Client
}

func (r RemoteIssuer) Issue(ctx context.Context, userID, deviceID string) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{"user": userID, "password": r.Password, "device": deviceID})
	if err != nil {
		return "", time.Time{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.BaseURL, "/")+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", time.Time{}, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.Token == "" {
		return "", time.Time{}, errors.New("token response without token")
	}
	return out.Token, time.Now().Add(time.Duration(out.ExpiresIn) * time.Second), nil
}

// Session caches the bearer token of one user on one device and refreshes
// it shortly before it expires.
type Session struct {
	userID   string
	deviceID string
	issuer   Issuer
	refresh  time.Duration // refresh this long before expiry
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	active    bool
}

func New(userID, deviceID string, issuer Issuer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		userID:   userID,
		deviceID: deviceID,
		issuer:   issuer,
		refresh:  time.Minute,
		now:      time.Now,
		logger:   logger,
		active:   true,
	}
}

func (s *Session) DeviceID() string { return s.deviceID }

// Token returns a valid token, issuing a new one when none is cached or the
// cached one expires within the refresh window. Its signature matches
// replay.HTTPReplayer.Token.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return "", ErrSignedOut
	}
	if s.token != "" && s.now().Add(s.refresh).Before(s.expiresAt) {
		return s.token, nil
	}

	token, expiresAt, err := s.issuer.Issue(ctx, s.userID, s.deviceID)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	s.logger.Debug("token refreshed", "user_id", s.userID, "device_id", s.deviceID, "expires_at", expiresAt.Format(time.RFC3339))
	s.token = token
	s.expiresAt = expiresAt
	return token, nil
}

// Invalidate drops the cached token so the next Token call issues a new one.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

// SignOut clears the session; Token fails until SignIn.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.active = false
}

func (s *Session) SignIn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
}
