// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/syncqueue"
)

// Request headers sent with every replayed action.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDeviceID       = "X-Device-ID"
	HeaderQueuedAt       = "X-Queued-At"
)

// ErrUnknownAction is returned for a queued action with no route.
var ErrUnknownAction = errors.New("no route for action")

// StatusError is a non-success HTTP response to a replayed action.
type StatusError struct {
	Action string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: server returned status %d: %s", e.Action, e.Code, e.Body)
}

// Route is the HTTP request a queued action maps to. Path may contain
// {field} placeholders that are filled from top-level payload fields.
type Route struct {
	Method string
	Path   string
}

// HTTPConfig holds configuration for the HTTP replayer
type HTTPConfig struct {
	BaseURL        string
	Routes         map[string]Route
	RequestTimeout time.Duration // 30s
	RatePerSecond  float64       // 0 disables pacing
	Burst          int
}

// DefaultHTTPConfig returns a configuration with DefaultRoutes.
func DefaultHTTPConfig(baseURL string) *HTTPConfig {
	return &HTTPConfig{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Routes:         DefaultRoutes(),
		RequestTimeout: 30 * time.Second,
		RatePerSecond:  10,
		Burst:          5,
	}
}

// HTTPReplayer replays queued actions as JSON requests against the remote API.
type HTTPReplayer struct {
	config   *HTTPConfig
	Token    func(context.Context) (string, error) // returns JWT; nil sends no Authorization header
	DeviceID string
	HTTP     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHTTPReplayer creates an HTTP replayer.
func NewHTTPReplayer(config *HTTPConfig, deviceID string, token func(context.Context) (string, error), logger *slog.Logger) *HTTPReplayer {
	if config == nil {
		config = DefaultHTTPConfig("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return &HTTPReplayer{
		config:   config,
		Token:    token,
		DeviceID: deviceID,
		HTTP:     &http.Client{},
		limiter:  limiter,
		logger:   logger,
	}
}

// Replay sends one queued item. 2xx responses are success, as is a 409 that
// reports the idempotency key was already applied.
func (r *HTTPReplayer) Replay(ctx context.Context, item syncqueue.Item) error {
	route, ok := r.config.Routes[item.Action]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, item.Action)
	}
	path, err := expandPath(route.Path, item.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", item.Action, err)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if r.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RequestTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, route.Method, r.config.BaseURL+path, bytes.NewReader(item.Data))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, item.IdempotencyKey)
	httpReq.Header.Set(HeaderQueuedAt, strconv.FormatInt(item.Timestamp, 10))
	if r.DeviceID != "" {
		httpReq.Header.Set(HeaderDeviceID, r.DeviceID)
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get JWT token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusConflict && isDuplicate(body) {
		r.logger.Debug("action already applied remotely", "item_id", item.ID, "action", item.Action)
		return nil
	}
	return &StatusError{Action: item.Action, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func isDuplicate(body []byte) bool {
	var resp struct {
		Status string `json:"status"`
	}
	return json.Unmarshal(body, &resp) == nil && resp.Status == "duplicate"
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

func expandPath(path string, data json.RawMessage) (string, error) {
	if !strings.Contains(path, "{") {
		return path, nil
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return "", fmt.Errorf("payload must be an object to fill %s", path)
	}
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(path, func(m string) string {
		name := m[1 : len(m)-1]
		switch v := fields[name].(type) {
		case string:
			if v != "" {
				return url.PathEscape(v)
			}
		case json.Number:
			return v.String()
		}
		if missing == "" {
			missing = name
		}
		return m
	})
	if missing != "" {
		return "", fmt.Errorf("payload field %q required by %s", missing, path)
	}
	return out, nil
}
