// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ProberConfig holds configuration for the health prober
type ProberConfig struct {
	URL      string        // health endpoint, e.g. http://host/health
	Interval time.Duration // 10s
	Timeout  time.Duration // 3s
}

func DefaultProberConfig(url string) *ProberConfig {
	return &ProberConfig{
		URL:      url,
		Interval: 10 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// Prober derives connectivity from polling the remote health endpoint. It
// starts offline until the first successful probe.
type Prober struct {
	*ManualSignals

	config *ProberConfig
	HTTP   *http.Client
	logger *slog.Logger
}

func NewProber(config *ProberConfig, logger *slog.Logger) *Prober {
	if config == nil {
		config = DefaultProberConfig("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		ManualSignals: NewManualSignals(false),
		config:        config,
		HTTP:          &http.Client{},
		logger:        logger,
	}
}

// Probe performs one health check and updates the connectivity state.
func (p *Prober) Probe(ctx context.Context) bool {
	ok := p.check(ctx)
	if p.SetOnline(ok) {
		p.logger.Info("connectivity changed", "online", ok, "url", p.config.URL)
	}
	return ok
}

func (p *Prober) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		p.logger.Error("invalid health URL", "url", p.config.URL, "error", err)
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		p.logger.Debug("health probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
