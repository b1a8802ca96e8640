/*
 * Copyright (c) 2020 Andreas Schneider
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package moltgate

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Endpoint is the fixed network address the backend gateway listens on.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the base http URL of the endpoint.
func (e Endpoint) URL() string {
	return "http://" + e.String() + "/"
}

// Probe polls an endpoint until it answers.
type Probe struct {
	Interval time.Duration
	logger   *zap.Logger
}

func NewProbe(interval time.Duration, logger *zap.Logger) *Probe {
	if interval <= 0 {
		interval = defaultReadyInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{Interval: interval, logger: logger}
}

// WaitUntilReady probes endpoint every Interval until it returns any HTTP
// response, the timeout elapses or ctx is done. It reports whether the
// endpoint answered. A single probe may run longer than Interval; only the
// overall deadline bounds it.
func (p *Probe) WaitUntilReady(ctx context.Context, endpoint Endpoint, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := &http.Transport{
		DisableKeepAlives: true,
		DialContext:       (&net.Dialer{}).DialContext,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	checkURL := endpoint.URL()
	p.logger.Debug("waiting for gateway readiness",
		zap.String("url", checkURL),
		zap.Duration("timeout", timeout),
		zap.Duration("interval", p.Interval))

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		if p.probeOnce(ctx, client, checkURL) {
			p.logger.Debug("gateway answered readiness probe",
				zap.String("url", checkURL),
				zap.Int("attempts", attempt))
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (p *Probe) probeOnce(ctx context.Context, client *http.Client, checkURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	// any status means something is listening
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return true
}
