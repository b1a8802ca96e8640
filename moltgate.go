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
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp/reverseproxy"
	"go.uber.org/zap"
)

// gatewaySupervisor is what the router and the setup surface need from the
// process supervisor.
type gatewaySupervisor interface {
	EnsureRunning(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() Status
}

type healthResponse struct {
	OK         bool `json:"ok"`
	Configured bool `json:"configured"`
}

// ServeHTTP implements caddyhttp.MiddlewareHandler; it routes the request to
// the health check, the setup surface or the gateway.
func (m *Moltgate) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	configured := m.config.Configured()
	upgrade := isUpgradeRequest(r)
	route := Decide(r.URL.Path, configured)
	m.logger.Debug("ServeHTTP",
		zap.String("uri", r.RequestURI),
		zap.Stringer("route", route),
		zap.Bool("upgrade", upgrade))

	if upgrade && !configured {
		return dropConnection(w)
	}

	switch route {
	case RouteHealth:
		writeJSON(w, http.StatusOK, healthResponse{OK: true, Configured: configured})
		return nil
	case RouteSetup:
		m.setup.ServeHTTP(w, r)
		return nil
	case RouteSetupRedirect:
		http.Redirect(w, r, setupPrefix, http.StatusFound)
		return nil
	}
	return m.forward(w, r, next)
}

// forward makes sure the gateway is running and proxies the request to it.
func (m *Moltgate) forward(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	upgrade := isUpgradeRequest(r)

	if err := m.supervisor.EnsureRunning(r.Context()); err != nil {
		if errors.Is(err, ErrNotConfigured) {
			if upgrade {
				return dropConnection(w)
			}
			http.Redirect(w, r, setupPrefix, http.StatusFound)
			return nil
		}
		if r.Context().Err() != nil {
			// client gave up while the gateway was starting
			return nil
		}
		m.logger.Warn("gateway not ready",
			zap.String("uri", r.RequestURI),
			zap.Error(err))
		if upgrade {
			return dropConnection(w)
		}
		http.Error(w, "Gateway not ready: "+err.Error(), http.StatusServiceUnavailable)
		return nil
	}

	if m.reverseProxy == nil {
		return fmt.Errorf("reverse proxy not initialized")
	}

	tw := &trackingWriter{ResponseWriter: w}
	err := m.reverseProxy.ServeHTTP(tw, r, next)
	if err == nil {
		return nil
	}
	perr := &ProxyUnavailableError{Err: err}
	m.logger.Error("forwarding to gateway failed",
		zap.String("uri", r.RequestURI),
		zap.Stringer("endpoint", m.endpoint),
		zap.Error(perr))
	if tw.wroteHeader {
		return nil
	}
	http.Error(w, "Gateway not available", http.StatusBadGateway)
	return nil
}

// GetUpstreams implements reverseproxy.UpstreamSource. The gateway endpoint
// is fixed for the lifetime of the module.
func (m *Moltgate) GetUpstreams(r *http.Request) ([]*reverseproxy.Upstream, error) {
	return []*reverseproxy.Upstream{
		{Dial: m.endpoint.String()},
	}, nil
}

func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// dropConnection closes the client connection without answering, so an
// upgrade never completes its handshake.
func dropConnection(w http.ResponseWriter) error {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		// HTTP/2 and test recorders cannot be hijacked
		http.Error(w, "Gateway not available", http.StatusServiceUnavailable)
		return nil
	}
	return conn.Close()
}

// trackingWriter records whether the proxied response has started.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	tw.wroteHeader = true
	return tw.ResponseWriter.Write(p)
}

func (tw *trackingWriter) Flush() {
	_ = http.NewResponseController(tw.ResponseWriter).Flush()
}

func (tw *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	tw.wroteHeader = true
	return http.NewResponseController(tw.ResponseWriter).Hijack()
}

func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
