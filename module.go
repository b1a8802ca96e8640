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
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp/reverseproxy"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Moltgate{})
	// RegisterHandlerDirective associates the "moltgate" directive in the
	// Caddyfile with the parseCaddyfile function.
	httpcaddyfile.RegisterHandlerDirective("moltgate", parseCaddyfile)
	// Run before "respond" so an "order" block is not needed.
	httpcaddyfile.RegisterDirectiveOrder("moltgate", httpcaddyfile.Before, "respond")
}

// Moltgate fronts a gateway process: it starts the gateway on first real
// traffic, proxies HTTP and WebSocket requests to it and serves a small
// setup surface until the gateway is configured.
type Moltgate struct {
	// Gateway executable and its leading arguments
	Executable []string `json:"executable,omitempty"`
	// Working directory (default, current Caddy working directory)
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	// Environment key value pairs (key=value) for the gateway
	Envs []string `json:"envs,omitempty"`
	// Environment keys to pass through to the gateway
	PassEnvs []string `json:"passEnvs,omitempty"`
	// True to pass all environment variables to the gateway
	PassAll bool `json:"passAllEnvs,omitempty"`

	// Directory holding the gateway state and the persisted token
	StateDir string `json:"state_dir,omitempty"`
	// Workspace directory handed to the gateway
	WorkspaceDir string `json:"workspace_dir,omitempty"`
	// Gateway config file; its existence means "configured"
	ConfigPath string `json:"config_path,omitempty"`
	// Gateway bind mode, "loopback" unless the gateway must be reachable
	// from elsewhere
	Bind string `json:"bind,omitempty"`
	// Explicit gateway token, overrides the persisted one
	Token string `json:"token,omitempty"`
	// Address the gateway listens on
	GatewayHost string `json:"gateway_host,omitempty"`
	GatewayPort int    `json:"gateway_port,omitempty"`
	// Password for the /setup surface
	SetupPassword string `json:"setup_password,omitempty"`

	ReadyTimeout  caddy.Duration `json:"ready_timeout,omitempty"`
	ReadyInterval caddy.Duration `json:"ready_interval,omitempty"`
	RestartGrace  caddy.Duration `json:"restart_grace,omitempty"`

	endpoint     Endpoint
	supervisor   gatewaySupervisor
	stop         func()
	config       *ConfigState
	setup        http.Handler
	reverseProxy caddyhttp.MiddlewareHandler

	logger *zap.Logger
}

// Interface guards
var (
	_ caddyhttp.MiddlewareHandler = (*Moltgate)(nil)
	_ reverseproxy.UpstreamSource = (*Moltgate)(nil)
	_ caddyfile.Unmarshaler       = (*Moltgate)(nil)
	_ caddy.Provisioner           = (*Moltgate)(nil)
	_ caddy.Validator             = (*Moltgate)(nil)
	_ caddy.CleanerUpper          = (*Moltgate)(nil)
)

func (Moltgate) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.moltgate",
		New: func() caddy.Module { return new(Moltgate) },
	}
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler; it parses the
// moltgate directive and its subdirectives from the Caddyfile.
func (m *Moltgate) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	// Consume 'em all. Matchers should be used to differentiate multiple instantiations.
	for d.Next() {
		d.RemainingArgs() // consume matcher if present
		for d.NextBlock(0) {
			switch d.Val() {
			case "exec":
				m.Executable = d.RemainingArgs()
				if len(m.Executable) == 0 {
					return d.Err("an executable needs to be specified")
				}
			case "dir":
				if !d.Args(&m.WorkingDirectory) {
					return d.ArgErr()
				}
			case "env":
				m.Envs = d.RemainingArgs()
				if len(m.Envs) == 0 {
					return d.ArgErr()
				}
			case "pass_env":
				m.PassEnvs = d.RemainingArgs()
				if len(m.PassEnvs) == 0 {
					return d.ArgErr()
				}
			case "pass_all_env":
				m.PassAll = true
			case "state_dir":
				if !d.Args(&m.StateDir) {
					return d.ArgErr()
				}
			case "workspace_dir":
				if !d.Args(&m.WorkspaceDir) {
					return d.ArgErr()
				}
			case "config_path":
				if !d.Args(&m.ConfigPath) {
					return d.ArgErr()
				}
			case "bind":
				if !d.Args(&m.Bind) {
					return d.ArgErr()
				}
			case "token":
				if !d.Args(&m.Token) {
					return d.ArgErr()
				}
			case "gateway_host":
				if !d.Args(&m.GatewayHost) {
					return d.ArgErr()
				}
			case "gateway_port":
				var port string
				if !d.Args(&port) {
					return d.ArgErr()
				}
				p, err := strconv.Atoi(port)
				if err != nil {
					return d.Errf("invalid gateway_port %q: %v", port, err)
				}
				m.GatewayPort = p
			case "setup_password":
				if !d.Args(&m.SetupPassword) {
					return d.ArgErr()
				}
			case "ready_timeout":
				if err := parseDurationArg(d, &m.ReadyTimeout); err != nil {
					return err
				}
			case "ready_interval":
				if err := parseDurationArg(d, &m.ReadyInterval); err != nil {
					return err
				}
			case "restart_grace":
				if err := parseDurationArg(d, &m.RestartGrace); err != nil {
					return err
				}
			default:
				return d.Errf("unknown subdirective: %q", d.Val())
			}
		}
	}
	return nil
}

func parseDurationArg(d *caddyfile.Dispenser, dst *caddy.Duration) error {
	name := d.Val()
	if !d.NextArg() {
		return d.ArgErr()
	}
	dur, err := caddy.ParseDuration(d.Val())
	if err != nil {
		return d.Errf("invalid %s %q: %v", name, d.Val(), err)
	}
	*dst = caddy.Duration(dur)
	return nil
}

// applySettings fills every field left empty by the configuration from
// environment provided settings.
func (m *Moltgate) applySettings(s Settings) {
	if len(m.Executable) == 0 {
		m.Executable = s.Exec
	}
	setString(&m.StateDir, s.StateDir)
	setString(&m.WorkspaceDir, s.WorkspaceDir)
	setString(&m.Bind, s.Bind)
	setString(&m.Token, s.Token)
	setString(&m.GatewayHost, s.GatewayHost)
	setString(&m.SetupPassword, s.SetupPassword)
	setString(&m.ConfigPath, s.ConfigPath)
	if m.ConfigPath == "" {
		m.ConfigPath = filepath.Join(m.StateDir, defaultConfigName)
	}
	if m.GatewayPort == 0 {
		m.GatewayPort = s.GatewayPort
	}
	setDuration(&m.ReadyTimeout, s.ReadyTimeout)
	setDuration(&m.ReadyInterval, s.ReadyInterval)
	setDuration(&m.RestartGrace, s.RestartGrace)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *caddy.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = caddy.Duration(def)
	}
}

// Provision implements caddy.Provisioner; it resolves the gateway token,
// sets up the supervisor and provisions the underlying reverse proxy handler.
func (m *Moltgate) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger(m)
	m.applySettings(LoadSettings(m.logger.Named("settings")))

	if err := m.Validate(); err != nil {
		return err
	}
	m.endpoint = Endpoint{Host: m.GatewayHost, Port: m.GatewayPort}

	m.config = NewConfigState(m.ConfigPath, m.logger.Named("config"))
	m.config.Watch()

	tokens := NewTokenStore(m.Token, m.StateDir, m.logger)
	token := tokens.Resolve()

	var metrics prometheus.Registerer
	if reg := ctx.GetMetricsRegistry(); reg != nil {
		metrics = reg
	}

	env := m.gatewayEnv()
	sup, err := NewSupervisor(SupervisorConfig{
		Command:       m.Executable,
		Dir:           m.WorkingDirectory,
		Env:           env,
		StateDir:      m.StateDir,
		WorkspaceDir:  m.WorkspaceDir,
		Bind:          m.Bind,
		Endpoint:      m.endpoint,
		ReadyTimeout:  time.Duration(m.ReadyTimeout),
		ReadyInterval: time.Duration(m.ReadyInterval),
		RestartGrace:  time.Duration(m.RestartGrace),
		Tokens:        tokens,
		Configured:    m.config.Configured,
		Logger:        m.logger.Named("supervisor"),
		Metrics:       metrics,
	})
	if err != nil {
		m.config.Close()
		return fmt.Errorf("failed to set up gateway supervisor: %v", err)
	}
	m.supervisor = sup
	m.stop = sup.Stop

	m.setup = &setupHandler{
		password: m.SetupPassword,
		cli: &gatewayCLI{
			command: m.Executable,
			dir:     m.WorkingDirectory,
			env: append(env,
				"MOLTBOT_STATE_DIR="+m.StateDir,
				"MOLTBOT_WORKSPACE_DIR="+m.WorkspaceDir,
				"MOLTBOT_GATEWAY_TOKEN="+token,
			),
			logger: m.logger.Named("cli"),
		},
		gateway:      sup,
		config:       m.config,
		tokens:       tokens,
		bind:         m.Bind,
		endpoint:     m.endpoint,
		stateDir:     m.StateDir,
		workspaceDir: m.WorkspaceDir,
		logger:       m.logger.Named("setup"),
	}

	rp := &reverseproxy.Handler{
		DynamicUpstreams: m,
	}
	if err := rp.Provision(ctx); err != nil {
		m.Cleanup()
		return fmt.Errorf("failed to provision reverse proxy: %v", err)
	}
	m.reverseProxy = rp

	m.logger.Info("moltgate provisioned",
		zap.String("bind", m.Bind),
		zap.String("state_dir", m.StateDir),
		zap.String("workspace_dir", m.WorkspaceDir),
		zap.String("config_path", m.ConfigPath),
		zap.Bool("token_set", token != ""),
		zap.String("gateway_target", m.endpoint.URL()),
		zap.Bool("configured", m.config.Configured()))
	if m.Bind != BindLoopback {
		m.logger.Warn("gateway configured for remote access", zap.String("bind", m.Bind))
	}
	return nil
}

// Validate implements caddy.Validator.
func (m *Moltgate) Validate() error {
	if len(m.Executable) == 0 || m.Executable[0] == "" {
		return fmt.Errorf("exec (gateway executable) is required")
	}
	if m.GatewayPort <= 0 || m.GatewayPort > 65535 {
		return fmt.Errorf("gateway_port %d out of range", m.GatewayPort)
	}
	if m.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}

// gatewayEnv assembles the environment shared by the gateway process and
// its CLI invocations.
func (m *Moltgate) gatewayEnv() []string {
	var env []string
	if m.PassAll {
		env = os.Environ()
	} else {
		for _, key := range m.PassEnvs {
			if val, ok := os.LookupEnv(key); ok {
				env = append(env, key+"="+val)
			}
		}
	}
	return append(env, m.Envs...)
}

// Cleanup implements caddy.CleanerUpper; it terminates the gateway when the
// module is unloaded, which includes Caddy shutting down on a signal.
func (m *Moltgate) Cleanup() error {
	if m.config != nil {
		_ = m.config.Close()
	}
	if m.stop != nil {
		m.stop()
	}
	return nil
}

// parseCaddyfile unmarshals tokens from h into a new Middleware.
func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	m := new(Moltgate)
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}
