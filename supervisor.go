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
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// BindLoopback keeps the gateway listener on the local host only.
	BindLoopback = "loopback"

	defaultReadyTimeout  = 30 * time.Second
	defaultReadyInterval = 500 * time.Millisecond
	defaultRestartGrace  = time.Second

	outputTailSize = 4 << 10
)

var errSupervisorStopped = errors.New("gateway supervisor stopped")

// State is the lifecycle state of the supervised gateway process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ExitStatus describes how a gateway process ended.
type ExitStatus struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

func (e ExitStatus) String() string {
	sig := e.Signal
	if sig == "" {
		sig = "none"
	}
	return fmt.Sprintf("code=%d signal=%s", e.Code, sig)
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	status := ExitStatus{Code: -1, At: time.Now()}
	if ps == nil {
		return status
	}
	status.Code = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

// Status is a point in time snapshot of the supervisor.
type Status struct {
	State     State       `json:"state"`
	PID       int         `json:"pid,omitempty"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	LastExit  *ExitStatus `json:"last_exit,omitempty"`
	Spawns    int         `json:"spawns"`
}

// SupervisorConfig holds everything needed to run the gateway process.
type SupervisorConfig struct {
	// Command is the backend executable followed by its leading arguments.
	Command []string
	// Dir is the working directory of the process.
	Dir string
	// Env is the base environment of the process.
	Env []string

	StateDir     string
	WorkspaceDir string
	Bind         string
	Endpoint     Endpoint

	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	RestartGrace  time.Duration

	Tokens *TokenStore
	// Configured reports whether the gateway has a usable configuration.
	// A nil func means always configured.
	Configured func() bool

	Logger  *zap.Logger
	Metrics prometheus.Registerer
}

// Supervisor owns the gateway process. At most one process is alive at any
// time; concurrent callers of EnsureRunning share a single start attempt.
type Supervisor struct {
	cfg     SupervisorConfig
	probe   *Probe
	logger  *zap.Logger
	metrics *supervisorMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	proc     *backendProcess
	attempt  *startAttempt
	lastExit *ExitStatus
	spawns   int
}

type backendProcess struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	output    *outputTail
	// done is closed once the exit has been recorded in exit.
	done chan struct{}
	exit ExitStatus
}

type startAttempt struct {
	id   string
	done chan struct{}
	err  error
	// stale is set once the process it waits on is being terminated.
	stale bool
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("gateway command is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("gateway token store is required")
	}
	if cfg.Endpoint.Port <= 0 {
		return nil, fmt.Errorf("invalid gateway port %d", cfg.Endpoint.Port)
	}
	if cfg.Endpoint.Host == "" {
		cfg.Endpoint.Host = "127.0.0.1"
	}
	if cfg.Bind == "" {
		cfg.Bind = BindLoopback
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = defaultReadyInterval
	}
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = defaultRestartGrace
	}
	if cfg.Configured == nil {
		cfg.Configured = func() bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		probe:   NewProbe(cfg.ReadyInterval, logger),
		logger:  logger,
		metrics: newSupervisorMetrics(cfg.Metrics),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.metrics.setState(StateNotStarted)
	return s, nil
}

// Endpoint returns the address the gateway listens on.
func (s *Supervisor) Endpoint() Endpoint {
	return s.cfg.Endpoint
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Spawns: s.spawns}
	if s.proc != nil {
		st.PID = s.proc.pid
		st.StartedAt = s.proc.startedAt
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		st.LastExit = &exit
	}
	return st
}

// setState must be called with s.mu held. The state gauge is shared with
// the supervisor of a reloaded module, so a stopped supervisor leaves it
// alone.
func (s *Supervisor) setState(state State) {
	s.state = state
	if s.ctx.Err() == nil {
		s.metrics.setState(state)
	}
}

// start spawns the gateway process unless one is already alive.
func (s *Supervisor) start() error {
	if !s.cfg.Configured() {
		return ErrNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil
	}
	if s.ctx.Err() != nil {
		return &SpawnError{Err: errSupervisorStopped}
	}

	for _, dir := range []string{s.cfg.StateDir, s.cfg.WorkspaceDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.metrics.startFailed("spawn")
			return &SpawnError{Err: fmt.Errorf("creating %s: %w", dir, err)}
		}
	}

	token := s.cfg.Tokens.Resolve()
	args := slices.Clone(s.cfg.Command[1:])
	args = append(args, "gateway", "--bind", s.cfg.Bind, "--token", token)

	cmd := exec.Command(s.cfg.Command[0], args...)
	configureBackendProcAttrs(cmd)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(slices.Clone(s.cfg.Env),
		"MOLTBOT_STATE_DIR="+s.cfg.StateDir,
		"MOLTBOT_WORKSPACE_DIR="+s.cfg.WorkspaceDir,
		"MOLTBOT_GATEWAY_TOKEN="+token,
	)
	// bounds Wait when a grandchild keeps the output pipes open
	cmd.WaitDelay = s.cfg.RestartGrace

	output := &outputTail{max: outputTailSize}
	stdout := &zapWriter{logger: s.logger, name: "stdout"}
	stderr := &zapWriter{logger: s.logger, name: "stderr"}
	cmd.Stdout = io.MultiWriter(stdout, output)
	cmd.Stderr = io.MultiWriter(stderr, output)

	s.logger.Info("starting gateway",
		zap.String("executable", s.cfg.Command[0]),
		zap.String("bind", s.cfg.Bind),
		zap.Stringer("endpoint", s.cfg.Endpoint))
	if s.cfg.Bind != BindLoopback {
		s.logger.Warn("gateway is bound beyond loopback; ensure firewall rules and token security are configured",
			zap.String("bind", s.cfg.Bind))
	}

	if err := cmd.Start(); err != nil {
		s.setState(StateNotStarted)
		s.metrics.startFailed("spawn")
		s.logger.Error("failed to start gateway",
			zap.String("executable", s.cfg.Command[0]),
			zap.Error(err))
		return &SpawnError{Err: err}
	}

	bp := &backendProcess{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		output:    output,
		done:      make(chan struct{}),
	}
	stdout.pid.Store(int64(bp.pid))
	stderr.pid.Store(int64(bp.pid))

	s.proc = bp
	s.spawns++
	s.setState(StateStarting)
	s.metrics.spawned()
	s.logger.Info("gateway started", zap.Int("pid", bp.pid))

	go s.wait(bp)
	return nil
}

func (s *Supervisor) wait(bp *backendProcess) {
	_ = bp.cmd.Wait()
	s.exited(bp, exitStatusOf(bp.cmd.ProcessState))
}

// exited is the single transition taken when a gateway process ends, for
// whatever reason and in whatever state.
func (s *Supervisor) exited(bp *backendProcess, status ExitStatus) {
	s.mu.Lock()
	bp.exit = status
	current := s.proc == bp
	if current {
		s.proc = nil
		s.lastExit = &status
		s.setState(StateNotStarted)
	}
	s.mu.Unlock()

	s.metrics.exited()
	s.logger.Warn("gateway exited",
		zap.Int("pid", bp.pid),
		zap.Int("code", status.Code),
		zap.String("signal", status.Signal),
		zap.Duration("uptime", status.At.Sub(bp.startedAt)),
		zap.Bool("current", current))
	close(bp.done)
}

// EnsureRunning returns nil once the gateway is running and answering on its
// endpoint, starting it if needed. Concurrent callers share one start attempt
// and observe the same result. It returns ErrNotConfigured without spawning
// anything while the gateway has no configuration.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	if !s.cfg.Configured() {
		return ErrNotConfigured
	}
	if s.ctx.Err() != nil {
		return errSupervisorStopped
	}

	s.mu.Lock()
	// a process being terminated, or an attempt on one, is never joined;
	// wait for it to settle and start over
	for {
		var wait <-chan struct{}
		switch {
		case s.state == StateStopping && s.proc != nil:
			wait = s.proc.done
		case s.attempt != nil && s.attempt.stale:
			wait = s.attempt.done
		}
		if wait == nil {
			break
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.state == StateRunning && s.proc != nil {
		s.mu.Unlock()
		return nil
	}
	a := s.attempt
	if a == nil {
		a = &startAttempt{id: uuid.NewString(), done: make(chan struct{})}
		s.attempt = a
		go s.runAttempt(a)
	}
	s.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) runAttempt(a *startAttempt) {
	logger := s.logger.With(zap.String("attempt", a.id))
	logger.Debug("start attempt begins")

	err := s.startAndWait(logger)
	if err != nil {
		logger.Error("start attempt failed", zap.Error(err))
	} else {
		logger.Info("gateway ready", zap.Stringer("endpoint", s.cfg.Endpoint))
	}

	s.mu.Lock()
	a.err = err
	s.attempt = nil
	s.mu.Unlock()
	close(a.done)
}

func (s *Supervisor) startAndWait(logger *zap.Logger) error {
	if err := s.start(); err != nil {
		return err
	}

	s.mu.Lock()
	bp := s.proc
	var lastExit *ExitStatus
	if s.lastExit != nil {
		exit := *s.lastExit
		lastExit = &exit
	}
	s.mu.Unlock()
	if bp == nil {
		s.metrics.startFailed("exited")
		return &SpawnError{Err: errors.New("gateway exited immediately"), Exit: lastExit}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-bp.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	began := time.Now()
	ready := s.probe.WaitUntilReady(ctx, s.cfg.Endpoint, s.cfg.ReadyTimeout)

	select {
	case <-bp.done:
		exit := bp.exit
		s.metrics.startFailed("exited")
		logger.Error("gateway exited during readiness check",
			zap.Int("pid", bp.pid),
			zap.Stringer("exit", exit),
			zap.String("recent_output", bp.output.String()))
		return &SpawnError{Err: errors.New("gateway exited during readiness check"), Exit: &exit}
	default:
	}

	if !ready {
		if s.ctx.Err() != nil {
			return errSupervisorStopped
		}
		s.metrics.startFailed("readiness_timeout")
		return &ReadinessTimeoutError{Endpoint: s.cfg.Endpoint, Timeout: s.cfg.ReadyTimeout}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != bp {
		exit := bp.exit
		return &SpawnError{Err: errors.New("gateway replaced during readiness check"), Exit: &exit}
	}
	if s.state == StateStarting {
		s.setState(StateRunning)
	}
	s.metrics.ready(time.Since(began))
	return nil
}

// Restart stops the running gateway, if any, and starts it again. With
// nothing running it behaves like a first start.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	bp := s.proc
	a := s.attempt
	s.mu.Unlock()

	if bp != nil {
		s.logger.Info("restarting gateway", zap.Int("pid", bp.pid))
		s.terminate(ctx, bp)
	}
	if a != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.EnsureRunning(ctx)
}

// terminate sends SIGTERM to the process group of bp, escalating to SIGKILL
// when it has not exited after the grace period. It returns once the exit was
// observed or a second grace period passed.
func (s *Supervisor) terminate(ctx context.Context, bp *backendProcess) {
	s.mu.Lock()
	if s.proc == bp {
		s.setState(StateStopping)
		if s.attempt != nil {
			s.attempt.stale = true
		}
	}
	s.mu.Unlock()

	if err := terminateGroup(bp.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal gateway", zap.Int("pid", bp.pid), zap.Error(err))
	}

	grace := time.NewTimer(s.cfg.RestartGrace)
	defer grace.Stop()
	select {
	case <-bp.done:
		return
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("gateway did not exit in time, killing", zap.Int("pid", bp.pid))
	if err := killGroup(bp.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("failed to kill gateway", zap.Int("pid", bp.pid), zap.Error(err))
	}
	select {
	case <-bp.done:
	case <-time.After(2 * s.cfg.RestartGrace):
		s.logger.Error("gateway exit not observed after kill", zap.Int("pid", bp.pid))
	}
}

// Stop abandons any start attempt and terminates the gateway. It is meant
// for shutdown; the supervisor cannot be started again afterwards.
func (s *Supervisor) Stop() {
	s.cancel()

	s.mu.Lock()
	bp := s.proc
	a := s.attempt
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RestartGrace)
	defer cancel()
	if bp != nil {
		s.logger.Info("stopping gateway", zap.Int("pid", bp.pid))
		s.terminate(ctx, bp)
	}
	if a != nil {
		// the cancelled probe makes the attempt return promptly
		select {
		case <-a.done:
		case <-time.After(s.cfg.RestartGrace):
		}
	}
}

// outputTail keeps the last max bytes written to it.
type outputTail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (o *outputTail) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = append(o.buf, p...)
	if over := len(o.buf) - o.max; over > 0 {
		o.buf = slices.Clone(o.buf[over:])
	}
	return len(p), nil
}

func (o *outputTail) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.buf)
}

type zapWriter struct {
	logger *zap.Logger
	name   string
	pid    atomic.Int64
}

func (zw *zapWriter) Write(p []byte) (n int, err error) {
	scanner := bufio.NewScanner(strings.NewReader(string(p)))
	for scanner.Scan() {
		zw.logger.Info("gateway "+zw.name,
			zap.Int64("pid", zw.pid.Load()),
			zap.String("msg", scanner.Text()))
	}
	return len(p), nil
}
