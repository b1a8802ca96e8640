package moltgate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarasglek/moltgate/internal/fakegateway"
)

func getBody(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestSupervisor_ConcurrentEnsureRunningSpawnsOnce(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t, fakegateway.EnvDelay+"=200ms")
	s := newTestSupervisor(t, cfg)

	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = s.EnsureRunning(context.Background())
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.Spawns)
	assert.NotZero(t, st.PID)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.spawns))
	assert.Equal(t, float64(StateRunning), testutil.ToFloat64(s.metrics.state))

	body := getBody(t, cfg.Endpoint.URL())
	assert.Contains(t, body, "token=true")

	// already running, no new attempt
	require.NoError(t, s.EnsureRunning(context.Background()))
	assert.Equal(t, 1, s.Status().Spawns)
}

func TestSupervisor_NotConfiguredNeverSpawns(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t)
	cfg.Configured = func() bool { return false }
	s := newTestSupervisor(t, cfg)

	err := s.EnsureRunning(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, s.Restart(context.Background()), ErrNotConfigured)

	st := s.Status()
	assert.Equal(t, StateNotStarted, st.State)
	assert.Zero(t, st.Spawns)
}

func TestSupervisor_SpawnErrorIsRetryable(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t)
	cfg.Command = []string{"/nonexistent/moltgate-gateway"}
	s := newTestSupervisor(t, cfg)

	for range 2 {
		err := s.EnsureRunning(context.Background())
		var spawnErr *SpawnError
		require.ErrorAs(t, err, &spawnErr)
		assert.Nil(t, spawnErr.Exit)
		assert.Equal(t, StateNotStarted, s.Status().State)
	}
	assert.Zero(t, s.Status().Spawns)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.startFailures.WithLabelValues("spawn")))
}

func TestSupervisor_ExitDuringStartup(t *testing.T) {
	cfg, logs := fakeGatewayConfig(t, fakegateway.EnvMode+"=exit")
	s := newTestSupervisor(t, cfg)

	err := s.EnsureRunning(context.Background())
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.NotNil(t, spawnErr.Exit)
	assert.Equal(t, 3, spawnErr.Exit.Code)

	st := s.Status()
	assert.Equal(t, StateNotStarted, st.State)
	assert.Zero(t, st.PID)
	require.NotNil(t, st.LastExit)
	assert.Equal(t, 3, st.LastExit.Code)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("gateway exited").Len() > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_ReadinessTimeoutKeepsSingleProcess(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t, fakegateway.EnvMode+"=silent")
	cfg.ReadyTimeout = 300 * time.Millisecond
	s := newTestSupervisor(t, cfg)

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.EnsureRunning(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		var timeoutErr *ReadinessTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, cfg.Endpoint, timeoutErr.Endpoint)
	}

	st := s.Status()
	assert.Equal(t, StateStarting, st.State, "a process that never answered must not be reported running")
	assert.NotZero(t, st.PID)
	pid := st.PID

	// a retry probes the live process again instead of spawning another one
	var timeoutErr *ReadinessTimeoutError
	require.ErrorAs(t, s.EnsureRunning(context.Background()), &timeoutErr)
	assert.Equal(t, 1, s.Status().Spawns)
	assert.Equal(t, pid, s.Status().PID)
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.metrics.startFailures.WithLabelValues("readiness_timeout")), 2.0)
}

func TestSupervisor_CallerContextDoesNotCancelAttempt(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t, fakegateway.EnvDelay+"=300ms")
	s := newTestSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.EnsureRunning(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the shared attempt carries on and a later caller joins or observes it
	require.NoError(t, s.EnsureRunning(context.Background()))
	assert.Equal(t, StateRunning, s.Status().State)
	assert.Equal(t, 1, s.Status().Spawns)
}

func TestSupervisor_ExternalKillTriggersFreshSpawn(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t)
	s := newTestSupervisor(t, cfg)

	require.NoError(t, s.EnsureRunning(context.Background()))
	first := s.Status().PID

	proc, err := os.FindProcess(first)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool {
		return s.Status().State == StateNotStarted
	}, 5*time.Second, 10*time.Millisecond)
	st := s.Status()
	assert.Zero(t, st.PID)
	require.NotNil(t, st.LastExit)

	require.NoError(t, s.EnsureRunning(context.Background()))
	st = s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 2, st.Spawns)
	assert.NotEqual(t, first, st.PID)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.exits))
}

func TestSupervisor_Restart(t *testing.T) {
	t.Run("nothing running behaves like start", func(t *testing.T) {
		cfg, _ := fakeGatewayConfig(t)
		s := newTestSupervisor(t, cfg)

		require.NoError(t, s.Restart(context.Background()))
		st := s.Status()
		assert.Equal(t, StateRunning, st.State)
		assert.Equal(t, 1, st.Spawns)
	})

	t.Run("running gateway is replaced", func(t *testing.T) {
		cfg, _ := fakeGatewayConfig(t)
		s := newTestSupervisor(t, cfg)

		require.NoError(t, s.EnsureRunning(context.Background()))
		first := s.Status().PID

		require.NoError(t, s.Restart(context.Background()))
		st := s.Status()
		assert.Equal(t, StateRunning, st.State)
		assert.Equal(t, 2, st.Spawns)
		assert.NotEqual(t, first, st.PID)
		require.NotNil(t, st.LastExit)
		assert.Contains(t, getBody(t, cfg.Endpoint.URL()), "fake-gateway")
	})

	t.Run("restart during a failing start ends cleanly reset", func(t *testing.T) {
		cfg, _ := fakeGatewayConfig(t, fakegateway.EnvMode+"=silent")
		cfg.ReadyTimeout = 2 * time.Second
		s := newTestSupervisor(t, cfg)

		go func() { _ = s.EnsureRunning(context.Background()) }()
		require.Eventually(t, func() bool {
			return s.Status().PID != 0
		}, 5*time.Second, 10*time.Millisecond)

		err := s.Restart(context.Background())
		var timeoutErr *ReadinessTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		st := s.Status()
		assert.NotEqual(t, StateRunning, st.State)
		assert.Equal(t, 2, st.Spawns)
	})
}

func TestSupervisor_StopAbandonsStartAttempt(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t, fakegateway.EnvMode+"=silent")
	cfg.ReadyTimeout = time.Minute
	s := newTestSupervisor(t, cfg)

	done := make(chan error, 1)
	go func() { done <- s.EnsureRunning(context.Background()) }()
	require.Eventually(t, func() bool {
		return s.Status().State == StateStarting && s.Status().PID != 0
	}, 5*time.Second, 10*time.Millisecond)

	stopped := time.Now()
	s.Stop()
	assert.Less(t, time.Since(stopped), 5*time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureRunning still blocked after Stop")
	}

	st := s.Status()
	assert.Equal(t, StateNotStarted, st.State)
	assert.Zero(t, st.PID)

	// a stopped supervisor refuses to start again
	assert.Error(t, s.EnsureRunning(context.Background()))
}

func TestSupervisor_WarnsOnNonLoopbackBind(t *testing.T) {
	cfg, logs := fakeGatewayConfig(t)
	cfg.Bind = "lan"
	s := newTestSupervisor(t, cfg)

	require.NoError(t, s.EnsureRunning(context.Background()))
	warnings := logs.FilterLevelExact(zap.WarnLevel).FilterField(zap.String("bind", "lan"))
	assert.NotZero(t, warnings.Len())
}

func TestNewSupervisor_Validation(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t)

	bad := cfg
	bad.Command = nil
	_, err := NewSupervisor(bad)
	assert.Error(t, err)

	bad = cfg
	bad.Tokens = nil
	_, err = NewSupervisor(bad)
	assert.Error(t, err)

	bad = cfg
	bad.Endpoint.Port = 0
	_, err = NewSupervisor(bad)
	assert.Error(t, err)
}

func TestSpawnError_Unwrap(t *testing.T) {
	inner := errors.New("exec: not found")
	err := error(&SpawnError{Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "spawn failed")

	exit := &ExitStatus{Code: 1, Signal: "killed"}
	err = &SpawnError{Err: inner, Exit: exit}
	assert.Contains(t, err.Error(), "code=1 signal=killed")
}

func TestSupervisor_EnsureRunningDuringRestartWaitsForExit(t *testing.T) {
	cfg, _ := fakeGatewayConfig(t, fakegateway.EnvIgnoreTerm+"=1")
	cfg.RestartGrace = time.Second
	s := newTestSupervisor(t, cfg)

	require.NoError(t, s.EnsureRunning(context.Background()))
	first := s.Status().PID

	restarted := make(chan error, 1)
	go func() { restarted <- s.Restart(context.Background()) }()
	require.Eventually(t, func() bool {
		return s.Status().State == StateStopping
	}, 5*time.Second, 5*time.Millisecond)

	// the old process still answers until it is killed, it must not count
	require.NoError(t, s.EnsureRunning(context.Background()))
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.NotEqual(t, first, st.PID)

	select {
	case err := <-restarted:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Restart did not return")
	}
	st = s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 2, st.Spawns)
	require.NotNil(t, st.LastExit)
	assert.Equal(t, "killed", st.LastExit.Signal)
}

func TestSupervisor_StoppedSupervisorLeavesSharedGaugeAlone(t *testing.T) {
	reg := prometheus.NewRegistry()

	oldCfg, _ := fakeGatewayConfig(t)
	oldCfg.Metrics = reg
	old := newTestSupervisor(t, oldCfg)
	require.NoError(t, old.EnsureRunning(context.Background()))

	newCfg, _ := fakeGatewayConfig(t)
	newCfg.Metrics = reg
	replacement := newTestSupervisor(t, newCfg)
	require.NoError(t, replacement.EnsureRunning(context.Background()))

	old.Stop()
	assert.Equal(t, StateNotStarted, old.Status().State)
	assert.Equal(t, float64(StateRunning), testutil.ToFloat64(replacement.metrics.state))
	assert.Same(t, old.metrics.state, replacement.metrics.state)
}
