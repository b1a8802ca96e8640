package moltgate

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tarasglek/moltgate/internal/fakegateway"
)

// TestMain lets the test binary double as the gateway tool.
func TestMain(m *testing.M) {
	if fakegateway.Enabled() {
		os.Exit(fakegateway.Main(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// freePort asks the kernel for a free open port that is ready to use.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// fakeGatewayConfig returns a supervisor config that runs the fake gateway.
// The logger is an observer so goroutines outliving a test can still log.
func fakeGatewayConfig(t *testing.T, env ...string) (SupervisorConfig, *observer.ObservedLogs) {
	t.Helper()
	port := freePort(t)
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	base := []string{
		fakegateway.EnvEnable + "=1",
		fakegateway.EnvAddr + "=127.0.0.1:" + strconv.Itoa(port),
	}
	return SupervisorConfig{
		Command:       []string{os.Args[0]},
		Env:           append(base, env...),
		StateDir:      stateDir,
		WorkspaceDir:  filepath.Join(dir, "workspace"),
		Bind:          BindLoopback,
		Endpoint:      Endpoint{Host: "127.0.0.1", Port: port},
		ReadyTimeout:  10 * time.Second,
		ReadyInterval: 50 * time.Millisecond,
		RestartGrace:  500 * time.Millisecond,
		Tokens:        NewTokenStore("test-token", stateDir, logger),
		Logger:        logger,
		Metrics:       prometheus.NewRegistry(),
	}, logs
}

func newTestSupervisor(t *testing.T, cfg SupervisorConfig) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(cfg)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}
