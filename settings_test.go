package moltgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadSettings_Defaults(t *testing.T) {
	for _, envs := range settingsEnv {
		for _, env := range envs {
			t.Setenv(env, "")
		}
	}

	s := LoadSettings(zaptest.NewLogger(t))
	assert.Equal(t, []string{"node", "/moltbot/dist/entry.js"}, s.Exec)
	assert.Equal(t, "/data/.moltbot", s.StateDir)
	assert.Equal(t, "/data/workspace", s.WorkspaceDir)
	assert.Empty(t, s.ConfigPath)
	assert.Equal(t, BindLoopback, s.Bind)
	assert.Empty(t, s.Token)
	assert.Equal(t, "127.0.0.1", s.GatewayHost)
	assert.Equal(t, 18789, s.GatewayPort)
	assert.Empty(t, s.SetupPassword)
	assert.Equal(t, defaultReadyTimeout, s.ReadyTimeout)
	assert.Equal(t, defaultReadyInterval, s.ReadyInterval)
	assert.Equal(t, defaultRestartGrace, s.RestartGrace)
}

func TestLoadSettings_FromEnvironment(t *testing.T) {
	t.Setenv("MOLTBOT_EXEC", "/usr/bin/moltbot --verbose")
	t.Setenv("MOLTBOT_STATE_DIR", "/srv/state")
	t.Setenv("MOLTBOT_WORKSPACE_DIR", "/srv/ws")
	t.Setenv("MOLTBOT_CONFIG_PATH", "/srv/state/custom.json")
	t.Setenv("GATEWAY_BIND", "lan")
	t.Setenv("MOLTBOT_GATEWAY_TOKEN", "secret")
	t.Setenv("INTERNAL_GATEWAY_HOST", "localhost")
	t.Setenv("INTERNAL_GATEWAY_PORT", "19000")
	t.Setenv("SETUP_PASSWORD", "hunter2")
	t.Setenv("MOLTGATE_READY_TIMEOUT", "45s")
	t.Setenv("MOLTGATE_READY_INTERVAL", "250ms")
	t.Setenv("MOLTGATE_RESTART_GRACE", "3s")

	s := LoadSettings(zaptest.NewLogger(t))
	assert.Equal(t, Settings{
		Exec:          []string{"/usr/bin/moltbot", "--verbose"},
		StateDir:      "/srv/state",
		WorkspaceDir:  "/srv/ws",
		ConfigPath:    "/srv/state/custom.json",
		Bind:          "lan",
		Token:         "secret",
		GatewayHost:   "localhost",
		GatewayPort:   19000,
		SetupPassword: "hunter2",
		ReadyTimeout:  45 * time.Second,
		ReadyInterval: 250 * time.Millisecond,
		RestartGrace:  3 * time.Second,
	}, s)
}

func TestLoadSettings_BlankValuesFallBack(t *testing.T) {
	t.Setenv("MOLTBOT_STATE_DIR", "   ")
	t.Setenv("MOLTBOT_GATEWAY_TOKEN", " ")
	t.Setenv("INTERNAL_GATEWAY_PORT", "not-a-port")
	t.Setenv("MOLTGATE_READY_TIMEOUT", "soon")

	s := LoadSettings(zaptest.NewLogger(t))
	assert.Equal(t, "/data/.moltbot", s.StateDir)
	assert.Empty(t, s.Token)
	assert.Equal(t, 18789, s.GatewayPort)
	assert.Equal(t, defaultReadyTimeout, s.ReadyTimeout)
}

func TestLoadSettings_Durations(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
		warns bool
	}{
		{"30", 30 * time.Second, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"45s", 45 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"1d", 24 * time.Hour, false},
		{"0", defaultReadyTimeout, true},
		{"-5s", defaultReadyTimeout, true},
		{"soon", defaultReadyTimeout, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("MOLTGATE_READY_TIMEOUT", tt.value)
			core, logs := observer.New(zapcore.WarnLevel)

			s := LoadSettings(zap.New(core))
			assert.Equal(t, tt.want, s.ReadyTimeout)
			if tt.warns {
				assert.Equal(t, 1, logs.FilterMessage("ignoring invalid duration setting").Len())
			} else {
				assert.Zero(t, logs.Len())
			}
		})
	}
}
