package moltgate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// defaultConfigName is the gateway config file inside the state directory,
// used when no config path is set.
const defaultConfigName = "moltbot.json"

// Settings are the environment provided defaults of the module. Caddyfile
// subdirectives and JSON fields take precedence over them.
type Settings struct {
	Exec          []string
	StateDir      string
	WorkspaceDir  string
	ConfigPath    string
	Bind          string
	Token         string
	GatewayHost   string
	GatewayPort   int
	SetupPassword string
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	RestartGrace  time.Duration
}

// settingsEnv maps each setting to the environment variables it is read
// from, in order of preference.
var settingsEnv = map[string][]string{
	"exec":           {"MOLTBOT_EXEC"},
	"state_dir":      {"MOLTBOT_STATE_DIR"},
	"workspace_dir":  {"MOLTBOT_WORKSPACE_DIR"},
	"config_path":    {"MOLTBOT_CONFIG_PATH"},
	"bind":           {"GATEWAY_BIND"},
	"token":          {"MOLTBOT_GATEWAY_TOKEN"},
	"gateway_host":   {"INTERNAL_GATEWAY_HOST"},
	"gateway_port":   {"INTERNAL_GATEWAY_PORT"},
	"setup_password": {"SETUP_PASSWORD"},
	"ready_timeout":  {"MOLTGATE_READY_TIMEOUT"},
	"ready_interval": {"MOLTGATE_READY_INTERVAL"},
	"restart_grace":  {"MOLTGATE_RESTART_GRACE"},
}

// LoadSettings reads Settings from the process environment. Invalid values
// are logged and replaced by their defaults.
func LoadSettings(logger *zap.Logger) Settings {
	if logger == nil {
		logger = zap.NewNop()
	}
	return loadSettings(viper.New(), logger)
}

var settingsDefaults = map[string]any{
	"exec":           "node /moltbot/dist/entry.js",
	"state_dir":      "/data/.moltbot",
	"workspace_dir":  "/data/workspace",
	"bind":           BindLoopback,
	"gateway_host":   "127.0.0.1",
	"gateway_port":   18789,
	"ready_timeout":  defaultReadyTimeout,
	"ready_interval": defaultReadyInterval,
	"restart_grace":  defaultRestartGrace,
}

func loadSettings(v *viper.Viper, logger *zap.Logger) Settings {
	for key, def := range settingsDefaults {
		v.SetDefault(key, def)
	}
	for key, envs := range settingsEnv {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}

	// a value of only whitespace counts as unset
	str := func(key string) string {
		if val := strings.TrimSpace(v.GetString(key)); val != "" {
			return val
		}
		def, _ := settingsDefaults[key].(string)
		return def
	}

	dur := func(key string) time.Duration {
		def := settingsDefaults[key].(time.Duration)
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			return def
		}
		d, err := parseSettingDuration(raw)
		if err != nil {
			logger.Warn("ignoring invalid duration setting",
				zap.Strings("env", settingsEnv[key]),
				zap.String("value", raw),
				zap.Duration("default", def),
				zap.Error(err))
			return def
		}
		return d
	}

	s := Settings{
		Exec:          strings.Fields(str("exec")),
		StateDir:      str("state_dir"),
		WorkspaceDir:  str("workspace_dir"),
		ConfigPath:    str("config_path"),
		Bind:          str("bind"),
		Token:         str("token"),
		GatewayHost:   str("gateway_host"),
		GatewayPort:   v.GetInt("gateway_port"),
		SetupPassword: str("setup_password"),
		ReadyTimeout:  dur("ready_timeout"),
		ReadyInterval: dur("ready_interval"),
		RestartGrace:  dur("restart_grace"),
	}
	if s.GatewayPort <= 0 {
		s.GatewayPort = settingsDefaults["gateway_port"].(int)
	}
	return s
}

// parseSettingDuration accepts caddy durations ("500ms", "30s", "1d") and
// reads a bare number as seconds.
func parseSettingDuration(raw string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("duration must be positive")
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := caddy.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}
