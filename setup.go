package moltgate

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

//go:embed setup.html
var setupPage []byte

const maxSetupBody = 1 << 20

// providerKeys maps the providers accepted by /setup/api/configure to the
// gateway config key holding their API key.
var providerKeys = map[string]string{
	"anthropic": "anthropic.apiKey",
	"openai":    "openai.apiKey",
	"google":    "google.apiKey",
}

// setupHandler serves the password protected setup surface under /setup.
type setupHandler struct {
	password     string
	cli          commandRunner
	gateway      gatewaySupervisor
	config       *ConfigState
	tokens       *TokenStore
	bind         string
	endpoint     Endpoint
	stateDir     string
	workspaceDir string
	logger       *zap.Logger

	once sync.Once
	mux  *http.ServeMux
}

func (h *setupHandler) routes() {
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("GET /setup", h.handlePage)
	h.mux.HandleFunc("GET /setup/api/status", h.handleStatus)
	h.mux.HandleFunc("POST /setup/api/onboard", h.handleOnboard)
	h.mux.HandleFunc("POST /setup/api/configure", h.handleConfigure)
}

func (h *setupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.once.Do(h.routes)
	if !h.authorize(w, r) {
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *setupHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.password == "" {
		http.Error(w, "setup_password not set; configure SETUP_PASSWORD to enable setup", http.StatusInternalServerError)
		return false
	}
	_, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="Gateway Setup"`)
		http.Error(w, "Auth required", http.StatusUnauthorized)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="Gateway Setup"`)
		http.Error(w, "Invalid password", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *setupHandler) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(setupPage)
}

type setupStatus struct {
	Configured    bool   `json:"configured"`
	GatewayTarget string `json:"gatewayTarget"`
	StateDir      string `json:"stateDir"`
	WorkspaceDir  string `json:"workspaceDir"`
	Gateway       Status `json:"gateway"`
}

func (h *setupHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, setupStatus{
		Configured:    h.config.Configured(),
		GatewayTarget: h.endpoint.URL(),
		StateDir:      h.stateDir,
		WorkspaceDir:  h.workspaceDir,
		Gateway:       h.gateway.Status(),
	})
}

type setupResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *setupHandler) handleOnboard(w http.ResponseWriter, r *http.Request) {
	if err := h.ensureDirs(); err != nil {
		writeJSON(w, http.StatusInternalServerError, setupResult{Output: err.Error()})
		return
	}

	result := h.cli.Run(r.Context(), "onboard", "--non-interactive", "--no-install-daemon", "--workspace", h.workspaceDir)
	h.reconcile(r.Context())
	h.config.Refresh()

	if result.Code == 0 {
		if err := h.restart(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, setupResult{Output: result.Output + "\n" + err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, setupResult{OK: result.Code == 0, Output: result.Output})
}

type configureRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

func (h *setupHandler) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSetupBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, setupResult{Error: "invalid JSON body"})
		return
	}
	if req.Provider == "" || req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, setupResult{Error: "Missing provider or apiKey"})
		return
	}
	key, ok := providerKeys[req.Provider]
	if !ok {
		writeJSON(w, http.StatusBadRequest, setupResult{Error: "Unknown provider " + strconv.Quote(req.Provider)})
		return
	}
	if err := h.ensureDirs(); err != nil {
		writeJSON(w, http.StatusInternalServerError, setupResult{Output: err.Error()})
		return
	}

	result := h.cli.Run(r.Context(), "config", "set", key, req.APIKey)
	h.reconcile(r.Context())

	if !h.config.Refresh() {
		if err := h.writeMinimalConfig(); err != nil {
			h.logger.Error("writing minimal gateway config", zap.String("path", h.config.Path()), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, setupResult{Output: err.Error()})
			return
		}
		h.config.Refresh()
	}

	if err := h.restart(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, setupResult{Output: err.Error()})
		return
	}

	output := result.Output
	if output == "" {
		output = "Configuration saved"
	}
	writeJSON(w, http.StatusOK, setupResult{OK: result.Code == 0, Output: output})
}

// reconcile reapplies the gateway's credential and listener settings. It runs
// on every onboard or configure call, not only the first one.
func (h *setupHandler) reconcile(ctx context.Context) {
	token := h.tokens.Resolve()
	settings := [][2]string{
		{"gateway.auth.token", token},
		{"gateway.remote.token", token},
		{"gateway.bind", h.bind},
		{"gateway.port", strconv.Itoa(h.endpoint.Port)},
	}
	for _, kv := range settings {
		if res := h.cli.Run(ctx, "config", "set", kv[0], kv[1]); res.Code != 0 {
			h.logger.Warn("gateway config reconcile failed",
				zap.String("key", kv[0]),
				zap.Int("code", res.Code))
		}
	}
}

func (h *setupHandler) writeMinimalConfig() error {
	token := h.tokens.Resolve()
	cfg := map[string]any{
		"gateway": map[string]any{
			"bind": h.bind,
			"port": h.endpoint.Port,
			"auth": map[string]any{
				"mode":  "token",
				"token": token,
			},
			"remote": map[string]any{
				"token": token,
			},
		},
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.config.Path()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(h.config.Path(), b, 0o600)
}

func (h *setupHandler) restart(ctx context.Context) error {
	err := h.gateway.Restart(ctx)
	if errors.Is(err, ErrNotConfigured) {
		h.logger.Info("gateway still not configured after setup step")
		return nil
	}
	return err
}

func (h *setupHandler) ensureDirs() error {
	for _, dir := range []string{h.stateDir, h.workspaceDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
