package moltgate

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// tokenFileName is the file inside the state directory holding the
// persisted gateway token.
const tokenFileName = "gateway.token"

// TokenStore resolves the secret the backend gateway authenticates with.
// The value is resolved once and never changes afterwards.
type TokenStore struct {
	// Override wins over anything on disk when non-empty.
	Override string
	// Path of the persisted token file.
	Path string

	logger *zap.Logger
	once   sync.Once
	token  string
}

func NewTokenStore(override, stateDir string, logger *zap.Logger) *TokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenStore{
		Override: strings.TrimSpace(override),
		Path:     filepath.Join(stateDir, tokenFileName),
		logger:   logger,
	}
}

// Resolve returns the gateway token, resolving it on first use.
func (ts *TokenStore) Resolve() string {
	ts.once.Do(func() {
		ts.token = ts.resolve()
	})
	return ts.token
}

func (ts *TokenStore) resolve() string {
	if ts.Override != "" {
		return ts.Override
	}

	if b, err := os.ReadFile(ts.Path); err == nil {
		if existing := strings.TrimSpace(string(b)); existing != "" {
			return existing
		}
	}

	generated := generateToken()
	if err := ts.persist(generated); err != nil {
		ts.logger.Warn("could not persist gateway token, using in-memory token for this run",
			zap.String("path", ts.Path),
			zap.Error(err))
	}
	return generated
}

func (ts *TokenStore) persist(token string) error {
	if err := os.MkdirAll(filepath.Dir(ts.Path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(ts.Path, []byte(token), 0o600)
}

// generateToken returns 256 random bits, hex encoded.
func generateToken() string {
	b := make([]byte, 32)
	// never returns an error
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
