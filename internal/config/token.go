package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureAPIToken returns the bearer token for the management endpoints,
// generating and persisting one on first run. The token lives next to the
// database so the CLI on the same machine can read it.
func EnsureAPIToken(dataDir string) (string, error) {
	path := tokenPath(dataDir)
	if data, err := os.ReadFile(path); err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing API token: %w", err)
	}
	return token, nil
}

// ReadAPIToken returns the persisted token, or an error if the server has
// never been started.
func ReadAPIToken(dataDir string) (string, error) {
	data, err := os.ReadFile(tokenPath(dataDir))
	if err != nil {
		return "", fmt.Errorf("reading API token (has the server been started?): %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("API token file is empty")
	}
	return token, nil
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "api_token")
}
