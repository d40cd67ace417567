package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// EnsureAPIToken returns the configured API token, generating and saving a
// new one to the secrets file when none is set.
func EnsureAPIToken(cfg *Config) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := (secretsFile{path: secretsFilePath(cfg.Storage.DataDir)}).Set("server.api_token", tok); err != nil {
		return "", fmt.Errorf("saving API token: %w", err)
	}
	cfg.Server.APIToken = tok
	return tok, nil
}
