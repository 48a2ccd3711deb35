package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvClientID     = "SALESFORCE_CLIENT_ID"
	EnvClientSecret = "SALESFORCE_CLIENT_SECRET"
)

// LoadEnv loads KEY=value pairs from a dotenv file into the process
// environment. Variables already set win. A missing file is not an error
// unless required is true.
func LoadEnv(path string, required bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ClientCredentials returns the OAuth2 client id and secret from the
// environment, read on every call.
func ClientCredentials() (string, string) {
	return strings.TrimSpace(os.Getenv(EnvClientID)), strings.TrimSpace(os.Getenv(EnvClientSecret))
}
