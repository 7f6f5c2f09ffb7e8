package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// ErrSecretMissing reports an unset or empty secret environment variable.
var ErrSecretMissing = errors.New("secret not set")

// EnvFiles returns the .env candidates for a config path: the working
// directory first, then the config directory.
func EnvFiles(configPath string) []string {
	files := []string{".env"}
	if dir := filepath.Dir(strings.TrimSpace(configPath)); dir != "" && dir != "." {
		files = append(files, filepath.Join(dir, ".env"))
	}
	return files
}

// LoadEnv loads existing .env files into the process environment. Variables
// already set are never overridden. It returns the files that were loaded.
func LoadEnv(files ...string) ([]string, error) {
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("stat env file %q: %w", file, err)
		}
		if err := godotenv.Load(file); err != nil {
			return loaded, fmt.Errorf("load env file %q: %w", file, err)
		}
		loaded = append(loaded, file)
	}
	return loaded, nil
}

// Secret reads a trimmed secret from the named environment variable.
func Secret(envName string) (string, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return "", fmt.Errorf("%w: no variable configured", ErrSecretMissing)
	}
	value := strings.TrimSpace(os.Getenv(envName))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretMissing, envName)
	}
	return value, nil
}
