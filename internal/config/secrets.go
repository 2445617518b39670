package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Keys read from the environment or the .secrets file.
const (
	EnvAPIKey          = "MNEMO_API_KEY"
	EnvEmbeddingAPIKey = "MNEMO_EMBEDDING_API_KEY"
)

// Secrets sensitive configuration loaded from .secrets file
type Secrets struct {
	values map[string]string
	getenv func(string) string
}

// NewSecrets creates a new Secrets instance
func NewSecrets() *Secrets {
	return &Secrets{
		values: make(map[string]string),
		getenv: os.Getenv,
	}
}

// SecretsPath returns the secrets file path in dir
func SecretsPath(dir string) string {
	return filepath.Join(dir, secretsFile)
}

// LoadSecrets loads KEY=VALUE pairs from dir/.secrets. A missing file
// yields empty secrets.
func LoadSecrets(dir string) (*Secrets, error) {
	secrets := NewSecrets()

	file, err := os.Open(SecretsPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		secrets.values[strings.TrimSpace(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	return secrets, nil
}

// Get returns the value for a key from the file
func (s *Secrets) Get(key string) string {
	if s == nil || s.values == nil {
		return ""
	}
	return s.values[key]
}

// Lookup returns the environment value for key, falling back to the file.
func (s *Secrets) Lookup(key string) string {
	if s == nil {
		return os.Getenv(key)
	}
	if s.getenv != nil {
		if v := s.getenv(key); v != "" {
			return v
		}
	}
	return s.Get(key)
}
