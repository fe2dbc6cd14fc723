// Package config loads the novaharness YAML configuration and the optional
// harness environment file shared with the Gradle build.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models the harness run settings. Flags override file values.
type Config struct {
	AdbPath             string            `yaml:"adbPath"`
	Serial              string            `yaml:"serial"`
	Instrumentation     string            `yaml:"instrumentation"`
	Test                string            `yaml:"test"`
	OutputDir           string            `yaml:"outputDir"`
	ProjectRoot         string            `yaml:"projectRoot"`
	ArtifactRoot        string            `yaml:"artifactRoot"`
	EnvFile             string            `yaml:"envFile"`
	NATSURL             string            `yaml:"natsUrl"`
	StartTimeoutSeconds int               `yaml:"startTimeoutSeconds"`
	RunTimeoutSeconds   int               `yaml:"runTimeoutSeconds"`
	SkipAutoInstall     bool              `yaml:"skipAutoInstall"`
	Extras              map[string]string `yaml:"extras"`
}

// Load decodes the config file. Missing files return (nil, nil) so callers
// can fall back to flag defaults.
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// LoadEnvFile parses a KEY=VALUE env file and sets each variable into the
// process environment only when it is not already set. Blank lines and
// lines starting with '#' are skipped; an optional "export " prefix and
// surrounding quotes on the value are stripped.
func LoadEnvFile(path string) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// DefaultEnvFile returns the conventional harness env file path under a
// project root, or "" when projectRoot is empty.
func DefaultEnvFile(projectRoot string) string {
	if strings.TrimSpace(projectRoot) == "" {
		return ""
	}
	return filepath.Join(projectRoot, "config", "screenshot-harness.env")
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
