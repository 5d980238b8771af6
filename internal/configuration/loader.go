package configuration

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envRefPattern = regexp.MustCompile(`\${([^}]+)}`)

// Load reads application.yml from configDir, then overlays
// application-<profile>.yml when a profile is set. Both files go through
// strict ${ENV} expansion before parsing.
func Load(configDir string) (*Properties, error) {
	cfg := &Properties{}
	if err := loadInto(configDir, "application", cfg); err != nil {
		slog.Error("Error loading base config", "Error", err.Error())
		return nil, err
	}

	if cfg.App.Profile != "" {
		name := fmt.Sprintf("application-%s", cfg.App.Profile)
		if err := loadInto(configDir, name, cfg); err != nil {
			slog.Error("Error loading profile config", "Error", err.Error())
			return nil, err
		}
	}

	return cfg, nil
}

// loadInto parses one properties file over cfg, so profile values overlay
// the base while unset keys keep their earlier values.
func loadInto(configDir, name string, cfg *Properties) error {
	raw, err := os.ReadFile(filepath.Join(configDir, name+".yml"))
	if err != nil {
		return fmt.Errorf("%s.yml: %w", name, err)
	}

	expanded, err := expandEnvStrict(string(raw))
	if err != nil {
		return fmt.Errorf("%s.yml: %w", name, err)
	}

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("%s.yml: %w", name, err)
	}

	return nil
}

// expandEnvStrict substitutes ${VAR} references, failing on any variable
// that is not set rather than silently expanding to empty.
func expandEnvStrict(s string) (string, error) {
	for _, m := range envRefPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := os.LookupEnv(m[1]); !ok {
			return "", fmt.Errorf("environment variable %s is not set", m[1])
		}
	}

	return os.ExpandEnv(s), nil
}
