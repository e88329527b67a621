package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds the settings a shmcache CLI invocation needs beyond the
// region name given on the command line.
type Config struct {
	Dir        string `json:"dir,omitempty"`
	RegionSize int64  `json:"region_size,omitempty"` //nolint:tagliatelle
}

// ConfigFileName is the default project config file name, read from the
// current directory when no -config flag is given.
const ConfigFileName = ".shmcache.json"

var errConfigFileNotFound = errors.New("config file not found")

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		RegionSize: 16 * (1 << 20),
	}
}

// getGlobalConfigPath returns ~/.config/shmcache/config.json, honoring
// $XDG_CONFIG_HOME from env if set, falling back to os.Getenv for real
// process environments. Returns "" if no home directory can be found.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "shmcache", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shmcache", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "shmcache", "config.json")
}

// LoadConfig resolves settings with the following precedence, highest
// wins: defaults, global user config, project config (.shmcache.json in
// workDir, or an explicit configPath), then CLI overrides.
func LoadConfig(workDir, configPath string, cliOverrides Config, env []string) (Config, error) {
	cfg := DefaultConfig()

	global, _, err := loadConfigFile(getGlobalConfigPath(env), false)
	if err != nil {
		return Config{}, err
	}

	cfg = mergeConfig(cfg, global)

	projectPath := configPath
	mustExist := configPath != ""

	if projectPath == "" {
		projectPath = filepath.Join(workDir, ConfigFileName)
	}

	project, loaded, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if mustExist && !loaded {
		return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
	}

	cfg = mergeConfig(cfg, project)
	cfg = mergeConfig(cfg, cliOverrides)

	return cfg, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	if path == "" {
		return Config{}, false, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("parse config %s: invalid JSONC: %w", path, err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, true, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}

	if overlay.RegionSize != 0 {
		base.RegionSize = overlay.RegionSize
	}

	return base
}
