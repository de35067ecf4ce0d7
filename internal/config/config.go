// Package config loads the engine configuration from the JSON config
// file. The loaded value is immutable and passed explicitly into every
// component; nothing reads it through globals.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
)

// DefaultPath is the system-wide config file, with a fallback to
// ./sl-pkg.json for development checkouts.
const DefaultPath = "/etc/sl-pkg.json"

// Config is the resolved engine configuration.
type Config struct {
	// Mirror is the base URL descriptors, archives, and release
	// manifests are fetched from.
	Mirror string
	// CacheDir is the system-wide cache root.
	CacheDir string
	// UserCacheDir is the invoking user's cache root.
	UserCacheDir string
	// StateDir holds the installed-package ledger.
	StateDir string
}

// Default returns the built-in configuration. UserCacheDir is left empty
// when HOME is unset; callers that need the user scope must check.
func Default() Config {
	cfg := Config{
		Mirror:   ".",
		CacheDir: "/tmp/sl-pkg",
		StateDir: "/var/lib/sl-pkg",
	}
	if home := os.Getenv("HOME"); home != "" {
		cfg.UserCacheDir = home + "/.cache/sl-pkg"
	}
	return cfg
}

var (
	envRef  = regexp.MustCompile(`\$\([a-zA-Z0-9_]+\)`)
	varName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Load reads the config file at path, falling back to ./sl-pkg.json when
// it does not exist. Values may reference environment variables as
// $(NAME); references are expanded repeatedly so nested definitions
// resolve, except in MIRROR, which is taken verbatim. Keys prefixed
// "env:" are exported to the process environment instead of being stored.
func Load(path string, log logr.Logger) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fallback := "./sl-pkg.json"
		if _, err := os.Stat(fallback); err != nil {
			return cfg, fmt.Errorf("couldn't find config file %s, nor a config in the current directory", path)
		}
		path = fallback
	}
	log.V(1).Info("reading config file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for key, val := range values {
		name := strings.TrimPrefix(key, "env:")
		if !varName.MatchString(name) {
			return cfg, fmt.Errorf("illegal variable name %q: variable names may only contain alphanumeric characters and underscores", name)
		}

		// Expanded in a loop so a reference that resolves to another
		// reference still terminates at a plain value.
		for key != "MIRROR" && envRef.MatchString(val) {
			for _, ref := range envRef.FindAllString(val, -1) {
				val = strings.ReplaceAll(val, ref, os.Getenv(strings.Trim(ref, "$()")))
			}
		}
		log.V(1).Info("config value", "key", key, "value", val)

		if strings.HasPrefix(key, "env:") {
			if err := os.Setenv(name, val); err != nil {
				return cfg, fmt.Errorf("exporting %s: %w", name, err)
			}
			continue
		}

		switch key {
		case "MIRROR":
			cfg.Mirror = val
		case "CACHE_DIR":
			cfg.CacheDir = val
		case "USR_CACHE_DIR":
			cfg.UserCacheDir = val
		case "STATE_DIR":
			cfg.StateDir = val
		default:
			log.Info("ignoring unknown config key", "key", key)
		}
	}

	return cfg, nil
}
