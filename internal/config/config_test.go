package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sl-pkg.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"MIRROR": "https://mirror.example.org/pkgs",
		"CACHE_DIR": "/srv/cache/sl-pkg",
		"STATE_DIR": "/srv/state/sl-pkg"
	}`)

	cfg, err := Load(path, logr.Discard())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mirror != "https://mirror.example.org/pkgs" {
		t.Errorf("Mirror = %q", cfg.Mirror)
	}
	if cfg.CacheDir != "/srv/cache/sl-pkg" {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}
	if cfg.StateDir != "/srv/state/sl-pkg" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("SLPKG_TEST_ROOT", "/srv/roots")
	path := writeConfig(t, `{"CACHE_DIR": "$(SLPKG_TEST_ROOT)/cache"}`)

	cfg, err := Load(path, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheDir != "/srv/roots/cache" {
		t.Errorf("CacheDir = %q, want /srv/roots/cache", cfg.CacheDir)
	}
}

func TestLoadExpandsNestedReferences(t *testing.T) {
	t.Setenv("SLPKG_TEST_OUTER", "$(SLPKG_TEST_INNER)/outer")
	t.Setenv("SLPKG_TEST_INNER", "/srv")
	path := writeConfig(t, `{"CACHE_DIR": "$(SLPKG_TEST_OUTER)/cache"}`)

	cfg, err := Load(path, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheDir != "/srv/outer/cache" {
		t.Errorf("CacheDir = %q, want /srv/outer/cache", cfg.CacheDir)
	}
}

func TestLoadMirrorNotExpanded(t *testing.T) {
	t.Setenv("SLPKG_TEST_HOST", "mirror.example.org")
	path := writeConfig(t, `{"MIRROR": "https://$(SLPKG_TEST_HOST)/pkgs"}`)

	cfg, err := Load(path, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mirror != "https://$(SLPKG_TEST_HOST)/pkgs" {
		t.Errorf("Mirror = %q, want the reference verbatim", cfg.Mirror)
	}
}

func TestLoadEnvKeysExport(t *testing.T) {
	t.Setenv("SLPKG_TEST_EXPORTED", "")
	path := writeConfig(t, `{"env:SLPKG_TEST_EXPORTED": "-O2 -pipe"}`)

	if _, err := Load(path, logr.Discard()); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("SLPKG_TEST_EXPORTED"); got != "-O2 -pipe" {
		t.Errorf("SLPKG_TEST_EXPORTED = %q", got)
	}
}

func TestLoadRejectsIllegalVariableName(t *testing.T) {
	path := writeConfig(t, `{"env:BAD NAME": "x"}`)
	_, err := Load(path, logr.Discard())
	if err == nil || !strings.Contains(err.Error(), "illegal variable name") {
		t.Errorf("Load = %v, want illegal variable name error", err)
	}
}

func TestLoadMissingFileFallsBackToCwd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sl-pkg.json"), []byte(`{"MIRROR": "/local/mirror"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load(filepath.Join(dir, "no-such-config.json"), logr.Discard())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mirror != "/local/mirror" {
		t.Errorf("Mirror = %q", cfg.Mirror)
	}
}

func TestLoadNoConfigAnywhere(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("/no/such/sl-pkg.json", logr.Discard())
	if err == nil {
		t.Fatal("Load succeeded with no config file anywhere")
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.CacheDir != "/tmp/sl-pkg" {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}
	if cfg.StateDir != "/var/lib/sl-pkg" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
}
