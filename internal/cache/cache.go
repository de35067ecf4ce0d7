// Package cache manages the on-disk package cache: a directory per
// package name under either the system-wide cache root or the invoking
// user's cache root. Each package directory owns the cached descriptor,
// downloaded archives and patches, and the expanded source tree.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalidName is returned for package names outside the allowed
// pattern. Names are used as path components and shell-adjacent strings,
// so this is a safety boundary, not cosmetics.
var ErrInvalidName = errors.New("invalid package name")

// Scope selects which cache root an operation targets.
type Scope int

const (
	// System is the system-wide cache, used for privileged operations.
	System Scope = iota
	// User is the invoking user's cache under $HOME.
	User
)

func (s Scope) String() string {
	switch s {
	case System:
		return "system"
	case User:
		return "user"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// ValidateName checks a package name against the allowed pattern:
// lowercase letters, digits, dashes, and plus signs.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '+':
		default:
			return fmt.Errorf("%w: %q may only contain lowercase letters, digits, dashes, and plus signs", ErrInvalidName, name)
		}
	}
	return nil
}

// Dirs resolves cache directories for both scopes.
type Dirs struct {
	system string
	user   string
}

// New creates a Dirs over the given cache roots.
func New(systemRoot, userRoot string) *Dirs {
	return &Dirs{system: systemRoot, user: userRoot}
}

// DefaultUserRoot derives the per-user cache root from HOME, which must be
// set.
func DefaultUserRoot() (string, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return "", errors.New("HOME is not set")
	}
	return filepath.Join(home, ".cache", "sl-pkg"), nil
}

// Root returns the cache root for a scope.
func (d *Dirs) Root(scope Scope) string {
	if scope == User {
		return d.user
	}
	return d.system
}

// EnsureRoots creates both cache roots if absent.
func (d *Dirs) EnsureRoots() error {
	for _, root := range []string{d.system, d.user} {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("creating cache root %s: %w", root, err)
		}
	}
	return nil
}

// PackageDir returns the cache directory for a package without creating
// it. The name must already be validated.
func (d *Dirs) PackageDir(name string, scope Scope) string {
	return filepath.Join(d.Root(scope), name)
}

// EnsurePackageDir validates the package name and creates its cache
// directory if absent.
func (d *Dirs) EnsurePackageDir(name string, scope Scope) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := d.PackageDir(name, scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating package dir %s: %w", dir, err)
	}
	return dir, nil
}

// RemovePackageDir removes a package's cache directory if it is empty.
// Used to clean up after a failed descriptor fetch.
func (d *Dirs) RemovePackageDir(name string, scope Scope) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return os.Remove(d.PackageDir(name, scope))
}

// DescriptorPath returns the path of a package's cached PACKAGE file.
func (d *Dirs) DescriptorPath(name string, scope Scope) string {
	return filepath.Join(d.PackageDir(name, scope), "PACKAGE")
}

// SourceDir returns the expanded source tree path for a versioned package.
func (d *Dirs) SourceDir(name, version string, scope Scope) string {
	return filepath.Join(d.PackageDir(name, scope), name+"-"+version)
}

// GitDir returns the checkout path for a git-sourced package.
func (d *Dirs) GitDir(name string, scope Scope) string {
	return filepath.Join(d.PackageDir(name, scope), name+"-git")
}
