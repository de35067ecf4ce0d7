// Package descriptor fetches PACKAGE files from a mirror into the local
// cache and resolves their fields. A descriptor is a shell-sourceable
// file, never parsed structurally: fields are read by sourcing it in a
// restricted shell with the parent environment cleared, so packager
// scripts can neither see process secrets nor inject through field names.
package descriptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/ntvmb/sl-pkg/fetch"
	"github.com/ntvmb/sl-pkg/internal/cache"
)

// ErrInvalidField is returned for field names outside [A-Za-z0-9_]+.
// The field name is interpolated into a shell command, so this is a
// security boundary.
var ErrInvalidField = errors.New("invalid field name")

// NotFoundError reports a package whose descriptor the mirror does not
// serve.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unable to locate package %s", e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return fetch.ErrNotFound
}

// Descriptor is the resolved field set of one package, evaluated once per
// run and cached in memory.
type Descriptor struct {
	Name    string
	Version string
	URL     string

	Patches      []string
	Depends      []string
	BuildDepends []string
	OptDepends   []string

	Description string

	Essential                 bool
	Metapackage               bool
	RequiresManualInteraction bool

	// Path of the cached PACKAGE file the fields were read from.
	Path string
}

// IsGit reports whether the package tracks a source-control checkout
// instead of a released tarball.
func (d *Descriptor) IsGit() bool {
	return d.Version == "git"
}

// Store fetches descriptors from a mirror and evaluates their fields.
type Store struct {
	fetcher fetch.Getter
	urls    fetch.MirrorURLs
	dirs    *cache.Dirs
	shell   string

	mu   sync.Mutex
	memo map[string]*Descriptor
}

// NewStore creates a descriptor store over the given fetcher, mirror
// layout, and cache directories.
func NewStore(fetcher fetch.Getter, urls fetch.MirrorURLs, dirs *cache.Dirs) *Store {
	return &Store{
		fetcher: fetcher,
		urls:    urls,
		dirs:    dirs,
		shell:   "bash",
		memo:    make(map[string]*Descriptor),
	}
}

// Fetch retrieves a package's PACKAGE file from the mirror into the cache,
// overwriting any cached copy. A mirror 404 removes the now-empty cache
// directory and returns a *NotFoundError.
func (s *Store) Fetch(ctx context.Context, name string, scope cache.Scope) error {
	log := logr.FromContextOrDiscard(ctx)

	dir, err := s.dirs.EnsurePackageDir(name, scope)
	if err != nil {
		return err
	}

	url := s.urls.Descriptor(name)
	log.V(1).Info("retrieving descriptor", "package", name, "url", url)

	artifact, err := s.fetcher.Fetch(ctx, url)
	if errors.Is(err, fetch.ErrNotFound) {
		if rmErr := s.dirs.RemovePackageDir(name, scope); rmErr != nil {
			log.Info("cache directory was not removed", "dir", dir, "error", rmErr.Error())
		}
		return &NotFoundError{Name: name}
	}
	if err != nil {
		return err
	}
	defer func() { _ = artifact.Body.Close() }()

	path := s.dirs.DescriptorPath(name, scope)
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	_, err = io.Copy(out, artifact.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	log.V(1).Info("saved descriptor", "path", path)
	return nil
}

// Field evaluates a single named field of a package's descriptor, fetching
// the descriptor first if it is not cached. The result is the echoed shell
// variable (array values space-joined), trimmed.
func (s *Store) Field(ctx context.Context, name, field string, scope cache.Scope) (string, error) {
	if err := cache.ValidateName(name); err != nil {
		return "", err
	}
	if err := validateField(field); err != nil {
		return "", err
	}

	path := s.dirs.DescriptorPath(name, scope)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("checking %s: %w", path, err)
		}
		if err := s.Fetch(ctx, name, scope); err != nil {
			return "", err
		}
	}
	return s.eval(ctx, path, field)
}

// Load resolves the full fixed field set of a package into a Descriptor,
// memoized for the lifetime of the store.
func (s *Store) Load(ctx context.Context, name string, scope cache.Scope) (*Descriptor, error) {
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}

	key := scope.String() + "/" + name
	s.mu.Lock()
	if d, ok := s.memo[key]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	d := &Descriptor{Name: name}
	var err error
	if d.Version, err = s.Field(ctx, name, "VERSION", scope); err != nil {
		return nil, err
	}
	if d.URL, err = s.Field(ctx, name, "URL", scope); err != nil {
		return nil, err
	}

	lists := []struct {
		field string
		dst   *[]string
	}{
		{"PATCHES", &d.Patches},
		{"DEPENDS", &d.Depends},
		{"BUILD_DEPENDS", &d.BuildDepends},
		{"OPTDEPENDS", &d.OptDepends},
	}
	for _, l := range lists {
		raw, err := s.Field(ctx, name, l.field, scope)
		if err != nil {
			return nil, err
		}
		*l.dst = strings.Fields(raw)
	}

	if d.Description, err = s.Field(ctx, name, "DESCRIPTION", scope); err != nil {
		return nil, err
	}

	bools := []struct {
		field string
		dst   *bool
	}{
		{"ESSENTIAL", &d.Essential},
		{"METAPACKAGE", &d.Metapackage},
		{"REQUIRES_MANUAL_INTERACTION", &d.RequiresManualInteraction},
	}
	for _, b := range bools {
		raw, err := s.Field(ctx, name, b.field, scope)
		if err != nil {
			return nil, err
		}
		*b.dst = raw == "true"
	}

	d.Path = s.dirs.DescriptorPath(name, scope)

	s.mu.Lock()
	s.memo[key] = d
	s.mu.Unlock()
	return d, nil
}

// Invalidate drops the memoized descriptor for a package, forcing the next
// Load to re-evaluate the cached file.
func (s *Store) Invalidate(name string, scope cache.Scope) {
	s.mu.Lock()
	delete(s.memo, scope.String()+"/"+name)
	s.mu.Unlock()
}

func validateField(field string) error {
	if field == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidField)
	}
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidField, field)
		}
	}
	return nil
}

// eval sources the descriptor in a restricted shell and echoes the named
// variable. The environment is cleared to PATH and HOME so packager
// scripts never see the caller's secrets.
func (s *Store) eval(ctx context.Context, path, field string) (string, error) {
	script := fmt.Sprintf(`source %s >/dev/null 2>&1; echo -n "${%s[@]}"`, shellQuote(path), field)
	cmd := exec.CommandContext(ctx, s.shell, "-c", script)
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + os.Getenv("HOME"),
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("evaluating %s from %s: %w (%s)", field, path, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
