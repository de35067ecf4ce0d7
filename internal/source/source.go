// Package source materializes a package's upstream sources into its
// cache directory: release tarballs and patches come from the mirror,
// git-tracked packages are cloned or updated in place. Metapackages have
// no sources at all.
package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/ntvmb/sl-pkg/fetch"
	"github.com/ntvmb/sl-pkg/internal/cache"
	"github.com/ntvmb/sl-pkg/internal/descriptor"
	"github.com/ntvmb/sl-pkg/internal/extract"
)

// GitError reports a failed git checkout or update. A failed clone of a
// git-tracked package is fatal for the package: without a checkout there
// is nothing to build.
type GitError struct {
	Name string
	URL  string
	Err  error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git source for %s (%s): %v", e.Name, e.URL, e.Err)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// ArchiveFetcher downloads package sources into the cache.
type ArchiveFetcher struct {
	fetcher fetch.Getter
	urls    fetch.MirrorURLs
	dirs    *cache.Dirs

	// runGit is swapped out by tests; the default shells out to git.
	runGit func(ctx context.Context, dir string, args ...string) error
}

// NewArchiveFetcher creates a source fetcher over the given mirror and
// cache layout.
func NewArchiveFetcher(fetcher fetch.Getter, urls fetch.MirrorURLs, dirs *cache.Dirs) *ArchiveFetcher {
	return &ArchiveFetcher{
		fetcher: fetcher,
		urls:    urls,
		dirs:    dirs,
		runGit:  runGitCommand,
	}
}

// ArchiveName derives the cached archive filename for a versioned
// package: the package name and version joined with the archive suffix
// of its upstream URL.
func ArchiveName(d *descriptor.Descriptor) string {
	suffix := extract.ArchiveSuffix(d.URL)
	if suffix == "" {
		suffix = path.Ext(d.URL)
	}
	return d.Name + "-" + d.Version + suffix
}

// Fetch downloads everything a package needs to build: nothing for a
// metapackage, a checkout for a git-tracked package, and the release
// tarball plus all patches otherwise.
func (a *ArchiveFetcher) Fetch(ctx context.Context, d *descriptor.Descriptor, scope cache.Scope) error {
	log := logr.FromContextOrDiscard(ctx)

	if d.Metapackage {
		log.V(1).Info("metapackage has no sources", "package", d.Name)
		return nil
	}
	if d.URL == "" {
		return fmt.Errorf("package %s has no URL", d.Name)
	}
	if d.IsGit() {
		return a.fetchGit(ctx, d, scope)
	}
	return a.fetchArchive(ctx, d, scope)
}

// fetchGit clones the upstream repository into <cachedir>/<name>-git, or
// pulls inside an existing checkout. Either failing is fatal.
func (a *ArchiveFetcher) fetchGit(ctx context.Context, d *descriptor.Descriptor, scope cache.Scope) error {
	log := logr.FromContextOrDiscard(ctx)

	dir, err := a.dirs.EnsurePackageDir(d.Name, scope)
	if err != nil {
		return err
	}
	dest := a.dirs.GitDir(d.Name, scope)

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		log.Info("updating checkout", "package", d.Name, "dir", dest)
		if err := a.runGit(ctx, dest, "pull"); err != nil {
			return &GitError{Name: d.Name, URL: d.URL, Err: err}
		}
		return nil
	}

	// A stale non-checkout tree would make clone fail on a non-empty
	// destination.
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("removing stale tree %s: %w", dest, err)
	}
	log.Info("cloning repository", "package", d.Name, "url", d.URL)
	if err := a.runGit(ctx, dir, "clone", "--recursive", d.URL, dest); err != nil {
		return &GitError{Name: d.Name, URL: d.URL, Err: err}
	}
	return nil
}

// fetchArchive downloads the release tarball and every patch beside it.
func (a *ArchiveFetcher) fetchArchive(ctx context.Context, d *descriptor.Descriptor, scope cache.Scope) error {
	log := logr.FromContextOrDiscard(ctx)

	dir, err := a.dirs.EnsurePackageDir(d.Name, scope)
	if err != nil {
		return err
	}

	dest := filepath.Join(dir, ArchiveName(d))
	log.Info("downloading source archive", "package", d.Name, "url", d.URL)
	n, err := fetch.Download(ctx, a.fetcher, d.URL, dest)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", d.URL, err)
	}
	log.V(1).Info("saved archive", "path", dest, "bytes", n)

	for _, patch := range d.Patches {
		url := a.urls.Patch(d.Name, patch)
		target := filepath.Join(dir, path.Base(strings.TrimSuffix(url, "/")))
		if _, err := os.Stat(target); err == nil {
			log.Info("overwriting existing patch", "path", target)
		}
		log.V(1).Info("downloading patch", "package", d.Name, "url", url)
		if _, err := fetch.Download(ctx, a.fetcher, url, target); err != nil {
			return fmt.Errorf("downloading patch %s: %w", url, err)
		}
	}
	return nil
}

// runGitCommand runs git with its output captured; the combined output is
// attached to the error on failure.
func runGitCommand(ctx context.Context, dir string, args ...string) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git is not installed: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}
