// Package pipeline turns fetched sources into built and installed
// packages by driving the packaging script's lifecycle phases: prepare
// and build in the source tree, then do_install and postinst with the
// result recorded in the installed-package ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/mattn/go-isatty"

	"github.com/ntvmb/sl-pkg/internal/cache"
	"github.com/ntvmb/sl-pkg/internal/descriptor"
	"github.com/ntvmb/sl-pkg/internal/extract"
	"github.com/ntvmb/sl-pkg/internal/ledger"
)

var (
	// ErrNoArchive means no source archive is cached for the package.
	ErrNoArchive = errors.New("no source archive in cache")
	// ErrAmbiguousArchive means more than one archive is cached and the
	// build cannot pick one.
	ErrAmbiguousArchive = errors.New("multiple source archives in cache")
	// ErrManualInteraction means the package needs a terminal on stdin
	// and none is attached.
	ErrManualInteraction = errors.New("package requires manual interaction but stdin is not a terminal")
)

// BuildError reports a failed prepare or build phase, pointing at the
// phase log for diagnosis.
type BuildError struct {
	Name    string
	Phase   Phase
	LogPath string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building %s: %v (see %s)", e.Name, e.Err, e.LogPath)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// InstallError reports a failed do_install phase. The system may be left
// partially modified.
type InstallError struct {
	Name    string
	LogPath string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %s: %v (see %s)", e.Name, e.Err, e.LogPath)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Pipeline builds and installs packages from their cached sources.
type Pipeline struct {
	dirs   *cache.Dirs
	runner Runner
	ledger *ledger.Ledger

	// stdinIsTerminal is swapped out by tests.
	stdinIsTerminal func() bool
}

// New creates a pipeline over the given cache layout, phase runner, and
// ledger.
func New(dirs *cache.Dirs, runner Runner, led *ledger.Ledger) *Pipeline {
	return &Pipeline{
		dirs:   dirs,
		runner: runner,
		ledger: led,
		stdinIsTerminal: func() bool {
			return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
		},
	}
}

// SourceTree resolves and, for tarball packages, extracts the package's
// source tree. Git packages use their checkout directly; versioned
// packages must have exactly one cached archive.
func (p *Pipeline) SourceTree(ctx context.Context, d *descriptor.Descriptor, scope cache.Scope) (string, error) {
	log := logr.FromContextOrDiscard(ctx)

	if d.IsGit() {
		dir := p.dirs.GitDir(d.Name, scope)
		if _, err := os.Stat(dir); err != nil {
			return "", fmt.Errorf("%w: checkout %s missing", ErrNoArchive, dir)
		}
		return dir, nil
	}

	pkgDir := p.dirs.PackageDir(d.Name, scope)
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", pkgDir, err)
	}
	var archive string
	for _, entry := range entries {
		if entry.IsDir() || !extract.IsArchive(entry.Name()) {
			continue
		}
		if archive != "" {
			return "", fmt.Errorf("%w: %s and %s", ErrAmbiguousArchive, archive, entry.Name())
		}
		archive = entry.Name()
	}
	if archive == "" {
		return "", fmt.Errorf("%w: package %s", ErrNoArchive, d.Name)
	}

	dest := p.dirs.SourceDir(d.Name, d.Version, scope)
	log.V(1).Info("extracting source archive", "archive", archive, "dest", dest)
	if err := extract.Extract(ctx, filepath.Join(pkgDir, archive), dest); err != nil {
		return "", fmt.Errorf("extracting %s: %w", archive, err)
	}
	return dest, nil
}

// builtTree re-derives the source tree path from name and version without
// touching its contents, so install phases see exactly what prepare and
// build left behind.
func (p *Pipeline) builtTree(d *descriptor.Descriptor, scope cache.Scope) (string, error) {
	dir := p.dirs.SourceDir(d.Name, d.Version, scope)
	if d.IsGit() {
		dir = p.dirs.GitDir(d.Name, scope)
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: source tree %s missing", ErrNoArchive, dir)
	}
	return dir, nil
}

// interactive decides whether the package's phases get the terminal, and
// rejects manual-interaction packages with no terminal to give.
func (p *Pipeline) interactive(d *descriptor.Descriptor) (bool, error) {
	if !d.RequiresManualInteraction {
		return false, nil
	}
	if !p.stdinIsTerminal() {
		return false, fmt.Errorf("%w: %s", ErrManualInteraction, d.Name)
	}
	return true, nil
}

// phaseDir picks the working directory for build-family phases: the
// build/ subdirectory when the source tree has one, else the tree root.
// Rechecked per phase because prepare commonly creates it.
func phaseDir(srcDir string) string {
	build := filepath.Join(srcDir, "build")
	if info, err := os.Stat(build); err == nil && info.IsDir() {
		return build
	}
	return srcDir
}

// Build runs the prepare and build phases of a package. Metapackages
// build trivially.
func (p *Pipeline) Build(ctx context.Context, d *descriptor.Descriptor, scope cache.Scope) error {
	log := logr.FromContextOrDiscard(ctx)

	if d.Metapackage {
		log.Info("nothing to build for metapackage", "package", d.Name)
		return nil
	}
	interactive, err := p.interactive(d)
	if err != nil {
		return err
	}

	srcDir, err := p.SourceTree(ctx, d, scope)
	if err != nil {
		return err
	}

	for _, phase := range []Phase{PhasePrepare, PhaseBuild} {
		dir := srcDir
		if phase != PhasePrepare {
			dir = phaseDir(srcDir)
		}
		run := PhaseRun{
			Descriptor:  d.Path,
			Phase:       phase,
			Dir:         dir,
			LogPath:     filepath.Join(srcDir, string(phase)+".log"),
			Interactive: interactive,
		}
		log.Info("running phase", "package", d.Name, "phase", phase, "dir", dir)
		ran, err := p.runner.Run(ctx, run)
		if err != nil {
			return &BuildError{Name: d.Name, Phase: phase, LogPath: run.LogPath, Err: err}
		}
		if !ran {
			log.V(1).Info("phase not declared", "package", d.Name, "phase", phase)
		}
	}
	return nil
}

// Install runs do_install and postinst, then records the package in the
// ledger. A failed do_install is fatal; a failed postinst only warns,
// and the package is still recorded.
func (p *Pipeline) Install(ctx context.Context, d *descriptor.Descriptor, scope cache.Scope) error {
	log := logr.FromContextOrDiscard(ctx)

	if !d.Metapackage {
		interactive, err := p.interactive(d)
		if err != nil {
			return err
		}
		srcDir, err := p.builtTree(d, scope)
		if err != nil {
			return err
		}
		dir := phaseDir(srcDir)

		run := PhaseRun{
			Descriptor:  d.Path,
			Phase:       PhaseInstall,
			Dir:         dir,
			LogPath:     filepath.Join(srcDir, string(PhaseInstall)+".log"),
			Interactive: interactive,
		}
		log.Info("running phase", "package", d.Name, "phase", PhaseInstall, "dir", dir)
		if _, err := p.runner.Run(ctx, run); err != nil {
			return &InstallError{Name: d.Name, LogPath: run.LogPath, Err: err}
		}

		run.Phase = PhasePostInstall
		run.LogPath = filepath.Join(srcDir, string(PhasePostInstall)+".log")
		log.Info("running phase", "package", d.Name, "phase", PhasePostInstall, "dir", dir)
		if _, err := p.runner.Run(ctx, run); err != nil {
			log.Info("post-install script failed; continuing", "package", d.Name, "error", err.Error(), "log", run.LogPath)
		}
	}

	rec := ledger.Record{
		Version:      d.Version,
		Depends:      d.Depends,
		BuildDepends: d.BuildDepends,
		OptDepends:   d.OptDepends,
		Description:  d.Description,
		Essential:    d.Essential,
		PURL:         fmt.Sprintf("pkg:slpkg/%s@%s", d.Name, d.Version),
		InstalledAt:  time.Now().UTC(),
	}
	if err := p.ledger.Merge(d.Name, rec); err != nil {
		return fmt.Errorf("recording %s: %w", d.Name, err)
	}
	log.Info("package installed", "package", d.Name, "version", d.Version)
	return nil
}
