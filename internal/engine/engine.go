// Package engine is the batch driver behind the CLI: it wires the
// fetcher, descriptor store, source fetcher, build pipeline, ledger, and
// bootstrap orchestrator together and walks package lists through them
// strictly in the order given.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/git-pkgs/purl"
	"github.com/go-logr/logr"

	"github.com/ntvmb/sl-pkg/fetch"
	"github.com/ntvmb/sl-pkg/internal/bootstrap"
	"github.com/ntvmb/sl-pkg/internal/cache"
	"github.com/ntvmb/sl-pkg/internal/config"
	"github.com/ntvmb/sl-pkg/internal/descriptor"
	"github.com/ntvmb/sl-pkg/internal/ledger"
	"github.com/ntvmb/sl-pkg/internal/pipeline"
	"github.com/ntvmb/sl-pkg/internal/source"
)

var (
	// ErrPermission means the operation modifies the system and the
	// process is not root.
	ErrPermission = errors.New("this operation must be run as root")
	// ErrDeclined means the user rejected a package at the inspection
	// prompt.
	ErrDeclined = errors.New("package declined")
	// ErrNoPackages means the package list was empty.
	ErrNoPackages = errors.New("no packages given")
)

// Inspector lets the user review a package's descriptor before its
// scripts run. It reports whether the package was approved.
type Inspector func(ctx context.Context, name, descriptorPath string) (bool, error)

// Engine coordinates the package lifecycle end to end.
type Engine struct {
	cfg  config.Config
	dirs *cache.Dirs

	store    *descriptor.Store
	sources  *source.ArchiveFetcher
	pipeline *pipeline.Pipeline
	ledger   *ledger.Ledger
	boot     *bootstrap.Orchestrator

	inspect Inspector
	euid    func() int
}

// Option configures optional engine behavior.
type Option func(*Engine)

// WithInspector replaces the descriptor inspection prompt.
func WithInspector(i Inspector) Option {
	return func(e *Engine) { e.inspect = i }
}

// New builds a fully wired engine from the configuration. configPath is
// recorded so bootstrap can copy the active config into its target.
func New(cfg config.Config, configPath string, opts ...Option) *Engine {
	fetcher := fetch.NewCircuitBreakerFetcher(fetch.NewFetcher())
	urls := fetch.NewMirrorURLs(cfg.Mirror)
	dirs := cache.New(cfg.CacheDir, cfg.UserCacheDir)
	led := ledger.New(filepath.Join(cfg.StateDir, "installed.json"))

	e := &Engine{
		cfg:      cfg,
		dirs:     dirs,
		store:    descriptor.NewStore(fetcher, urls, dirs),
		sources:  source.NewArchiveFetcher(fetcher, urls, dirs),
		pipeline: pipeline.New(dirs, pipeline.NewBashRunner(), led),
		ledger:   led,
		boot:     bootstrap.New(fetcher, urls, configPath),
		inspect:  PagerInspector,
		euid:     os.Geteuid,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger exposes the installed-package ledger for read-only commands.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// scope picks the cache scope from the effective uid: root works in the
// system cache, everyone else in their own.
func (e *Engine) scope() cache.Scope {
	if e.euid() == 0 {
		return cache.System
	}
	return cache.User
}

// normalize resolves a CLI package argument to a bare package name.
// Arguments may be plain names or package urls (pkg:slpkg/<name>[@ver]).
func normalize(arg string) (string, error) {
	if !strings.HasPrefix(arg, "pkg:") {
		return arg, nil
	}
	p, err := purl.Parse(arg)
	if err != nil {
		return "", fmt.Errorf("parsing package url %s: %w", arg, err)
	}
	if p.Type != "slpkg" {
		return "", fmt.Errorf("unsupported package url type %q in %s", p.Type, arg)
	}
	return p.Name, nil
}

func normalizeAll(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, ErrNoPackages
	}
	names := make([]string, 0, len(args))
	for _, arg := range args {
		name, err := normalize(arg)
		if err != nil {
			return nil, err
		}
		if err := cache.ValidateName(name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// approve runs the inspection prompt unless the caller trusts every
// descriptor up front.
func (e *Engine) approve(ctx context.Context, name string, trustAll bool, scope cache.Scope) error {
	if trustAll {
		return nil
	}
	ok, err := e.inspect(ctx, name, e.dirs.DescriptorPath(name, scope))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeclined, name)
	}
	return nil
}

// DownloadOptions configures Download.
type DownloadOptions struct {
	// Build also builds each package after fetching its sources.
	Build    bool
	TrustAll bool
	DryRun   bool
}

// Download fetches descriptors and sources for each package, optionally
// building them. Packages are processed sequentially in the order given.
func (e *Engine) Download(ctx context.Context, args []string, opts DownloadOptions) error {
	log := logr.FromContextOrDiscard(ctx)

	names, err := normalizeAll(args)
	if err != nil {
		return err
	}
	scope := e.scope()

	for _, name := range names {
		d, err := e.store.Load(ctx, name, scope)
		if err != nil {
			return err
		}
		if opts.DryRun {
			log.Info("would download", "package", name, "version", d.Version, "url", d.URL)
			continue
		}
		if opts.Build {
			if err := e.approve(ctx, name, opts.TrustAll, scope); err != nil {
				return err
			}
		}
		if err := e.sources.Fetch(ctx, d, scope); err != nil {
			return err
		}
		if opts.Build {
			if err := e.pipeline.Build(ctx, d, scope); err != nil {
				return err
			}
		}
	}
	return nil
}

// InstallOptions configures Install.
type InstallOptions struct {
	// KeepGoing downgrades per-package failures to logged skips; the
	// run still fails at the end.
	KeepGoing bool
	TrustAll  bool
	// ForceInstall proceeds to the install phases even when the build
	// failed.
	ForceInstall bool
	DryRun       bool
}

// Install downloads, builds, and installs each package in order. The
// process must be root: installs write to the live system.
func (e *Engine) Install(ctx context.Context, args []string, opts InstallOptions) error {
	log := logr.FromContextOrDiscard(ctx)

	names, err := normalizeAll(args)
	if err != nil {
		return err
	}
	// Checked before anything touches the network or the cache.
	if e.euid() != 0 {
		return ErrPermission
	}
	scope := e.scope()

	var failed []string
	for _, name := range names {
		err := e.installOne(ctx, name, scope, opts)
		if err == nil {
			continue
		}
		if !opts.KeepGoing {
			return err
		}
		log.Error(err, "skipping package", "package", name)
		failed = append(failed, name)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d packages failed: %s", len(failed), len(names), strings.Join(failed, " "))
	}
	return nil
}

func (e *Engine) installOne(ctx context.Context, name string, scope cache.Scope, opts InstallOptions) error {
	log := logr.FromContextOrDiscard(ctx)

	d, err := e.store.Load(ctx, name, scope)
	if err != nil {
		return err
	}
	if opts.DryRun {
		log.Info("would install", "package", name, "version", d.Version)
		return nil
	}
	if err := e.approve(ctx, name, opts.TrustAll, scope); err != nil {
		return err
	}
	if err := e.sources.Fetch(ctx, d, scope); err != nil {
		return err
	}
	if err := e.pipeline.Build(ctx, d, scope); err != nil {
		var buildErr *pipeline.BuildError
		if !opts.ForceInstall || !errors.As(err, &buildErr) {
			return err
		}
		log.Info("build failed; installing anyway", "package", name, "error", err.Error())
	}
	return e.pipeline.Install(ctx, d, scope)
}

// Bootstrap installs a release's base system into target and completes
// it from inside a chroot. Root only.
func (e *Engine) Bootstrap(ctx context.Context, target, release string) error {
	if e.euid() != 0 {
		return ErrPermission
	}
	return e.boot.Run(ctx, target, release)
}
