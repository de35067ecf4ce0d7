// Package slpkg builds and installs packages from source for
// sl-distribution systems.
//
// A package is described by a shell-sourceable PACKAGE file on a mirror.
// slpkg fetches the descriptor, downloads the release tarball (or clones
// the upstream repository), unpacks it through a sanitizing extractor,
// runs the descriptor's prepare/build/do_install/postinst functions, and
// records the result in the installed-package ledger.
//
// Basic usage:
//
//	import (
//		"context"
//		"github.com/ntvmb/sl-pkg"
//	)
//
//	cfg, err := slpkg.LoadConfig(slpkg.DefaultConfigPath, logr.Discard())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	eng := slpkg.NewEngine(cfg, slpkg.DefaultConfigPath)
//	err = eng.Install(context.Background(), []string{"hello"},
//		slpkg.InstallOptions{TrustAll: true})
//	if err != nil {
//		log.Fatal(err)
//	}
//
// The command line frontend lives in cmd/sl-pkg.
package slpkg

import (
	"github.com/ntvmb/sl-pkg/internal/config"
	"github.com/ntvmb/sl-pkg/internal/descriptor"
	"github.com/ntvmb/sl-pkg/internal/engine"
	"github.com/ntvmb/sl-pkg/internal/ledger"
	"github.com/ntvmb/sl-pkg/internal/pipeline"
	"github.com/ntvmb/sl-pkg/internal/version"
)

// Re-export types from internal/engine
type (
	// Engine coordinates the package lifecycle: fetch, build, install,
	// bootstrap.
	Engine = engine.Engine

	// DownloadOptions configures Engine.Download.
	DownloadOptions = engine.DownloadOptions

	// InstallOptions configures Engine.Install.
	InstallOptions = engine.InstallOptions

	// Inspector reviews a descriptor before its scripts run.
	Inspector = engine.Inspector

	// EngineOption configures optional engine behavior.
	EngineOption = engine.Option
)

// Re-export types from the supporting packages
type (
	// Config is the resolved engine configuration.
	Config = config.Config

	// Descriptor is a package's resolved PACKAGE field set.
	Descriptor = descriptor.Descriptor

	// Record is one installed package's ledger entry.
	Record = ledger.Record

	// Version is a validated package version string.
	Version = version.Version
)

// DefaultConfigPath is the system-wide configuration file.
const DefaultConfigPath = config.DefaultPath

// Re-export constructors and helpers
var (
	// NewEngine builds a fully wired engine from a configuration.
	NewEngine = engine.New

	// WithInspector replaces the engine's descriptor inspection prompt.
	WithInspector = engine.WithInspector

	// LoadConfig reads the JSON configuration file.
	LoadConfig = config.Load

	// DefaultConfig returns the built-in configuration.
	DefaultConfig = config.Default

	// ParseVersion validates a version string.
	ParseVersion = version.Parse

	// CompareVersions orders two raw version strings.
	CompareVersions = version.CompareStrings
)

// Re-export errors callers are expected to test against
var (
	// ErrPermission means the operation needs root.
	ErrPermission = engine.ErrPermission

	// ErrDeclined means the user rejected a package at inspection.
	ErrDeclined = engine.ErrDeclined

	// ErrNoPackages means an empty package list was given.
	ErrNoPackages = engine.ErrNoPackages

	// ErrInvalidVersion means a version string failed validation.
	ErrInvalidVersion = version.ErrInvalidVersion

	// ErrManualInteraction means a package needs a terminal on stdin.
	ErrManualInteraction = pipeline.ErrManualInteraction
)

// Error types carrying structured detail
type (
	// BuildError reports a failed prepare or build phase.
	BuildError = pipeline.BuildError

	// InstallError reports a failed do_install phase.
	InstallError = pipeline.InstallError

	// NotFoundError reports a package the mirror does not serve.
	NotFoundError = descriptor.NotFoundError
)
