// Command sl-pkg is the command line frontend of the package lifecycle
// engine: download, install, and bootstrap, driven by /etc/sl-pkg.json.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/gookit/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	slpkg "github.com/ntvmb/sl-pkg"
	"github.com/ntvmb/sl-pkg/internal/engine"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the CLI and maps failures to the documented exit
// statuses: 2 for command line misuse, 1 for everything else. Misuse is
// detected by resolving the subcommand up front rather than by matching
// error text, so an engine failure can never masquerade as one.
func run(args []string) int {
	root := newRootCmd()
	if _, _, err := root.Find(args); err != nil {
		color.Error.Println(err.Error())
		return 2
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		color.Error.Println(err.Error())
		return 1
	}
	return 0
}

type rootOptions struct {
	Verbosity int
}

func (o *rootOptions) AddFlags(flags *pflag.FlagSet) {
	flags.CountVarP(
		&o.Verbosity,
		"verbose", "v",
		"increase log verbosity (repeatable)",
	)
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "sl-pkg",
		Short:         "Build and install packages from source",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newVersionCmd(),
		newDownloadCmd(&opts),
		newInstallCmd(&opts),
		newBootstrapCmd(&opts),
	)
	return cmd
}

// commandContext attaches a stderr logger at the requested verbosity to
// the command's context.
func commandContext(cmd *cobra.Command, opts *rootOptions) context.Context {
	out := cmd.ErrOrStderr()
	log := funcr.New(func(prefix, args string) {
		fmt.Fprintln(out, prefix, args)
	}, funcr.Options{Verbosity: opts.Verbosity})
	return logr.NewContext(cmd.Context(), log)
}

// setupEngine loads the configuration and wires the engine. NPROC is
// exported here so every build phase sees the machine's parallelism.
func setupEngine(ctx context.Context) (*engine.Engine, error) {
	log := logr.FromContextOrDiscard(ctx)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.Warn.Println("the sl-pkg command line is not a stable interface; parse its output with caution")
	}
	if os.Getenv("NPROC") == "" {
		if err := os.Setenv("NPROC", strconv.Itoa(runtime.NumCPU())); err != nil {
			return nil, err
		}
	}

	cfg, err := slpkg.LoadConfig(slpkg.DefaultConfigPath, log)
	if err != nil {
		return nil, err
	}
	return slpkg.NewEngine(cfg, slpkg.DefaultConfigPath), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sl-pkg version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sl-pkg", version)
		},
	}
}

type downloadOptions struct {
	slpkg.DownloadOptions
}

func (o *downloadOptions) AddFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(
		&o.Build,
		"build", "b", false,
		"also build each package after downloading",
	)
	flags.BoolVarP(
		&o.DryRun,
		"dry-run", "n", false,
		"resolve packages without downloading anything",
	)
	flags.BoolVar(
		&o.TrustAll,
		"trust-all", false,
		"skip the descriptor inspection prompt",
	)
}

func newDownloadCmd(root *rootOptions) *cobra.Command {
	var opts downloadOptions

	cmd := &cobra.Command{
		Use:   "download PACKAGE...",
		Short: "Fetch package sources into the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd, root)
			eng, err := setupEngine(ctx)
			if err != nil {
				return err
			}
			return eng.Download(ctx, args, opts.DownloadOptions)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

type installOptions struct {
	slpkg.InstallOptions
}

func (o *installOptions) AddFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(
		&o.KeepGoing,
		"keep-going", "k", false,
		"skip failed packages instead of stopping",
	)
	flags.BoolVarP(
		&o.DryRun,
		"dry-run", "n", false,
		"resolve packages without installing anything",
	)
	flags.BoolVar(
		&o.TrustAll,
		"trust-all", false,
		"skip the descriptor inspection prompt",
	)
	flags.BoolVar(
		&o.ForceInstall,
		"force-install", false,
		"install even when the build fails",
	)
}

func newInstallCmd(root *rootOptions) *cobra.Command {
	var opts installOptions

	cmd := &cobra.Command{
		Use:   "install PACKAGE...",
		Short: "Download, build, and install packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd, root)
			eng, err := setupEngine(ctx)
			if err != nil {
				return err
			}
			return eng.Install(ctx, args, opts.InstallOptions)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

type bootstrapOptions struct {
	Dest    string
	Release string
}

func (o *bootstrapOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(
		&o.Dest,
		"dest", "",
		"target directory for the new system",
	)
	flags.StringVar(
		&o.Release,
		"lfs-version", "",
		"release to bootstrap",
	)
}

func newBootstrapCmd(root *rootOptions) *cobra.Command {
	var opts bootstrapOptions

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Install a base system into a directory and complete it in a chroot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd, root)
			eng, err := setupEngine(ctx)
			if err != nil {
				return err
			}
			if err := eng.Bootstrap(ctx, opts.Dest, opts.Release); err != nil {
				return err
			}
			color.Success.Printf("bootstrap of release %s into %s complete\n", opts.Release, opts.Dest)
			return nil
		},
	}
	opts.AddFlags(cmd.Flags())
	_ = cmd.MarkFlagRequired("dest")
	_ = cmd.MarkFlagRequired("lfs-version")
	return cmd
}
