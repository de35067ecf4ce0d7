// Package bootstrap stands up a fresh system in a target directory: it
// downloads a release's base tarball, unpacks it, prepares a chroot with
// the host's mounts and network config, and installs the release's
// package list from inside.
package bootstrap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/ntvmb/sl-pkg/fetch"
	"github.com/ntvmb/sl-pkg/internal/extract"
)

// ErrInvalidTarget is returned when the bootstrap target is missing or
// not a directory.
var ErrInvalidTarget = errors.New("invalid bootstrap target")

// BootstrapError wraps a failure in one of the bootstrap steps.
type BootstrapError struct {
	Step string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// Manifest is a release's RELEASE.json: where the base tarball lives and
// which packages complete the system.
type Manifest struct {
	// URL locates the base tarball, absolute or relative to the release
	// directory on the mirror.
	URL string `json:"URL"`
	// WithPackages locates the package list, one name per line.
	WithPackages string `json:"WITH_PACKAGES"`
}

// bindMounts are bound from the host into the chroot, in mount order.
var bindMounts = []string{"/dev", "/proc", "/sys", "/run"}

// listFile is where the package list lands inside the target.
const listFile = "/sl-pkg-packages.list"

// Orchestrator drives the bootstrap sequence.
type Orchestrator struct {
	fetcher    fetch.Getter
	urls       fetch.MirrorURLs
	configPath string
	resolvConf string

	// Syscall and exec seams, swapped out by tests.
	mount   func(source, target, fstype string, flags uintptr, data string) error
	unmount func(target string, flags int) error
	runCmd  func(ctx context.Context, name string, args ...string) error
	statDev func(path string) (uint64, error)
}

// New creates an orchestrator. configPath is the active config file,
// copied into the target so the in-chroot installs resolve the same
// mirror.
func New(fetcher fetch.Getter, urls fetch.MirrorURLs, configPath string) *Orchestrator {
	return &Orchestrator{
		fetcher:    fetcher,
		urls:       urls,
		configPath: configPath,
		resolvConf: "/etc/resolv.conf",
		mount:      unix.Mount,
		unmount:    unix.Unmount,
		runCmd:     runCommand,
		statDev: func(path string) (uint64, error) {
			var st unix.Stat_t
			if err := unix.Stat(path, &st); err != nil {
				return 0, err
			}
			return uint64(st.Dev), nil
		},
	}
}

// Run bootstraps the given release into target. The target must already
// exist; mounting a dedicated filesystem there first is recommended but
// not enforced.
func (o *Orchestrator) Run(ctx context.Context, target, release string) error {
	log := logr.FromContextOrDiscard(ctx)

	target, err := filepath.Abs(target)
	if err != nil {
		return &BootstrapError{Step: "target", Err: err}
	}
	if err := o.validateTarget(ctx, target); err != nil {
		return err
	}

	manifest, err := o.fetchManifest(ctx, release)
	if err != nil {
		return &BootstrapError{Step: "manifest", Err: err}
	}
	packages, err := o.fetchPackageList(ctx, release, manifest)
	if err != nil {
		return &BootstrapError{Step: "package list", Err: err}
	}
	log.Info("resolved release", "release", release, "packages", len(packages))

	if err := o.unpackBase(ctx, release, manifest, target); err != nil {
		return &BootstrapError{Step: "base system", Err: err}
	}

	listPath := filepath.Join(target, listFile)
	if err := os.WriteFile(listPath, []byte(strings.Join(packages, "\n")+"\n"), 0o644); err != nil {
		return &BootstrapError{Step: "package list", Err: err}
	}

	mounted, err := o.prepareChroot(ctx, target)
	// Teardown runs even when preparation failed halfway: whatever was
	// mounted must come back down.
	defer o.teardown(ctx, target, mounted)
	if err != nil {
		return &BootstrapError{Step: "chroot setup", Err: err}
	}

	if err := o.installInChroot(ctx, target); err != nil {
		return &BootstrapError{Step: "chroot install", Err: err}
	}
	log.Info("bootstrap complete", "target", target, "release", release)
	return nil
}

func (o *Orchestrator) validateTarget(ctx context.Context, target string) error {
	log := logr.FromContextOrDiscard(ctx)

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTarget, target, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidTarget, target)
	}

	dev, err := o.statDev(target)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTarget, target, err)
	}
	parentDev, err := o.statDev(filepath.Dir(target))
	if err == nil && dev == parentDev {
		log.Info("target is not a mount point; bootstrapping onto the parent filesystem", "target", target)
	}
	return nil
}

func (o *Orchestrator) fetchManifest(ctx context.Context, release string) (*Manifest, error) {
	url := o.urls.Release(release)
	artifact, err := o.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = artifact.Body.Close() }()

	var m Manifest
	if err := json.NewDecoder(artifact.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", url, err)
	}
	if m.URL == "" || m.WithPackages == "" {
		return nil, fmt.Errorf("release %s manifest is missing URL or WITH_PACKAGES", release)
	}
	return &m, nil
}

// releaseURL resolves a manifest reference, which may be absolute or a
// bare filename next to RELEASE.json.
func (o *Orchestrator) releaseURL(release, ref string) string {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "/") {
		return ref
	}
	return o.urls.ReleaseFile(release, ref)
}

func (o *Orchestrator) fetchPackageList(ctx context.Context, release string, m *Manifest) ([]string, error) {
	url := o.releaseURL(release, m.WithPackages)
	artifact, err := o.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = artifact.Body.Close() }()

	var packages []string
	scanner := bufio.NewScanner(artifact.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		packages = append(packages, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if len(packages) == 0 {
		return nil, fmt.Errorf("release %s package list is empty", release)
	}
	return packages, nil
}

func (o *Orchestrator) unpackBase(ctx context.Context, release string, m *Manifest, target string) error {
	log := logr.FromContextOrDiscard(ctx)

	url := o.releaseURL(release, m.URL)
	tmp, err := os.CreateTemp("", "sl-pkg-base-*"+extract.ArchiveSuffix(url))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	log.Info("downloading base system", "url", url)
	if _, err := fetch.Download(ctx, o.fetcher, url, tmpPath); err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	log.Info("unpacking base system", "target", target)
	if err := extract.Extract(ctx, tmpPath, target); err != nil {
		return fmt.Errorf("unpacking base tarball: %w", err)
	}
	return nil
}

// prepareChroot binds the host's kernel filesystems into the target and
// copies network and mirror configuration in. It returns the mounts that
// succeeded so teardown can undo exactly those.
func (o *Orchestrator) prepareChroot(ctx context.Context, target string) ([]string, error) {
	log := logr.FromContextOrDiscard(ctx)

	for _, pair := range [][2]string{
		{o.resolvConf, filepath.Join(target, "etc", "resolv.conf")},
		{o.configPath, filepath.Join(target, "etc", "sl-pkg.json")},
	} {
		if err := copyFile(pair[0], pair[1]); err != nil {
			return nil, err
		}
	}

	var mounted []string
	for _, src := range bindMounts {
		dest := filepath.Join(target, src)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return mounted, err
		}
		if err := o.mount(src, dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return mounted, fmt.Errorf("binding %s: %w", src, err)
		}
		mounted = append(mounted, dest)
	}

	// Hosts where /dev/shm is a symlink (usually to /run/shm) need the
	// resolved directory to exist inside the chroot.
	if link, err := os.Readlink("/dev/shm"); err == nil {
		resolved := link
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join("/dev", link)
		}
		log.V(1).Info("host /dev/shm is a symlink", "resolved", resolved)
		if err := os.MkdirAll(filepath.Join(target, resolved), 0o1777); err != nil {
			return mounted, err
		}
	}
	return mounted, nil
}

func (o *Orchestrator) installInChroot(ctx context.Context, target string) error {
	args := []string{
		target,
		"/usr/bin/env", "-i",
		"HOME=/root",
		"TERM=" + os.Getenv("TERM"),
		"PATH=/usr/bin:/usr/sbin",
	}
	for _, key := range []string{"NPROC", "MAKEFLAGS", "TESTSUITEFLAGS"} {
		if val, ok := os.LookupEnv(key); ok {
			args = append(args, key+"="+val)
		}
	}
	args = append(args, "bash", "-c", fmt.Sprintf("xargs sl-pkg install --trust-all < %s", listFile))
	return o.runCmd(ctx, "chroot", args...)
}

// teardown undoes the chroot preparation in reverse mount order and
// purges the in-chroot caches. It runs on both success and failure, and
// its own failures are logged, never escalated.
func (o *Orchestrator) teardown(ctx context.Context, target string, mounted []string) {
	log := logr.FromContextOrDiscard(ctx)

	for i := len(mounted) - 1; i >= 0; i-- {
		if err := o.unmount(mounted[i], 0); err != nil {
			log.Info("unmount failed", "mount", mounted[i], "error", err.Error())
		}
	}
	for _, dir := range []string{
		filepath.Join(target, "tmp", "sl-pkg"),
		filepath.Join(target, listFile),
	} {
		if err := os.RemoveAll(dir); err != nil {
			log.Info("cleanup failed", "path", dir, "error", err.Error())
		}
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
