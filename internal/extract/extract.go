// Package extract unpacks untrusted source tarballs through a sanitizing
// filter. Every member is rewritten before anything touches disk: the
// single top-level directory is collapsed away, traversal components are
// rejected, permission bits are clamped, and ownership metadata is
// discarded so extraction never chowns as the invoking (possibly root)
// user.
package extract

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ErrUnsafePath is returned when an archive member would escape the
// destination directory.
var ErrUnsafePath = errors.New("unsafe path in archive")

// ErrUnknownFormat is returned for files that are not a recognized
// tar-family archive.
var ErrUnknownFormat = errors.New("unknown archive format")

// archiveSuffixes are the tar-family filename suffixes the extractor
// understands, longest first so .tar.gz wins over .tar.
var archiveSuffixes = []string{
	".tar.bz2",
	".tar.gz",
	".tar.xz",
	".tar.zst",
	".tbz2",
	".tgz",
	".txz",
	".tar",
}

// IsArchive reports whether name looks like a tar-family archive.
func IsArchive(name string) bool {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// ArchiveSuffix returns the tar-family suffix of name, or "" if none.
func ArchiveSuffix(name string) string {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return suffix
		}
	}
	return ""
}

// Extract unpacks the archive at archivePath into destDir, applying the
// sanitizing filter to every member. destDir is created if absent.
func Extract(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader, closer, err := decompress(archivePath, f)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", destDir, err)
	}

	tr := tar.NewReader(reader)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", archivePath, err)
		}
		if err := writeMember(tr, hdr, destDir); err != nil {
			return err
		}
	}
}

// decompress wraps f with the decompressor matching the archive suffix.
func decompress(name string, f *os.File) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		return bzip2.NewReader(f), nil, nil
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("opening xz stream: %w", err)
		}
		return xr, nil, nil
	case strings.HasSuffix(name, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(name, ".tar"):
		return f, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(name))
	}
}

// memberPath strips a leading "." or "/" from the member name, collapses
// the archive's single top-level directory, and rejects traversal. An
// empty result means the member is the top-level directory itself and
// should be skipped.
func memberPath(name string) (string, error) {
	for strings.HasPrefix(name, "./") || strings.HasPrefix(name, "/") {
		name = strings.TrimPrefix(name, "./")
		name = strings.TrimPrefix(name, "/")
	}
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return "", nil
	}
	name = path.Clean(name[i+1:])
	if name == "." {
		return "", nil
	}
	if name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return name, nil
}

// memberMode clamps a regular file or hard link mode: at most 0755, all
// exec bits cleared unless owner-exec was set, owner read+write forced.
func memberMode(mode int64) os.FileMode {
	m := os.FileMode(mode) & 0o755
	if m&0o100 == 0 {
		m &^= 0o111
	}
	m |= 0o600
	return m
}

func writeMember(tr *tar.Reader, hdr *tar.Header, destDir string) error {
	rel, err := memberPath(hdr.Name)
	if err != nil {
		return err
	}
	if rel == "" {
		return nil
	}
	target := filepath.Join(destDir, rel)

	switch hdr.Typeflag {
	case tar.TypeDir:
		// Directory modes are not preserved; 0755 throughout.
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("creating dir %s: %w", target, err)
		}

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating dir for %s: %w", target, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, memberMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("creating %s: %w", target, err)
		}
		_, err = io.Copy(out, tr)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
		// Re-apply in case umask interfered with OpenFile.
		if err := os.Chmod(target, memberMode(hdr.Mode)); err != nil {
			return fmt.Errorf("chmod %s: %w", target, err)
		}

	case tar.TypeSymlink:
		// Symlink modes are ignored. Absolute targets and targets that
		// climb out of the destination tree are refused.
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, rel, hdr.Linkname)
		}
		resolved := path.Clean(path.Join(path.Dir(rel), hdr.Linkname))
		if resolved == ".." || strings.HasPrefix(resolved, "../") {
			return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, rel, hdr.Linkname)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating dir for %s: %w", target, err)
		}
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("creating symlink %s: %w", target, err)
		}

	case tar.TypeLink:
		linkRel, err := memberPath(hdr.Linkname)
		if err != nil {
			return err
		}
		if linkRel == "" {
			return fmt.Errorf("%w: hard link %s -> %s", ErrUnsafePath, rel, hdr.Linkname)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating dir for %s: %w", target, err)
		}
		_ = os.Remove(target)
		if err := os.Link(filepath.Join(destDir, linkRel), target); err != nil {
			return fmt.Errorf("creating hard link %s: %w", target, err)
		}
		if err := os.Chmod(target, memberMode(hdr.Mode)); err != nil {
			return fmt.Errorf("chmod %s: %w", target, err)
		}

	default:
		// Devices, FIFOs, and metadata entries from untrusted archives
		// are dropped.
	}
	return nil
}
