package fetch

import (
	"fmt"
	"strings"
)

// MirrorURLs builds the fixed URL layout of a package mirror:
//
//	<base>/<name>/PACKAGE
//	<base>/<name>/<patch-filename>
//	<base>/base-<release>/RELEASE.json
type MirrorURLs struct {
	base string
}

// NewMirrorURLs creates a URL builder rooted at base.
func NewMirrorURLs(base string) MirrorURLs {
	return MirrorURLs{base: strings.TrimSuffix(base, "/")}
}

// Base returns the mirror base URL without a trailing slash.
func (m MirrorURLs) Base() string {
	return m.base
}

// Descriptor returns the URL of a package's PACKAGE file.
func (m MirrorURLs) Descriptor(name string) string {
	return fmt.Sprintf("%s/%s/PACKAGE", m.base, name)
}

// Patch returns the URL of a patch file hosted beside a package's
// descriptor. file may also be an absolute URL, in which case it is
// returned unchanged.
func (m MirrorURLs) Patch(name, file string) string {
	if strings.Contains(file, "://") {
		return file
	}
	return fmt.Sprintf("%s/%s/%s", m.base, name, file)
}

// Release returns the URL of a base-system release manifest.
func (m MirrorURLs) Release(release string) string {
	return fmt.Sprintf("%s/base-%s/RELEASE.json", m.base, release)
}

// ReleaseFile returns the URL of a file hosted beside a release manifest,
// such as the WITH_PACKAGES list.
func (m MirrorURLs) ReleaseFile(release, file string) string {
	if strings.Contains(file, "://") {
		return file
	}
	return fmt.Sprintf("%s/base-%s/%s", m.base, release, file)
}
