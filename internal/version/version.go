// Package version implements the dotted-numeric ordering used by package
// descriptors.
//
// The order is not semver. Versions are split on dots and dashes, every
// lowercase letter is first expanded to a dot followed by its decimal
// character code, and the resulting segments are compared pairwise as
// integers with missing trailing segments treated as zero. This makes
// letter suffixes sort by character code ("1.2a" < "1.2b") and "1.0"
// equal to "1.0.0".
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidVersion is returned when a version string violates the
// descriptor version grammar.
var ErrInvalidVersion = errors.New("invalid version")

// Version is an immutable, validated version identifier.
type Version struct {
	raw string
}

// Parse validates s and wraps it in a Version. Valid versions contain only
// digits, lowercase letters, dots, and dashes, start with a digit, and
// never have two delimiters in a row or a trailing delimiter.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty string", ErrInvalidVersion)
	}
	if s[0] < '0' || s[0] > '9' {
		return Version{}, fmt.Errorf("%w: %q must start with a digit", ErrInvalidVersion, s)
	}
	var prev byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c == '.' || c == '-':
			if isDelim(prev) {
				return Version{}, fmt.Errorf("%w: %q contains consecutive delimiters", ErrInvalidVersion, s)
			}
		default:
			return Version{}, fmt.Errorf("%w: %q may only contain digits, lowercase letters, dots, and dashes", ErrInvalidVersion, s)
		}
		prev = c
	}
	if isDelim(prev) {
		return Version{}, fmt.Errorf("%w: %q ends with a delimiter", ErrInvalidVersion, s)
	}
	return Version{raw: s}, nil
}

// MustParse is like Parse but panics on invalid input. Intended for
// constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func isDelim(c byte) bool {
	return c == '.' || c == '-'
}

func (v Version) String() string {
	return v.raw
}

// IsZero reports whether v is the zero Version (not produced by Parse).
func (v Version) IsZero() bool {
	return v.raw == ""
}

// segments returns the numeric segments of v after letter expansion.
// Segments are kept as digit strings so arbitrarily long numeric runs
// compare correctly.
func (v Version) segments() []string {
	var b strings.Builder
	for i := 0; i < len(v.raw); i++ {
		c := v.raw[i]
		if c >= 'a' && c <= 'z' {
			b.WriteByte('.')
			b.WriteString(strconv.Itoa(int(c)))
		} else {
			b.WriteByte(c)
		}
	}
	return strings.FieldsFunc(b.String(), func(r rune) bool {
		return r == '.' || r == '-'
	})
}

// compareNumeric compares two digit strings as integers of arbitrary size.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Compare returns -1, 0, or 1 depending on whether v orders before, equal
// to, or after o.
func (v Version) Compare(o Version) int {
	if v.raw == o.raw {
		return 0
	}
	a, b := v.segments(), o.segments()
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(a) {
			sa = a[i]
		}
		if i < len(b) {
			sb = b[i]
		}
		if c := compareNumeric(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

// Equal reports whether v and o denote the same version, with missing
// trailing segments filled as zero.
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

// Less reports whether v orders strictly before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// Compare orders two versions. Equivalent to a.Compare(b).
func Compare(a, b Version) int {
	return a.Compare(b)
}

// CompareStrings parses both arguments and compares them.
func CompareStrings(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}
