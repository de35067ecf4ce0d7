package descriptor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ntvmb/sl-pkg/fetch"
	"github.com/ntvmb/sl-pkg/internal/cache"
)

const helloDescriptor = `VERSION=1.0
URL=https://example.org/hello-1.0.tar.gz
PATCHES="fix-build.patch fix-docs.patch"
DEPENDS=(glibc)
BUILD_DEPENDS=(make gcc)
DESCRIPTION="the GNU hello program"
ESSENTIAL=false
METAPACKAGE=false
REQUIRES_MANUAL_INTERACTION=false

prepare() {
	./configure --prefix=/usr
}
`

func newTestStore(t *testing.T, handler http.Handler) (*Store, *cache.Dirs, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	dirs := cache.New(t.TempDir(), t.TempDir())
	store := NewStore(fetch.NewFetcher(), fetch.NewMirrorURLs(server.URL), dirs)
	return store, dirs, server
}

func descriptorMirror(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hello/PACKAGE":
			_, _ = w.Write([]byte(helloDescriptor))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestFetchWritesDescriptor(t *testing.T) {
	store, dirs, _ := newTestStore(t, descriptorMirror(t))

	if err := store.Fetch(context.Background(), "hello", cache.User); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(dirs.DescriptorPath("hello", cache.User))
	if err != nil {
		t.Fatalf("reading cached descriptor: %v", err)
	}
	if string(data) != helloDescriptor {
		t.Error("cached descriptor does not match mirror body")
	}
}

func TestFetchNotFoundRemovesEmptyDir(t *testing.T) {
	store, dirs, _ := newTestStore(t, descriptorMirror(t))

	err := store.Fetch(context.Background(), "no-such-pkg", cache.User)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Fetch = %v, want *NotFoundError", err)
	}
	if nf.Name != "no-such-pkg" {
		t.Errorf("Name = %q", nf.Name)
	}
	if !errors.Is(err, fetch.ErrNotFound) {
		t.Error("NotFoundError should unwrap to fetch.ErrNotFound")
	}
	if _, statErr := os.Stat(dirs.PackageDir("no-such-pkg", cache.User)); !os.IsNotExist(statErr) {
		t.Errorf("empty cache dir should have been removed, stat err = %v", statErr)
	}
}

func TestFetchRejectsInvalidName(t *testing.T) {
	store, _, _ := newTestStore(t, descriptorMirror(t))
	err := store.Fetch(context.Background(), "Bad Name", cache.User)
	if !errors.Is(err, cache.ErrInvalidName) {
		t.Errorf("Fetch = %v, want ErrInvalidName", err)
	}
}

func TestFieldEvaluatesShellVariable(t *testing.T) {
	store, _, _ := newTestStore(t, descriptorMirror(t))
	ctx := context.Background()

	got, err := store.Field(ctx, "hello", "VERSION", cache.User)
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	if got != "1.0" {
		t.Errorf("VERSION = %q, want 1.0", got)
	}

	// Array fields are space-joined.
	got, err = store.Field(ctx, "hello", "BUILD_DEPENDS", cache.User)
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	if got != "make gcc" {
		t.Errorf("BUILD_DEPENDS = %q, want %q", got, "make gcc")
	}

	// Undefined fields evaluate to the empty string.
	got, err = store.Field(ctx, "hello", "NO_SUCH_FIELD", cache.User)
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	if got != "" {
		t.Errorf("NO_SUCH_FIELD = %q, want empty", got)
	}
}

func TestFieldRejectsInvalidFieldName(t *testing.T) {
	store, _, _ := newTestStore(t, descriptorMirror(t))

	for _, field := range []string{"", "VERSION; rm -rf /", "$(id)", "A B"} {
		_, err := store.Field(context.Background(), "hello", field, cache.User)
		if !errors.Is(err, ErrInvalidField) {
			t.Errorf("Field(%q) = %v, want ErrInvalidField", field, err)
		}
	}
}

func TestFieldDoesNotLeakEnvironment(t *testing.T) {
	store, dirs, _ := newTestStore(t, descriptorMirror(t))

	// A descriptor that tries to read a secret from its environment.
	dir, err := dirs.EnsurePackageDir("sneaky", cache.User)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "PACKAGE"), []byte("LEAK=$SLPKG_TEST_SECRET\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SLPKG_TEST_SECRET", "hunter2")

	got, err := store.Field(context.Background(), "sneaky", "LEAK", cache.User)
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	if got != "" {
		t.Errorf("LEAK = %q, want empty: environment leaked into evaluation", got)
	}
}

func TestLoadResolvesFullDescriptor(t *testing.T) {
	store, _, _ := newTestStore(t, descriptorMirror(t))

	d, err := store.Load(context.Background(), "hello", cache.User)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if d.Version != "1.0" {
		t.Errorf("Version = %q", d.Version)
	}
	if d.URL != "https://example.org/hello-1.0.tar.gz" {
		t.Errorf("URL = %q", d.URL)
	}
	if len(d.Patches) != 2 || d.Patches[0] != "fix-build.patch" {
		t.Errorf("Patches = %v", d.Patches)
	}
	if len(d.Depends) != 1 || d.Depends[0] != "glibc" {
		t.Errorf("Depends = %v", d.Depends)
	}
	if d.Description != "the GNU hello program" {
		t.Errorf("Description = %q", d.Description)
	}
	if d.Essential || d.Metapackage || d.RequiresManualInteraction {
		t.Error("boolean fields should all be false")
	}
	if d.IsGit() {
		t.Error("IsGit() = true for a versioned package")
	}
}

func TestLoadMemoizes(t *testing.T) {
	fetches := 0
	store, _, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_, _ = w.Write([]byte(helloDescriptor))
	}))

	ctx := context.Background()
	if _, err := store.Load(ctx, "hello", cache.User); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "hello", cache.User); err != nil {
		t.Fatal(err)
	}
	if fetches != 1 {
		t.Errorf("mirror fetches = %d, want 1", fetches)
	}
}

func TestLoadGitSentinel(t *testing.T) {
	store, _, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("VERSION=git\nURL=https://git.example.org/linux.git\n"))
	}))

	d, err := store.Load(context.Background(), "linux", cache.User)
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsGit() {
		t.Error("IsGit() = false for VERSION=git")
	}
}
