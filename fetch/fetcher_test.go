package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFetchSuccess(t *testing.T) {
	content := "VERSION=1.0\nURL=https://example.org/src.tar.gz\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(content))
	}))
	defer server.Close()

	f := NewFetcher()
	artifact, err := f.Fetch(context.Background(), server.URL+"/hello/PACKAGE")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	body, err := io.ReadAll(artifact.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(body) != content {
		t.Errorf("body = %q, want %q", string(body), content)
	}
	if artifact.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain", artifact.ContentType)
	}
}

func TestFetchNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), server.URL+"/missing/PACKAGE")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch = %v, want ErrNotFound", err)
	}
}

func TestFetchUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), server.URL+"/secret/PACKAGE")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Fetch = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", se.StatusCode)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := NewFetcher(WithBaseDelay(10 * time.Millisecond))
	artifact, err := f.Fetch(context.Background(), server.URL+"/flaky/PACKAGE")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	defer func() { _ = artifact.Body.Close() }()

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher(WithBaseDelay(10 * time.Millisecond))
	_, err := f.Fetch(context.Background(), server.URL+"/missing/PACKAGE")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch = %v, want ErrNotFound", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestFetchMaxRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := NewFetcher(WithMaxRetries(2), WithBaseDelay(10*time.Millisecond))
	_, err := f.Fetch(context.Background(), server.URL+"/down/PACKAGE")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Fetch = %v, want *StatusError", err)
	}
	// Initial attempt + 2 retries = 3 total.
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestFetchContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	f := NewFetcher()
	if _, err := f.Fetch(ctx, server.URL+"/slow/PACKAGE"); err == nil {
		t.Error("expected error on context cancellation")
	}
}

func TestFetcherClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := NewFetcher()
	f.Close()
	f.Close() // idempotent

	// The refresher is gone but fetching still works.
	artifact, err := f.Fetch(context.Background(), server.URL+"/hello/PACKAGE")
	if err != nil {
		t.Fatalf("Fetch after Close failed: %v", err)
	}
	_ = artifact.Body.Close()
}

func TestDownload(t *testing.T) {
	content := "tarball bytes"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(content))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "pkg", "hello-1.0.tar.gz")
	n, err := Download(context.Background(), NewFetcher(), server.URL+"/hello-1.0.tar.gz", dest)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("n = %d, want %d", n, len(content))
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != content {
		t.Errorf("file = %q, want %q", string(data), content)
	}
}

func TestDownloadNotFoundWritesNothing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "hello-1.0.tar.gz")
	if _, err := Download(context.Background(), NewFetcher(), server.URL+"/x.tar.gz", dest); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("destination file should not exist, stat err = %v", err)
	}
}

func TestMirrorURLs(t *testing.T) {
	m := NewMirrorURLs("https://mirror.example.org/pkgs/")

	if got := m.Descriptor("gcc"); got != "https://mirror.example.org/pkgs/gcc/PACKAGE" {
		t.Errorf("Descriptor = %q", got)
	}
	if got := m.Patch("gcc", "fix-build.patch"); got != "https://mirror.example.org/pkgs/gcc/fix-build.patch" {
		t.Errorf("Patch = %q", got)
	}
	if got := m.Patch("gcc", "https://elsewhere.org/p.patch"); got != "https://elsewhere.org/p.patch" {
		t.Errorf("absolute Patch = %q", got)
	}
	if got := m.Release("12.1"); got != "https://mirror.example.org/pkgs/base-12.1/RELEASE.json" {
		t.Errorf("Release = %q", got)
	}
	if got := m.ReleaseFile("12.1", "packages.list"); got != "https://mirror.example.org/pkgs/base-12.1/packages.list" {
		t.Errorf("ReleaseFile = %q", got)
	}
}
