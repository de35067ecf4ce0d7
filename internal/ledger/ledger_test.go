package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "installed.json"))
}

func TestLoadMissingFile(t *testing.T) {
	l := testLedger(t)
	records, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %v, want empty", records)
	}
}

func TestMergeAndGet(t *testing.T) {
	l := testLedger(t)
	rec := Record{
		Version:     "1.0",
		Depends:     []string{"glibc"},
		Description: "the GNU hello program",
		PURL:        "pkg:slpkg/hello@1.0",
		InstalledAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	if err := l.Merge("hello", rec); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got, ok, err := l.Get("hello")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("hello not found")
	}
	if got.Version != "1.0" || got.PURL != "pkg:slpkg/hello@1.0" {
		t.Errorf("record = %+v", got)
	}
	if !got.InstalledAt.Equal(rec.InstalledAt) {
		t.Errorf("InstalledAt = %v", got.InstalledAt)
	}
}

func TestMergeIdempotent(t *testing.T) {
	l := testLedger(t)
	if err := l.Merge("hello", Record{Version: "1.0"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Merge("hello", Record{Version: "1.1"}); err != nil {
		t.Fatal(err)
	}

	records, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d entries, want 1", len(records))
	}
	if records["hello"].Version != "1.1" {
		t.Errorf("Version = %q, want 1.1", records["hello"].Version)
	}
}

func TestMergeKeepsOtherEntries(t *testing.T) {
	l := testLedger(t)
	if err := l.Merge("hello", Record{Version: "1.0"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Merge("zlib", Record{Version: "1.3", Essential: true}); err != nil {
		t.Fatal(err)
	}

	names, err := l.Names()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "hello" || names[1] != "zlib" {
		t.Errorf("Names = %v", names)
	}
}

func TestLedgerFileIsPlainJSONObject(t *testing.T) {
	l := testLedger(t)
	if err := l.Merge("hello", Record{Version: "1.0"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("ledger file is not a JSON object: %v", err)
	}
	if _, ok := doc["hello"]; !ok {
		t.Error("ledger object missing hello key")
	}
}

func TestGetMissing(t *testing.T) {
	l := testLedger(t)
	_, ok, err := l.Get("absent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Get(absent) reported ok")
	}
}
