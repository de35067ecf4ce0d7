// Package ledger keeps the durable record of installed packages: a single
// JSON object keyed by package name, read-modify-written as a whole.
// Concurrent invocations of the tool are not synchronized; the last writer
// wins.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Record is one installed package's ledger entry.
type Record struct {
	Version      string   `json:"version"`
	Depends      []string `json:"depends,omitempty"`
	BuildDepends []string `json:"build_depends,omitempty"`
	OptDepends   []string `json:"optdepends,omitempty"`
	Description  string   `json:"description,omitempty"`
	Essential    bool     `json:"essential,omitempty"`
	// PURL is a package-url identifier (pkg:slpkg/<name>@<version>) kept
	// for interop with external tooling.
	PURL        string    `json:"purl,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
}

// Ledger is a JSON-backed installed-package record.
type Ledger struct {
	path string
}

// New creates a ledger over the given file path. The file need not exist
// yet; a missing file reads as an empty ledger.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Load reads the whole ledger. A missing file yields an empty map.
func (l *Ledger) Load() (map[string]Record, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", l.path, err)
	}
	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing ledger %s: %w", l.path, err)
	}
	return records, nil
}

// Get returns one package's record, if present.
func (l *Ledger) Get(name string) (Record, bool, error) {
	records, err := l.Load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := records[name]
	return rec, ok, nil
}

// Merge writes or overwrites a single package's record, keeping all
// others. The merge is idempotent: installing the same package twice
// updates its one entry in place.
func (l *Ledger) Merge(name string, rec Record) error {
	records, err := l.Load()
	if err != nil {
		return err
	}
	records[name] = rec
	return l.write(records)
}

// Names returns the installed package names in sorted order.
func (l *Ledger) Names() ([]string, error) {
	records, err := l.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (l *Ledger) write(records map[string]Record) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating ledger dir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	if err := os.WriteFile(l.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing ledger %s: %w", l.path, err)
	}
	return nil
}
