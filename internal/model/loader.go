package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vqvdb/internal/common/fsutil"
)

// Entry is one manifest discovered on disk.
type Entry struct {
	ID   string
	Kind string
	Path string
}

var manifestExts = map[string]bool{".yaml": true, ".yml": true, ".toml": true, ".json": true}

// LoadDir scans a directory for model manifests. Files that do not parse as
// a manifest with an id are skipped. Entries are sorted by id.
func LoadDir(dir string) ([]Entry, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if !fsutil.PathExists(abs) {
		return nil, fmt.Errorf("models dir %s does not exist", dir)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []Entry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !manifestExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		p := filepath.Join(abs, name)
		m, err := Load(p, "")
		if err != nil {
			continue
		}
		out = append(out, Entry{ID: m.ID, Kind: m.Kind, Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
