package view

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadFile reads a single ViewDefinition JSON document. Unknown fields are
// ignored.
func LoadFile(path string) (*ViewDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read view definition %s: %w", path, err)
	}
	var def ViewDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse view definition %s: %w", path, err)
	}
	return &def, nil
}

// LoadFolder reads every *.json file in dir as a ViewDefinition, sorted by
// file name. Files that fail to parse are returned as per-file errors keyed
// by path so the caller can continue with the remaining views.
func LoadFolder(dir string) ([]*ViewDefinition, map[string]error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read view definitions directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var defs []*ViewDefinition
	failed := make(map[string]error)
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadFile(path)
		if err != nil {
			failed[path] = err
			continue
		}
		defs = append(defs, def)
	}
	return defs, failed, nil
}
