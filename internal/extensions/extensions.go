// Package extensions loads the agent's extension manifest table. The
// table is read once at startup and never mutated, so readers need no
// lock.
package extensions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Extension describes one installed extension.
type Extension struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// Table is the read-only extension registry, keyed by extension name.
type Table map[string]Extension

// Load reads every *.yaml / *.yml manifest in dir. A missing or empty
// dir yields an empty table; a malformed manifest fails the whole load
// so a bad deploy is caught at startup rather than at dispatch time.
func Load(dir string) (Table, error) {
	table := make(Table)
	if dir == "" {
		return table, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return nil, fmt.Errorf("read extensions dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read extension manifest %s: %w", path, err)
		}
		var manifest Extension
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parse extension manifest %s: %w", path, err)
		}
		if manifest.Name == "" {
			return nil, fmt.Errorf("extension manifest %s has no name", path)
		}
		table[manifest.Name] = manifest
	}
	return table, nil
}

// Names returns the extension names in sorted order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
