// Package storage is the agent's disk-backed blob and manifest store.
// Manifests are stored verbatim; executables are compressed at rest.
// Every write answers with a BLAKE3 digest of the uncompressed bytes so
// clients can verify integrity end to end.
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned for unknown manifest or executable names.
var ErrNotFound = errors.New("not found in store")

// validName matches DNS-label-style names: 1-63 characters of lowercase
// alphanumerics, dots, or hyphens, starting and ending alphanumeric.
// Keeps stored names safe to use as path components.
var validName = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]{0,61}[a-z0-9])?$`)

// ValidateName checks that a manifest or version name is storable.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid name %q: must be 1-63 lowercase alphanumeric characters, dots, or hyphens, starting and ending with alphanumeric", name)
	}
	return nil
}

// Manifest is the stored description of a WASM executable. The store
// only needs the name to file it; the rest is passed through for the
// engine and clients.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// Store is a content store rooted at a directory. Safe for concurrent
// use: writes go through temp files renamed into place.
type Store struct {
	root    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	for _, sub := range []string{manifestsDir, executablesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Store{root: dir, encoder: encoder, decoder: decoder}, nil
}

const (
	manifestsDir   = "manifests"
	executablesDir = "executables"
)

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// PutManifest parses the manifest to learn its name, stores the raw
// bytes, and returns the name with the integrity digest of the stored
// bytes.
func (s *Store) PutManifest(data []byte) (name, digest string, err error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return "", "", fmt.Errorf("parse manifest: %w", err)
	}
	if err := ValidateName(manifest.Name); err != nil {
		return "", "", fmt.Errorf("manifest name: %w", err)
	}

	path := filepath.Join(s.root, manifestsDir, manifest.Name)
	if err := writeAtomic(path, data); err != nil {
		return "", "", err
	}
	digest = Digest(data)
	slog.Info("stored manifest", "name", manifest.Name,
		"size", humanize.Bytes(uint64(len(data))), "integrity", digest)
	return manifest.Name, digest, nil
}

// GetManifest returns the raw manifest bytes for a name.
func (s *Store) GetManifest(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, manifestsDir, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("manifest %s: %w", name, ErrNotFound)
	}
	return data, err
}

// HasManifest reports whether a manifest exists.
func (s *Store) HasManifest(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, manifestsDir, name))
	return err == nil
}

// ListManifests returns the stored manifest names, sorted.
func (s *Store) ListManifests() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, manifestsDir))
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// PutExecutable stores a versioned executable blob, compressed at rest.
// The returned digest covers the uncompressed bytes.
func (s *Store) PutExecutable(name, version string, data []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := ValidateName(version); err != nil {
		return "", fmt.Errorf("version: %w", err)
	}

	dir := filepath.Join(s.root, executablesDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create executable dir: %w", err)
	}
	compressed := s.encoder.EncodeAll(data, nil)
	if err := writeAtomic(filepath.Join(dir, version), compressed); err != nil {
		return "", err
	}
	digest := Digest(data)
	slog.Info("stored executable", "name", name, "version", version,
		"size", humanize.Bytes(uint64(len(data))),
		"stored_size", humanize.Bytes(uint64(len(compressed))), "integrity", digest)
	return digest, nil
}

// GetExecutable returns the uncompressed executable bytes.
func (s *Store) GetExecutable(name, version string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidateName(version); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	compressed, err := os.ReadFile(filepath.Join(s.root, executablesDir, name, version))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("executable %s/%s: %w", name, version, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress executable %s/%s: %w", name, version, err)
	}
	return data, nil
}

// Digest returns the hex BLAKE3 digest used as the store's integrity
// check.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeAtomic writes data through a temp file renamed into place so
// concurrent readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
