package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgeflow/controller/internal/addr"
)

// ManifestStore persists the deployment manifest bytes associated with a
// catalog entry under servicesDir, keyed by the entry's socket so that a
// service learned at runtime (rather than loaded from servicesGlob at
// start-up) can still be located by ServiceManager.deploy the same way.
//
// Writes go through a temp file in the same directory followed by a
// rename, so a crash mid-write never leaves a partially-written manifest
// visible under its final name.
type ManifestStore struct {
	dir string
}

// NewManifestStore returns a store rooted at dir. dir is created if it
// does not already exist.
func NewManifestStore(dir string) (*ManifestStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create manifest dir %s: %w", dir, err)
	}
	return &ManifestStore{dir: dir}, nil
}

func (m *ManifestStore) path(s addr.Socket) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_%d.yml", s.IP, s.Port))
}

// Put writes body as the manifest for s, replacing any previous manifest.
func (m *ManifestStore) Put(s addr.Socket, body []byte) error {
	final := m.path(s)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("catalog: write manifest for %s: %w", s, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("catalog: install manifest for %s: %w", s, err)
	}
	return nil
}

// Get returns the manifest bytes for s, or (nil, false) if none has been
// stored.
func (m *ManifestStore) Get(s addr.Socket) ([]byte, bool) {
	body, err := os.ReadFile(m.path(s))
	if err != nil {
		return nil, false
	}
	return body, true
}

// Filename returns the path Get would read, without reading it. Useful
// for logging and for callers that want to hand the path itself (e.g. to
// a cluster adapter that loads a manifest file directly) rather than its
// contents.
func (m *ManifestStore) Filename(s addr.Socket) string {
	return m.path(s)
}

// Remove deletes the manifest for s, if any. It is not an error for the
// manifest to already be absent.
func (m *ManifestStore) Remove(s addr.Socket) error {
	if err := os.Remove(m.path(s)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("catalog: remove manifest for %s: %w", s, err)
	}
	return nil
}
