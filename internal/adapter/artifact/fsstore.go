// Package artifact provides a filesystem-backed blob store for job outputs.
// Refs are forward-slash paths relative to the store root; descriptors carry
// size, checksum and sniffed mime type so manifests stay self-describing.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// FSStore writes artifacts under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		root = "./artifacts"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("op=artifact.NewFSStore: mkdir %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *FSStore) Root() string { return s.root }

// Put writes content under ref and returns its descriptor. Content is
// sniffed for mime type and checksummed with SHA-256.
func (s *FSStore) Put(ref string, name string, artifactType string, content []byte) (domain.ArtifactDescriptor, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return domain.ArtifactDescriptor{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("op=artifact.FSStore.Put: mkdir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("op=artifact.FSStore.Put: write %s: %w", ref, err)
	}

	sum := sha256.Sum256(content)
	return domain.ArtifactDescriptor{
		Name:     name,
		Type:     artifactType,
		Ref:      ref,
		Size:     int64(len(content)),
		Checksum: "sha256:" + hex.EncodeToString(sum[:]),
		MimeType: mimetype.Detect(content).String(),
	}, nil
}

// Get reads the full content stored under ref.
func (s *FSStore) Get(ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=artifact.FSStore.Get: %s: %w", ref, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=artifact.FSStore.Get: read %s: %w", ref, err)
	}
	return data, nil
}

// Open returns a reader over the content stored under ref. The caller closes it.
func (s *FSStore) Open(ref string) (io.ReadCloser, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=artifact.FSStore.Open: %s: %w", ref, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=artifact.FSStore.Open: open %s: %w", ref, err)
	}
	return f, nil
}

// resolve maps a ref to an absolute path, refusing anything that escapes the
// root.
func (s *FSStore) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("op=artifact.FSStore.resolve: empty ref: %w", domain.ErrValidation)
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("op=artifact.FSStore.resolve: ref %q escapes store root: %w", ref, domain.ErrValidation)
	}
	return filepath.Join(s.root, clean), nil
}
