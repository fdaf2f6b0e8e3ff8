package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"otad/pkg/errdefs"
)

// MemoryBlobs keeps payloads in a map.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobs returns an empty MemoryBlobs.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobs) Write(_ context.Context, locator string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[locator] = data
	return nil
}

func (m *MemoryBlobs) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[locator]
	if !ok {
		return nil, fmt.Errorf("%w: blob %q", errdefs.ErrNotFound, locator)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBlobs) Delete(_ context.Context, locator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, locator)
	return nil
}

func (m *MemoryBlobs) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// MemoryIndex keeps artifact records in maps keyed by name and locator.
type MemoryIndex struct {
	mu        sync.RWMutex
	byName    map[string]Artifact
	byLocator map[string]string
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byName:    make(map[string]Artifact),
		byLocator: make(map[string]string),
	}
}

func (m *MemoryIndex) Save(_ context.Context, a Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[a.Name]; ok {
		return fmt.Errorf("%w: artifact %q", errdefs.ErrAlreadyExists, a.Name)
	}
	if _, ok := m.byLocator[a.Locator]; ok {
		return fmt.Errorf("%w: locator %q", errdefs.ErrAlreadyExists, a.Locator)
	}
	m.byName[a.Name] = a
	m.byLocator[a.Locator] = a.Name
	return nil
}

func (m *MemoryIndex) ByName(_ context.Context, name string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byName[name]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: artifact %q", errdefs.ErrNotFound, name)
	}
	return a, nil
}

func (m *MemoryIndex) ByLocator(_ context.Context, locator string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.byLocator[locator]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: locator %q", errdefs.ErrNotFound, locator)
	}
	return m.byName[name], nil
}
