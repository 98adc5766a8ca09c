// Package evidence stores the photos and files attached to stages. Objects
// are content addressed: the reference of an object is "sha256:<hex>" of its
// bytes, so re-uploading the same photo yields the same reference.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/pitabwire/stagegate/model"
)

const refPrefix = "sha256:"

// Store persists evidence objects.
type Store interface {
	// Put stores data and returns its reference.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Get returns the bytes and content type behind a reference.
	Get(ctx context.Context, ref string) ([]byte, string, error)
	// Exists reports whether a reference resolves to a stored object.
	Exists(ctx context.Context, ref string) (bool, error)
}

// Reference computes the content reference of data.
func Reference(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// parseReference validates ref and returns its hex digest.
func parseReference(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", model.NewBadRequestError(fmt.Sprintf("invalid evidence reference %q", ref))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", model.NewBadRequestError(fmt.Sprintf("invalid evidence reference %q", ref))
	}
	return digest, nil
}

type memObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps evidence in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemoryStore creates an empty in-memory evidence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	ref := Reference(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; !ok {
		s.objects[ref] = memObject{data: append([]byte(nil), data...), contentType: contentType}
	}
	return ref, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, string, error) {
	if _, err := parseReference(ref); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[ref]
	if !ok {
		return nil, "", model.NewNotFoundError(fmt.Sprintf("evidence %q not found", ref))
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	if _, err := parseReference(ref); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[ref]
	return ok, nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
