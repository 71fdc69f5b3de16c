package assets

import (
	"context"
	"fmt"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps assets in memory for development and tests. It
// implements bookmarks.AssetStore.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemory creates an in-memory asset store.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func memoryKey(userID, assetID string) string {
	return userID + "/" + assetID
}

// Put stores a copy of the asset content.
func (s *MemoryStore) Put(_ context.Context, userID, assetID, contentType string, data []byte) error {
	if userID == "" || assetID == "" {
		return fmt.Errorf("user id and asset id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memoryKey(userID, assetID)] = memoryObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
	}
	return nil
}

// Get returns the stored content and content type.
func (s *MemoryStore) Get(_ context.Context, userID, assetID string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[memoryKey(userID, assetID)]
	if !ok {
		return nil, "", fmt.Errorf("asset %s/%s not found", userID, assetID)
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// Delete removes an asset. A missing asset is not an error.
func (s *MemoryStore) Delete(_ context.Context, userID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, memoryKey(userID, assetID))
	return nil
}
