package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func memoryRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	return NewMemoryStorage(opts...), func() {}, nil
}

func sqliteRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	repo, err := NewSQLiteRepository(context.Background(), filepath.Join(t.TempDir(), "livesync.db"), opts...)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close(context.Background()) }, nil
}
