// Package testutil holds shared test fixtures.
package testutil

import (
	"testing"

	"github.com/xiaot623/aiva/internal/repository"
)

// NewTestSQLiteStore opens an in-memory SQLite store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewTestMemoryStore creates an unbounded in-memory store.
func NewTestMemoryStore(t *testing.T) *repository.MemoryStore {
	t.Helper()
	s := repository.NewMemoryStore(0)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
