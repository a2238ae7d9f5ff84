// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"

	"github.com/xiaot623/crawlwatch/internal/repository"
)

// NewTestSQLiteStore opens an in-memory store publishing to pub and closes
// it when the test ends.
func NewTestSQLiteStore(t *testing.T, pub repository.ChangePublisher) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:", pub)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
