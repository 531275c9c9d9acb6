// Package storetest provides migrated in-memory SQLite stores for tests.
package storetest

import (
	"fmt"
	"net/url"
	"testing"

	"dropshop/internal/store"
)

// New creates a named shared in-memory SQLite store with all migrations applied.
// The name is derived from t.Name() so parallel tests stay isolated.
func New(t testing.TB) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_time_format=sqlite",
		url.PathEscape(t.Name()),
	)

	s, err := store.NewStore("sqlite", dsn)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := s.Migrate(""); err != nil {
		_ = s.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })
	return s
}
