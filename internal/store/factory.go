package store

import (
	"context"
	"strings"

	"github.com/ent0n29/sesame/internal/apperr"
)

// NewStore creates a postgres-backed store when DATABASE_URL is set, a SQLite
// store when SQLITE_PATH is set, otherwise an in-memory store.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteStore(ctx, sqlitePath)
	}
	return NewInMemoryStore(), nil
}

func conversationNotFound(op, id string) error {
	return apperr.NotFound(op, "conversation "+id+" not found")
}
