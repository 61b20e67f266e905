package receipt

import (
	"context"
	"strings"
)

const defaultInMemoryRetention = 500

// NewStore creates a postgres-backed store when configured, otherwise an
// in-memory store keeping the last retention receipts.
func NewStore(ctx context.Context, databaseURL string, retention int) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		if retention <= 0 {
			retention = defaultInMemoryRetention
		}
		return NewInMemoryStore(retention), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
