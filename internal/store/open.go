package store

import (
	"context"
	"fmt"
)

// Open returns the back end named by kind: "memory" (default), "bolt" or
// "postgres".
func Open(ctx context.Context, kind, dataDir, databaseURL string, maxConns int) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(dataDir), nil
	case "bolt":
		return NewBoltStore(dataDir)
	case "postgres":
		if databaseURL == "" {
			return nil, fmt.Errorf("postgres store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, databaseURL, maxConns)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}
