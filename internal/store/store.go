// Package store persists the platform's aggregates: definitions, instances
// (with their histories) and access tables. Each Put writes one aggregate
// atomically, so a crash never leaves a half-written record behind.
//
// Three back ends share the interface: an in-memory store with a JSON
// snapshot file (local dev, tests), BoltDB (single node) and PostgreSQL.
package store

import (
	"context"

	"github.com/agentserver/agentserver/pkg/models"
)

// Store is the primary storage interface. The runtime keeps its working
// set in memory and writes through to the store; the store is read back
// only at start-up.
type Store interface {
	DefinitionStore
	InstanceStore
	AccessStore

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close flushes pending writes and releases all resources.
	Close() error
}

// ── Definition Store ────────────────────────────────────────

type DefinitionStore interface {
	ListDefinitions(ctx context.Context) ([]models.AgentDefinition, error)
	PutDefinition(ctx context.Context, def *models.AgentDefinition) error
	DeleteDefinition(ctx context.Context, user, name string) error
}

// ── Instance Store ──────────────────────────────────────────

type InstanceStore interface {
	ListInstances(ctx context.Context) ([]models.InstanceRecord, error)
	PutInstance(ctx context.Context, rec *models.InstanceRecord) error
	DeleteInstance(ctx context.Context, user, name string) error
}

// ── Access Store ────────────────────────────────────────────

type AccessStore interface {
	ListAccessTables(ctx context.Context) ([]models.AccessTable, error)
	PutAccessTable(ctx context.Context, t *models.AccessTable) error
	DeleteAccessTable(ctx context.Context, user string, kind models.AccessKind) error
}
