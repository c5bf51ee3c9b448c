// Package engine implements the samsub registry: a single-owner store of
// verification records with owner-gated upsert and deterministic pagination.
package engine

import (
	"context"

	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

// Snapshot is the durable state of a registry.
// Records are listed in enumeration (first insertion) order.
type Snapshot struct {
	OwnerID string          `json:"owner_id"`
	Records []schema.Record `json:"records"`
}

// Backend persists registry state across restarts.
// Both the JSON file backend and the SQLite store implement this contract.
type Backend interface {
	// Load returns the full persisted state.
	Load(ctx context.Context) (Snapshot, error)
	// SaveOwner records the owner. It is called at most once per registry.
	SaveOwner(ctx context.Context, ownerID string) error
	// PutRecord inserts or replaces a record, keeping the enumeration
	// position of an existing key.
	PutRecord(ctx context.Context, record schema.Record) error
}

// RecordSource is the read side used by Migrate.
type RecordSource interface {
	ListRecords(ctx context.Context, fromIndex, limit uint64) ([]schema.Record, error)
}

// RecordSink is the write side used by Migrate.
type RecordSink interface {
	AddRecord(ctx context.Context, accountID, samsubID string, isValid bool) error
}
