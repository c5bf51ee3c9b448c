package sdk

import (
	"context"

	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

// Errors are aliased from schema so callers can match them with errors.Is
// without importing a second package.
var (
	ErrAlreadyInitialized = schema.ErrAlreadyInitialized
	ErrUnauthorized       = schema.ErrUnauthorized
	ErrRecordNotFound     = schema.ErrRecordNotFound
	ErrInvalidArgument    = schema.ErrInvalidArgument
)

// --- Functional Interfaces (Interface Segregation) ---

// RecordReader defines the ungated read operations.
type RecordReader interface {
	ListRecords(ctx context.Context, fromIndex, limit uint64) ([]schema.Record, error)
	GetRecord(ctx context.Context, samsubID string) (schema.Record, error)
	Count(ctx context.Context) (uint64, error)
}

// RecordWriter defines the owner-gated mutations.
type RecordWriter interface {
	AddRecord(ctx context.Context, accountID, samsubID string, isValid bool) error
	EditValidity(ctx context.Context, samsubID string, isValid bool) (bool, error)
}

// Ownership covers the one-time owner transition.
type Ownership interface {
	Initialize(ctx context.Context) error
	Owner(ctx context.Context) (string, error)
}

// --- Composite Interfaces ---

// Registry is a caller-bound handle on a samsub registry. The caller
// identity is fixed when the handle is created: by the token of a remote
// Client, or by the identity passed to an embedded session.
type Registry interface {
	RecordReader
	RecordWriter
	Ownership

	Close() error
}
