package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/celerix-dev/samsub-registry/internal/metrics"
	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

const tracerName = "github.com/celerix-dev/samsub-registry/internal/engine"

// Registry is the thread-safe record store.
// The mutex linearizes every call: the network front ends are concurrent,
// the registry itself sees one call at a time.
type Registry struct {
	mu      sync.RWMutex
	ownerID string
	// keys holds samsub ids in first-insertion order; records is keyed by them.
	keys    []string
	records map[string]schema.Record

	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

// WithBackend makes every mutation durable through b before it is applied.
func WithBackend(b Backend) Option {
	return func(r *Registry) {
		r.backend = b
	}
}

// WithLogger sets the logger used for audit lines.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithMetrics enables Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Registry) {
		r.tracer = tp.Tracer(tracerName)
	}
}

// New returns an empty, uninitialized registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]schema.Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

// Open builds a registry and restores the state held by its backend.
func Open(ctx context.Context, opts ...Option) (*Registry, error) {
	r := New(opts...)
	if r.backend == nil {
		return r, nil
	}
	snap, err := r.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry state: %w", err)
	}
	r.restore(snap)
	return r, nil
}

func (r *Registry) restore(snap Snapshot) {
	r.ownerID = snap.OwnerID
	for _, rec := range snap.Records {
		if _, ok := r.records[rec.SamsubID]; !ok {
			r.keys = append(r.keys, rec.SamsubID)
		}
		r.records[rec.SamsubID] = rec
	}
	if r.metrics != nil {
		r.metrics.RecordsStored.Set(float64(len(r.keys)))
		if r.ownerID != "" {
			r.metrics.OwnerInitialized.Set(1)
		}
	}
}

// Initialize makes caller the owner. It succeeds exactly once.
func (r *Registry) Initialize(ctx context.Context, caller string) (err error) {
	ctx, span := r.tracer.Start(ctx, "registry.Initialize")
	defer func() { endSpan(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ownerID != "" {
		return schema.ErrAlreadyInitialized
	}
	if caller == "" {
		r.authFailed("initialize")
		return fmt.Errorf("%w: caller identity is empty", schema.ErrUnauthorized)
	}

	if r.backend != nil {
		if err := r.backend.SaveOwner(ctx, caller); err != nil {
			r.writeFailed("initialize")
			return fmt.Errorf("persist owner: %w", err)
		}
	}
	r.ownerID = caller
	if r.metrics != nil {
		r.metrics.OwnerInitialized.Set(1)
	}
	r.logger.InfoContext(ctx, "registry initialized", "owner_id", caller)
	return nil
}

// AddRecord upserts a record keyed by samsubID. Only the owner may call it.
// Repeating a call with the same arguments leaves the store unchanged.
func (r *Registry) AddRecord(ctx context.Context, caller, accountID, samsubID string, isValid bool) (err error) {
	ctx, span := r.tracer.Start(ctx, "registry.AddRecord", trace.WithAttributes(
		attribute.String("samsub_id", samsubID),
	))
	defer func() { endSpan(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.assertOwner(caller, "add_record"); err != nil {
		return err
	}

	rec := schema.NewRecord(accountID, samsubID, isValid)
	if r.backend != nil {
		if err := r.backend.PutRecord(ctx, rec); err != nil {
			r.writeFailed("add_record")
			return fmt.Errorf("persist record %s: %w", samsubID, err)
		}
	}
	r.put(rec)

	if r.metrics != nil {
		r.metrics.RecordsUpserted.Inc()
		r.metrics.RecordsStored.Set(float64(len(r.keys)))
	}
	r.logger.InfoContext(ctx, "record added",
		"samsub_id", samsubID,
		"is_valid", isValid,
		"account_id", accountID,
	)
	return nil
}

// EditValidity replaces the validity flag of an existing record.
// It reports false, without error, when samsubID is not stored.
func (r *Registry) EditValidity(ctx context.Context, caller, samsubID string, isValid bool) (updated bool, err error) {
	ctx, span := r.tracer.Start(ctx, "registry.EditValidity", trace.WithAttributes(
		attribute.String("samsub_id", samsubID),
	))
	defer func() { endSpan(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.assertOwner(caller, "edit_validity"); err != nil {
		return false, err
	}

	existing, ok := r.records[samsubID]
	if !ok {
		if r.metrics != nil {
			r.metrics.ValidityEdits.WithLabelValues("not_found").Inc()
		}
		return false, nil
	}

	rec := existing.WithValidity(isValid)
	if r.backend != nil {
		if err := r.backend.PutRecord(ctx, rec); err != nil {
			r.writeFailed("edit_validity")
			return false, fmt.Errorf("persist record %s: %w", samsubID, err)
		}
	}
	r.records[samsubID] = rec

	if r.metrics != nil {
		r.metrics.ValidityEdits.WithLabelValues("updated").Inc()
	}
	r.logger.InfoContext(ctx, "record validity changed",
		"samsub_id", samsubID,
		"is_valid", isValid,
	)
	return true, nil
}

// ListRecords returns at most limit records starting at position fromIndex.
// Out-of-range input yields an empty slice, never an error.
func (r *Registry) ListRecords(fromIndex, limit uint64) []schema.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := uint64(len(r.keys))
	if fromIndex >= total || limit == 0 {
		return []schema.Record{}
	}
	end := total
	// Compare against the remaining count so fromIndex+limit cannot overflow.
	if limit < total-fromIndex {
		end = fromIndex + limit
	}

	out := make([]schema.Record, 0, end-fromIndex)
	for _, key := range r.keys[fromIndex:end] {
		out = append(out, r.records[key])
	}
	return out
}

// GetRecord looks up a single record.
func (r *Registry) GetRecord(samsubID string) (schema.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[samsubID]
	return rec, ok
}

// Owner returns the owner identity, empty while uninitialized.
func (r *Registry) Owner() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownerID
}

// Len returns the number of stored records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// put must be called with r.mu held for writing.
func (r *Registry) put(rec schema.Record) {
	if _, ok := r.records[rec.SamsubID]; !ok {
		r.keys = append(r.keys, rec.SamsubID)
	}
	r.records[rec.SamsubID] = rec
}

// assertOwner must be called with r.mu held. An uninitialized registry has
// no owner, so every caller fails here until Initialize succeeds.
func (r *Registry) assertOwner(caller, op string) error {
	if r.ownerID == "" || caller != r.ownerID {
		r.authFailed(op)
		return schema.ErrUnauthorized
	}
	return nil
}

func (r *Registry) authFailed(op string) {
	if r.metrics != nil {
		r.metrics.AuthFailures.WithLabelValues(op).Inc()
	}
}

func (r *Registry) writeFailed(op string) {
	if r.metrics != nil {
		r.metrics.StoreWriteFailures.WithLabelValues(op).Inc()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
