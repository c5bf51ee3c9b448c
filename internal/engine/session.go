package engine

import (
	"context"
	"fmt"

	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

// Session returns a view of the registry that "pins" the caller identity, so
// embedded users get the same surface as the remote SDK client.
func (r *Registry) Session(caller string) *Session {
	return &Session{registry: r, caller: caller}
}

// Session is a caller-bound handle on a Registry.
type Session struct {
	registry *Registry
	caller   string
}

// Caller returns the identity this session acts as.
func (s *Session) Caller() string {
	return s.caller
}

func (s *Session) Initialize(ctx context.Context) error {
	return s.registry.Initialize(ctx, s.caller)
}

func (s *Session) AddRecord(ctx context.Context, accountID, samsubID string, isValid bool) error {
	return s.registry.AddRecord(ctx, s.caller, accountID, samsubID, isValid)
}

func (s *Session) EditValidity(ctx context.Context, samsubID string, isValid bool) (bool, error) {
	return s.registry.EditValidity(ctx, s.caller, samsubID, isValid)
}

func (s *Session) ListRecords(ctx context.Context, fromIndex, limit uint64) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.registry.ListRecords(fromIndex, limit), nil
}

func (s *Session) GetRecord(ctx context.Context, samsubID string) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return schema.Record{}, err
	}
	rec, ok := s.registry.GetRecord(samsubID)
	if !ok {
		return schema.Record{}, fmt.Errorf("%w: %s", schema.ErrRecordNotFound, samsubID)
	}
	return rec, nil
}

func (s *Session) Owner(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.registry.Owner(), nil
}

func (s *Session) Count(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return uint64(s.registry.Len()), nil
}

// Close is a no-op; the session does not own the registry.
func (s *Session) Close() error {
	return nil
}
