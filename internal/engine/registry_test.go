package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/samsub-registry/internal/logger"
	"github.com/celerix-dev/samsub-registry/internal/metrics"
	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

func newActive(t *testing.T, owner string) *Registry {
	t.Helper()
	r := New()
	require.NoError(t, r.Initialize(context.Background(), owner))
	return r
}

func seed(t *testing.T, r *Registry, owner string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.AddRecord(context.Background(), owner, fmt.Sprintf("acc-%d.near", i), fmt.Sprintf("sub-%d", i), true))
	}
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	r := New()
	assert.Equal(t, "", r.Owner())

	require.NoError(t, r.Initialize(ctx, "alice"))
	assert.Equal(t, "alice", r.Owner())

	err := r.Initialize(ctx, "mallory")
	require.ErrorIs(t, err, schema.ErrAlreadyInitialized)
	assert.Equal(t, "alice", r.Owner(), "owner must not change after a failed re-initialization")

	err = r.Initialize(ctx, "alice")
	require.ErrorIs(t, err, schema.ErrAlreadyInitialized)
}

func TestInitializeRejectsEmptyCaller(t *testing.T) {
	r := New()
	err := r.Initialize(context.Background(), "")
	require.ErrorIs(t, err, schema.ErrUnauthorized)
	assert.Equal(t, "", r.Owner())

	require.NoError(t, r.Initialize(context.Background(), "alice"))
}

func TestMutationsBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	r := New()

	for _, caller := range []string{"", "alice"} {
		err := r.AddRecord(ctx, caller, "bob.near", "sub-1", true)
		require.ErrorIs(t, err, schema.ErrUnauthorized)

		updated, err := r.EditValidity(ctx, caller, "sub-1", false)
		require.ErrorIs(t, err, schema.ErrUnauthorized)
		assert.False(t, updated)
	}
	assert.Equal(t, 0, r.Len())
}

func TestAddRecord(t *testing.T) {
	ctx := context.Background()
	r := newActive(t, "alice")

	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))

	list := r.ListRecords(0, 100)
	require.Len(t, list, 1)
	assert.Equal(t, schema.Record{AccountID: "bob.near", SamsubID: "sub-1", IsValid: true}, list[0])

	got, ok := r.GetRecord("sub-1")
	require.True(t, ok)
	assert.Equal(t, list[0], got)
}

func TestAddRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newActive(t, "alice")

	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))
	once := r.ListRecords(0, 100)
	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))

	assert.Equal(t, once, r.ListRecords(0, 100))
	assert.Equal(t, 1, r.Len())
}

func TestAddRecordReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	r := newActive(t, "alice")
	seed(t, r, "alice", 3)

	require.NoError(t, r.AddRecord(ctx, "alice", "carol.near", "sub-1", false))

	list := r.ListRecords(0, 10)
	require.Len(t, list, 3)
	assert.Equal(t, "sub-0", list[0].SamsubID)
	assert.Equal(t, schema.Record{AccountID: "carol.near", SamsubID: "sub-1", IsValid: false}, list[1])
	assert.Equal(t, "sub-2", list[2].SamsubID)
}

func TestNonOwnerCannotMutate(t *testing.T) {
	ctx := context.Background()
	r := newActive(t, "alice")
	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))
	before := r.ListRecords(0, 100)

	err := r.AddRecord(ctx, "mallory", "mallory.near", "sub-2", true)
	require.ErrorIs(t, err, schema.ErrUnauthorized)

	err = r.AddRecord(ctx, "mallory", "mallory.near", "sub-1", false)
	require.ErrorIs(t, err, schema.ErrUnauthorized)

	updated, err := r.EditValidity(ctx, "mallory", "sub-1", false)
	require.ErrorIs(t, err, schema.ErrUnauthorized)
	assert.False(t, updated)

	assert.Equal(t, before, r.ListRecords(0, 100))
}

func TestEditValidity(t *testing.T) {
	ctx := context.Background()
	r := newActive(t, "alice")
	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))

	t.Run("absent key", func(t *testing.T) {
		before := r.ListRecords(0, 100)
		updated, err := r.EditValidity(ctx, "alice", "sub-missing", false)
		require.NoError(t, err)
		assert.False(t, updated)
		assert.Equal(t, before, r.ListRecords(0, 100))
	})

	t.Run("present key", func(t *testing.T) {
		updated, err := r.EditValidity(ctx, "alice", "sub-1", false)
		require.NoError(t, err)
		assert.True(t, updated)

		got, ok := r.GetRecord("sub-1")
		require.True(t, ok)
		assert.Equal(t, schema.Record{AccountID: "bob.near", SamsubID: "sub-1", IsValid: false}, got)
	})
}

func TestListRecordsPagination(t *testing.T) {
	r := newActive(t, "alice")
	seed(t, r, "alice", 5)

	tests := []struct {
		name      string
		fromIndex uint64
		limit     uint64
		want      []string
	}{
		{"first page", 0, 2, []string{"sub-0", "sub-1"}},
		{"middle page", 2, 2, []string{"sub-2", "sub-3"}},
		{"clamped tail", 3, 10, []string{"sub-3", "sub-4"}},
		{"exact end", 0, 5, []string{"sub-0", "sub-1", "sub-2", "sub-3", "sub-4"}},
		{"start past end", 10, 5, nil},
		{"start at end", 5, 1, nil},
		{"zero limit", 0, 0, nil},
		{"overflowing bounds", 1, math.MaxUint64, []string{"sub-1", "sub-2", "sub-3", "sub-4"}},
		{"max start", math.MaxUint64, math.MaxUint64, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ListRecords(tt.fromIndex, tt.limit)
			require.NotNil(t, got)
			ids := make([]string, 0, len(got))
			for _, rec := range got {
				ids = append(ids, rec.SamsubID)
			}
			if tt.want == nil {
				assert.Empty(t, ids)
				return
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestListRecordsReturnsSnapshot(t *testing.T) {
	r := newActive(t, "alice")
	seed(t, r, "alice", 2)

	list := r.ListRecords(0, 10)
	list[0].IsValid = false
	list[0].AccountID = "tampered"

	got, ok := r.GetRecord("sub-0")
	require.True(t, ok)
	assert.True(t, got.IsValid)
	assert.Equal(t, "acc-0.near", got.AccountID)
}

func TestScenarioAliceBob(t *testing.T) {
	ctx := context.Background()
	r := New()

	require.NoError(t, r.Initialize(ctx, "alice"))
	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))
	updated, err := r.EditValidity(ctx, "alice", "sub-1", false)
	require.NoError(t, err)
	require.True(t, updated)

	assert.Equal(t, []schema.Record{{AccountID: "bob.near", SamsubID: "sub-1", IsValid: false}}, r.ListRecords(0, 10))
}

type failingBackend struct {
	failOwner  bool
	failRecord bool
}

func (f *failingBackend) Load(context.Context) (Snapshot, error) { return Snapshot{}, nil }

func (f *failingBackend) SaveOwner(context.Context, string) error {
	if f.failOwner {
		return errors.New("disk full")
	}
	return nil
}

func (f *failingBackend) PutRecord(context.Context, schema.Record) error {
	if f.failRecord {
		return errors.New("disk full")
	}
	return nil
}

func TestFailedWriteLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{failOwner: true}
	r := New(WithBackend(backend))

	require.Error(t, r.Initialize(ctx, "alice"))
	assert.Equal(t, "", r.Owner())

	backend.failOwner = false
	require.NoError(t, r.Initialize(ctx, "alice"))
	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))

	backend.failRecord = true
	require.Error(t, r.AddRecord(ctx, "alice", "carol.near", "sub-2", true))
	updated, err := r.EditValidity(ctx, "alice", "sub-1", false)
	require.Error(t, err)
	assert.False(t, updated)

	assert.Equal(t, []schema.Record{{AccountID: "bob.near", SamsubID: "sub-1", IsValid: true}}, r.ListRecords(0, 10))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	r := New(WithMetrics(m))

	require.NoError(t, r.Initialize(ctx, "alice"))
	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))
	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))
	_, err := r.EditValidity(ctx, "alice", "sub-1", false)
	require.NoError(t, err)
	_, err = r.EditValidity(ctx, "alice", "sub-9", false)
	require.NoError(t, err)
	require.Error(t, r.AddRecord(ctx, "mallory", "m.near", "sub-2", true))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OwnerInitialized))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsUpserted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidityEdits.WithLabelValues("updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidityEdits.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthFailures.WithLabelValues("add_record")))
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	r := New()
	alice := r.Session("alice")
	mallory := r.Session("mallory")

	require.NoError(t, alice.Initialize(ctx))
	require.NoError(t, alice.AddRecord(ctx, "bob.near", "sub-1", true))
	require.ErrorIs(t, mallory.AddRecord(ctx, "m.near", "sub-2", true), schema.ErrUnauthorized)

	rec, err := mallory.GetRecord(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "bob.near", rec.AccountID)

	_, err = mallory.GetRecord(ctx, "sub-2")
	require.ErrorIs(t, err, schema.ErrRecordNotFound)

	owner, err := mallory.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	count, err := mallory.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestRegistry_Concurrent(t *testing.T) {
	ctx := context.Background()
	r := newActive(t, "alice")
	const (
		numGoroutines = 10
		numOps        = 100
	)
	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*numOps)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				key := fmt.Sprintf("sub-%d-%d", id, j)
				if err := r.AddRecord(ctx, "alice", "acc.near", key, j%2 == 0); err != nil {
					errs <- err
					continue
				}
				if _, ok := r.GetRecord(key); !ok {
					errs <- fmt.Errorf("record %s missing after add", key)
				}
				r.ListRecords(uint64(j), 10)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, numGoroutines*numOps, r.Len())
}

// logEntries decodes JSON log lines with the given message.
func logEntries(t *testing.T, buf *bytes.Buffer, msg string) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		if entry["msg"] == msg {
			out = append(out, entry)
		}
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestAddRecordAuditLog(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	r := New(WithLogger(logger.NewWithWriter(&buf, slog.LevelInfo, "json")))
	require.NoError(t, r.Initialize(ctx, "alice"))

	require.NoError(t, r.AddRecord(ctx, "alice", "bob.near", "sub-1", true))

	entries := logEntries(t, &buf, "record added")
	require.Len(t, entries, 1)
	assert.Equal(t, "sub-1", entries[0]["samsub_id"])
	assert.Equal(t, true, entries[0]["is_valid"])
	assert.Equal(t, "bob.near", entries[0]["account_id"])

	// Rejected calls leave no audit line
	buf.Reset()
	require.ErrorIs(t, r.AddRecord(ctx, "mallory", "m.near", "sub-2", false), schema.ErrUnauthorized)
	assert.Empty(t, logEntries(t, &buf, "record added"))
}
