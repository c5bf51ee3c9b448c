package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/samsub-registry/internal/config"
	"github.com/celerix-dev/samsub-registry/internal/engine"
	"github.com/celerix-dev/samsub-registry/internal/vault"
	"github.com/celerix-dev/samsub-registry/pkg/schema"
	"github.com/celerix-dev/samsub-registry/pkg/sdk"
)

// embedded returns a connector that binds every invocation to caller on reg.
func embedded(reg *engine.Registry, caller string) Connector {
	return func(context.Context, config.Client) (sdk.Registry, error) {
		return reg.Session(caller), nil
	}
}

func run(t *testing.T, connect Connector, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test", connect)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestOwnerWorkflow(t *testing.T) {
	reg := engine.New()
	alice := embedded(reg, "alice")

	out, err := run(t, alice, "owner")
	require.NoError(t, err)
	assert.Equal(t, "(uninitialized)\n", out)

	out, err = run(t, alice, "init")
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)

	_, err = run(t, alice, "init")
	assert.ErrorIs(t, err, schema.ErrAlreadyInitialized)

	_, err = run(t, alice, "add", "sub-1", "bob.near", "true")
	require.NoError(t, err)
	_, err = run(t, alice, "add", "sub-2", "carol.near", "false")
	require.NoError(t, err)

	out, err = run(t, alice, "edit", "sub-1", "false")
	require.NoError(t, err)
	assert.JSONEq(t, `{"updated": true}`, out)

	out, err = run(t, alice, "edit", "sub-404", "true")
	require.NoError(t, err)
	assert.JSONEq(t, `{"updated": false}`, out)

	out, err = run(t, alice, "list", "--from", "1", "--limit", "5")
	require.NoError(t, err)
	var list []schema.Record
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, []schema.Record{{AccountID: "carol.near", SamsubID: "sub-2", IsValid: false}}, list)

	out, err = run(t, alice, "get", "sub-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"account_id":"bob.near","samsub_id":"sub-1","is_valid":false}`, out)

	_, err = run(t, alice, "get", "sub-404")
	assert.ErrorIs(t, err, schema.ErrRecordNotFound)

	out, err = run(t, alice, "count")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = run(t, alice, "ping")
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", out)
}

func TestNonOwnerRejected(t *testing.T) {
	reg := engine.New()
	require.NoError(t, reg.Initialize(context.Background(), "alice"))

	_, err := run(t, embedded(reg, "mallory"), "add", "sub-1", "m.near", "true")
	assert.ErrorIs(t, err, schema.ErrUnauthorized)
	assert.Equal(t, 0, reg.Len())
}

func TestArgumentValidation(t *testing.T) {
	connect := embedded(engine.New(), "alice")

	_, err := run(t, connect, "add", "sub-1", "bob.near", "maybe")
	assert.ErrorContains(t, err, "is_valid must be true or false")

	_, err = run(t, connect, "edit", "sub-1")
	assert.Error(t, err)

	_, err = run(t, connect, "list", "--limit", "-1")
	assert.Error(t, err)

	_, err = run(t, connect, "migrate")
	assert.ErrorContains(t, err, "--from-dir is required")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("SAMSUB_TOKEN_SECRET", "cli-secret")
	t.Setenv("SAMSUB_TOKEN_TTL", "1h")

	out, err := run(t, nil, "token", "alice")
	require.NoError(t, err)

	issuer, err := vault.NewTokenIssuer("cli-secret", time.Hour)
	require.NoError(t, err)
	caller, err := issuer.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", caller)
}

func TestMigrateFromDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	backend, err := engine.NewFileBackend(dir)
	require.NoError(t, err)
	src, err := engine.Open(ctx, engine.WithBackend(backend))
	require.NoError(t, err)
	require.NoError(t, src.Initialize(ctx, "legacy"))
	require.NoError(t, src.AddRecord(ctx, "legacy", "bob.near", "sub-1", true))
	require.NoError(t, src.AddRecord(ctx, "legacy", "carol.near", "sub-2", false))

	dst := engine.New()
	require.NoError(t, dst.Initialize(ctx, "alice"))

	out, err := run(t, embedded(dst, "alice"), "migrate", "--from-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "Migrated 2 records.\n", out)
	assert.Equal(t, []schema.Record{
		{AccountID: "bob.near", SamsubID: "sub-1", IsValid: true},
		{AccountID: "carol.near", SamsubID: "sub-2", IsValid: false},
	}, dst.ListRecords(0, 10))
}
