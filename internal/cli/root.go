// Package cli implements the samsub command-line client.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/samsub-registry/internal/config"
	"github.com/celerix-dev/samsub-registry/pkg/sdk"
)

// Connector opens a registry handle for one command invocation.
type Connector func(ctx context.Context, cfg config.Client) (sdk.Registry, error)

// DialRemote connects to the daemon at cfg.Addr with cfg.Token.
func DialRemote(_ context.Context, cfg config.Client) (sdk.Registry, error) {
	var opts []sdk.Option
	if cfg.DisableTLS {
		opts = append(opts, sdk.WithPlainTCP())
	}
	client, err := sdk.Connect(cfg.Addr, cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type app struct {
	connect Connector
	version string
}

// NewRootCmd builds the command tree. connect is used by every command
// that talks to a registry.
func NewRootCmd(version string, connect Connector) *cobra.Command {
	a := &app{connect: connect, version: version}

	root := &cobra.Command{
		Use:   "samsub",
		Short: "Command-line client for the samsub registry",
		Long: `samsub talks to a samsub registry daemon over its TCP protocol.

Environment Variables:
  SAMSUB_STORE_ADDR    Address of the daemon (default: localhost:7001)
  SAMSUB_TOKEN         Caller token sent on connect
  SAMSUB_TOKEN_SECRET  Secret used by "samsub token" to mint tokens
  SAMSUB_DISABLE_TLS   Set to true to disable TLS`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		a.tokenCmd(),
		a.initCmd(),
		a.addCmd(),
		a.editCmd(),
		a.listCmd(),
		a.getCmd(),
		a.ownerCmd(),
		a.countCmd(),
		a.pingCmd(),
		a.migrateCmd(),
	)
	return root
}

// Execute runs the CLI against the daemon named by the environment.
func Execute(version string) error {
	root := NewRootCmd(version, DialRemote)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

// withRegistry loads client config, connects, and runs fn.
func (a *app) withRegistry(cmd *cobra.Command, fn func(ctx context.Context, reg sdk.Registry) error) error {
	cfg, err := config.ClientFromEnv()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	reg, err := a.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer reg.Close()
	return fn(ctx, reg)
}

func printJSON(w io.Writer, v any) error {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(bytes))
	return err
}
