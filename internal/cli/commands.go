package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/samsub-registry/internal/config"
	"github.com/celerix-dev/samsub-registry/internal/engine"
	"github.com/celerix-dev/samsub-registry/internal/vault"
	"github.com/celerix-dev/samsub-registry/pkg/sdk"
)

func (a *app) tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <caller>",
		Short: "Mint a caller token signed with SAMSUB_TOKEN_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ClientFromEnv()
			if err != nil {
				return err
			}
			issuer, err := vault.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Claim ownership of an uninitialized registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				if err := reg.Initialize(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
}

func (a *app) addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <samsub_id> <account_id> <true|false>",
		Short: "Insert or replace a verification record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			isValid, err := strconv.ParseBool(args[2])
			if err != nil {
				return fmt.Errorf("is_valid must be true or false: %w", err)
			}
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				if err := reg.AddRecord(ctx, args[1], args[0], isValid); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
}

func (a *app) editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <samsub_id> <true|false>",
		Short: "Change the validity of an existing record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			isValid, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("is_valid must be true or false: %w", err)
			}
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				updated, err := reg.EditValidity(ctx, args[0], isValid)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]bool{"updated": updated})
			})
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var from, limit uint64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records in enumeration order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				records, err := reg.ListRecords(ctx, from, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "Index of the first record")
	cmd.Flags().Uint64Var(&limit, "limit", 50, "Maximum number of records")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <samsub_id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				rec, err := reg.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func (a *app) ownerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owner",
		Short: "Print the registry owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				owner, err := reg.Owner(ctx)
				if err != nil {
					return err
				}
				if owner == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "(uninitialized)")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), owner)
				return nil
			})
		},
	}
}

func (a *app) countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				n, err := reg.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *app) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				if p, ok := reg.(pinger); ok {
					if err := p.Ping(ctx); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), "PONG")
				return nil
			})
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	var fromDir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy records from an embedded data directory into the registry",
		Long: `Copy every record held by an embedded (file-backed) registry into the
target registry, preserving enumeration order. The caller token must belong
to the target registry's owner.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromDir == "" {
				return fmt.Errorf("--from-dir is required")
			}
			backend, err := engine.NewFileBackend(fromDir)
			if err != nil {
				return err
			}
			return a.withRegistry(cmd, func(ctx context.Context, reg sdk.Registry) error {
				src, err := engine.Open(ctx, engine.WithBackend(backend))
				if err != nil {
					return err
				}
				n, err := engine.Migrate(ctx, src.Session(""), reg)
				if err != nil {
					return fmt.Errorf("migrated %d records before failing: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d records.\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fromDir, "from-dir", "", "Data directory of the embedded source registry")
	return cmd
}
