package sdk

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/celerix-dev/samsub-registry/internal/config"
	"github.com/celerix-dev/samsub-registry/internal/engine"
	"github.com/celerix-dev/samsub-registry/internal/vault"
)

var _ Registry = (*engine.Session)(nil)

// New returns a registry handle bound to caller, based on the environment.
// The app does not care whether it is local or remote.
//
// When SAMSUB_STORE_ADDR is set and reachable, a remote Client is returned. It
// authenticates with SAMSUB_TOKEN, or with a token minted for caller from
// SAMSUB_TOKEN_SECRET. Otherwise the registry runs embedded on dataDir.
func New(ctx context.Context, dataDir, caller string) (Registry, error) {
	// 1. Check if a remote registry is defined in environment variables
	if remoteAddr := os.Getenv("SAMSUB_STORE_ADDR"); remoteAddr != "" {
		client, err := connectFromEnv(caller)
		if err == nil {
			return client, nil
		}
		slog.Warn("remote registry unreachable, falling back to embedded mode",
			"addr", remoteAddr,
			"error", err,
		)
	}

	// 2. Fallback to embedded mode, using the same engine the daemon uses
	backend, err := engine.NewFileBackend(dataDir)
	if err != nil {
		return nil, err
	}
	reg, err := engine.Open(ctx, engine.WithBackend(backend))
	if err != nil {
		return nil, err
	}
	return reg.Session(caller), nil
}

func connectFromEnv(caller string) (*Client, error) {
	cfg, err := config.ClientFromEnv()
	if err != nil {
		return nil, err
	}

	token := cfg.Token
	if token == "" && caller != "" {
		issuer, err := vault.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		if token, err = issuer.Issue(caller); err != nil {
			return nil, fmt.Errorf("issue token for %s: %w", caller, err)
		}
	}

	var opts []Option
	if cfg.DisableTLS {
		opts = append(opts, WithPlainTCP())
	}
	return Connect(cfg.Addr, token, opts...)
}
