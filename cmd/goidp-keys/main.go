// Command goidp-keys manages the shared signing key ring.
//
//	goidp-keys rotate   generate a new signing key, deprecating the current one
//	goidp-keys purge    drop the deprecated key once its tokens have expired
//	goidp-keys jwks     print the public key set
//
// It reads the same GOIDP_* environment as goidp-server and requires
// GOIDP_REDIS_URL, since a key ring in a throwaway Redis is useless.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP/config"
	"github.com/MrEthical07/goIdP/internal/bootstrap"
)

const usage = "usage: goidp-keys rotate|purge|jwks"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Open(ctx, cfg, logger, bootstrap.Options{PersistentRedis: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := run(ctx, rt.Engine, os.Args[1], os.Stdout); err != nil {
		logger.Error("goidp-keys failed", zap.String("command", os.Args[1]), zap.Error(err))
		rt.Close()
		_ = logger.Sync()
		os.Exit(1)
	}
}

type keyRing interface {
	RotateKeys(ctx context.Context) (string, error)
	PurgeDeprecatedKey(ctx context.Context) (bool, error)
	Jwks(ctx context.Context) (jose.JSONWebKeySet, error)
}

func run(ctx context.Context, ring keyRing, command string, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	switch command {
	case "rotate":
		kid, err := ring.RotateKeys(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]string{"kid": kid})
	case "purge":
		purged, err := ring.PurgeDeprecatedKey(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]bool{"purged": purged})
	case "jwks":
		set, err := ring.Jwks(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(set)
	default:
		return fmt.Errorf("unknown command %q; %s", command, usage)
	}
}
