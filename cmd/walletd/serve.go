package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	shieldwire "github.com/machinefabric/shieldwire-go"
	"github.com/machinefabric/shieldwire-go/build"
	"github.com/machinefabric/shieldwire-go/config"
	"github.com/machinefabric/shieldwire-go/custody"
	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/prover"
	"github.com/machinefabric/shieldwire-go/provider"
	"github.com/machinefabric/shieldwire-go/session"
	"github.com/machinefabric/shieldwire-go/sites"
	"github.com/machinefabric/shieldwire-go/transport"
	"github.com/machinefabric/shieldwire-go/workers"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the wallet to connecting pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger

	store, err := sites.Open(ctx, cfg.Sites.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := cfg.GetSpendKey()
	if err != nil {
		return err
	}
	engine := &prover.DigestEngine{ProofDelay: cfg.GetProofDelay()}
	keys := custody.NewStaticKeys(key)
	fvk := engine.ViewingKey(key)

	pool, err := newPool(opts, engine)
	if err != nil {
		return err
	}
	defer pool.Close()

	gate := custody.NewGate(
		autoApprover(cfg.Wallet.AutoApprove),
		keys,
		custody.NewAddressIndex(fvk, engine, cfg.Wallet.Addresses),
		engine,
		custody.WithLogger(logger),
	)
	wallet := shieldwire.NewWallet(gate, build.New(pool, engine, build.WithLogger(logger)), fvk, shieldwire.WithLogger(logger))
	handlers := transport.NewServeMux()
	wallet.Register(handlers)

	manager := session.NewManager(hostIdentity(cfg), handlers,
		session.WithSites(store),
		session.WithLoginState(keys),
		session.WithLimits(limits(cfg)),
		session.WithHandshakeTimeout(cfg.GetHandshakeTimeout()),
		session.WithLogger(logger),
	)
	defer manager.Close()

	mux := http.NewServeMux()
	mux.Handle("GET /manifest.json", provider.ManifestHandler(manifest(cfg)))
	mux.Handle("GET /connect", manager.Handler(nil))

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	logger.Info("walletd listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("workers", cfg.Workers.Mode),
		zap.Bool("locked", len(key) == 0))

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	// websocket sessions are hijacked and not seen by Shutdown
	manager.Close()
	return srv.Shutdown(shutdownCtx)
}

func newPool(opts *rootOptions, engine *prover.DigestEngine) (workers.Pool, error) {
	cfg := opts.cfg
	poolOpts := []workers.PoolOption{workers.WithLogger(opts.logger)}
	if cfg.Workers.Mode != "process" {
		return workers.NewLocalPool(engine, cfg.Workers.Size, poolOpts...), nil
	}
	bin := cfg.Workers.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		bin = self
	}
	args := []string{"worker", "--config", opts.ConfigPath}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return workers.NewProcessPool(workers.CommandSpawner(bin, args...), cfg.Workers.Size, poolOpts...), nil
}

// autoApprover answers every plan the same way. A headless host has no one to ask.
func autoApprover(approve bool) custody.Approver {
	return custody.ApproverFunc(func(context.Context, *prover.TransactionPlan) (custody.Choice, error) {
		if approve {
			return custody.ChoiceApproved, nil
		}
		return custody.ChoiceDenied, nil
	})
}

func hostIdentity(cfg *config.Config) envelope.Identity {
	return envelope.Identity{
		ProcessID: os.Getpid(),
		Origin:    cfg.Identity.Origin,
		URL:       cfg.Identity.URL,
	}
}

func limits(cfg *config.Config) envelope.Limits {
	return envelope.Limits{
		MaxFrame:         cfg.Transport.MaxFrame,
		MaxChunk:         cfg.Transport.MaxChunk,
		MaxReorderBuffer: cfg.Transport.MaxReorderBuffer,
	}.Normalize()
}

func manifest(cfg *config.Config) *provider.Manifest {
	m := cfg.Server.Manifest
	return &provider.Manifest{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Icons:       m.Icons,
	}
}
