// Command bridge runs the agent bridge: one local agent exposed to the
// marketplace over REST, JSON-RPC and WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentbridge/bridge/internal/auth"
	"github.com/agentbridge/bridge/internal/config"
	"github.com/agentbridge/bridge/internal/directory"
	"github.com/agentbridge/bridge/internal/dispatch"
	"github.com/agentbridge/bridge/internal/escrow"
	"github.com/agentbridge/bridge/internal/executor"
	"github.com/agentbridge/bridge/internal/quota"
	"github.com/agentbridge/bridge/internal/server"
	"github.com/agentbridge/bridge/internal/task"
	"github.com/agentbridge/bridge/internal/trust"
)

const persistInterval = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("bridge exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	registry := task.NewRegistry(task.Options{
		MaxPending:   cfg.MaxPending,
		MaxCompleted: cfg.MaxCompleted,
		CompletedTTL: time.Duration(cfg.CompletedTTLSeconds) * time.Second,
	})
	defer registry.Close()

	limiter := quota.NewLimiter(0, 0)
	store := rateLimitStore(cfg)
	if snapshot, err := store.Load(); err != nil {
		slog.Warn("rate-limit store load failed, starting empty", "error", err)
	} else {
		limiter.Restore(snapshot)
	}
	stopPersist := quota.StartPersistence(limiter, store, persistInterval)
	defer stopPersist()

	trustStore := trust.NewStore(cfg.TrustStorePath, 0)

	exec, err := buildExecutor(cfg)
	if err != nil {
		return err
	}

	var escrowClient escrow.Client
	var providerDID string
	if cfg.EscrowEnabled() {
		chain, err := escrow.NewChainClient(cfg.Escrow.RPCURL, cfg.Escrow.Address, cfg.PrivateKey)
		if err != nil {
			return fmt.Errorf("escrow client: %w", err)
		}
		defer chain.Close()
		escrowClient = chain
		providerDID = cfg.Escrow.ProviderDID
		slog.Info("escrow enabled",
			"contract", cfg.Escrow.Address, "provider_did", providerDID, "signer", chain.Signer().Hex())
	} else {
		slog.Info("escrow disabled, running in free mode")
	}

	var dir *directory.Client
	if cfg.NodeURL != "" {
		dir, err = directory.NewClient(cfg.NodeURL)
		if err != nil {
			return fmt.Errorf("directory client: %w", err)
		}
	}

	dispatcher := dispatch.New(registry, exec, escrowClient, trustStore, providerDID)

	srv := server.New(server.Deps{
		Config:     cfg,
		Registry:   registry,
		Dispatcher: dispatcher,
		Resolver:   auth.NewResolver(cfg.AuthToken),
		Limiter:    limiter,
		Trust:      trustStore,
		Directory:  dir,
		Executor:   exec,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: synchronous waits and WebSocket
		// connections legitimately outlive any fixed bound.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bridge listening", "addr", addr, "agent", cfg.Agent.Name)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// rateLimitStore prefers Redis when configured, falling back to the JSON
// file on connection failure.
func rateLimitStore(cfg *config.Config) quota.Store {
	if cfg.RedisAddr != "" {
		store, err := quota.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err == nil {
			return store
		}
		slog.Warn("redis unavailable, falling back to file store", "error", err)
	}
	return quota.NewFileStore(cfg.RateLimitStorePath)
}

// buildExecutor returns the sandboxed subprocess when a command is
// configured, otherwise an echo executor so the bridge stays operable in
// development setups.
func buildExecutor(cfg *config.Config) (executor.Executor, error) {
	if cfg.Executor.Command == "" {
		slog.Warn("no executor command configured, using echo executor")
		return &executor.Mock{}, nil
	}
	return executor.NewSubprocess(executor.SubprocessOptions{
		Command:     cfg.Executor.Command,
		BaseArgs:    cfg.Executor.BaseArgs,
		SandboxRoot: cfg.Executor.SandboxRoot,
		Allowed:     cfg.Executor.AllowedCommands,
	})
}
