package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetql/fleet/internal/adapters"
	"github.com/fleetql/fleet/internal/adapters/bigquery"
	"github.com/fleetql/fleet/internal/auth"
	"github.com/fleetql/fleet/internal/breaker"
	"github.com/fleetql/fleet/internal/cache"
	"github.com/fleetql/fleet/internal/capabilities"
	"github.com/fleetql/fleet/internal/config"
	"github.com/fleetql/fleet/internal/gateway"
	"github.com/fleetql/fleet/internal/observability"
	"github.com/fleetql/fleet/internal/orchestrator"
	"github.com/fleetql/fleet/internal/pool"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/translate"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd is the federated query gateway",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the query gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewJSONLogger(os.Stdout)
	metrics := observability.NewMetrics()

	factory := adapters.NewFactory()
	factory.Register(adapters.NewRelationalAdapter())
	factory.Register(adapters.NewMainframeAdapter())
	factory.Register(adapters.NewMemoryAdapter())
	factory.Register(bigquery.New())

	reg := registry.New(factory)
	pools := pool.NewManager(factory, reg)
	breakers := breaker.NewRegistry()

	var resultCache cache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		resultCache, err = cache.NewRedisCache(
			cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return err
		}
	default:
		resultCache = cache.NewMemoryCache(cfg.Cache.MaxEntries)
	}
	defer resultCache.Close()

	authn, authz, err := buildAuth(cfg)
	if err != nil {
		return err
	}
	authz.OnDeny(logger.LogAccessDenied)

	orch := orchestrator.New(orchestrator.Config{
		Registry:       reg,
		Translators:    translate.DefaultRegistry(),
		Pools:          pools,
		Breakers:       breakers,
		Cache:          resultCache,
		Authorizer:     authz,
		Logger:         logger,
		Metrics:        metrics,
		ConflictPolicy: orchestrator.ConflictPolicy(cfg.ConflictPolicy),
	})

	// Schema replacement drops every cached result derived from the
	// source.
	reg.OnSchemaChange(func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := orch.InvalidateCache(ctx, id); err != nil {
			logger.LogEvent("warn", "cache", "invalidate on schema change failed",
				map[string]interface{}{"data_source": id})
		}
	})

	if cfg.DataSourcesFile != "" {
		sources, err := config.LoadDataSources(cfg.DataSourcesFile)
		if err != nil {
			return err
		}
		for _, sc := range sources {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := reg.Register(ctx, sc)
			cancel()
			if err != nil {
				return fmt.Errorf("register data source %s: %w", sc.ID, err)
			}
			logger.LogEvent("info", "registry", "data source registered",
				map[string]interface{}{"data_source": sc.ID, "kind": string(sc.Kind)})
		}
	}

	gw := gateway.New(orch, reg, pools, authn, authz, logger, metrics)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	syncDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-syncDone:
				return
			case <-ticker.C:
				orch.SyncMetrics()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.LogEvent("info", "gateway", "listening",
			map[string]interface{}{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		close(syncDone)
		return err
	case sig := <-sigCh:
		logger.LogEvent("info", "gateway", "shutting down",
			map[string]interface{}{"signal": sig.String()})
	}
	close(syncDone)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	pools.Shutdown()
	return nil
}

// buildAuth assembles the authenticator and the grant table.
func buildAuth(cfg *config.Config) (auth.Authenticator, *auth.Authorizer, error) {
	var authn auth.Authenticator
	switch cfg.Auth.Mode {
	case "jwt":
		authn = auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret))
	default:
		static := auth.NewStaticTokenAuthenticator()
		for _, t := range cfg.Auth.Tokens {
			static.AddToken(t.Token, t.Caller, t.Roles...)
		}
		authn = static
	}

	authz := auth.NewAuthorizer()
	for _, grant := range cfg.Auth.Grants {
		ops := make([]capabilities.Operation, 0, len(grant.Operations))
		for _, raw := range grant.Operations {
			op, err := capabilities.ParseOperation(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("grant for role %s: %w", grant.Role, err)
			}
			ops = append(ops, op)
		}
		authz.Grant(grant.Role, grant.DataSource, ops...)
	}
	return authn, authz, nil
}
