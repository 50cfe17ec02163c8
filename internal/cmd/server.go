package cmd

import (
	"fmt"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/netmark-org/netmark/internal/auth"
	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/config"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/frontend"
	"github.com/netmark-org/netmark/internal/gateway"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/orchestrator"
	"github.com/netmark-org/netmark/internal/storage"
	"github.com/netmark-org/netmark/internal/storage/memory"
	"github.com/netmark-org/netmark/internal/storage/postgres"
	"github.com/netmark-org/netmark/internal/watcher"
)

func CmdServer() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "server [flags]",
			Short: "Start the orchestration plane",
			Long: `Run the whole orchestration plane in one process.

The server hosts the user-facing API and the executor gateway on one
listener, builds the configured infrastructure connectors, and runs
the background services: the preparer that finalizes compilations and
deploys experiments, the watcher that follows experiments to
completion, and the cleanup watchdog that releases infrastructure of
finished experiments.

Flags:
  --host string   Host address to bind to (default: 127.0.0.1)
  --port int      Port number to listen on (default: 26512)
  --dev           Run on in-memory storage and blackboard instead of
                  postgres and redis. For local development only:
                  nothing survives a restart.

Example:
  netmark server --host=0.0.0.0 --port=26512
  netmark server --dev
`,
		}, serverFlags, runServer,
	)
}

var serverFlags = []commandLineFlag{hostFlag, portFlag, devFlag}

func runServer(ctx *Context, _ []string) error {
	applyServerOverrides(ctx)

	dev, err := ctx.BoolParam("dev")
	if err != nil {
		return err
	}

	logger.Info(ctx, "Server initialization",
		"host", ctx.Config.Server.Host, "port", ctx.Config.Server.Port, "dev", dev)

	store, board, closeBackends, err := openBackends(ctx, dev)
	if err != nil {
		return err
	}
	defer closeBackends()

	registry := connectors.NewRegistry(store)
	if err := registry.Build(ctx, connectorDeclarations(ctx.Config)); err != nil {
		return fmt.Errorf("failed to build connectors: %w", err)
	}

	service := orchestrator.New(store, board, registry, orchestrator.Options{
		CompilerRegistry: ctx.Config.Compiler.Registry,
		PreparingTimeout: ctx.Config.Experiment.PreparingTimeout,
	})

	watch := watcher.New(store, board, watcher.Options{
		DiscoveryInterval: ctx.Config.Watcher.DiscoveryInterval,
		ReadyPollInterval: ctx.Config.Watcher.ReadyPollInterval,
		PollInterval:      ctx.Config.Watcher.PollInterval,
		LeaseInterval:     ctx.Config.Watcher.LeaseInterval,
		KeepaliveTimeout:  ctx.Config.Experiment.KeepaliveTimeout,
	})

	watchdog := watcher.NewWatchdog(store, board, registry, ctx.Config.Cleanup.Interval)

	server := frontend.NewServer(
		frontend.NewAPI(store, registry, service, validatorFor(ctx)),
		gateway.New(store, board),
		ctx.Config,
	)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return watch.Run(gctx) })
	g.Go(func() error { return watchdog.Run(gctx) })
	g.Go(func() error { return config.WatchLogLevel(gctx, ctx.Config.ConfigPath, ctx.LogLevel) })
	g.Go(func() error { return server.Serve(gctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}

	// Fan-outs spawned by the API may still be talking to connectors.
	service.Wait()
	return nil
}

// applyServerOverrides lets explicit --host/--port flags win over the
// config file.
func applyServerOverrides(ctx *Context) {
	if ctx.Command.Flags().Changed("host") {
		if host, _ := ctx.Command.Flags().GetString("host"); host != "" {
			ctx.Config.Server.Host = host
		}
	}
	if ctx.Command.Flags().Changed("port") {
		if portStr, _ := ctx.Command.Flags().GetString("port"); portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil {
				ctx.Config.Server.Port = port
			}
		}
	}
}

// openBackends connects storage and the blackboard. Dev mode swaps in
// the in-memory implementations so the plane runs without postgres or
// redis.
func openBackends(ctx *Context, dev bool) (storage.Store, blackboard.Blackboard, func(), error) {
	if dev {
		logger.Warn(ctx, "Running on in-memory backends, nothing survives a restart")
		return memory.New(), blackboard.NewMemory(), func() {}, nil
	}

	store, err := postgres.Open(ctx, ctx.Config.Database.ConnString())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	board := blackboard.NewRedis(blackboard.RedisOptions{
		Endpoint: ctx.Config.Blackboard.Endpoint,
		Password: ctx.Config.Blackboard.Password,
		DB:       ctx.Config.Blackboard.DB,
	})
	if err := board.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("failed to reach blackboard: %w", err)
	}

	closeAll := func() {
		if err := board.Close(); err != nil {
			logger.Error(ctx, "Failed to close blackboard", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error(ctx, "Failed to close database", "err", err)
		}
	}
	return store, board, closeAll, nil
}

// connectorDeclarations turns the enabled connector config entries
// into registry declarations, falling back to the global gateway
// endpoint when a connector does not advertise its own.
func connectorDeclarations(cfg *config.Config) []connectors.Declaration {
	declarations := make([]connectors.Declaration, 0, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		if !c.Enabled {
			continue
		}
		endpoint := c.GatewayEndpoint
		if endpoint == "" {
			endpoint = cfg.Gateway.Endpoint
		}
		declarations = append(declarations, connectors.Declaration{
			Name:     c.Name,
			Type:     c.Type,
			Gateway:  endpoint,
			Settings: c.Settings,
		})
	}
	// Config maps iterate in random order; keep startup deterministic.
	sort.Slice(declarations, func(i, j int) bool {
		return declarations[i].Name < declarations[j].Name
	})
	return declarations
}

// validatorFor picks the credential validator: the external service
// when one is configured, otherwise accept-everything.
func validatorFor(ctx *Context) auth.Validator {
	if !ctx.Config.Auth.Enabled() {
		logger.Warn(ctx, "No credential service configured, accepting every credential")
		return auth.AllowAll{}
	}
	return auth.NewClient(ctx.Config.Auth.Endpoint,
		auth.WithCacheTTL(ctx.Config.Auth.CacheTTL),
		auth.WithCacheSize(ctx.Config.Auth.CacheSize),
	)
}
