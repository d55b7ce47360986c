package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskengine/agent"
	"github.com/vinayprograms/taskengine/bus"
	"github.com/vinayprograms/taskengine/config"
	"github.com/vinayprograms/taskengine/credentials"
	"github.com/vinayprograms/taskengine/engine"
	"github.com/vinayprograms/taskengine/heartbeat"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/ratelimit"
	"github.com/vinayprograms/taskengine/relay"
	"github.com/vinayprograms/taskengine/server"
	"github.com/vinayprograms/taskengine/shutdown"
	"github.com/vinayprograms/taskengine/tasks"
	"github.com/vinayprograms/taskengine/telemetry"
	"github.com/vinayprograms/taskengine/tools"
	"github.com/vinayprograms/taskengine/vault"
	"github.com/vinayprograms/taskengine/workflows"
	"github.com/vinayprograms/taskengine/workspace"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
}

// worker holds every long-lived component of one process.
type worker struct {
	pool      *pgxpool.Pool
	bus       bus.MessageBus
	telemetry *telemetry.Provider
	limiter   ratelimit.Limiter
	engine    *engine.Engine
	reaper    *heartbeat.Reaper
	relay     *relay.Bridge
	server    *server.Server
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	w, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Background loops stop on bgCtx; the engine stops through Stop so the
	// task in flight can finish.
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	g, gctx := errgroup.WithContext(bgCtx)
	g.Go(func() error { return w.engine.Run(gctx) })
	g.Go(func() error { return w.reaper.Run(gctx) })
	g.Go(func() error { return w.relay.Run(gctx) })
	g.Go(w.server.Start)

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout: cfg.Engine.ShutdownGrace + 15*time.Second,
		Logger:  logger.WithComponent("shutdown"),
	})
	coord.RegisterFunc("engine-stop", shutdown.PhaseStopClaims, func(context.Context) error {
		w.engine.Stop()
		return nil
	})
	coord.RegisterFunc("engine-drain", shutdown.PhaseDrain, func(context.Context) error {
		return w.engine.Wait(cfg.Engine.ShutdownGrace)
	})
	coord.RegisterFunc("background", shutdown.PhaseBackground, func(context.Context) error {
		stopBackground()
		return nil
	})
	coord.RegisterFunc("http", shutdown.PhaseServer, w.server.Shutdown)
	coord.RegisterFunc("connections", shutdown.PhaseConnections, w.close)
	coord.HandleSignals()

	logger.Info("worker started", map[string]interface{}{
		"worker":    cfg.Engine.WorkerID,
		"bus":       cfg.Bus.Kind,
		"workflows": w.engine.Handlers(),
	})

	// A component failing or ctx ending triggers the same shutdown as a signal.
	go func() {
		select {
		case <-gctx.Done():
			coord.Trigger()
		case <-coord.Done():
		}
	}()

	<-coord.Done()
	groupErr := g.Wait()
	if err := coord.Err(); err != nil {
		logger.Warn("shutdown finished with errors", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("worker stopped")
	return groupErr
}

// build wires the components. On error everything opened so far is closed.
func build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (w *worker, err error) {
	w = &worker{}
	defer func() {
		if err != nil {
			w.close(context.Background())
		}
	}()

	if w.pool, err = connect(ctx, cfg); err != nil {
		return nil, err
	}

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Enabled {
		var extra []sdktrace.SpanExporter
		if cfg.Telemetry.PostgresSpans {
			extra = append(extra, telemetry.NewPostgresExporter(w.pool))
		}
		w.telemetry, err = telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Exporter:       cfg.Telemetry.Exporter,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			Extra:          extra,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		tracer = w.telemetry.Tracer()
	}

	if w.bus, err = newBus(cfg, w.pool); err != nil {
		return nil, err
	}

	var v *vault.Vault
	if cfg.Vault.Key != "" {
		if v, err = vault.New(cfg.Vault.Key); err != nil {
			return nil, fmt.Errorf("open vault: %w", err)
		}
	} else {
		logger.Warn("vault.key not set, stored credentials are unavailable")
	}

	creds, credsPath, err := credentials.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if credsPath != "" {
		logger.Info("process credentials loaded", map[string]interface{}{"path": credsPath})
	}

	w.limiter = newLimiter(cfg)

	taskStore := tasks.NewPostgresStore(w.pool)
	ws := workspace.NewPostgresStore(w.pool)

	models := &agent.ModelBuilder{
		Resolver: agent.NewResolver(agent.ResolverConfig{
			Store:        ws,
			Vault:        v,
			Credentials:  creds,
			DefaultModel: cfg.LLM.DefaultModel,
			CacheTTL:     cfg.LLM.CacheTTL,
			Logger:       logger,
		}),
		Limiter:   w.limiter,
		Tracer:    tracer,
		MaxTokens: cfg.Agent.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	}
	loader := tools.NewLoader(ws, v,
		tools.WithLimiter(w.limiter),
		tools.WithHTTPTimeout(cfg.Tools.HTTPTimeout),
		tools.WithLogger(logger),
	)

	w.engine = engine.New(taskStore, w.bus, logger,
		engine.WithPollInterval(cfg.Engine.PollInterval),
		engine.WithHeartbeatInterval(cfg.Engine.HeartbeatInterval),
		engine.WithTracer(tracer),
		engine.WithTraceTextMax(cfg.Agent.TraceTextMax),
		engine.WithWorkerID(cfg.Engine.WorkerID),
	)
	w.engine.SetAllowedWorkflows(cfg.Engine.AllowedWorkflows)
	workflows.Register(w.engine, workflows.Deps{
		Workspace: ws,
		Models:    models,
		Logger:    logger,
		Agent: agent.New(agent.Config{
			Workspace:           ws,
			Tasks:               taskStore,
			Loader:              loader,
			Models:              models,
			Tracer:              tracer,
			Logger:              logger,
			MaxSteps:            cfg.Agent.MaxSteps,
			MaxTokens:           cfg.Agent.MaxTokens,
			TraceTextMax:        cfg.Agent.TraceTextMax,
			HistoryLimit:        cfg.Agent.HistoryLimit,
			ChannelHistoryLimit: cfg.Agent.ChannelHistoryLimit,
		}),
	})

	w.reaper, err = heartbeat.NewReaper(heartbeat.ReaperConfig{
		Store:    taskStore,
		Timeout:  cfg.Engine.StaleTimeout,
		Interval: cfg.Engine.ReclaimInterval,
		Logger:   logger.WithComponent("reaper"),
	})
	if err != nil {
		return nil, fmt.Errorf("create reaper: %w", err)
	}
	// Reclaimed rows free the queue for whatever was waiting behind them.
	w.reaper.OnReclaimed(func([]string) { w.engine.Wake() })

	w.relay = relay.New(w.bus, relay.Config{
		APIURL:  cfg.Relay.APIURL,
		APIKey:  cfg.Relay.APIKey,
		Timeout: cfg.Relay.Timeout,
	}, logger)

	w.server = server.New(server.Config{
		Addr:          cfg.Server.Addr,
		WebhookSecret: cfg.Server.WebhookSecret,
		ServiceName:   cfg.Telemetry.ServiceName,
		Workspace:     ws,
		DB:            w.pool,
		Logger:        logger,
	})
	return w, nil
}

func newBus(cfg *config.Config, pool *pgxpool.Pool) (bus.MessageBus, error) {
	switch cfg.Bus.Kind {
	case config.BusNATS:
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.Bus.NATSURL
		natsCfg.Name = "taskengine-" + cfg.Engine.WorkerID
		b, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return b, nil
	case config.BusMemory:
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	default:
		return bus.NewPostgresBus(pool, bus.DefaultConfig()), nil
	}
}

// newLimiter returns nil when neither budget is set.
func newLimiter(cfg *config.Config) ratelimit.Limiter {
	if cfg.LLM.RequestsPerMinute <= 0 && cfg.Tools.HTTPRequestsPerMinute <= 0 {
		return nil
	}
	l := ratelimit.NewMemoryLimiter()
	l.SetCapacity(ratelimit.ResourceLLM, cfg.LLM.RequestsPerMinute, time.Minute)
	l.SetCapacity(ratelimit.ResourceHTTPTool, cfg.Tools.HTTPRequestsPerMinute, time.Minute)
	return l
}

// close releases connections in reverse order of creation.
func (w *worker) close(ctx context.Context) error {
	var errs []error
	if w.limiter != nil {
		_ = w.limiter.Close()
	}
	if w.bus != nil {
		if err := w.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if w.telemetry != nil {
		if err := w.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	if w.pool != nil {
		w.pool.Close()
	}
	return errors.Join(errs...)
}
