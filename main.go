package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hogwarts-cloud/hogd/config"
	"github.com/hogwarts-cloud/hogd/internal/dispatcher"
	"github.com/hogwarts-cloud/hogd/internal/parser"
	"github.com/hogwarts-cloud/hogd/internal/rabbitmq"
	"github.com/hogwarts-cloud/hogd/internal/reconciler"
	"github.com/hogwarts-cloud/hogd/internal/statemachine"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	debug      bool
	workers    int
)

var root = &cobra.Command{
	Use:   "hogd",
	Short: "Keeps the Hogwarts Cloud database in sync with its clusters",
}

var dispatch = &cobra.Command{
	Use:   "dispatch",
	Short: "Consume job notifications and apply them to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		if cmd.Flags().Changed("workers") {
			env.cfg.Workers = workers
		}

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		engine := reconciler.New(reconciler.Config{Store: env.store, Logger: env.logger.Named("reconciler")})

		d := dispatcher.New(dispatcher.Config{
			Dialer:        env.dialer(),
			Exchanges:     env.cfg.Exchanges,
			Queues:        env.cfg.Queues,
			Bindings:      env.cfg.Bindings,
			Debug:         debug,
			DebugQueue:    env.cfg.Debug.Queue,
			DebugBindings: env.cfg.Debug.Bindings,
			DeadLetter: dispatcher.DeadLetterConfig{
				Exchange: env.cfg.DeadLetter.Exchange,
				Queue:    env.cfg.DeadLetter.Queue,
			},
			Workers:  env.cfg.Workers,
			Prefetch: env.cfg.Broker.Prefetch,
			Reconnect: dispatcher.ReconnectConfig{
				InitialInterval: env.cfg.Reconnect.InitialInterval,
				MaxInterval:     env.cfg.Reconnect.MaxInterval,
			},
			RequeueDelay: env.cfg.RequeueDelay,
			Handlers:     dispatcher.Handlers(engine, parser.New(env.cfg.Backend.PrefixID), env.logger.Named("debug")),
			Preflight:    statemachine.Validate,
			Metrics:      dispatcher.NewMetrics(registry),
			Logger:       env.logger.Named("dispatcher"),
		})

		g, ctx := errgroup.WithContext(cmd.Context())

		g.Go(func() error {
			return d.Run(ctx)
		})

		if env.cfg.Metrics.Addr != "" {
			g.Go(func() error {
				return serve(ctx, env, d, registry)
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to dispatch: %w", err)
		}

		env.logger.Info("dispatcher stopped")

		return nil
	},
}

var cleanupQueues = &cobra.Command{
	Use:   "cleanup-queues",
	Short: "Delete the declared queues and exchanges from the broker (DANGEROUS)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		queues := append(append([]string(nil), cfg.Queues...), cfg.Debug.Queue)
		exchanges := append([]string(nil), cfg.Exchanges...)
		if cfg.DeadLetter.Queue != "" {
			queues = append(queues, cfg.DeadLetter.Queue)
		}
		if cfg.DeadLetter.Exchange != "" {
			exchanges = append(exchanges, cfg.DeadLetter.Exchange)
		}

		dialer := rabbitmq.NewDialer(rabbitmq.Config{URL: cfg.Broker.URL, Vhost: cfg.Broker.Vhost, Heartbeat: cfg.Broker.Heartbeat})

		if _, err := dispatcher.Cleanup(cmd.Context(), dialer, dispatcher.Topology{
			Queues:    queues,
			Exchanges: exchanges,
		}, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("failed to clean up queues: %w", err)
		}

		return nil
	},
}

var migrate = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.applier().Bootstrap(cmd.Context()); err != nil {
			return fmt.Errorf("failed to create pools: %w", err)
		}

		env.logger.Info("database is up to date")

		return nil
	},
}

var check = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and the state machine tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		if _, err := config.Load(configPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := statemachine.Validate(); err != nil {
			return fmt.Errorf("failed to validate state machine: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "ok")

		return nil
	},
}

// serve exposes metrics and a health check until ctx is done.
func serve(ctx context.Context, env *environment, d *dispatcher.Dispatcher, registry *prometheus.Registry) error {
	router := chi.NewRouter()
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Connected() == 0 {
			http.Error(w, "no worker connected", http.StatusServiceUnavailable)
			return
		}

		if err := env.store.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}

		fmt.Fprintf(w, "ok, %d messages handled\n", d.Handled())
	})

	server := &http.Server{
		Addr:              env.cfg.Metrics.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			env.logger.Warn("failed to shut down metrics server", zap.Error(err))
		}
	}()

	env.logger.Info("serving metrics", zap.String("addr", server.Addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}

	return nil
}

func init() {
	root.PersistentFlags().StringVar(&configPath, "config", ".", "Directory holding hogd.yaml")

	dispatch.Flags().BoolVar(&debug, "debug", false, "Run a single worker and consume the debug queue")
	dispatch.Flags().IntVar(&workers, "workers", dispatcher.DefaultWorkers, "Number of workers to spawn")

	root.AddCommand(dispatch, cleanupQueues, migrate, check, backendCmd, networkCmd, vmCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
