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

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"durableflow/internal/api"
	"durableflow/internal/dispatch"
	"durableflow/internal/engine"
	"durableflow/internal/notify"
	"durableflow/internal/protocol"
	"durableflow/internal/scheduler"
	"durableflow/internal/store"
	"durableflow/internal/worker"
)

func newServerCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "HTTP bind address",
			Value:   ":8080",
			Sources: cli.EnvVars("HTTP_ADDR"),
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "How often the scheduler sweeps timers, schedules, deadlines and leases",
			Value:   250 * time.Millisecond,
			Sources: cli.EnvVars("SWEEP_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "lease",
			Usage:   "How long a claim stays valid without a heartbeat",
			Value:   30 * time.Second,
			Sources: cli.EnvVars("LEASE_DURATION"),
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Size of the embedded worker pool (0 disables it)",
			Value:   8,
			Sources: cli.EnvVars("WORKERS"),
		},
		&cli.DurationFlag{
			Name:    "poll",
			Usage:   "How long an idle embedded worker long-polls for work",
			Value:   5 * time.Second,
			Sources: cli.EnvVars("POLL_WAIT"),
		},
		&cli.StringFlag{
			Name:    "queue",
			Usage:   "Queue served by the embedded worker pool",
			Value:   protocol.DefaultQueue,
			Sources: cli.EnvVars("QUEUE"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL used to fan out ready notifications between replicas",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Expose pprof routes under /debug/pprof",
			Sources: cli.EnvVars("DEBUG"),
		},
	}
	flags = append(flags, databaseFlags()...)
	flags = append(flags, logFlags()...)

	return &cli.Command{
		Name:   "server",
		Usage:  "Run the HTTP API, the scheduler and an embedded worker pool",
		Flags:  flags,
		Action: runServer,
	}
}

func runServer(ctx context.Context, command *cli.Command) error {
	logger, err := setupLogger(command)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		notifier notify.Notifier = notify.NewLocal()
		relay    *notify.Redis
	)
	if url := command.String("redis-url"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		relay = notify.NewRedis(rdb, logger)
		notifier = relay
	}

	st, err := store.Open(ctx, command.String("db-driver"), command.String("db"),
		store.WithNotifier(notifier), store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	eng := engine.New(st,
		engine.WithLogger(logger.With().Str("component", "engine").Logger()),
		engine.WithLease(command.Duration("lease")))
	sched := scheduler.NewService(eng, command.Duration("sweep-interval"),
		scheduler.WithLogger(logger.With().Str("component", "scheduler").Logger()))
	svc := dispatch.New(eng, sched, notifier,
		dispatch.WithLogger(logger.With().Str("component", "dispatch").Logger()))

	addr := command.String("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServerWithDebug(svc, logger, command.Bool("debug")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	if n := int(command.Int("workers")); n > 0 {
		pool := newPool(svc, worker.Config{
			WorkerID:          embeddedWorkerID(),
			Queue:             command.String("queue"),
			Concurrency:       n,
			PollWait:          command.Duration("poll"),
			HeartbeatInterval: command.Duration("lease") / 3,
		}, logger)
		g.Go(func() error { return pool.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("db_driver", st.Driver()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func embeddedWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s-embedded-%s", host, uuid.New().String()[:8])
}

func newPool(d worker.Dispatcher, cfg worker.Config, logger zerolog.Logger) *worker.Pool {
	pool := worker.NewPool(d, cfg, worker.WithLogger(logger.With().Str("component", "worker").Logger()))
	registerHandlers(pool)
	return pool
}
