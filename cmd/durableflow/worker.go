package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"durableflow/internal/client"
	httphandler "durableflow/internal/handlers/http"
	"durableflow/internal/handlers/shell"
	"durableflow/internal/protocol"
	"durableflow/internal/worker"
)

func newWorkerCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "Base URL of the durableflow server",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("DURABLEFLOW_SERVER"),
		},
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Worker ID (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.StringFlag{
			Name:    "tenant",
			Usage:   "Tenant whose executions this worker runs",
			Value:   protocol.DefaultTenant,
			Sources: cli.EnvVars("TENANT_ID"),
		},
		&cli.StringFlag{
			Name:    "queue",
			Usage:   "Queue to poll",
			Value:   protocol.DefaultQueue,
			Sources: cli.EnvVars("QUEUE"),
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Maximum executions run at once",
			Value:   4,
			Sources: cli.EnvVars("CONCURRENCY"),
		},
		&cli.DurationFlag{
			Name:    "poll",
			Usage:   "How long an idle worker long-polls for work",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("POLL_WAIT"),
		},
		&cli.DurationFlag{
			Name:    "heartbeat",
			Usage:   "Heartbeat interval, well below the server lease",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("HEARTBEAT_INTERVAL"),
		},
	}

	return &cli.Command{
		Name:  "worker",
		Usage: "Run a standalone worker against a durableflow server",
		Flags: append(flags, logFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			logger, err := setupLogger(command)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
			}
			logger = logger.With().Str("worker_id", workerID).Logger()
			logger.Info().Str("server", command.String("server")).Msg("starting worker")

			pool := newPool(client.New(command.String("server")), worker.Config{
				WorkerID:          workerID,
				TenantID:          command.String("tenant"),
				Queue:             command.String("queue"),
				Concurrency:       int(command.Int("concurrency")),
				PollWait:          command.Duration("poll"),
				HeartbeatInterval: command.Duration("heartbeat"),
			}, logger)
			return pool.Run(ctx)
		},
	}
}

// registerHandlers installs the built-in task handlers.
func registerHandlers(pool *worker.Pool) {
	pool.HandleTask(shell.Kind, shell.Shell{})
	pool.HandleTask(httphandler.Kind, httphandler.HTTP{})
}
