package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "durableflow",
		Usage:                 "Durable execution engine for workflows and tasks",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			newServerCommand(),
			newWorkerCommand(),
			newMigrateCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("durableflow")
	}
}

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (console, json)",
			Value:   "console",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

func databaseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "db-driver",
			Usage:   "Database driver (sqlite, postgres)",
			Value:   "sqlite",
			Sources: cli.EnvVars("DATABASE_DRIVER"),
		},
		&cli.StringFlag{
			Name:    "db",
			Usage:   "Database DSN, or a file path for sqlite",
			Value:   "durableflow.db",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
	}
}

func setupLogger(command *cli.Command) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(command.String("log-level"))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if command.String("log-format") == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger, nil
}
