package main

import (
	"context"

	cli "github.com/urfave/cli/v3"

	"durableflow/internal/store"
)

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit",
		Flags: append(databaseFlags(), logFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			logger, err := setupLogger(command)
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, command.String("db-driver"), command.String("db"), store.WithLogger(logger))
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info().Str("db_driver", st.Driver()).Msg("migrations applied")
			return nil
		},
	}
}
