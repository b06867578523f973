package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"datahub/db"
	"datahub/users"
)

var Version = "0.1.0"

// repoOpener returns a repository and a function releasing it.
type repoOpener func(ctx context.Context, dsn string) (users.Repository, func(), error)

func postgresRepository(ctx context.Context, dsn string) (users.Repository, func(), error) {
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return users.NewPostgresRepository(conn), func() { _ = conn.Close() }, nil
}

type cli struct {
	dsn    string
	open   repoOpener
	logger *slog.Logger
}

func (c *cli) repository(ctx context.Context) (users.Repository, func(), error) {
	if c.dsn == "" {
		return nil, nil, errors.New("database dsn is required (--dsn or DATAHUB_STORE_DSN)")
	}
	return c.open(ctx, c.dsn)
}

func newRootCmd(open repoOpener) *cobra.Command {
	_ = godotenv.Load()
	c := &cli{open: open}

	rootCmd := &cobra.Command{
		Use:   "datahub-admin",
		Short: "datahub-admin – account and schema administration for the ASSAS Data Hub",
		Long:  "datahub-admin manages the Data Hub user database.\n\nRun 'datahub-admin migrate up' once, then 'datahub-admin user add' to create basic-auth accounts.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelInfo}))
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.dsn, "dsn", os.Getenv("DATAHUB_STORE_DSN"), "PostgreSQL connection string")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(
		newMigrateCmd(c),
		newUserCmd(c),
		newHashPasswordCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "datahub-admin %s\n", Version)
			},
		},
	)
	return rootCmd
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.dsn == "" {
				return errors.New("database dsn is required (--dsn or DATAHUB_STORE_DSN)")
			}
			err := db.Migrate(c.dsn, args[0])
			switch {
			case errors.Is(err, db.ErrNoChange):
				c.logger.Info("schema already up to date", "direction", args[0])
				return nil
			case err != nil:
				return err
			}
			c.logger.Info("migration applied", "direction", args[0])
			return nil
		},
	}
}
