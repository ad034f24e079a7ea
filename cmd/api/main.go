package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ccbcounter/api/internal/config"
	"ccbcounter/api/internal/logging"
)

func main() {
	// a missing .env is fine; the environment may already be set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := config.New()

	rootCmd := &cobra.Command{
		Use:           "ccb-api",
		Short:         "Rehearsal tally and Ata service",
		SilenceUsage: true,
	}
	setupFlags(rootCmd, v)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(v)
			if err != nil {
				return err
			}
			return migrateSchema(cmd.Context(), cfg, logger)
		},
	}

	var renderID int64
	var renderFormat, renderOut string
	render := &cobra.Command{
		Use:   "render",
		Short: "Render the Ata of a stored snapshot to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(v)
			if err != nil {
				return err
			}
			return renderAta(cmd.Context(), cfg, logger, renderID, renderFormat, renderOut)
		},
	}
	render.Flags().Int64Var(&renderID, "id", 0, "snapshot id")
	render.Flags().StringVar(&renderFormat, "format", "docx", "docx, html or pdf")
	render.Flags().StringVarP(&renderOut, "out", "o", "", "output file (default ata_<id>.<format>)")
	_ = render.MarkFlagRequired("id")

	rootCmd.AddCommand(serve, migrate, render)
	// serve is the default
	rootCmd.RunE = serve.RunE
	return rootCmd
}

// setupFlags defines the global flags; each overrides the environment key
// it is bound to.
func setupFlags(rootCmd *cobra.Command, v *viper.Viper) {
	flags := rootCmd.PersistentFlags()
	flags.String("addr", v.GetString("API_ADDR"), "HTTP listen address")
	flags.String("store", v.GetString("STORE_DRIVER"), "record store: sqlite, postgres or memory")
	flags.String("sqlite-path", v.GetString("SQLITE_PATH"), "SQLite database file")
	flags.String("database-url", v.GetString("DATABASE_URL"), "Postgres connection URL")
	flags.String("migrations-dir", v.GetString("MIGRATIONS_DIR"), "Postgres migrations directory")
	flags.String("transport", v.GetString("TRANSPORT"), "event transport: memory, redis or mqtt")
	flags.String("persist-mode", v.GetString("PERSIST_MODE"), "append, update or upsert")
	flags.String("log-level", v.GetString("LOG_LEVEL"), "debug, info, warn or error")

	for flag, key := range map[string]string{
		"addr":           "API_ADDR",
		"store":          "STORE_DRIVER",
		"sqlite-path":    "SQLITE_PATH",
		"database-url":   "DATABASE_URL",
		"migrations-dir": "MIGRATIONS_DIR",
		"transport":      "TRANSPORT",
		"persist-mode":   "PERSIST_MODE",
		"log-level":      "LOG_LEVEL",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func load(v *viper.Viper) (config.Config, *slog.Logger, error) {
	cfg := config.FromViper(v)
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return cfg, logger, err
	}
	return cfg, logger, nil
}
