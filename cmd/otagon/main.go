// Command otagon runs the LLM proxy and offers admin and one-shot query
// commands against the same configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	internal "github.com/ZanzyTHEbar/otagon/otagon"
	"github.com/ZanzyTHEbar/otagon/otagon/config"
	"github.com/ZanzyTHEbar/otagon/otagon/db"
)

// app holds what every subcommand needs after the root pre-run.
type app struct {
	configPath string
	envFile    string

	cfg    *config.Config
	logger zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           internal.DefaultAppName,
		Short:         "Gaming companion LLM orchestration and proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		newServeCmd(a),
		newAskCmd(a),
		newCacheCmd(a),
		newMigrateCmd(a),
		newUserCmd(a),
		newKnowledgeCmd(a),
	)
	return root
}

func (a *app) init() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", a.envFile, err)
		}
	}
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.App)
	return nil
}

func newLogger(settings config.AppSettings) zerolog.Logger {
	level, err := zerolog.ParseLevel(settings.LogLevel)
	if err != nil || settings.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if settings.LogJSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Str("app", settings.Name).Logger()
}

func (a *app) openDB(ctx context.Context) (*db.DB, error) {
	database, err := db.Open(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}
