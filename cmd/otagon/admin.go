package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/otagon/otagon/db"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/proxy"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the persistent response cache",
	}

	withCache := func(run func(cmd *cobra.Command, cache ports.ResponseCache) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			database, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()
			cache := harness.NewFactory(a.cfg, database, a.logger).CreateResponseCache()
			if cache == nil {
				return errors.New("persistent cache is disabled (harness.persistent_cache_enabled)")
			}
			return run(cmd, cache)
		}
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics as JSON",
		RunE: withCache(func(cmd *cobra.Command, cache ports.ResponseCache) error {
			s, err := cache.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		}),
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired entries",
		RunE: withCache(func(cmd *cobra.Command, cache ports.ResponseCache) error {
			n, err := cache.CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
			return nil
		}),
	}

	var game string
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Delete every entry cached for a game",
		RunE: withCache(func(cmd *cobra.Command, cache ports.ResponseCache) error {
			if strings.TrimSpace(game) == "" {
				return errors.New("--game is required")
			}
			n, err := cache.InvalidateGame(cmd.Context(), game)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries for %s\n", n, game)
			return nil
		}),
	}
	invalidate.Flags().StringVar(&game, "game", "", "game title")

	cmd.AddCommand(stats, cleanup, invalidate)
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg.Database
			cfg.AutoMigrate = false
			database, err := db.Open(ctx, cfg, a.logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			if err := db.Migrate(ctx, database, a.logger); err != nil {
				return err
			}
			version, err := db.MigrationVersion(ctx, database)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database at version %d\n", version)
			return nil
		},
	}
}

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage proxy users and their quotas",
	}

	var id, token, tier string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || token == "" {
				return errors.New("--id and --token are required")
			}
			database, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()
			if err := proxy.NewSQLUsageStore(database).Upsert(cmd.Context(), id, token, ports.Tier(tier)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved with tier %s\n", id, tier)
			return nil
		},
	}
	add.Flags().StringVar(&id, "id", "", "user id")
	add.Flags().StringVar(&token, "token", "", "bearer token")
	add.Flags().StringVar(&tier, "tier", string(ports.TierFree), "free, pro or vanguard_pro")

	reset := &cobra.Command{
		Use:   "reset-usage",
		Short: "Zero every user's monthly counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()
			n, err := proxy.NewSQLUsageStore(database).ResetCounters(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d users\n", n)
			return nil
		},
	}

	cmd.AddCommand(add, reset)
	return cmd
}

func newKnowledgeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the game knowledge base",
	}

	var (
		snip     ports.KnowledgeSnippet
		keywords []string
		priority int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Store one fact about a game",
		RunE: func(cmd *cobra.Command, args []string) error {
			if snip.GameTitle == "" || snip.Content == "" {
				return errors.New("--game and --content are required")
			}
			database, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()
			id, err := adapters.NewSQLKnowledgeSource(database).Add(cmd.Context(), snip, keywords, priority)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	add.Flags().StringVar(&snip.GameTitle, "game", "", "game title")
	add.Flags().StringVar(&snip.Topic, "topic", "", "short topic, e.g. a boss name")
	add.Flags().StringVar(&snip.Content, "content", "", "the fact")
	add.Flags().StringSliceVar(&keywords, "keywords", nil, "extra match keywords")
	add.Flags().IntVar(&priority, "priority", 0, "higher ranks first")

	cmd.AddCommand(add)
	return cmd
}
