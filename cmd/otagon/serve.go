package main

import (
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/proxy"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the LLM proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg.Server
			if addr != "" {
				cfg.Addr = addr
			}

			database, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			model, err := proxy.NewModel(ctx, cfg)
			if err != nil {
				return err
			}

			var limiter ports.RateLimiter
			if cfg.RateLimit > 0 {
				limiter = adapters.NewTokenBucket(cfg.RateLimit, cfg.RateRefill)
			}

			srv := proxy.NewServer(cfg, model, proxy.NewSQLUsageStore(database), limiter, a.logger)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
